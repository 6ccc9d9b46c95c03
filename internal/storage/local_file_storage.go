package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"streamgate/pkg/object"
)

// LocalFileStorage is an object.Backend that keeps payloads on the local
// filesystem under a content-addressed layout rooted at dataDir. Payloads
// live under objects/<first two hex chars>/<sha256>, and every object name
// has a small JSON record under index/ pointing at its payload. The payload
// hash doubles as the object's entity tag.
type LocalFileStorage struct {
	dataDir string
	now     func() time.Time
}

type indexRecord struct {
	Hash        string    `json:"hash"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	ModifiedAt  time.Time `json:"modifiedAt"`
}

// NewLocalFileStorage creates a new LocalFileStorage rooted at dataDir.
func NewLocalFileStorage(dataDir string) *LocalFileStorage {
	return &LocalFileStorage{dataDir: dataDir, now: time.Now}
}

// ObjectPath computes the full filesystem path for the payload identified by
// hashHex.
func ObjectPath(directory string, hashHex string) (string, error) {
	if len(hashHex) < 2 {
		return "", fmt.Errorf("invalid hash length: %d", len(hashHex))
	}
	subdir := hashHex[:2]
	return filepath.Join(directory, "objects", subdir, hashHex), nil
}

// LocateExistingObject reports whether a payload with the given hash and size
// is already present at objPath.
func LocateExistingObject(objPath string, size int64) bool {
	info, err := os.Stat(objPath)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return info.Size() == size
}

// CleanName validates an object name and returns its canonical form.
func CleanName(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || strings.ContainsRune(name, 0) {
		return "", object.ErrInvalidName
	}
	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return "", object.ErrInvalidName
		}
	}
	cleaned := path.Clean(name)
	if cleaned == "." {
		return "", object.ErrInvalidName
	}
	return cleaned, nil
}

func (s *LocalFileStorage) indexPath(name string) (string, error) {
	cleaned, err := CleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dataDir, "index", filepath.FromSlash(cleaned)+".json"), nil
}

func (s *LocalFileStorage) readIndex(name string) (indexRecord, error) {
	idxPath, err := s.indexPath(name)
	if err != nil {
		return indexRecord{}, err
	}

	data, err := os.ReadFile(idxPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return indexRecord{}, object.ErrNotFound
		}
		return indexRecord{}, err
	}

	var rec indexRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return indexRecord{}, fmt.Errorf("corrupt index entry for %q: %w", name, err)
	}
	return rec, nil
}

// Stat implements object.Backend.
func (s *LocalFileStorage) Stat(ctx context.Context, name string) (object.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return object.Metadata{}, err
	}

	rec, err := s.readIndex(name)
	if err != nil {
		return object.Metadata{}, err
	}

	return object.Metadata{
		Name:         name,
		ETag:         rec.Hash,
		Size:         rec.Size,
		ContentType:  rec.ContentType,
		LastModified: rec.ModifiedAt,
	}, nil
}

type sectionReadCloser struct {
	*io.SectionReader
	file *os.File
}

func (r sectionReadCloser) Close() error {
	return r.file.Close()
}

// OpenRange implements object.Backend.
func (s *LocalFileStorage) OpenRange(ctx context.Context, name string, start int64, end int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec, err := s.readIndex(name)
	if err != nil {
		return nil, err
	}

	if end < 0 || end >= rec.Size {
		end = rec.Size - 1
	}
	if start < 0 || (rec.Size > 0 && start > end) {
		return nil, fmt.Errorf("invalid range %d-%d for object of %d bytes", start, end, rec.Size)
	}

	objPath, err := ObjectPath(s.dataDir, rec.Hash)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(objPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, object.ErrNotFound
		}
		return nil, err
	}

	length := end - start + 1
	if rec.Size == 0 {
		length = 0
	}
	return sectionReadCloser{SectionReader: io.NewSectionReader(f, start, length), file: f}, nil
}

// Put streams r into the store under name. When size is not negative the
// stream must deliver exactly size bytes.
func (s *LocalFileStorage) Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (object.Metadata, error) {
	idxPath, err := s.indexPath(name)
	if err != nil {
		return object.Metadata{}, err
	}

	tmpDir := filepath.Join(s.dataDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return object.Metadata{}, err
	}

	tmp, err := os.CreateTemp(tmpDir, "upload-*")
	if err != nil {
		return object.Metadata{}, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), contextReader{ctx: ctx, r: r})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return object.Metadata{}, err
	}
	if size >= 0 && written != size {
		return object.Metadata{}, fmt.Errorf("short write for %q: got %d of %d bytes: %w", name, written, size, io.ErrUnexpectedEOF)
	}

	hashHex := hex.EncodeToString(hasher.Sum(nil))
	objPath, err := ObjectPath(s.dataDir, hashHex)
	if err != nil {
		return object.Metadata{}, err
	}

	// Identical payloads are stored once; the index entry is all that changes.
	if !LocateExistingObject(objPath, written) {
		if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
			return object.Metadata{}, err
		}
		if err := MoveFile(tmpName, objPath); err != nil {
			return object.Metadata{}, err
		}
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}

	rec := indexRecord{
		Hash:        hashHex,
		Size:        written,
		ContentType: contentType,
		ModifiedAt:  s.now().UTC().Truncate(time.Second),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return object.Metadata{}, err
	}
	if err := WriteFileAtomic(idxPath, data); err != nil {
		return object.Metadata{}, err
	}

	return object.Metadata{
		Name:         name,
		ETag:         rec.Hash,
		Size:         rec.Size,
		ContentType:  rec.ContentType,
		LastModified: rec.ModifiedAt,
	}, nil
}

// List implements object.Lister by walking the index.
func (s *LocalFileStorage) List(ctx context.Context, prefix string, limit int) ([]object.Metadata, bool, error) {
	root := filepath.Join(s.dataDir, "index")

	var names []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.ToSlash(rel), ".json")
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	slices.Sort(names)
	truncated := false
	if limit > 0 && len(names) > limit {
		names = names[:limit]
		truncated = true
	}

	objects := make([]object.Metadata, 0, len(names))
	for _, name := range names {
		meta, err := s.Stat(ctx, name)
		if errors.Is(err, object.ErrNotFound) {
			// removed while listing
			continue
		}
		if err != nil {
			return nil, false, err
		}
		objects = append(objects, meta)
	}
	return objects, truncated, nil
}

// Delete removes the index entry for name. Payloads are left in place since
// other names may share them.
func (s *LocalFileStorage) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	idxPath, err := s.indexPath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(idxPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return object.ErrNotFound
		}
		return err
	}
	return nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
