package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"streamgate/pkg/object"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds connection details for a MinIO (or other S3-compatible)
// endpoint.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Secure    bool   `yaml:"secure"`
}

// NewMinioClient creates a minio-go client from cfg.
func NewMinioClient(cfg MinioConfig) (*minio.Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("minio: endpoint is required")
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
}

// MinioStorage is an object.Backend over a single bucket.
type MinioStorage struct {
	client *minio.Client
	bucket string
}

func NewMinioStorage(client *minio.Client, bucket string) (*MinioStorage, error) {
	if bucket == "" {
		return nil, errors.New("minio: bucket is required")
	}
	return &MinioStorage{client: client, bucket: bucket}, nil
}

// Stat implements object.Backend.
func (s *MinioStorage) Stat(ctx context.Context, name string) (object.Metadata, error) {
	info, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		return object.Metadata{}, mapMinioError(err)
	}
	return infoToMetadata(name, info), nil
}

// OpenRange implements object.Backend.
func (s *MinioStorage) OpenRange(ctx context.Context, name string, start int64, end int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}

	var err error
	switch {
	case end >= 0:
		err = opts.SetRange(start, end)
	case start > 0:
		// minio-go spells "from start to EOF" as an end of zero.
		err = opts.SetRange(start, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("minio: %w", err)
	}

	// Core.GetObject sends the ranged GET right away, so a missing object
	// surfaces before the caller commits to a response.
	body, _, _, err := minio.Core{Client: s.client}.GetObject(ctx, s.bucket, name, opts)
	if err != nil {
		return nil, mapMinioError(err)
	}
	return body, nil
}

// Put uploads r as name.
func (s *MinioStorage) Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (object.Metadata, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if _, err := s.client.PutObject(ctx, s.bucket, name, r, size, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return object.Metadata{}, mapMinioError(err)
	}
	return s.Stat(ctx, name)
}

// List implements object.Lister.
func (s *MinioStorage) List(ctx context.Context, prefix string, limit int) ([]object.Metadata, bool, error) {
	// Cancelling stops minio-go's listing goroutine once enough was read.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var objects []object.Metadata
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, false, mapMinioError(info.Err)
		}
		if limit > 0 && len(objects) == limit {
			return objects, true, nil
		}
		objects = append(objects, infoToMetadata(info.Key, info))
	}
	return objects, false, nil
}

func infoToMetadata(name string, info minio.ObjectInfo) object.Metadata {
	return object.Metadata{
		Name:         name,
		ETag:         object.NormalizeETag(info.ETag),
		Size:         info.Size,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}
}

func mapMinioError(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return object.ErrNotFound
	}
	return err
}
