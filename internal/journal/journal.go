// Package journal records open upload sessions in SQLite so an interrupted
// upload can be picked up again after the process restarts.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"streamgate/internal/resumable"

	_ "github.com/mattn/go-sqlite3"
)

var (
	//go:embed migrations
	migrationsFS embed.FS
)

// ErrNotFound is returned when no entry exists for a session URI.
var ErrNotFound = errors.New("journal: session not found")

// Entry is one recorded upload session.
type Entry struct {
	SessionURI      string
	ObjectName      string
	ContentType     string
	SourcePath      string
	TotalLength     int64
	ConfirmedOffset int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Session rebuilds an active session from the entry. The recorded offset is
// a hint; probe before sending data.
func (e Entry) Session() *resumable.Session {
	return resumable.Reopen(e.SessionURI, e.ObjectName, e.TotalLength, e.ContentType, e.ConfirmedOffset)
}

// Journal is a SQLite-backed session log. It satisfies
// resumable.Checkpointer.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// initSchema applies the embedded migrations in lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// Open opens (creating if needed) the journal database at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal: path must not be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite db: %w", err)
	}
	// SQLite serialises writers; one connection avoids "database is locked".
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Journal{db: db, now: time.Now}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Save records e, replacing any entry with the same session URI.
func (j *Journal) Save(ctx context.Context, e Entry) error {
	if e.SessionURI == "" {
		return errors.New("journal: session URI must not be empty")
	}
	now := j.now().UTC()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO upload_sessions(session_uri, object_name, content_type, source_path, total_length, confirmed_offset, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_uri) DO UPDATE SET
		     object_name = excluded.object_name,
		     content_type = excluded.content_type,
		     source_path = excluded.source_path,
		     total_length = excluded.total_length,
		     confirmed_offset = excluded.confirmed_offset,
		     updated_at = excluded.updated_at`,
		e.SessionURI, e.ObjectName, e.ContentType, e.SourcePath, e.TotalLength, e.ConfirmedOffset, now, now,
	)
	if err != nil {
		return fmt.Errorf("journal: save %q: %w", e.SessionURI, err)
	}
	return nil
}

// Checkpoint records the session's current offset, keeping any source path
// saved earlier.
func (j *Journal) Checkpoint(ctx context.Context, s *resumable.Session) error {
	now := j.now().UTC()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO upload_sessions(session_uri, object_name, content_type, total_length, confirmed_offset, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_uri) DO UPDATE SET
		     confirmed_offset = excluded.confirmed_offset,
		     updated_at = excluded.updated_at`,
		s.URI(), s.ObjectName(), s.ContentType(), s.TotalLength(), s.Offset(), now, now,
	)
	if err != nil {
		return fmt.Errorf("journal: checkpoint %q: %w", s.URI(), err)
	}
	return nil
}

// Forget removes the entry for sessionURI. Forgetting an unknown session is
// not an error.
func (j *Journal) Forget(ctx context.Context, sessionURI string) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM upload_sessions WHERE session_uri = ?`, sessionURI); err != nil {
		return fmt.Errorf("journal: forget %q: %w", sessionURI, err)
	}
	return nil
}

const selectColumns = `SELECT session_uri, object_name, content_type, source_path, total_length, confirmed_offset, created_at, updated_at FROM upload_sessions`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var e Entry
	err := row.Scan(&e.SessionURI, &e.ObjectName, &e.ContentType, &e.SourcePath,
		&e.TotalLength, &e.ConfirmedOffset, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

// Get returns the entry for sessionURI, or ErrNotFound.
func (j *Journal) Get(ctx context.Context, sessionURI string) (Entry, error) {
	e, err := scanEntry(j.db.QueryRowContext(ctx, selectColumns+` WHERE session_uri = ?`, sessionURI))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("journal: get %q: %w", sessionURI, err)
	}
	return e, nil
}

// List returns every recorded session, oldest first.
func (j *Journal) List(ctx context.Context) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, selectColumns+` ORDER BY created_at, session_uri`)
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Tracker is a Checkpointer that also records the local file each object is
// read from, so a later process can reopen it and resume.
type Tracker struct {
	journal *Journal

	mu      sync.RWMutex
	sources map[string]string
}

func (j *Journal) Track() *Tracker {
	return &Tracker{journal: j, sources: make(map[string]string)}
}

// Add associates objectName with the file at sourcePath.
func (t *Tracker) Add(objectName string, sourcePath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sources[objectName] = sourcePath
}

func (t *Tracker) Checkpoint(ctx context.Context, s *resumable.Session) error {
	t.mu.RLock()
	source, ok := t.sources[s.ObjectName()]
	t.mu.RUnlock()

	if !ok {
		return t.journal.Checkpoint(ctx, s)
	}
	return t.journal.Save(ctx, Entry{
		SessionURI:      s.URI(),
		ObjectName:      s.ObjectName(),
		ContentType:     s.ContentType(),
		SourcePath:      source,
		TotalLength:     s.TotalLength(),
		ConfirmedOffset: s.Offset(),
	})
}

func (t *Tracker) Forget(ctx context.Context, sessionURI string) error {
	return t.journal.Forget(ctx, sessionURI)
}
