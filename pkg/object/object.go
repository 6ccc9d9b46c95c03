package object

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// ErrNotFound is returned by a Backend when the named object does not exist.
var ErrNotFound = errors.New("object not found")

// ErrInvalidName is returned when an object name cannot be mapped onto the
// backing store (empty, absolute, or escaping its root).
var ErrInvalidName = errors.New("invalid object name")

// Metadata describes a stored object as reported by its backend.
type Metadata struct {
	Name         string    `json:"name"`
	ETag         string    `json:"etag"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType"`
	LastModified time.Time `json:"lastModified"`

	// CachedAt is stamped by the metadata cache when the entry was fetched.
	// Backends leave it zero.
	CachedAt time.Time `json:"cachedAt"`
}

// QuotedETag returns the entity tag in its quoted wire form.
func (m Metadata) QuotedETag() string {
	return `"` + m.ETag + `"`
}

// NormalizeETag strips surrounding whitespace, a weak "W/" prefix, and
// double quotes from an entity tag so tags can be compared by value.
func NormalizeETag(tag string) string {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "W/")
	return strings.Trim(tag, `"`)
}

// Backend is the read side of an object store.
type Backend interface {
	// Stat returns the metadata for name, or ErrNotFound.
	Stat(ctx context.Context, name string) (Metadata, error)

	// OpenRange returns a reader over the inclusive byte range [start, end]
	// of the named object. An end below zero means "through the last byte".
	OpenRange(ctx context.Context, name string, start int64, end int64) (io.ReadCloser, error)
}

// Putter is implemented by backends that can also store objects directly.
type Putter interface {
	Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (Metadata, error)
}

// Lister is implemented by backends that can enumerate objects by name
// prefix. At most limit objects are returned in name order; truncated
// reports whether more matched.
type Lister interface {
	List(ctx context.Context, prefix string, limit int) (objects []Metadata, truncated bool, err error)
}
