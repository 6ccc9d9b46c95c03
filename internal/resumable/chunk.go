package resumable

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

const (
	// ChunkAlignment is the granularity every non-final chunk must honour.
	ChunkAlignment = 256 << 10

	// DefaultChunkSize is used when no chunk size is configured.
	DefaultChunkSize = 8 << 20

	// MaxChunkSize bounds the per-upload buffer.
	MaxChunkSize = 1 << 30
)

// ChunkDescriptor is one PUT of the upload. A zero Length describes a
// status probe, or the single request of an empty upload.
type ChunkDescriptor struct {
	Offset  int64
	Length  int32
	IsFinal bool
}

// End is the offset of the last byte in the chunk.
func (c ChunkDescriptor) End() int64 {
	return c.Offset + int64(c.Length) - 1
}

// ContentRange formats the chunk for the Content-Range request header.
func (c ChunkDescriptor) ContentRange(total int64) string {
	if c.Length == 0 {
		return fmt.Sprintf("bytes */%d", total)
	}
	return fmt.Sprintf("bytes %d-%d/%d", c.Offset, c.End(), total)
}

// ValidateChunkSize reports whether size is usable as a chunk size.
func ValidateChunkSize(size int) error {
	if size <= 0 || size%ChunkAlignment != 0 || size > MaxChunkSize {
		return fmt.Errorf("%w: got %d", ErrInvalidChunkSize, size)
	}
	return nil
}

// NextOffset parses the Range header of a 308 response and returns the
// offset of the first byte the store has not yet persisted. Both
// "bytes=0-N" and "bytes 0-N" are accepted; an absent header means nothing
// has been persisted.
func NextOffset(header string) (int64, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, nil
	}

	rest, ok := strings.CutPrefix(header, "bytes")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	rest = strings.TrimLeft(rest, "= ")

	first, last, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}

	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil || start < 0 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	end, err := strconv.ParseInt(strings.TrimSpace(last), 10, 64)
	if err != nil || end < start {
		return 0, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	return end + 1, nil
}

type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	return &bufferPool{pool: sync.Pool{
		New: func() any {
			buf := make([]byte, size)
			return &buf
		},
	}}
}

func (p *bufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *bufferPool) Put(buf *[]byte) {
	p.pool.Put(buf)
}
