// Package resumable drives chunked, resumable uploads against object stores
// that speak the x-goog-resumable session protocol.
package resumable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxRetries   = 3
	DefaultRetryBase    = 250 * time.Millisecond
	DefaultRetryMax     = 5 * time.Second
	DefaultSignedURLTTL = 15 * time.Minute
)

// Observer is told about every chunk exchange. Implementations must be safe
// for concurrent use when the engine runs several uploads at once.
type Observer interface {
	ChunkSent(chunk ChunkDescriptor, status int, confirmed int64)
	ChunkRetried(chunk ChunkDescriptor, attempt int, err error)
}

// Checkpointer persists session progress so an upload can be resumed after
// the process restarts.
type Checkpointer interface {
	Checkpoint(ctx context.Context, s *Session) error
	Forget(ctx context.Context, sessionURI string) error
}

type nopObserver struct{}

func (nopObserver) ChunkSent(ChunkDescriptor, int, int64)    {}
func (nopObserver) ChunkRetried(ChunkDescriptor, int, error) {}

// Engine uploads sources through Sessions in fixed-size chunks.
type Engine struct {
	client       Doer
	chunkSize    int
	maxRetries   int
	retryBase    time.Duration
	retryMax     time.Duration
	signedURLTTL time.Duration
	observer     Observer
	checkpoints  Checkpointer
	buffers      *bufferPool
}

type Option func(*Engine)

// WithChunkSize sets the chunk size. It must be a positive multiple of
// ChunkAlignment.
func WithChunkSize(size int) Option {
	return func(e *Engine) {
		e.chunkSize = size
	}
}

// WithMaxRetries bounds how many times a chunk is resent after a transport
// error. Protocol rejections are never retried.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithBackoff sets the exponential backoff bounds between transport retries.
func WithBackoff(base time.Duration, maxInterval time.Duration) Option {
	return func(e *Engine) {
		if base > 0 {
			e.retryBase = base
		}
		if maxInterval > 0 {
			e.retryMax = maxInterval
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

func WithCheckpointer(c Checkpointer) Option {
	return func(e *Engine) {
		e.checkpoints = c
	}
}

// WithSignedURLTTL sets how long initiation URLs requested by UploadObject
// stay valid.
func WithSignedURLTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.signedURLTTL = ttl
		}
	}
}

// NewHTTPClient returns a client that hands 308 responses back to the
// caller instead of treating them as redirects.
func NewHTTPClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// NewEngine creates an Engine. A nil client means NewHTTPClient.
func NewEngine(client Doer, opts ...Option) (*Engine, error) {
	if client == nil {
		client = NewHTTPClient()
	}

	e := &Engine{
		client:       client,
		chunkSize:    DefaultChunkSize,
		maxRetries:   DefaultMaxRetries,
		retryBase:    DefaultRetryBase,
		retryMax:     DefaultRetryMax,
		signedURLTTL: DefaultSignedURLTTL,
		observer:     nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := ValidateChunkSize(e.chunkSize); err != nil {
		return nil, err
	}
	e.buffers = newBufferPool(e.chunkSize)
	return e, nil
}

func (e *Engine) ChunkSize() int {
	return e.chunkSize
}

func (e *Engine) Client() Doer {
	return e.client
}

// Upload sends src through an active session until the store reports the
// upload complete. src must be positioned at the session's confirmed
// offset. When the store accepts fewer bytes than offered, the unconfirmed
// tail stays buffered and is sent again at the head of the next chunk.
//
// Cancelling ctx leaves the session active at its last confirmed offset.
func (e *Engine) Upload(ctx context.Context, src io.Reader, s *Session) error {
	if state := s.State(); state != StateActive {
		return fmt.Errorf("%w: cannot upload from %s", ErrInvalidState, state)
	}

	total := s.TotalLength()
	if total == 0 {
		if err := e.exchange(ctx, s, ChunkDescriptor{IsFinal: true}, nil); err != nil {
			return err
		}
		return e.finish(ctx, s)
	}

	bufp := e.buffers.Get()
	defer e.buffers.Put(bufp)
	buf := *bufp

	bufStart := s.Offset()
	buffered := 0
	stalls := 0

	for s.State() == StateActive {
		confirmed := s.Offset()
		if confirmed > bufStart {
			buffered = copy(buf, buf[confirmed-bufStart:buffered])
			bufStart = confirmed
		}

		want := int(min(int64(len(buf)), total-bufStart))
		if buffered < want {
			n, err := io.ReadFull(src, buf[buffered:want])
			buffered += n
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return s.Fail(fmt.Errorf("%w: got %d of %d bytes", ErrShortSource, bufStart+int64(buffered), total))
			}
			if err != nil {
				return fmt.Errorf("resumable: read source at byte %d: %w", bufStart+int64(buffered), err)
			}
		}

		chunk := ChunkDescriptor{
			Offset:  bufStart,
			Length:  int32(want),
			IsFinal: bufStart+int64(want) == total,
		}
		if err := e.exchange(ctx, s, chunk, buf[:want]); err != nil {
			return err
		}

		if s.State() == StateActive && s.Offset() == confirmed {
			stalls++
			if stalls > e.maxRetries {
				return s.Fail(fmt.Errorf("%w: offset stuck at %d", ErrNoProgress, confirmed))
			}
			continue
		}
		stalls = 0
	}

	return e.finish(ctx, s)
}

// Probe asks the store how many bytes of the session it holds, using a
// zero-length PUT. The session may complete if the store already has
// everything.
func (e *Engine) Probe(ctx context.Context, s *Session) error {
	if state := s.State(); state != StateActive {
		return fmt.Errorf("%w: cannot probe from %s", ErrInvalidState, state)
	}
	return e.exchange(ctx, s, ChunkDescriptor{Offset: s.Offset()}, nil)
}

// Resume probes s for its persisted offset, seeks src there and uploads the
// remainder.
func (e *Engine) Resume(ctx context.Context, src io.ReadSeeker, s *Session) error {
	if err := e.Probe(ctx, s); err != nil {
		return err
	}
	if s.State() == StateCompleted {
		return e.finish(ctx, s)
	}

	if _, err := src.Seek(s.Offset(), io.SeekStart); err != nil {
		return fmt.Errorf("resumable: seek source to %d: %w", s.Offset(), err)
	}

	slog.Info("Resuming upload",
		slog.String("object", s.ObjectName()),
		slog.Int64("offset", s.Offset()),
		slog.Int64("total", s.TotalLength()),
	)
	return e.Upload(ctx, src, s)
}

func (e *Engine) finish(ctx context.Context, s *Session) error {
	if s.State() != StateCompleted {
		if err := s.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: upload ended in %s", ErrInvalidState, s.State())
	}

	if e.checkpoints != nil {
		if err := e.checkpoints.Forget(ctx, s.URI()); err != nil {
			slog.Warn("Failed to clear upload checkpoint", slog.String("session", s.URI()), slog.Any("error", err))
		}
	}
	return nil
}

// exchange sends one chunk and applies the response to the session.
func (e *Engine) exchange(ctx context.Context, s *Session, chunk ChunkDescriptor, body []byte) error {
	resp, err := e.put(ctx, s, chunk, body)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	err = s.Advance(resp, chunk)
	e.observer.ChunkSent(chunk, resp.StatusCode, s.Offset())

	slog.Debug("Chunk exchanged",
		slog.String("object", s.ObjectName()),
		slog.String("range", chunk.ContentRange(s.TotalLength())),
		slog.Int("status", resp.StatusCode),
		slog.Int64("confirmed", s.Offset()),
	)

	if err != nil {
		e.discardRejected(ctx, s, err)
		return err
	}

	if e.checkpoints != nil && s.State() == StateActive {
		if err := e.checkpoints.Checkpoint(ctx, s); err != nil {
			slog.Warn("Failed to checkpoint upload", slog.String("session", s.URI()), slog.Any("error", err))
		}
	}
	return nil
}

// discardRejected drops the checkpoint of a session the store refused.
// Such a session can never be resumed; transport failures keep theirs.
func (e *Engine) discardRejected(ctx context.Context, s *Session, err error) {
	var pe *ProtocolError
	if e.checkpoints == nil || !errors.As(err, &pe) {
		return
	}
	slog.Info("Dropping checkpoint of rejected upload session",
		slog.String("object", s.ObjectName()),
		slog.String("session", s.URI()),
		slog.Int("status", pe.Status),
	)
	if err := e.checkpoints.Forget(ctx, s.URI()); err != nil {
		slog.Warn("Failed to clear upload checkpoint", slog.String("session", s.URI()), slog.Any("error", err))
	}
}

func (e *Engine) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.retryBase
	eb.MaxInterval = e.retryMax
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(e.maxRetries)), ctx)
}

// put sends a chunk, resending the identical range after transport errors.
// A response of any status ends the retry loop.
func (e *Engine) put(ctx context.Context, s *Session, chunk ChunkDescriptor, body []byte) (*http.Response, error) {
	contentRange := chunk.ContentRange(s.TotalLength())
	attempt := 0

	var resp *http.Response
	operation := func() error {
		attempt++

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.URI(), bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.ContentLength = int64(len(body))
		req.Header.Set("Content-Range", contentRange)

		r, err := e.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			e.observer.ChunkRetried(chunk, attempt, err)
			slog.Warn("Chunk transport error",
				slog.String("object", s.ObjectName()),
				slog.String("range", contentRange),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			return err
		}

		resp = r
		return nil
	}

	if err := backoff.Retry(operation, e.newBackOff(ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, s.Fail(fmt.Errorf("%w: %s after %d attempts: %w", ErrTransport, contentRange, attempt, err))
	}
	return resp, nil
}
