package resumable_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"streamgate/internal/resumable"
	"streamgate/internal/resumabletest"

	"github.com/stretchr/testify/require"
)

const mib = 1 << 20

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

func newEngine(t *testing.T, client resumable.Doer, opts ...resumable.Option) *resumable.Engine {
	t.Helper()
	base := []resumable.Option{
		resumable.WithChunkSize(resumable.ChunkAlignment),
		resumable.WithBackoff(time.Millisecond, 2*time.Millisecond),
	}
	engine, err := resumable.NewEngine(client, append(base, opts...)...)
	require.NoError(t, err)
	return engine
}

func startSession(t *testing.T, engine *resumable.Engine, srv *resumabletest.Server, name string, size int) *resumable.Session {
	t.Helper()
	session := resumable.NewSession(name, int64(size), "application/octet-stream")
	require.NoError(t, session.Initiate(context.Background(), engine.Client(), srv.InitURL(name)))
	require.Equal(t, resumable.StateActive, session.State())
	return session
}

func contentRanges(puts []resumabletest.Put) []string {
	out := make([]string, 0, len(puts))
	for _, p := range puts {
		out = append(out, p.ContentRange)
	}
	return out
}

// hookDoer runs before on every request and then forwards it.
type hookDoer struct {
	next   resumable.Doer
	before func(req *http.Request)
}

func (d *hookDoer) Do(req *http.Request) (*http.Response, error) {
	if d.before != nil {
		d.before(req)
	}
	return d.next.Do(req)
}

func TestUploadSendsCeilChunks(t *testing.T) {
	t.Parallel()

	srv := resumabletest.NewServer(t)
	engine := newEngine(t, nil, resumable.WithChunkSize(8*mib))
	data := payload(20 * mib)

	session := startSession(t, engine, srv, "videos/big.bin", len(data))
	require.NoError(t, engine.Upload(context.Background(), bytes.NewReader(data), session))

	require.Equal(t, resumable.StateCompleted, session.State())
	require.Equal(t, int64(len(data)), session.Offset())

	puts := srv.Puts()
	require.Equal(t, []string{
		"bytes 0-8388607/20971520",
		"bytes 8388608-16777215/20971520",
		"bytes 16777216-20971519/20971520",
	}, contentRanges(puts))
	require.Equal(t, http.StatusOK, puts[len(puts)-1].Status, "final chunk completes the upload")

	got, ok := srv.Object("videos/big.bin")
	require.True(t, ok)
	require.True(t, bytes.Equal(data, got), "uploaded bytes differ from source")
}

func TestUploadResumesFromServerOffsetAfterPartialAcceptance(t *testing.T) {
	t.Parallel()

	srv := resumabletest.NewServer(t)
	var first atomic.Bool
	srv.Accept = func(offset int64, offered int) int {
		if first.CompareAndSwap(false, true) {
			return 4 * mib
		}
		return offered
	}

	engine := newEngine(t, nil, resumable.WithChunkSize(8*mib))
	data := payload(16 * mib)

	session := startSession(t, engine, srv, "partial.bin", len(data))
	require.NoError(t, engine.Upload(context.Background(), bytes.NewReader(data), session))

	ranges := contentRanges(srv.Puts())
	require.Equal(t, "bytes 0-8388607/16777216", ranges[0])
	require.Equal(t, "bytes 4194304-12582911/16777216", ranges[1], "next chunk starts at the server-confirmed offset")
	require.Equal(t, "bytes 12582912-16777215/16777216", ranges[2])
	require.Len(t, ranges, 3)

	got, ok := srv.Object("partial.bin")
	require.True(t, ok)
	require.True(t, bytes.Equal(data, got), "re-sent tail must come from the source, not from zeroed buffer space")
}

func TestUploadRetriesTransportErrorAtSameOffset(t *testing.T) {
	t.Parallel()

	srv := resumabletest.NewServer(t)
	var dropped atomic.Bool
	client := &hookDoer{
		next: resumable.NewHTTPClient(),
		before: func(req *http.Request) {
			if req.Method == http.MethodPut &&
				strings.HasPrefix(req.Header.Get("Content-Range"), "bytes 262144-") &&
				dropped.CompareAndSwap(false, true) {
				srv.DropNext(1)
			}
		},
	}

	engine := newEngine(t, client)
	data := payload(600 << 10)
	session := startSession(t, engine, srv, "flaky.bin", len(data))
	require.NoError(t, engine.Upload(context.Background(), bytes.NewReader(data), session))

	puts := srv.Puts()
	require.Len(t, puts, 4)
	require.True(t, puts[1].Dropped)
	require.Equal(t, puts[1].ContentRange, puts[2].ContentRange, "retry must resend the identical range")
	require.Equal(t, "bytes 262144-524287/614400", puts[2].ContentRange)

	got, _ := srv.Object("flaky.bin")
	require.True(t, bytes.Equal(data, got))
}

func TestUploadFailsAfterRetryBudget(t *testing.T) {
	t.Parallel()

	srv := resumabletest.NewServer(t)
	engine := newEngine(t, nil, resumable.WithMaxRetries(2))
	data := payload(300 << 10)
	session := startSession(t, engine, srv, "down.bin", len(data))

	srv.DropNext(10)
	err := engine.Upload(context.Background(), bytes.NewReader(data), session)
	require.ErrorIs(t, err, resumable.ErrTransport)
	require.Equal(t, resumable.StateFailed, session.State())
	require.ErrorIs(t, session.Err(), resumable.ErrTransport)
	require.Len(t, srv.Puts(), 3, "one attempt plus two retries")
	require.Equal(t, int64(0), session.Offset())
}

func TestUploadDoesNotRetryProtocolRejection(t *testing.T) {
	t.Parallel()

	srv := resumabletest.NewServer(t)
	srv.Intercept = func(contentRange string) (int, string) {
		if strings.HasPrefix(contentRange, "bytes 262144-") {
			return http.StatusServiceUnavailable, "backend overloaded"
		}
		return 0, ""
	}

	engine := newEngine(t, nil)
	data := payload(600 << 10)
	session := startSession(t, engine, srv, "rejected.bin", len(data))

	err := engine.Upload(context.Background(), bytes.NewReader(data), session)
	var pe *resumable.ProtocolError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, http.StatusServiceUnavailable, pe.Status)
	require.Contains(t, pe.Body, "backend overloaded")
	require.ErrorIs(t, err, resumable.ErrUnexpectedStatus)

	require.Equal(t, resumable.StateFailed, session.State())
	require.Equal(t, int64(262144), session.Offset(), "confirmed offset survives the failure")
	require.Len(t, srv.Puts(), 2)
}

func TestUploadStopsWhenStoreMakesNoProgress(t *testing.T) {
	t.Parallel()

	srv := resumabletest.NewServer(t)
	srv.Accept = func(int64, int) int { return 0 }

	engine := newEngine(t, nil, resumable.WithMaxRetries(2))
	data := payload(300 << 10)
	session := startSession(t, engine, srv, "stuck.bin", len(data))

	err := engine.Upload(context.Background(), bytes.NewReader(data), session)
	require.ErrorIs(t, err, resumable.ErrNoProgress)
	require.Equal(t, resumable.StateFailed, session.State())
	require.Len(t, srv.Puts(), 3)
}

func TestUploadEmptySource(t *testing.T) {
	t.Parallel()

	srv := resumabletest.NewServer(t)
	engine := newEngine(t, nil)
	session := startSession(t, engine, srv, "empty.bin", 0)

	require.NoError(t, engine.Upload(context.Background(), bytes.NewReader(nil), session))
	require.Equal(t, resumable.StateCompleted, session.State())
	require.Equal(t, []string{"bytes */0"}, contentRanges(srv.Puts()))

	got, ok := srv.Object("empty.bin")
	require.True(t, ok)
	require.Empty(t, got)
}

func TestUploadShortSource(t *testing.T) {
	t.Parallel()

	srv := resumabletest.NewServer(t)
	engine := newEngine(t, nil)
	session := startSession(t, engine, srv, "short.bin", 1*mib)

	err := engine.Upload(context.Background(), bytes.NewReader(payload(100<<10)), session)
	require.ErrorIs(t, err, resumable.ErrShortSource)
	require.Equal(t, resumable.StateFailed, session.State())
	require.Empty(t, srv.Puts(), "nothing is sent for a chunk that could not be filled")
}

func TestUploadCancellationKeepsSessionActive(t *testing.T) {
	t.Parallel()

	srv := resumabletest.NewServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var puts atomic.Int32
	client := &hookDoer{
		next: resumable.NewHTTPClient(),
		before: func(req *http.Request) {
			if req.Method == http.MethodPut && puts.Add(1) == 2 {
				cancel()
			}
		},
	}

	engine := newEngine(t, client)
	data := payload(600 << 10)
	session := startSession(t, engine, srv, "cancel.bin", len(data))

	err := engine.Upload(ctx, bytes.NewReader(data), session)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, resumable.StateActive, session.State())
	require.Equal(t, int64(262144), session.Offset())
}

type failingReader struct {
	r     io.Reader
	limit int
	read  int
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.read >= f.limit {
		return 0, errors.New("disk went away")
	}
	p = p[:min(len(p), f.limit-f.read)]
	n, err := f.r.Read(p)
	f.read += n
	return n, err
}

func TestResumeAfterInterruption(t *testing.T) {
	t.Parallel()

	srv := resumabletest.NewServer(t)
	engine := newEngine(t, nil)
	data := payload(700 << 10)
	session := startSession(t, engine, srv, "resume.bin", len(data))

	// The source fails partway through the second chunk.
	err := engine.Upload(context.Background(), &failingReader{r: bytes.NewReader(data), limit: 300 << 10}, session)
	require.Error(t, err)
	require.Equal(t, resumable.StateActive, session.State())
	require.Equal(t, int64(262144), srv.Received(session.URI()))

	// A new process only knows the session URI; the offset hint is stale.
	reopened := resumable.Reopen(session.URI(), "resume.bin", int64(len(data)), "application/octet-stream", 0)
	require.NoError(t, engine.Resume(context.Background(), bytes.NewReader(data), reopened))
	require.Equal(t, resumable.StateCompleted, reopened.State())

	ranges := contentRanges(srv.Puts())
	require.Equal(t, []string{
		"bytes 0-262143/716800",
		"bytes */716800",
		"bytes 262144-524287/716800",
		"bytes 524288-716799/716800",
	}, ranges)

	got, ok := srv.Object("resume.bin")
	require.True(t, ok)
	require.True(t, bytes.Equal(data, got))
}

func TestResumeCompletedSession(t *testing.T) {
	t.Parallel()

	srv := resumabletest.NewServer(t)
	engine := newEngine(t, nil)
	data := payload(100 << 10)
	session := startSession(t, engine, srv, "done.bin", len(data))
	require.NoError(t, engine.Upload(context.Background(), bytes.NewReader(data), session))

	reopened := resumable.Reopen(session.URI(), "done.bin", int64(len(data)), "", 0)
	require.NoError(t, engine.Resume(context.Background(), bytes.NewReader(data), reopened))
	require.Equal(t, resumable.StateCompleted, reopened.State())
}

func TestProbeExpiredSession(t *testing.T) {
	t.Parallel()

	srv := resumabletest.NewServer(t)
	engine := newEngine(t, nil)
	session := startSession(t, engine, srv, "expired.bin", 1024)

	srv.ExpireSessions()
	err := engine.Probe(context.Background(), session)
	require.ErrorIs(t, err, resumable.ErrSessionExpired)
	require.Equal(t, resumable.StateFailed, session.State())
}

func TestInitiateWithoutLocation(t *testing.T) {
	t.Parallel()

	srv := resumabletest.NewServer(t)
	srv.OmitLocation = true

	session := resumable.NewSession("nolocation.bin", 10, "")
	err := session.Initiate(context.Background(), resumable.NewHTTPClient(), srv.InitURL("nolocation.bin"))
	require.ErrorIs(t, err, resumable.ErrSessionURIMissing)

	var pe *resumable.ProtocolError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, http.StatusCreated, pe.Status)
	require.Equal(t, resumable.StateFailed, session.State())
}

func TestInitiateResolvesRelativeLocation(t *testing.T) {
	t.Parallel()

	srv := resumabletest.NewServer(t)
	session := resumable.NewSession("relative.bin", 10, "text/plain")
	require.NoError(t, session.Initiate(context.Background(), resumable.NewHTTPClient(), srv.InitURL("relative.bin")))
	require.True(t, strings.HasPrefix(session.URI(), srv.URL+"/session/"), "got %q", session.URI())

	err := session.Initiate(context.Background(), resumable.NewHTTPClient(), srv.InitURL("relative.bin"))
	require.ErrorIs(t, err, resumable.ErrInvalidState, "a session is only initiated once")
}

func TestInitiateRejected(t *testing.T) {
	t.Parallel()

	srv := resumabletest.NewServer(t)
	srv.Verifier = denyAll{}

	session := resumable.NewSession("denied.bin", 10, "")
	err := session.Initiate(context.Background(), resumable.NewHTTPClient(), srv.InitURL("denied.bin"))

	var pe *resumable.ProtocolError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, http.StatusForbidden, pe.Status)
	require.Equal(t, resumable.StateFailed, session.State())
}

type denyAll struct{}

func (denyAll) Verify(string, string, url.Values) error {
	return errors.New("denied")
}

func TestNewEngineValidatesChunkSize(t *testing.T) {
	t.Parallel()

	for _, size := range []int{0, -1, 1000, resumable.ChunkAlignment + 1, resumable.MaxChunkSize + resumable.ChunkAlignment} {
		_, err := resumable.NewEngine(nil, resumable.WithChunkSize(size))
		require.ErrorIs(t, err, resumable.ErrInvalidChunkSize, "size %d", size)
	}

	engine, err := resumable.NewEngine(nil)
	require.NoError(t, err)
	require.Equal(t, resumable.DefaultChunkSize, engine.ChunkSize())
}

type recordingObserver struct {
	mu      sync.Mutex
	sent    []int
	retries int
}

func (o *recordingObserver) ChunkSent(_ resumable.ChunkDescriptor, status int, _ int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, status)
}

func (o *recordingObserver) ChunkRetried(resumable.ChunkDescriptor, int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
}

type recordingCheckpointer struct {
	mu        sync.Mutex
	offsets   []int64
	forgotten []string
}

func (c *recordingCheckpointer) Checkpoint(_ context.Context, s *resumable.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsets = append(c.offsets, s.Offset())
	return nil
}

func (c *recordingCheckpointer) Forget(_ context.Context, uri string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgotten = append(c.forgotten, uri)
	return nil
}

func TestUploadObjectReportsProgress(t *testing.T) {
	t.Parallel()

	srv := resumabletest.NewServer(t)
	observer := &recordingObserver{}
	checkpoints := &recordingCheckpointer{}
	engine := newEngine(t, nil, resumable.WithObserver(observer), resumable.WithCheckpointer(checkpoints))

	srv.DropNext(1)
	data := payload(600 << 10)
	res := engine.UploadObject(context.Background(), srv, resumable.Job{
		ObjectName: "observed.bin",
		Size:       int64(len(data)),
		Open:       func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	})
	require.NoError(t, res.Err)
	require.Equal(t, resumable.StateCompleted, res.Session.State())

	require.Equal(t, []int{308, 308, 200}, observer.sent)
	require.Equal(t, 1, observer.retries)
	require.Equal(t, []int64{0, 262144, 524288}, checkpoints.offsets)
	require.Equal(t, []string{res.Session.URI()}, checkpoints.forgotten)
}

func TestUploadAllRespectsLimit(t *testing.T) {
	t.Parallel()

	srv := resumabletest.NewServer(t)
	engine := newEngine(t, nil)

	var active, peak atomic.Int32
	jobs := make([]resumable.Job, 6)
	sources := make([][]byte, len(jobs))
	for i := range jobs {
		sources[i] = payload((100 + i*50) << 10)
		data := sources[i]
		jobs[i] = resumable.Job{
			ObjectName: "batch/" + string(rune('a'+i)) + ".bin",
			Size:       int64(len(data)),
			Open: func() (io.ReadCloser, error) {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				return &trackedReader{Reader: bytes.NewReader(data), done: func() { active.Add(-1) }}, nil
			},
		}
	}

	results := engine.UploadAll(context.Background(), srv, jobs, 2)
	require.Len(t, results, len(jobs))
	for i, res := range results {
		require.NoError(t, res.Err, "job %d", i)
		require.Equal(t, jobs[i].ObjectName, res.ObjectName, "results keep job order")
		got, ok := srv.Object(jobs[i].ObjectName)
		require.True(t, ok)
		require.True(t, bytes.Equal(sources[i], got))
	}
	require.LessOrEqual(t, peak.Load(), int32(2))
	require.Equal(t, len(jobs), srv.Initiations())
}

func TestUploadAllIsolatesFailures(t *testing.T) {
	t.Parallel()

	srv := resumabletest.NewServer(t)
	engine := newEngine(t, nil)

	good := payload(10 << 10)
	jobs := []resumable.Job{
		{ObjectName: "ok.bin", Size: int64(len(good)), Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(good)), nil
		}},
		{ObjectName: "broken.bin", Size: 10, Open: func() (io.ReadCloser, error) {
			return nil, errors.New("no such file")
		}},
	}

	results := engine.UploadAll(context.Background(), srv, jobs, 4)
	require.NoError(t, results[0].Err)
	require.Error(t, results[1].Err)
	_, ok := srv.Object("ok.bin")
	require.True(t, ok)
}

type trackedReader struct {
	io.Reader
	done func()
}

func (r *trackedReader) Close() error {
	r.done()
	return nil
}
