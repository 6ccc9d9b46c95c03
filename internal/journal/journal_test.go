package journal_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"streamgate/internal/journal"
	"streamgate/internal/resumable"
	"streamgate/internal/resumabletest"

	"github.com/stretchr/testify/require"
)

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(context.Background(), filepath.Join(t.TempDir(), "state", "journal.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalSaveGetForget(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	ctx := context.Background()

	entry := journal.Entry{
		SessionURI:  "http://store.example/session/1",
		ObjectName:  "videos/a.mp4",
		ContentType: "video/mp4",
		SourcePath:  "/data/a.mp4",
		TotalLength: 1 << 30,
	}
	require.NoError(t, j.Save(ctx, entry))

	got, err := j.Get(ctx, entry.SessionURI)
	require.NoError(t, err)
	require.Equal(t, entry.ObjectName, got.ObjectName)
	require.Equal(t, entry.SourcePath, got.SourcePath)
	require.Equal(t, entry.TotalLength, got.TotalLength)
	require.Equal(t, int64(0), got.ConfirmedOffset)
	require.False(t, got.CreatedAt.IsZero())

	require.NoError(t, j.Forget(ctx, entry.SessionURI))
	_, err = j.Get(ctx, entry.SessionURI)
	require.ErrorIs(t, err, journal.ErrNotFound)

	require.NoError(t, j.Forget(ctx, "never-recorded"), "forgetting twice is harmless")
}

func TestJournalCheckpointKeepsSourcePath(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	ctx := context.Background()

	uri := "http://store.example/session/2"
	require.NoError(t, j.Save(ctx, journal.Entry{
		SessionURI:  uri,
		ObjectName:  "b.bin",
		SourcePath:  "/data/b.bin",
		TotalLength: 1000,
	}))

	session := resumable.Reopen(uri, "b.bin", 1000, "", 600)
	require.NoError(t, j.Checkpoint(ctx, session))

	got, err := j.Get(ctx, uri)
	require.NoError(t, err)
	require.Equal(t, int64(600), got.ConfirmedOffset)
	require.Equal(t, "/data/b.bin", got.SourcePath)

	restored := got.Session()
	require.Equal(t, resumable.StateActive, restored.State())
	require.Equal(t, uri, restored.URI())
	require.Equal(t, int64(600), restored.Offset())
}

func TestJournalList(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	ctx := context.Background()

	for _, uri := range []string{"u1", "u2", "u3"} {
		require.NoError(t, j.Checkpoint(ctx, resumable.Reopen(uri, "obj-"+uri, 10, "", 0)))
	}

	entries, err := j.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	names := map[string]bool{}
	for _, e := range entries {
		names[e.ObjectName] = true
	}
	require.True(t, names["obj-u1"] && names["obj-u2"] && names["obj-u3"])
}

func TestJournalRejectsEmptyURI(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	require.Error(t, j.Save(context.Background(), journal.Entry{ObjectName: "x"}))

	_, err := journal.Open(context.Background(), "")
	require.Error(t, err)
}

type stopAfter struct {
	r     io.Reader
	limit int
}

func (s *stopAfter) Read(p []byte) (int, error) {
	if s.limit <= 0 {
		return 0, errors.New("interrupted")
	}
	p = p[:min(len(p), s.limit)]
	n, err := s.r.Read(p)
	s.limit -= n
	return n, err
}

func TestJournalTracksEngineProgress(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	srv := resumabletest.NewServer(t)
	engine, err := resumable.NewEngine(nil,
		resumable.WithChunkSize(resumable.ChunkAlignment),
		resumable.WithCheckpointer(j),
		resumable.WithBackoff(time.Millisecond, time.Millisecond),
	)
	require.NoError(t, err)

	data := bytes.Repeat([]byte("journal!"), 80<<10)
	ctx := context.Background()

	res := engine.UploadObject(ctx, srv, resumable.Job{
		ObjectName: "journaled.bin",
		Size:       int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(&stopAfter{r: bytes.NewReader(data), limit: 300 << 10}), nil
		},
	})
	require.Error(t, res.Err)

	entry, err := j.Get(ctx, res.Session.URI())
	require.NoError(t, err)
	require.Equal(t, int64(resumable.ChunkAlignment), entry.ConfirmedOffset)

	// Resume the way a restarted process would: from the journal alone.
	session := entry.Session()
	require.NoError(t, engine.Resume(ctx, bytes.NewReader(data), session))
	require.Equal(t, resumable.StateCompleted, session.State())

	_, err = j.Get(ctx, session.URI())
	require.ErrorIs(t, err, journal.ErrNotFound, "completed uploads leave the journal")

	got, ok := srv.Object("journaled.bin")
	require.True(t, ok)
	require.True(t, bytes.Equal(data, got))
}

func TestJournalDropsRejectedSessions(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	srv := resumabletest.NewServer(t)
	engine, err := resumable.NewEngine(nil,
		resumable.WithChunkSize(resumable.ChunkAlignment),
		resumable.WithCheckpointer(j),
		resumable.WithBackoff(time.Millisecond, time.Millisecond),
	)
	require.NoError(t, err)

	var reject atomic.Bool
	srv.Intercept = func(string) (int, string) {
		if reject.Load() {
			return http.StatusForbidden, "quota exceeded"
		}
		return 0, ""
	}

	data := bytes.Repeat([]byte("rejected"), 80<<10)
	ctx := context.Background()

	res := engine.UploadObject(ctx, srv, resumable.Job{
		ObjectName: "rejected.bin",
		Size:       int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(&stopAfter{r: bytes.NewReader(data), limit: 300 << 10}), nil
		},
	})
	require.Error(t, res.Err)

	_, err = j.Get(ctx, res.Session.URI())
	require.NoError(t, err, "an interrupted upload stays resumable")

	reject.Store(true)
	session := resumable.Reopen(res.Session.URI(), "rejected.bin", int64(len(data)), "", 0)
	err = engine.Resume(ctx, bytes.NewReader(data), session)
	var pe *resumable.ProtocolError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, http.StatusForbidden, pe.Status)

	_, err = j.Get(ctx, session.URI())
	require.ErrorIs(t, err, journal.ErrNotFound, "rejected sessions leave the journal")
}

func TestTrackerRecordsSourcePath(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	ctx := context.Background()

	tracker := j.Track()
	tracker.Add("tracked.bin", "/srv/media/tracked.bin")

	require.NoError(t, tracker.Checkpoint(ctx, resumable.Reopen("u-tracked", "tracked.bin", 100, "video/mp4", 40)))
	require.NoError(t, tracker.Checkpoint(ctx, resumable.Reopen("u-other", "other.bin", 100, "", 10)))

	got, err := j.Get(ctx, "u-tracked")
	require.NoError(t, err)
	require.Equal(t, "/srv/media/tracked.bin", got.SourcePath)
	require.Equal(t, int64(40), got.ConfirmedOffset)
	require.Equal(t, "video/mp4", got.ContentType)

	other, err := j.Get(ctx, "u-other")
	require.NoError(t, err)
	require.Empty(t, other.SourcePath)

	require.NoError(t, tracker.Forget(ctx, "u-tracked"))
	_, err = j.Get(ctx, "u-tracked")
	require.ErrorIs(t, err, journal.ErrNotFound)
}
