package resumable

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Signer issues initiation URLs for new upload sessions.
type Signer interface {
	SignResumableInit(ctx context.Context, objectName string, ttl time.Duration) (string, error)
}

// Job describes one object to upload.
type Job struct {
	ObjectName  string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// Result reports how a Job ended. Session is nil when the upload never got
// as far as creating one.
type Result struct {
	ObjectName string
	Session    *Session
	Err        error
}

// UploadObject signs an initiation URL for job, opens a session and uploads
// the job's source through it.
func (e *Engine) UploadObject(ctx context.Context, signer Signer, job Job) Result {
	res := Result{ObjectName: job.ObjectName}

	initURL, err := signer.SignResumableInit(ctx, job.ObjectName, e.signedURLTTL)
	if err != nil {
		res.Err = fmt.Errorf("resumable: sign initiation for %q: %w", job.ObjectName, err)
		return res
	}

	session := NewSession(job.ObjectName, job.Size, job.ContentType)
	res.Session = session
	if err := session.Initiate(ctx, e.client, initURL); err != nil {
		res.Err = err
		return res
	}

	if e.checkpoints != nil {
		if err := e.checkpoints.Checkpoint(ctx, session); err != nil {
			slog.Warn("Failed to checkpoint new upload session", slog.String("object", job.ObjectName), slog.Any("error", err))
		}
	}

	src, err := job.Open()
	if err != nil {
		res.Err = fmt.Errorf("resumable: open source for %q: %w", job.ObjectName, err)
		return res
	}
	defer src.Close()

	res.Err = e.Upload(ctx, src, session)
	return res
}

// UploadAll uploads jobs with at most limit running at once. Every job runs
// to its own conclusion; one failure does not cancel the others. Results are
// returned in job order.
func (e *Engine) UploadAll(ctx context.Context, signer Signer, jobs []Job, limit int) []Result {
	if limit <= 0 {
		limit = 1
	}

	results := make([]Result, len(jobs))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, job := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = Result{ObjectName: job.ObjectName, Err: err}
				return nil
			}
			results[i] = e.UploadObject(ctx, signer, job)
			return nil
		})
	}
	g.Wait()

	return results
}
