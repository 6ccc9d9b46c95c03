package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"streamgate/internal/negotiate"
	"streamgate/pkg/object"
)

const defaultContentType = "application/octet-stream"

// streamState tracks how far an object response got. Once headers are sent
// the only way to signal failure is to cut the connection.
type streamState int

const (
	stateStart streamState = iota
	stateMetadataResolved
	stateConditionalChecked
	stateRangeComputed
	stateHeadersSent
	stateStreaming
	stateCompleted
	stateAborted
)

func (s streamState) String() string {
	switch s {
	case stateStart:
		return "start"
	case stateMetadataResolved:
		return "metadata-resolved"
	case stateConditionalChecked:
		return "conditional-checked"
	case stateRangeComputed:
		return "range-computed"
	case stateHeadersSent:
		return "headers-sent"
	case stateStreaming:
		return "streaming"
	case stateCompleted:
		return "completed"
	case stateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

func (s *Server) handleObjectGet(ctx context.Context, w http.ResponseWriter, r *http.Request, name string) {
	s.serveObject(ctx, w, r, name, true)
}

// handleObjectHead answers exactly as GET would, without a body and without
// opening the object.
func (s *Server) handleObjectHead(ctx context.Context, w http.ResponseWriter, r *http.Request, name string) {
	s.serveObject(ctx, w, r, name, false)
}

func (s *Server) serveObject(ctx context.Context, w http.ResponseWriter, r *http.Request, name string, withBody bool) {
	state := stateStart

	meta, err := s.Config.Cache.Get(ctx, name)
	switch {
	case errors.Is(err, object.ErrNotFound), errors.Is(err, object.ErrInvalidName):
		writeNoSuchObjectError(w, r)
		return
	case err != nil:
		slog.Error("Failed to resolve object metadata", slog.String("object", name), slog.Any("error", err))
		writeUpstreamError(w, r)
		return
	}
	state = stateMetadataResolved

	h := w.Header()
	h.Set("ETag", meta.QuotedETag())
	if !meta.LastModified.IsZero() {
		h.Set("Last-Modified", meta.LastModified.UTC().Format(http.TimeFormat))
	}

	cond := negotiate.EvaluateConditional(r.Header.Get("If-None-Match"), r.Header.Get("If-Modified-Since"), meta)
	if cond == negotiate.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	state = stateConditionalChecked

	h.Set("Accept-Ranges", "bytes")

	rng := negotiate.ResolveRange(r.Header.Get("Range"), meta.Size)
	if rng.Kind == negotiate.RangeNotSatisfiable {
		h.Set("Content-Range", negotiate.UnsatisfiedContentRange(meta.Size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	state = stateRangeComputed

	status := http.StatusOK
	start, end, length := int64(0), meta.Size-1, meta.Size
	if rng.Kind == negotiate.RangePartial {
		status = http.StatusPartialContent
		start, end, length = rng.Spec.Start, rng.Spec.End, rng.Spec.Length()
		h.Set("Content-Range", rng.Spec.ContentRange())
	}

	contentType := meta.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.FormatInt(length, 10))

	if wantsDownload(r) {
		h.Set("Content-Disposition", contentDisposition(name))
	}

	if !withBody {
		w.WriteHeader(status)
		return
	}

	// The object is opened before any header is written so a failure here
	// can still be reported with a proper status.
	var body io.ReadCloser
	if length > 0 {
		body, err = s.Config.Backend.OpenRange(ctx, name, start, end)
		switch {
		case errors.Is(err, object.ErrNotFound):
			s.Config.Cache.Invalidate(ctx, name)
			writeNoSuchObjectError(w, r)
			return
		case err != nil:
			slog.Error("Failed to open object", slog.String("object", name), slog.Any("error", err))
			writeUpstreamError(w, r)
			return
		}
		defer body.Close()
	}

	w.WriteHeader(status)
	state = stateHeadersSent

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Debug("Failed to flush object headers", slog.String("object", name), slog.Any("error", err))
	}

	if length == 0 {
		state = stateCompleted
		return
	}

	state = stateStreaming
	begin := time.Now()
	written, err := s.copyBlocks(ctx, w, rc, body, length)
	s.metrics.BytesStreamed.Add(float64(written))

	if err != nil {
		state = stateAborted
		s.metrics.StreamAborts.Inc()
		slog.Warn("Object stream aborted",
			slog.String("object", name),
			slog.String("state", state.String()),
			slog.Int64("written", written),
			slog.Int64("expected", length),
			slog.Any("error", err),
		)
		panic(http.ErrAbortHandler)
	}
	state = stateCompleted

	slog.Debug("Object streamed",
		slog.String("object", name),
		slog.String("state", state.String()),
		slog.Int("status", status),
		slog.Int64("bytes", written),
		slog.Duration("elapsed", time.Since(begin)),
	)
}

// copyBlocks copies exactly length bytes from src to w in pooled blocks,
// flushing after each one so memory stays bounded by the block size.
func (s *Server) copyBlocks(ctx context.Context, w io.Writer, rc *http.ResponseController, src io.Reader, length int64) (int64, error) {
	bufp := s.blocks.Get().(*[]byte)
	defer s.blocks.Put(bufp)
	buf := *bufp

	var written int64
	for written < length {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		want := min(int64(len(buf)), length-written)
		n, readErr := io.ReadFull(src, buf[:want])
		if n > 0 {
			m, writeErr := w.Write(buf[:n])
			written += int64(m)
			if writeErr != nil {
				return written, writeErr
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return written, err
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				readErr = io.ErrUnexpectedEOF
			}
			return written, readErr
		}
	}
	return written, nil
}

func wantsDownload(r *http.Request) bool {
	v, ok := r.URL.Query()["download"]
	if !ok {
		return false
	}
	if len(v) == 0 || v[0] == "" {
		return true
	}
	b, err := strconv.ParseBool(v[0])
	return err == nil && b
}

// contentDisposition builds an attachment header carrying the object's base
// name both as a plain ASCII fallback and RFC 5987 encoded.
func contentDisposition(name string) string {
	base := path.Base(name)

	fallback := strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			return '_'
		}
		return r
	}, base)

	return `attachment; filename="` + fallback + `"; filename*=UTF-8''` + url.PathEscape(base)
}
