package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"streamgate/internal/resumable"
	"streamgate/pkg/object"

	"github.com/google/uuid"
)

const maxSignedRequestBody = 64 << 10

// handleSignedUpload issues a signed resumable initiation URL so a client
// can upload straight to the store.
func (s *Server) handleSignedUpload(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if s.Config.Signer == nil {
		writeError(w, "NotImplemented", "Signed uploads are not configured.", r.URL.Path, http.StatusNotImplemented)
		return
	}

	var req SignedUploadRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(io.LimitReader(r.Body, maxSignedRequestBody))
		if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, "MalformedRequest", "The request body is not valid JSON.", r.URL.Path, http.StatusBadRequest)
			return
		}
	}

	ttl := s.Config.SignedURLTTL
	if req.TTLSeconds < 0 {
		writeError(w, "InvalidArgument", "ttlSeconds must not be negative.", r.URL.Path, http.StatusBadRequest)
		return
	}
	if req.TTLSeconds > 0 {
		ttl = min(time.Duration(req.TTLSeconds)*time.Second, MaxSignedURLTTL)
	}

	name := strings.TrimPrefix(req.ObjectName, "/")
	if name == "" {
		name = s.generateObjectName(req.FileName)
	}

	issued := s.Config.Now()
	uploadURL, err := s.Config.Signer.SignResumableInit(ctx, name, ttl)
	if err != nil {
		slog.Error("Failed to sign upload URL", slog.String("object", name), slog.Any("error", err))
		writeInternalError(w, r)
		return
	}

	slog.Info("Issued signed upload URL", slog.String("object", name), slog.Duration("ttl", ttl))

	writeJSON(w, http.StatusOK, SignedUploadResponse{
		UploadURL:  uploadURL,
		ObjectName: name,
		ExpiresAt:  issued.Add(ttl).UTC(),
	})
}

// generateObjectName returns "<prefix>/YYYY/MM/<uuid>_<file>".
func (s *Server) generateObjectName(fileName string) string {
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "upload"
	}
	now := s.Config.Now().UTC()
	return fmt.Sprintf("%s/%04d/%02d/%s_%s", strings.Trim(s.Config.UploadPrefix, "/"), now.Year(), int(now.Month()), uuid.NewString(), base)
}

// handleProxiedUpload streams the request body into the store through a
// resumable session driven by the upload engine.
func (s *Server) handleProxiedUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, name string) {
	if s.Config.Signer == nil || s.Config.Engine == nil {
		writeError(w, "NotImplemented", "Proxied uploads are not configured.", r.URL.Path, http.StatusNotImplemented)
		return
	}

	if r.ContentLength < 0 {
		writeError(w, "MissingContentLength", "You must provide the Content-Length HTTP header.", r.URL.Path, http.StatusLengthRequired)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}

	job := resumable.Job{
		ObjectName:  name,
		ContentType: contentType,
		Size:        r.ContentLength,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(r.Body), nil
		},
	}

	res := s.Config.Engine.UploadObject(ctx, s.Config.Signer, job)

	// Whatever happened, the store may now hold different bytes.
	s.Config.Cache.Invalidate(ctx, name)

	if res.Err != nil {
		s.writeUploadError(w, r, res)
		return
	}

	slog.Info("Object uploaded", slog.String("object", name), slog.Int64("size", job.Size), slog.String("session", res.Session.URI()))

	writeJSON(w, http.StatusCreated, UploadResult{
		ObjectName:  name,
		Size:        job.Size,
		ContentType: contentType,
	})
}

func (s *Server) writeUploadError(w http.ResponseWriter, r *http.Request, res resumable.Result) {
	resp := UpstreamErrorResponse{
		ErrorResponse: ErrorResponse{
			Code:     "UploadFailed",
			Message:  res.Err.Error(),
			Resource: r.URL.Path,
		},
	}
	if res.Session != nil {
		resp.SessionState = res.Session.State().String()
		resp.Confirmed = res.Session.Offset()
	}

	status := http.StatusBadGateway
	var pe *resumable.ProtocolError
	switch {
	case errors.As(res.Err, &pe):
		resp.UpstreamStatus = pe.Status
		resp.UpstreamBody = pe.Body
	case errors.Is(res.Err, resumable.ErrShortSource):
		resp.Code = "IncompleteBody"
		status = http.StatusBadRequest
	case errors.Is(res.Err, context.Canceled):
		resp.Code = "RequestCanceled"
		status = http.StatusBadRequest
	}

	slog.Warn("Proxied upload failed",
		slog.String("object", res.ObjectName),
		slog.String("state", resp.SessionState),
		slog.Int64("confirmed", resp.Confirmed),
		slog.Any("error", res.Err),
	)

	writeJSON(w, status, resp)
}

// handleDirectUpload writes the request body straight into a backend that
// supports Put, bypassing the resumable protocol.
func (s *Server) handleDirectUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, name string) {
	putter, ok := s.Config.Backend.(object.Putter)
	if !ok {
		writeError(w, "NotImplemented", "The backend does not accept direct uploads.", r.URL.Path, http.StatusNotImplemented)
		return
	}

	if r.ContentLength < 0 {
		writeError(w, "MissingContentLength", "You must provide the Content-Length HTTP header.", r.URL.Path, http.StatusLengthRequired)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}

	meta, err := putter.Put(ctx, name, r.Body, r.ContentLength, contentType)

	s.Config.Cache.Invalidate(ctx, name)

	switch {
	case errors.Is(err, object.ErrInvalidName):
		writeError(w, "InvalidObjectName", "The object name is not valid.", r.URL.Path, http.StatusBadRequest)
		return
	case errors.Is(err, io.ErrUnexpectedEOF):
		writeError(w, "IncompleteBody", "You did not provide the number of bytes specified by the Content-Length HTTP header.", r.URL.Path, http.StatusBadRequest)
		return
	case errors.Is(err, context.Canceled):
		writeError(w, "RequestCanceled", "The upload was canceled.", r.URL.Path, http.StatusBadRequest)
		return
	case err != nil:
		slog.Error("Direct upload failed", slog.String("object", name), slog.Any("error", err))
		writeUpstreamError(w, r)
		return
	}

	slog.Info("Object stored", slog.String("object", name), slog.Int64("size", meta.Size), slog.String("etag", meta.ETag))

	writeJSON(w, http.StatusCreated, UploadResult{
		ObjectName:  name,
		Size:        meta.Size,
		ContentType: contentType,
		ETag:        meta.ETag,
	})
}
