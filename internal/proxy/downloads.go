package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"streamgate/pkg/object"
)

// handleSignedDownload issues a signed GET URL for an existing object.
func (s *Server) handleSignedDownload(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if s.Config.Downloads == nil {
		writeError(w, "NotImplemented", "Signed downloads are not configured.", r.URL.Path, http.StatusNotImplemented)
		return
	}

	var req SignedDownloadRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxSignedRequestBody))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "MalformedRequest", "The request body is not valid JSON.", r.URL.Path, http.StatusBadRequest)
		return
	}

	name := strings.TrimPrefix(req.ObjectName, "/")
	if name == "" {
		writeError(w, "InvalidArgument", "objectName is required.", r.URL.Path, http.StatusBadRequest)
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, "InvalidArgument", "ttlSeconds must not be negative.", r.URL.Path, http.StatusBadRequest)
		return
	}
	ttl := s.Config.SignedURLTTL
	if req.TTLSeconds > 0 {
		ttl = min(time.Duration(req.TTLSeconds)*time.Second, MaxSignedURLTTL)
	}

	_, err := s.Config.Cache.Get(ctx, name)
	switch {
	case errors.Is(err, object.ErrNotFound), errors.Is(err, object.ErrInvalidName):
		writeNoSuchObjectError(w, r)
		return
	case err != nil:
		slog.Error("Failed to resolve object metadata", slog.String("object", name), slog.Any("error", err))
		writeUpstreamError(w, r)
		return
	}

	issued := s.Config.Now()
	downloadURL, err := s.Config.Downloads.SignDownload(ctx, name, ttl)
	if err != nil {
		slog.Error("Failed to sign download URL", slog.String("object", name), slog.Any("error", err))
		writeInternalError(w, r)
		return
	}

	slog.Info("Issued signed download URL", slog.String("object", name), slog.Duration("ttl", ttl))

	writeJSON(w, http.StatusOK, SignedDownloadResponse{
		DownloadURL: downloadURL,
		ObjectName:  name,
		ExpiresAt:   issued.Add(ttl).UTC(),
	})
}
