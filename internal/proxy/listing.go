package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"streamgate/pkg/object"
)

// handleListObjects returns up to limit objects whose names start with the
// prefix query parameter.
func (s *Server) handleListObjects(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	lister, ok := s.Config.Backend.(object.Lister)
	if !ok {
		writeError(w, "NotImplemented", "The backend does not support listing.", r.URL.Path, http.StatusNotImplemented)
		return
	}

	query := r.URL.Query()
	prefix := query.Get("prefix")

	limit := DefaultListLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "InvalidArgument", "limit must be a positive integer.", r.URL.Path, http.StatusBadRequest)
			return
		}
		limit = min(n, DefaultListLimit)
	}

	objects, truncated, err := lister.List(ctx, prefix, limit)
	if err != nil {
		slog.Error("Failed to list objects", slog.String("prefix", prefix), slog.Any("error", err))
		writeUpstreamError(w, r)
		return
	}

	resp := ObjectList{
		Prefix:    prefix,
		Objects:   make([]ObjectSummary, 0, len(objects)),
		Truncated: truncated,
	}
	for _, m := range objects {
		resp.Objects = append(resp.Objects, ObjectSummary{
			Name:         m.Name,
			Size:         m.Size,
			ETag:         m.ETag,
			ContentType:  m.ContentType,
			LastModified: m.LastModified.UTC(),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
