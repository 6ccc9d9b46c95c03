// Package proxy serves objects over HTTP with range and conditional request
// support, and exposes endpoints that hand out or drive resumable uploads.
package proxy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"streamgate/internal/metacache"
	"streamgate/internal/metrics"
	"streamgate/pkg/object"
)

// Server is the object streaming proxy.
type Server struct {
	Config Config

	metrics *metrics.Metrics
	blocks  sync.Pool
}

// NewServer validates cfg, fills in defaults and returns a Server. Only the
// backend is required; upload endpoints answer 501 until a signer (and, for
// proxied uploads, an engine) is configured.
func NewServer(cfg Config) (*Server, error) {

	if cfg.Backend == nil {
		return nil, errors.New("Backend must not be nil")
	}

	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	if cfg.Cache == nil {
		cfg.Cache = metacache.New(cfg.Backend, metacache.WithLookupHook(cfg.Metrics.ObserveCacheLookup))
	}

	switch {
	case cfg.BlockSize == 0:
		cfg.BlockSize = DefaultBlockSize
	case cfg.BlockSize < MinBlockSize:
		cfg.BlockSize = MinBlockSize
	case cfg.BlockSize > MaxBlockSize:
		cfg.BlockSize = MaxBlockSize
	}

	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = 15 * time.Minute
	}
	if cfg.SignedURLTTL > MaxSignedURLTTL {
		cfg.SignedURLTTL = MaxSignedURLTTL
	}

	if cfg.UploadPrefix == "" {
		cfg.UploadPrefix = DefaultUploadPrefix
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Server{
		Config:  cfg,
		metrics: cfg.Metrics,
	}

	blockSize := cfg.BlockSize
	s.blocks.New = func() any {
		buf := make([]byte, blockSize)
		return &buf
	}

	slog.Info("Object proxy configured",
		slog.Int("block_size", cfg.BlockSize),
		slog.Duration("cache_ttl", cfg.Cache.TTL()),
		slog.Bool("signed_uploads", cfg.Signer != nil),
		slog.Bool("proxied_uploads", cfg.Signer != nil && cfg.Engine != nil),
		slog.Bool("direct_uploads", implements[object.Putter](cfg.Backend)),
		slog.Bool("listing", implements[object.Lister](cfg.Backend)),
		slog.Bool("signed_downloads", cfg.Downloads != nil),
	)

	return s, nil
}

func implements[T any](v any) bool {
	_, ok := v.(T)
	return ok
}

// Metrics returns the collectors the server reports to.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error. Headers describing an object
// representation are removed first since the body no longer is one.
func writeError(w http.ResponseWriter, code string, message string, resource string, status int) {
	h := w.Header()
	for _, key := range []string{"Content-Length", "Content-Range", "Content-Disposition", "ETag", "Last-Modified", "Accept-Ranges"} {
		h.Del(key)
	}
	writeJSON(w, status, ErrorResponse{
		Code:     code,
		Message:  message,
		Resource: resource,
	})
}

func writeInternalError(w http.ResponseWriter, r *http.Request) {
	writeError(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
}

func writeNoSuchObjectError(w http.ResponseWriter, r *http.Request) {
	writeError(w, "NoSuchObject", "The specified object does not exist.", r.URL.Path, http.StatusNotFound)
}

func writeUpstreamError(w http.ResponseWriter, r *http.Request) {
	writeError(w, "UpstreamUnavailable", "The object store could not be reached.", r.URL.Path, http.StatusBadGateway)
}
