package proxy

import (
	"net/http"
)

// Handler returns the proxy's http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Object reads
	mux.HandleFunc("GET /objects/{name...}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		name := r.PathValue("name")
		s.handleObjectGet(ctx, w, r, name)
	})
	mux.HandleFunc("GET /objects", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleListObjects(ctx, w, r)
	})
	mux.HandleFunc("HEAD /objects/{name...}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		name := r.PathValue("name")
		s.handleObjectHead(ctx, w, r, name)
	})

	// Uploads
	mux.HandleFunc("PUT /objects/{name...}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		name := r.PathValue("name")
		s.handleDirectUpload(ctx, w, r, name)
	})
	mux.HandleFunc("POST /uploads/signed", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleSignedUpload(ctx, w, r)
	})
	mux.HandleFunc("POST /uploads/{name...}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		name := r.PathValue("name")
		s.handleProxiedUpload(ctx, w, r, name)
	})

	// Downloads
	mux.HandleFunc("POST /downloads/signed", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleSignedDownload(ctx, w, r)
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
	})
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Add middleware
	handler := s.Recoverer(mux)
	handler = s.LogRequest(handler)
	handler = s.SlashFix(handler)
	return handler
}
