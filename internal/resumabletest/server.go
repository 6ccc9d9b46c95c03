// Package resumabletest provides an in-process resumable upload endpoint
// for tests. It implements the session protocol faithfully and can be told
// to under-accept chunks, reject them, or drop connections mid-request.
package resumabletest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"streamgate/pkg/object"
)

// Put records one chunk request as the server saw it.
type Put struct {
	Session      string
	ContentRange string
	Length       int
	Status       int
	Dropped      bool
}

// Verifier checks signed initiation URLs.
type Verifier interface {
	Verify(method, path string, query url.Values) error
}

type upload struct {
	name        string
	contentType string
	total       int64
	data        []byte
	done        bool
}

// Server is a fake resumable upload endpoint. Initiation happens at
// POST /init/{name...} and chunks go to PUT /session/{id}.
type Server struct {
	*httptest.Server

	// Accept decides how many of the offered new bytes are persisted.
	// Nil persists everything.
	Accept func(offset int64, offered int) int

	// Intercept may answer a chunk with an arbitrary status instead of
	// processing it. A zero status lets the chunk through.
	Intercept func(contentRange string) (status int, body string)

	// Verifier, when set, must approve every initiation request.
	Verifier Verifier

	// OmitLocation makes initiation succeed without a Location header.
	OmitLocation bool

	// Sink receives every completed object.
	Sink object.Putter

	mu       sync.Mutex
	nextID   int
	drops    int
	inits    int
	sessions map[string]*upload
	objects  map[string][]byte
	puts     []Put
}

// NewServer starts a fake endpoint. It is closed when the test ends.
func NewServer(t interface{ Cleanup(func()) }) *Server {
	s := &Server{
		sessions: make(map[string]*upload),
		objects:  make(map[string][]byte),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /init/{name...}", s.handleInit)
	mux.HandleFunc("PUT /session/{id}", s.handleChunk)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// InitURL is the unsigned initiation URL for name.
func (s *Server) InitURL(name string) string {
	return s.URL + "/init/" + name
}

// SignResumableInit lets the server stand in for a URL signer.
func (s *Server) SignResumableInit(_ context.Context, objectName string, _ time.Duration) (string, error) {
	return s.InitURL(objectName), nil
}

// DropNext makes the next n chunk requests lose their connection after the
// body has been read and before any response is written.
func (s *Server) DropNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drops = n
}

// ExpireSessions forgets every open session.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, u := range s.sessions {
		if !u.done {
			delete(s.sessions, id)
		}
	}
}

// Object returns the bytes of a completed upload.
func (s *Server) Object(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[name]
	return data, ok
}

// Received reports how many bytes an open session has persisted.
func (s *Server) Received(sessionURI string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.sessions[sessionID(sessionURI)]; ok {
		return int64(len(u.data))
	}
	return -1
}

// Puts returns every chunk request seen so far.
func (s *Server) Puts() []Put {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Put(nil), s.puts...)
}

// Initiations reports how many sessions were opened.
func (s *Server) Initiations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inits
}

func sessionID(uri string) string {
	return uri[strings.LastIndex(uri, "/")+1:]
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("x-goog-resumable") != "start" {
		http.Error(w, "missing x-goog-resumable: start", http.StatusBadRequest)
		return
	}
	if s.Verifier != nil {
		if err := s.Verifier.Verify(r.Method, r.URL.Path, r.URL.Query()); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
	}

	total := int64(-1)
	if v := r.Header.Get("X-Upload-Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			total = n
		}
	}

	s.mu.Lock()
	s.nextID++
	s.inits++
	id := strconv.Itoa(s.nextID)
	s.sessions[id] = &upload{
		name:        r.PathValue("name"),
		contentType: r.Header.Get("Content-Type"),
		total:       total,
	}
	s.mu.Unlock()

	if !s.OmitLocation {
		w.Header().Set("Location", "/session/"+id)
	}
	w.WriteHeader(http.StatusCreated)
}

// parseContentRange accepts "bytes a-b/total" and "bytes */total".
func parseContentRange(header string) (start, end, total int64, probe bool, err error) {
	spec, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, 0, 0, false, fmt.Errorf("bad Content-Range %q", header)
	}
	rng, totalStr, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, 0, false, fmt.Errorf("bad Content-Range %q", header)
	}
	if total, err = strconv.ParseInt(totalStr, 10, 64); err != nil {
		return 0, 0, 0, false, fmt.Errorf("bad total in %q", header)
	}
	if rng == "*" {
		return 0, 0, total, true, nil
	}
	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, false, fmt.Errorf("bad range in %q", header)
	}
	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, false, fmt.Errorf("bad start in %q", header)
	}
	if end, err = strconv.ParseInt(last, 10, 64); err != nil || end < start {
		return 0, 0, 0, false, fmt.Errorf("bad end in %q", header)
	}
	return start, end, total, false, nil
}

func (s *Server) record(p Put) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts = append(s.puts, p)
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	contentRange := r.Header.Get("Content-Range")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	put := Put{Session: id, ContentRange: contentRange, Length: len(body)}

	s.mu.Lock()
	drop := s.drops > 0
	if drop {
		s.drops--
	}
	s.mu.Unlock()

	if drop {
		put.Dropped = true
		s.record(put)
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
		panic(http.ErrAbortHandler)
	}

	if s.Intercept != nil {
		if status, msg := s.Intercept(contentRange); status != 0 {
			put.Status = status
			s.record(put)
			http.Error(w, msg, status)
			return
		}
	}

	status, rangeHeader, msg := s.applyChunk(id, contentRange, body)
	put.Status = status
	s.record(put)

	if rangeHeader != "" {
		w.Header().Set("Range", rangeHeader)
	}
	if status >= http.StatusBadRequest {
		http.Error(w, msg, status)
		return
	}
	w.WriteHeader(status)
}

func (s *Server) applyChunk(id string, contentRange string, body []byte) (int, string, string) {
	start, end, total, probe, err := parseContentRange(contentRange)
	if err != nil {
		return http.StatusBadRequest, "", err.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.sessions[id]
	if !ok {
		return http.StatusNotFound, "", "no such upload session"
	}
	if u.done {
		return http.StatusOK, "", ""
	}
	if u.total >= 0 && u.total != total {
		return http.StatusBadRequest, "", fmt.Sprintf("total changed from %d to %d", u.total, total)
	}
	u.total = total

	if !probe {
		if int64(len(body)) != end-start+1 {
			return http.StatusBadRequest, "", fmt.Sprintf("body has %d bytes for range %s", len(body), contentRange)
		}
		have := int64(len(u.data))
		if start > have {
			return http.StatusBadRequest, "", fmt.Sprintf("chunk starts at %d but only %d bytes are persisted", start, have)
		}

		var fresh []byte
		if end >= have {
			fresh = body[have-start:]
		}
		accept := len(fresh)
		if s.Accept != nil && accept > 0 {
			accept = min(max(s.Accept(have, len(fresh)), 0), len(fresh))
		}
		u.data = append(u.data, fresh[:accept]...)
	}

	if int64(len(u.data)) == u.total {
		u.done = true
		s.objects[u.name] = bytes.Clone(u.data)
		if s.Sink != nil {
			if _, err := s.Sink.Put(context.Background(), u.name, bytes.NewReader(u.data), u.total, u.contentType); err != nil {
				return http.StatusInternalServerError, "", err.Error()
			}
		}
		return http.StatusOK, "", ""
	}

	if len(u.data) == 0 {
		return http.StatusPermanentRedirect, "", ""
	}
	return http.StatusPermanentRedirect, fmt.Sprintf("bytes=0-%d", len(u.data)-1), ""
}
