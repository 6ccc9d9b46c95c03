package proxy

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ResponseWriterWrapper records the status code and the number of body bytes
// a handler wrote. Unwrap lets http.ResponseController reach the underlying
// writer's Flush.
type ResponseWriterWrapper struct {
	http.ResponseWriter
	WrittenResponseCode int
	BytesWritten        int64
}

func (w *ResponseWriterWrapper) WriteHeader(statusCode int) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *ResponseWriterWrapper) Write(b []byte) (int, error) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.BytesWritten += int64(n)
	return n, err
}

func (w *ResponseWriterWrapper) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

type LogEntry struct {
	IP         string
	Method     string
	URL        string
	Proto      string
	Range      string
	DurationMS float64
	StatusCode int
	Bytes      int64
	Aborted    bool
}

func (e LogEntry) User() slog.Attr {
	return slog.Group("user", "ip", e.IP)
}

func (e LogEntry) Request() slog.Attr {
	return slog.Group("request",
		"proto", e.Proto,
		"method", e.Method,
		"url", e.URL,
		"range", e.Range,
		"duration_ms", e.DurationMS,
		"status_code", e.StatusCode,
		"bytes", e.Bytes,
		"aborted", e.Aborted,
	)
}

// LogRequest logs every request and counts object responses by status.
func (s *Server) LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		entry := LogEntry{
			IP:     r.RemoteAddr,
			Method: r.Method,
			URL:    r.URL.String(),
			Proto:  r.Proto,
			Range:  r.Header.Get("Range"),
		}

		writer := ResponseWriterWrapper{ResponseWriter: w}
		start := time.Now()

		// Deferred so streams torn down with http.ErrAbortHandler are still
		// logged and counted on their way out.
		defer func() {
			rvr := recover()

			if writer.WrittenResponseCode == 0 {
				writer.WrittenResponseCode = http.StatusOK
			}

			entry.DurationMS = float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond)
			entry.StatusCode = writer.WrittenResponseCode
			entry.Bytes = writer.BytesWritten
			entry.Aborted = rvr != nil

			if strings.HasPrefix(r.URL.Path, "/objects/") {
				s.metrics.ObserveResponse(r.Method, writer.WrittenResponseCode)
			}

			switch {
			case writer.WrittenResponseCode >= 500:
				slog.Error("Request", entry.User(), entry.Request())
			case writer.WrittenResponseCode >= 400 || entry.Aborted:
				slog.Warn("Request", entry.User(), entry.Request())
			default:
				slog.Info("Request", entry.User(), entry.Request())
			}

			if rvr != nil {
				panic(rvr)
			}
		}()

		next.ServeHTTP(&writer, r)
	})
}

func (s *Server) SlashFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = strings.ReplaceAll(r.URL.Path, "//", "/")

		if r.URL.Path != "/" && strings.HasSuffix(r.URL.Path, "/") {
			r.URL.Path = strings.TrimSuffix(r.URL.Path, "/")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					// aborted streams are already logged by the handler;
					// re-panic so net/http tears the connection down
					panic(rvr)
				}

				slog.Error("Internal Error in HTTP handler", "error", rvr)

				if r.Header.Get("Connection") != "Upgrade" {
					w.WriteHeader(http.StatusInternalServerError)
				}
			}
		}()

		next.ServeHTTP(w, r)
	})
}
