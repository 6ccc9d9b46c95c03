// Package metrics exposes Prometheus counters for the proxy and the upload
// engine on a private registry.
package metrics

import (
	"net/http"
	"strconv"

	"streamgate/internal/resumable"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	Responses     *prometheus.CounterVec
	BytesStreamed prometheus.Counter
	StreamAborts  prometheus.Counter
	CacheLookups  *prometheus.CounterVec
	Chunks        *prometheus.CounterVec
	ChunkRetries  prometheus.Counter
	BytesUploaded prometheus.Counter
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		Responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamgate",
			Name:      "object_responses_total",
			Help:      "Object read responses by method and status code.",
		}, []string{"method", "code"}),
		BytesStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamgate",
			Name:      "object_bytes_streamed_total",
			Help:      "Object bytes written to clients.",
		}),
		StreamAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamgate",
			Name:      "object_stream_aborts_total",
			Help:      "Streams cut off after headers were sent.",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamgate",
			Name:      "metadata_cache_lookups_total",
			Help:      "Metadata cache lookups by result.",
		}, []string{"result"}),
		Chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamgate",
			Name:      "upload_chunks_total",
			Help:      "Upload chunk exchanges by response status code.",
		}, []string{"code"}),
		ChunkRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamgate",
			Name:      "upload_chunk_retries_total",
			Help:      "Chunks resent after a transport error.",
		}),
		BytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamgate",
			Name:      "upload_bytes_confirmed_total",
			Help:      "Upload bytes the store confirmed as persisted.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Responses,
		m.BytesStreamed,
		m.StreamAborts,
		m.CacheLookups,
		m.Chunks,
		m.ChunkRetries,
		m.BytesUploaded,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveResponse(method string, code int) {
	m.Responses.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// ObserveCacheLookup matches the metacache lookup hook signature.
func (m *Metrics) ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// ChunkSent implements resumable.Observer.
func (m *Metrics) ChunkSent(chunk resumable.ChunkDescriptor, status int, confirmed int64) {
	m.Chunks.WithLabelValues(strconv.Itoa(status)).Inc()
	if accepted := confirmed - chunk.Offset; chunk.Length > 0 && accepted > 0 {
		m.BytesUploaded.Add(float64(min(accepted, int64(chunk.Length))))
	}
}

// ChunkRetried implements resumable.Observer.
func (m *Metrics) ChunkRetried(resumable.ChunkDescriptor, int, error) {
	m.ChunkRetries.Inc()
}
