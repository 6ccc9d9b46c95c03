package proxy

import (
	"context"
	"time"

	"streamgate/internal/metacache"
	"streamgate/internal/metrics"
	"streamgate/internal/resumable"
	"streamgate/pkg/object"
)

const (
	DefaultBlockSize    = 256 << 10
	MinBlockSize        = 64 << 10
	MaxBlockSize        = 1 << 20
	DefaultUploadPrefix = "uploads"
	MaxSignedURLTTL     = 7 * 24 * time.Hour
	DefaultListLimit    = 1000
)

// DownloadSigner issues time-limited GET URLs for stored objects.
type DownloadSigner interface {
	SignDownload(ctx context.Context, objectName string, ttl time.Duration) (string, error)
}

type Config struct {
	Backend      object.Backend
	Cache        *metacache.Cache
	Signer       resumable.Signer
	Downloads    DownloadSigner
	Engine       *resumable.Engine
	Metrics      *metrics.Metrics
	BlockSize    int
	SignedURLTTL time.Duration
	UploadPrefix string
	Now          func() time.Time
}

type ConfigOption func(*Config)

func WithBackend(backend object.Backend) ConfigOption {
	return func(cfg *Config) {
		cfg.Backend = backend
	}
}

// WithCache supplies a preconfigured metadata cache. Without it the server
// builds one over the backend with default settings.
func WithCache(cache *metacache.Cache) ConfigOption {
	return func(cfg *Config) {
		cfg.Cache = cache
	}
}

func WithSigner(signer resumable.Signer) ConfigOption {
	return func(cfg *Config) {
		cfg.Signer = signer
	}
}

func WithDownloadSigner(signer DownloadSigner) ConfigOption {
	return func(cfg *Config) {
		cfg.Downloads = signer
	}
}

func WithEngine(engine *resumable.Engine) ConfigOption {
	return func(cfg *Config) {
		cfg.Engine = engine
	}
}

func WithMetrics(m *metrics.Metrics) ConfigOption {
	return func(cfg *Config) {
		cfg.Metrics = m
	}
}

// WithBlockSize sets the streaming block size. It is clamped to
// [MinBlockSize, MaxBlockSize].
func WithBlockSize(size int) ConfigOption {
	return func(cfg *Config) {
		cfg.BlockSize = size
	}
}

func WithSignedURLTTL(ttl time.Duration) ConfigOption {
	return func(cfg *Config) {
		cfg.SignedURLTTL = ttl
	}
}

func WithUploadPrefix(prefix string) ConfigOption {
	return func(cfg *Config) {
		cfg.UploadPrefix = prefix
	}
}

func WithClock(now func() time.Time) ConfigOption {
	return func(cfg *Config) {
		cfg.Now = now
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
