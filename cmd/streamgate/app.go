package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"streamgate/internal/config"
	"streamgate/internal/metacache"
	"streamgate/internal/metrics"
	"streamgate/internal/proxy"
	"streamgate/internal/resumable"
	"streamgate/internal/signer"
	"streamgate/internal/storage"
	"streamgate/pkg/object"

	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"
)

// app holds the collaborators built from a Config. Commands take what they
// need and call Close when done.
type app struct {
	cfg     *config.Config
	backend object.Backend
	minio   *minio.Client
	redis   *redis.Client
	metrics *metrics.Metrics
	signer  resumable.Signer

	// downloads is set whenever signer is.
	downloads proxy.DownloadSigner
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New()}

	switch cfg.Storage.Driver {
	case "local":
		dataDir, err := filepath.Abs(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve data directory: %w", err)
		}
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		a.backend = storage.NewLocalFileStorage(dataDir)
		slog.Info("Using local object storage", "data_dir", dataDir)

	case "minio":
		client, err := storage.NewMinioClient(cfg.Storage.Minio)
		if err != nil {
			return nil, err
		}
		backend, err := storage.NewMinioStorage(client, cfg.Storage.Minio.Bucket)
		if err != nil {
			return nil, err
		}
		a.minio = client
		a.backend = backend
		slog.Info("Using MinIO object storage", "endpoint", cfg.Storage.Minio.Endpoint, "bucket", cfg.Storage.Minio.Bucket)

	case "s3":
		backend, err := storage.NewS3Storage(ctx, cfg.Storage.S3)
		if err != nil {
			return nil, err
		}
		a.backend = backend
		slog.Info("Using S3 object storage", "endpoint", cfg.Storage.S3.Endpoint, "bucket", cfg.Storage.S3.Bucket)

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	switch cfg.Signer.Driver {
	case "minio":
		if a.minio == nil {
			return nil, errors.New("the minio signer needs the minio storage driver")
		}
		minioSigner := signer.NewMinioSigner(a.minio, cfg.Storage.Minio.Bucket)
		a.signer = minioSigner
		a.downloads = minioSigner
	case "hmac":
		if cfg.Signer.BaseURL == "" {
			slog.Debug("No signer base URL configured; uploads are disabled")
			break
		}
		hmacSigner, err := signer.NewHMACSigner(cfg.Signer.BaseURL, []byte(cfg.Signer.Secret))
		if err != nil {
			return nil, err
		}
		a.signer = hmacSigner
		a.downloads = hmacSigner
	}

	return a, nil
}

// newCache builds the metadata cache, backed by Redis when an address is
// configured.
func (a *app) newCache(ctx context.Context) (*metacache.Cache, error) {
	opts := []metacache.Option{
		metacache.WithTTL(a.cfg.CacheTTL()),
		metacache.WithLookupHook(a.metrics.ObserveCacheLookup),
	}
	if a.cfg.Cache.SingleFlight {
		opts = append(opts, metacache.WithSingleFlight())
	}

	if addr := a.cfg.Cache.RedisAddr; addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: addr})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
		}
		opts = append(opts, metacache.WithStore(metacache.NewRedisStore(a.redis, a.cfg.Cache.RedisPrefix)))
		slog.Info("Using Redis metadata cache", "addr", addr)
	} else {
		opts = append(opts, metacache.WithStore(metacache.NewMemoryStore(a.cfg.Cache.Shards)))
	}

	return metacache.New(a.backend, opts...), nil
}

// newEngine builds an upload engine. A zero chunkSize uses the configured
// one.
func (a *app) newEngine(chunkSize int, checkpoints resumable.Checkpointer) (*resumable.Engine, error) {
	if chunkSize == 0 {
		chunkSize = a.cfg.Upload.ChunkSize
	}
	opts := []resumable.Option{
		resumable.WithChunkSize(chunkSize),
		resumable.WithMaxRetries(a.cfg.Upload.MaxRetries),
		resumable.WithObserver(a.metrics),
		resumable.WithSignedURLTTL(a.cfg.SignedURLTTL()),
	}
	if checkpoints != nil {
		opts = append(opts, resumable.WithCheckpointer(checkpoints))
	}
	return resumable.NewEngine(nil, opts...)
}

func (a *app) requireSigner() error {
	if a.signer == nil {
		return errors.New("no upload signer configured; set signer.base_url or use the minio signer")
	}
	return nil
}

func (a *app) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}
