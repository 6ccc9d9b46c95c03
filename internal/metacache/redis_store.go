package metacache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"streamgate/pkg/object"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares cached metadata between proxy instances. Entries are
// JSON encoded and expire in Redis after the cache TTL. Redis failures are
// logged and treated as misses so the backend stays authoritative.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "streamgate:meta:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

func (s *RedisStore) Load(ctx context.Context, name string) (object.Metadata, bool) {
	data, err := s.client.Get(ctx, s.key(name)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("Metadata cache read failed", slog.String("name", name), slog.Any("error", err))
		}
		return object.Metadata{}, false
	}

	var meta object.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		slog.Warn("Discarding undecodable cache entry", slog.String("name", name), slog.Any("error", err))
		return object.Metadata{}, false
	}
	return meta, true
}

func (s *RedisStore) Save(ctx context.Context, meta object.Metadata, ttl time.Duration) {
	data, err := json.Marshal(meta)
	if err != nil {
		slog.Warn("Metadata cache encode failed", slog.String("name", meta.Name), slog.Any("error", err))
		return
	}
	if err := s.client.Set(ctx, s.key(meta.Name), data, ttl).Err(); err != nil {
		slog.Warn("Metadata cache write failed", slog.String("name", meta.Name), slog.Any("error", err))
	}
}

func (s *RedisStore) Delete(ctx context.Context, name string) {
	if err := s.client.Del(ctx, s.key(name)).Err(); err != nil {
		slog.Warn("Metadata cache delete failed", slog.String("name", name), slog.Any("error", err))
	}
}
