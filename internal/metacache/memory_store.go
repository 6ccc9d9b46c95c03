package metacache

import (
	"context"
	"sync"
	"time"

	"streamgate/pkg/object"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 16

type shard struct {
	mu      sync.RWMutex
	entries map[string]object.Metadata
}

// MemoryStore is an in-process Store split into independently locked shards
// keyed by the xxhash of the object name.
type MemoryStore struct {
	shards []*shard
}

func NewMemoryStore(shards int) *MemoryStore {
	if shards <= 0 {
		shards = DefaultShards
	}
	s := &MemoryStore{shards: make([]*shard, shards)}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]object.Metadata)}
	}
	return s
}

func (s *MemoryStore) shardFor(name string) *shard {
	return s.shards[xxhash.Sum64String(name)%uint64(len(s.shards))]
}

func (s *MemoryStore) Load(_ context.Context, name string) (object.Metadata, bool) {
	sh := s.shardFor(name)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	meta, ok := sh.entries[name]
	return meta, ok
}

func (s *MemoryStore) Save(_ context.Context, meta object.Metadata, _ time.Duration) {
	sh := s.shardFor(meta.Name)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.entries[meta.Name] = meta
}

func (s *MemoryStore) Delete(_ context.Context, name string) {
	sh := s.shardFor(name)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.entries, name)
}

// Len reports the number of entries across all shards.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Purge drops entries cached before olderThan.
func (s *MemoryStore) Purge(olderThan time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for name, meta := range sh.entries {
			if meta.CachedAt.Before(olderThan) {
				delete(sh.entries, name)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
