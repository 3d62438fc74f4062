package recipebox

import (
	"context"
	"sync"
)

// ResponseCache is one named response cache. Entries are only ever inserted;
// a second Put for the same key replaces the first.
type ResponseCache interface {
	Match(ctx context.Context, key string) (CacheEntry, bool, error)
	Put(ctx context.Context, key string, ent CacheEntry) error
}

// CacheStorage opens named caches, creating them on first use.
type CacheStorage interface {
	Open(ctx context.Context, name string) (ResponseCache, error)
}

// entryCounter is implemented by caches that can count their entries cheaply.
type entryCounter interface {
	Count(ctx context.Context) (int, error)
}

// batchPutter is implemented by caches that can store several entries
// atomically.
type batchPutter interface {
	PutAll(ctx context.Context, keys []string, entries []CacheEntry) error
}

// entryDeleter is implemented by caches that can drop an entry. Install uses
// it to undo a partial write.
type entryDeleter interface {
	Delete(ctx context.Context, key string) error
}

// ---- memory ----

type MemoryStorage struct {
	mu     sync.Mutex
	caches map[string]*memoryCache
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{caches: map[string]*memoryCache{}}
}

func (s *MemoryStorage) Open(_ context.Context, name string) (ResponseCache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[name]
	if !ok {
		c = &memoryCache{entries: map[string]CacheEntry{}}
		s.caches[name] = c
	}
	return c, nil
}

type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
}

func (c *memoryCache) Match(_ context.Context, key string) (CacheEntry, bool, error) {
	c.mu.RLock()
	ent, ok := c.entries[key]
	c.mu.RUnlock()
	return ent, ok, nil
}

func (c *memoryCache) Put(_ context.Context, key string, ent CacheEntry) error {
	c.mu.Lock()
	c.entries[key] = ent
	c.mu.Unlock()
	return nil
}

func (c *memoryCache) Count(context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries), nil
}

func (c *memoryCache) PutAll(_ context.Context, keys []string, entries []CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, k := range keys {
		c.entries[k] = entries[i]
	}
	return nil
}
