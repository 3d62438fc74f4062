package recipebox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/syndtr/goleveldb/leveldb"
)

// KV is a single-slot durable store for serialized blobs. Read returns
// ErrNotFound when nothing was written under key.
type KV interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, blob []byte) error
}

// ---- memory ----

type MemKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemKV() *MemKV {
	return &MemKV{data: map[string][]byte{}}
}

func (m *MemKV) Read(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *MemKV) Write(_ context.Context, key string, blob []byte) error {
	m.mu.Lock()
	m.data[key] = append([]byte(nil), blob...)
	m.mu.Unlock()
	return nil
}

// ---- leveldb ----

// LevelKV keeps its keys under a prefix so it can share a database with the
// leveldb response cache. Snapshots use "s:", registrations "r:".
type LevelKV struct {
	db     *leveldb.DB
	prefix string
}

func NewLevelKV(db *leveldb.DB) *LevelKV {
	return newLevelKV(db, "s:")
}

func newLevelKV(db *leveldb.DB, prefix string) *LevelKV {
	return &LevelKV{db: db, prefix: prefix}
}

func (l *LevelKV) Read(_ context.Context, key string) ([]byte, error) {
	b, err := l.db.Get([]byte(l.prefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return b, err
}

func (l *LevelKV) Write(_ context.Context, key string, blob []byte) error {
	return l.db.Put([]byte(l.prefix+key), blob, nil)
}

// ---- redis ----

type RedisKV struct {
	client *redis.Client
	prefix string
}

func NewRedisKV(client *redis.Client, prefix string) *RedisKV {
	return &RedisKV{client: client, prefix: prefix}
}

func (r *RedisKV) Read(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}

func (r *RedisKV) Write(ctx context.Context, key string, blob []byte) error {
	return r.client.Set(ctx, r.prefix+key, blob, 0).Err()
}

func newRedisClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	log.Printf("connected to redis at %s", addr)
	return client, nil
}
