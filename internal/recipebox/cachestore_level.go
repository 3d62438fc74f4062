package recipebox

import (
	"context"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelStorage keeps every named cache in one leveldb database. Entries live
// under "e:<cache>:<key>" and their metadata under "m:<cache>:<key>".
type LevelStorage struct {
	db *leveldb.DB
}

func NewLevelStorage(db *leveldb.DB) *LevelStorage {
	return &LevelStorage{db: db}
}

func (s *LevelStorage) Open(_ context.Context, name string) (ResponseCache, error) {
	return &levelCache{db: s.db, name: name}, nil
}

type levelMeta struct {
	Size     int64
	StoredAt int64
}

type levelCache struct {
	db   *leveldb.DB
	name string
}

func (c *levelCache) entryKey(key string) []byte { return []byte("e:" + c.name + ":" + key) }
func (c *levelCache) metaKey(key string) []byte  { return []byte("m:" + c.name + ":" + key) }

func (c *levelCache) Match(_ context.Context, key string) (CacheEntry, bool, error) {
	b, err := c.db.Get(c.entryKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false, err
	}
	return ent, true, nil
}

func (c *levelCache) Put(ctx context.Context, key string, ent CacheEntry) error {
	return c.PutAll(ctx, []string{key}, []CacheEntry{ent})
}

// PutAll writes every entry and its metadata in one leveldb batch.
func (c *levelCache) PutAll(_ context.Context, keys []string, entries []CacheEntry) error {
	batch := new(leveldb.Batch)
	for i, key := range keys {
		b, err := encodeGob(entries[i])
		if err != nil {
			return err
		}
		mb, err := encodeGob(levelMeta{Size: int64(len(b)), StoredAt: entries[i].StoredAt})
		if err != nil {
			return err
		}
		batch.Put(c.entryKey(key), b)
		batch.Put(c.metaKey(key), mb)
	}
	return c.db.Write(batch, nil)
}

func (c *levelCache) Count(context.Context) (int, error) {
	it := c.db.NewIterator(util.BytesPrefix([]byte("m:"+c.name+":")), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}
