// Package store holds the concrete PersistentStore backends: an
// in-process freecache-backed store, a SQLite-backed store for
// single-host durability across process restarts, and a Redis-backed
// store for cross-process/cross-tab sharing.
package store

import (
	"context"
	"time"

	"github.com/coocood/freecache"
	"github.com/klauspost/compress/s2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/nullstream/swr"
)

// wireItem is how a CacheItem round-trips through a byte-oriented
// backend, mirroring the teacher's ValueBytesExpiredAt: value bytes plus
// an absolute expiry so a backend with its own TTL mechanics (freecache,
// Redis) can still be read back with exact millisecond expiry semantics.
// ValueBytes is s2-compressed msgpack — the teacher's own marshal() used
// to do this against Redis payloads before the compression step was
// stripped out (see the dangling klauspost/compress require and the
// "removed compression" comment in cache.go); restoring it here gives
// every byte-oriented backend smaller persisted entries for free.
type wireItem struct {
	ValueBytes []byte `msgpack:"v,omitempty"`
	ExpiresAt  int64  `msgpack:"e,omitempty"` // unix ms
}

// FreecacheStore is a process-local PersistentStore backed by
// coocood/freecache, the exact "process-local key/value store" spec.md
// §1 calls for, grounded on the teacher's inMemCache field. It never
// notifies cross-context (there is no other context to notify — see
// spec.md §4.D, "absence of a store is valid" / silent channels).
type FreecacheStore struct {
	cache *freecache.Cache
}

// NewFreecacheStore allocates a freecache of sizeBytes capacity.
func NewFreecacheStore(sizeBytes int) *FreecacheStore {
	return &FreecacheStore{cache: freecache.NewCache(sizeBytes)}
}

func (s *FreecacheStore) GetAll(ctx context.Context) ([]swr.StoredItem, error) {
	var out []swr.StoredItem
	it := s.cache.NewIterator()
	for {
		entry := it.Next()
		if entry == nil {
			break
		}
		wi, item, err := decodeWireItem(entry.Value)
		if err != nil {
			continue
		}
		_ = wi
		out = append(out, swr.StoredItem{Key: string(entry.Key), Item: item})
	}
	return out, nil
}

func (s *FreecacheStore) Get(ctx context.Context, key string) (swr.CacheItem, bool, error) {
	b, err := s.cache.Get([]byte(key))
	if err != nil {
		return swr.CacheItem{}, false, nil
	}
	_, item, err := decodeWireItem(b)
	if err != nil {
		return swr.CacheItem{}, false, err
	}
	return item, true, nil
}

func (s *FreecacheStore) Set(ctx context.Context, key string, item swr.CacheItem) error {
	b, err := encodeWireItem(item)
	if err != nil {
		return err
	}
	ttl := time.Until(item.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.cache.Set([]byte(key), b, int(ttl.Seconds()))
}

func (s *FreecacheStore) Remove(ctx context.Context, key string) error {
	s.cache.Del([]byte(key))
	return nil
}

// Subscribe is a no-op: a single process has no other context to hear
// about storage changes from.
func (s *FreecacheStore) Subscribe(bus swr.EventBus) func() { return func() {} }

func encodeWireItem(item swr.CacheItem) ([]byte, error) {
	raw, err := msgpack.Marshal(item.Data)
	if err != nil {
		return nil, err
	}
	valueBytes := s2.Encode(nil, raw)
	return msgpack.Marshal(&wireItem{ValueBytes: valueBytes, ExpiresAt: item.ExpiresAt.UnixMilli()})
}

func decodeWireItem(b []byte) (*wireItem, swr.CacheItem, error) {
	wi := &wireItem{}
	if err := msgpack.Unmarshal(b, wi); err != nil {
		return nil, swr.CacheItem{}, err
	}
	raw, err := s2.Decode(nil, wi.ValueBytes)
	if err != nil {
		return nil, swr.CacheItem{}, err
	}
	var data any
	if err := msgpack.Unmarshal(raw, &data); err != nil {
		return nil, swr.CacheItem{}, err
	}
	return wi, swr.CacheItem{Data: data, ExpiresAt: time.UnixMilli(wi.ExpiresAt)}, nil
}
