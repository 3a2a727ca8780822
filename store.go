package swr

import "context"

// namespace is the engine's persistence prefix. No code in this package
// applies it: RedisStore prefixes its hash key with the same string,
// SQLiteStore keeps its rows in its own sswr_cache table, and
// FreecacheStore stores keys unprefixed.
const namespace = "sswr:"

// PersistentStore is the abstract key/value backend CacheItems are
// persisted to. Absence of a store is valid: NoStore makes every method a
// no-op, per spec.
type PersistentStore interface {
	GetAll(ctx context.Context) ([]StoredItem, error)
	Get(ctx context.Context, key string) (CacheItem, bool, error)
	Set(ctx context.Context, key string, item CacheItem) error
	Remove(ctx context.Context, key string) error

	// Subscribe wires this store's cross-context change notifications (a
	// Redis pubsub channel, an fsnotify watch) into bus's Storage channel.
	// It returns a cancel func that stops the wiring.
	Subscribe(bus EventBus) func()
}

// NoStore is the zero-value PersistentStore: every operation is a no-op,
// used when the cache runs with in-memory-only entries.
type NoStore struct{}

func (NoStore) GetAll(ctx context.Context) ([]StoredItem, error)          { return nil, nil }
func (NoStore) Get(ctx context.Context, key string) (CacheItem, bool, error) {
	return CacheItem{}, false, nil
}
func (NoStore) Set(ctx context.Context, key string, item CacheItem) error { return nil }
func (NoStore) Remove(ctx context.Context, key string) error              { return nil }
func (NoStore) Subscribe(bus EventBus) func()                             { return func() {} }
