package swr

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// UseOptions are the per-call overrides spec.md §6 allows Use to accept;
// zero values mean "use the SWR-level default".
type UseOptions struct {
	InitialData        any
	DedupingInterval   time.Duration
	ErrorRetryInterval time.Duration
	ErrorRetryCount    int
}

// StorageCache owns the key → CacheEntry map, reconciles it against a
// PersistentStore, and drives entry creation/teardown. Grounded on the
// teacher's Client, which owns the equivalent in-memory/Redis reconciliation
// for its own two-tier cache.
type StorageCache struct {
	mu      sync.Mutex
	entries map[string]*CacheEntry

	store PersistentStore
	bus   EventBus
	clock Clock
	log   zerolog.Logger

	defaultDedupingInterval time.Duration

	// revalidate is supplied by SWR; StorageCache calls it on each
	// focus/online event while an entry has at least one data subscriber.
	// Storage sync pushes newer items without calling it.
	revalidate func(key string, item *CacheItem, force bool)

	metrics *MetricSet

	storageCancel func()
}

func newStorageCache(store PersistentStore, bus EventBus, clock Clock, log zerolog.Logger, metrics *MetricSet, defaultDedupingInterval time.Duration) *StorageCache {
	sc := &StorageCache{
		entries:                 make(map[string]*CacheEntry),
		store:                   store,
		bus:                     bus,
		clock:                   clock,
		log:                     log,
		metrics:                 metrics,
		defaultDedupingInterval: defaultDedupingInterval,
	}

	storageCh, cancelSub := bus.Storage()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-storageCh:
				if !ok {
					return
				}
				if ev.Key == "" || ev.NewValue == ev.OldValue {
					continue
				}
				sc.syncWithStorage(context.Background())
			case <-done:
				return
			}
		}
	}()
	sc.storageCancel = func() {
		close(done)
		cancelSub()
	}

	return sc
}

func (sc *StorageCache) close() {
	if sc.storageCancel != nil {
		sc.storageCancel()
	}
}

// lookup returns the live entry for key without creating one, or nil.
func (sc *StorageCache) lookup(key string) *CacheEntry {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if e, ok := sc.entries[key]; ok && !e.Stopped() {
		return e
	}
	return nil
}

// lookupForFetch is lookup's error-distinguishing counterpart, used by
// RequestData to tell "nobody has ever used this key" (ErrNoEntry) apart
// from "this key's entry terminated with no data and was discarded"
// (ErrStopped) — the caller should re-Use the key to build a fresh entry.
func (sc *StorageCache) lookupForFetch(key string) (*CacheEntry, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	e, ok := sc.entries[key]
	if !ok {
		return nil, ErrNoEntry
	}
	if e.Stopped() {
		return nil, ErrStopped
	}
	return e, nil
}

// getOrInit returns the live, non-stopped entry for key, creating one if
// necessary. Initial data comes from (a) a non-expired item in the
// PersistentStore, else (b) opts.InitialData, wrapped with ExpiresAt=0
// (immediately stale, but usable) if it carries no expiry of its own.
func (sc *StorageCache) getOrInit(ctx context.Context, key string, opts UseOptions) *CacheEntry {
	sc.mu.Lock()
	if e, ok := sc.entries[key]; ok && !e.Stopped() {
		sc.mu.Unlock()
		if sc.metrics != nil {
			sc.metrics.Hit.WithLabelValues(hitSourceMemory).Inc()
		}
		return e
	}
	sc.mu.Unlock()

	dedup := opts.DedupingInterval
	if dedup <= 0 {
		dedup = sc.defaultDedupingInterval
	}

	initial := sc.loadInitial(ctx, key, opts)

	entry := newCacheEntry(key, sc.clock, dedup, initial, entryHooks{
		persist: func(item CacheItem) {
			if err := sc.store.Set(ctx, key, item); err != nil {
				sc.log.Warn().Err(err).Str("key", key).Msg("swr: persist failed")
				if sc.metrics != nil {
					sc.metrics.Error.WithLabelValues(errWhenPersist).Inc()
				}
			}
		},
		armRevalidation: func() func() {
			return sc.armRevalidation(key)
		},
		onIdle: func() {
			sc.stopAndDelete(ctx, key)
		},
	})

	sc.mu.Lock()
	sc.entries[key] = entry
	if sc.metrics != nil {
		sc.metrics.Entries.Set(float64(len(sc.entries)))
	}
	sc.mu.Unlock()

	sc.log.Debug().Str("key", key).Msg("swr: entry created")
	return entry
}

// armRevalidation subscribes to focus ∪ online and calls sc.revalidate on
// each event with the entry's *current* item, not force, per spec.md §4.G.
func (sc *StorageCache) armRevalidation(key string) func() {
	focusCh, cancelFocus := sc.bus.Focus()
	onlineCh, cancelOnline := sc.bus.Online()
	done := make(chan struct{})

	go func() {
		for {
			select {
			case _, ok := <-focusCh:
				if !ok {
					return
				}
				sc.triggerRevalidate(key)
			case _, ok := <-onlineCh:
				if !ok {
					return
				}
				sc.triggerRevalidate(key)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		cancelFocus()
		cancelOnline()
	}
}

func (sc *StorageCache) triggerRevalidate(key string) {
	if sc.revalidate == nil {
		return
	}
	sc.mu.Lock()
	e, ok := sc.entries[key]
	sc.mu.Unlock()
	if !ok {
		return
	}
	sc.revalidate(key, e.CurrentItem(), false)
}

func (sc *StorageCache) loadInitial(ctx context.Context, key string, opts UseOptions) *CacheItem {
	if item, ok, err := sc.store.Get(ctx, key); err == nil && ok {
		if !item.IsExpired(sc.clock) {
			if sc.metrics != nil {
				sc.metrics.Hit.WithLabelValues(hitSourceStore).Inc()
			}
			return &item
		}
	} else if err != nil {
		sc.log.Warn().Err(err).Str("key", key).Msg("swr: store read failed")
	}

	switch d := opts.InitialData.(type) {
	case nil:
		return nil
	case CacheItem:
		return &d
	case *CacheItem:
		return d
	}
	return &CacheItem{Data: opts.InitialData, ExpiresAt: time.Unix(0, 0)}
}

// stopAndDelete removes key's entry: if its current item is expired, it is
// purged from the PersistentStore; all three streams are completed and the
// entry is dropped from the map.
func (sc *StorageCache) stopAndDelete(ctx context.Context, key string) {
	sc.mu.Lock()
	e, ok := sc.entries[key]
	if !ok {
		sc.mu.Unlock()
		return
	}
	delete(sc.entries, key)
	if sc.metrics != nil {
		sc.metrics.Entries.Set(float64(len(sc.entries)))
	}
	sc.mu.Unlock()

	item := e.CurrentItem()
	if item == nil || item.IsExpired(sc.clock) {
		if err := sc.store.Remove(ctx, key); err != nil {
			sc.log.Warn().Err(err).Str("key", key).Msg("swr: store remove failed")
		}
	}
	e.complete()
	sc.log.Debug().Str("key", key).Msg("swr: entry destroyed")
}

// syncWithStorage reconciles in-memory entries against the PersistentStore:
// expired items are dropped, and an unexpired stored item whose ExpiresAt
// strictly exceeds the in-memory entry's current ExpiresAt is pushed onto
// that entry's source (cross-context monotonicity, spec.md §4.G/§5).
func (sc *StorageCache) syncWithStorage(ctx context.Context) {
	items, err := sc.store.GetAll(ctx)
	if err != nil {
		sc.log.Warn().Err(err).Msg("swr: storage sync read failed")
		return
	}

	for _, si := range items {
		if si.Item.IsExpired(sc.clock) {
			_ = sc.store.Remove(ctx, si.Key)
			continue
		}

		sc.mu.Lock()
		e, ok := sc.entries[si.Key]
		sc.mu.Unlock()
		if !ok {
			continue
		}

		current := e.CurrentItem()
		if current == nil || si.Item.ExpiresAt.After(current.ExpiresAt) {
			item := si.Item
			e.PushItem(&item)
		}
	}
}
