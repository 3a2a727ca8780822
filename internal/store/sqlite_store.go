package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "modernc.org/sqlite"

	"github.com/nullstream/swr"
)

// SQLiteStore is a durable, single-host PersistentStore: one row per key
// in a modernc.org/sqlite database, surviving process restarts. Grounded
// on the pack's token-manager SQLite-backed CacheStore, generalized from
// response caching to arbitrary CacheItems.
//
// Cross-process change notification (spec.md §4.D) is realized the way
// the pack's config.Watcher reacts to external file changes: an fsnotify
// watch on the database file's directory republishes writes from another
// process as StorageEvents, since SQLite itself has no pubsub mechanism.
type SQLiteStore struct {
	db       *sql.DB
	path     string
	mu       sync.Mutex
	lastSeen map[string]string // key -> last value this process observed, for the fsnotify-driven diff
}

// NewSQLiteStore opens (creating if needed) the database at path and
// ensures the cache table exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS sswr_cache (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: creating sswr_cache table: %w", err)
	}
	return &SQLiteStore{db: db, path: path, lastSeen: make(map[string]string)}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) GetAll(ctx context.Context) ([]swr.StoredItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, expires_at FROM sswr_cache`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []swr.StoredItem
	for rows.Next() {
		var key, value string
		var expiresAtMs int64
		if err := rows.Scan(&key, &value, &expiresAtMs); err != nil {
			return nil, err
		}
		out = append(out, swr.StoredItem{
			Key:  key,
			Item: swr.CacheItem{Data: value, ExpiresAt: time.UnixMilli(expiresAtMs)},
		})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (swr.CacheItem, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM sswr_cache WHERE key = ?`, key)
	var value string
	var expiresAtMs int64
	if err := row.Scan(&value, &expiresAtMs); err != nil {
		if err == sql.ErrNoRows {
			return swr.CacheItem{}, false, nil
		}
		return swr.CacheItem{}, false, err
	}
	return swr.CacheItem{Data: value, ExpiresAt: time.UnixMilli(expiresAtMs)}, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, item swr.CacheItem) error {
	value := fmt.Sprintf("%v", item.Data)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sswr_cache (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, item.ExpiresAt.UnixMilli())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSeen[key] = value
	s.mu.Unlock()
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sswr_cache WHERE key = ?`, key)
	s.mu.Lock()
	delete(s.lastSeen, key)
	s.mu.Unlock()
	return err
}

// Subscribe watches the database file's directory for writes from other
// processes and republishes each changed row as a StorageEvent. Returns a
// cancel func that stops the watch.
func (s *SQLiteStore) Subscribe(bus swr.EventBus) func() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return func() {}
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return func() {}
	}

	publisher, ok := bus.(interface{ PublishStorage(swr.StorageEvent) })
	done := make(chan struct{})

	go func() {
		defer watcher.Close()
		debounce := time.NewTimer(time.Hour)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case _, evOk := <-watcher.Events:
				if !evOk {
					return
				}
				debounce.Reset(50 * time.Millisecond)
			case <-debounce.C:
				if ok {
					s.diffAndPublish(publisher)
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}

func (s *SQLiteStore) diffAndPublish(publisher interface{ PublishStorage(swr.StorageEvent) }) {
	items, err := s.GetAll(context.Background())
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		value := fmt.Sprintf("%v", it.Item.Data)
		old := s.lastSeen[it.Key]
		if old == value {
			continue
		}
		s.lastSeen[it.Key] = value
		publisher.PublishStorage(swr.StorageEvent{Key: it.Key, NewValue: value, OldValue: old})
	}
}
