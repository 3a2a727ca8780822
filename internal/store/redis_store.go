package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	uuid "github.com/satori/go.uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/nullstream/swr"
)

const (
	redisNamespace  = "sswr:"
	storageTopic    = "sswr-storage-sync"
	delimiter       = "~|~"
	aggregateWindow = time.Second
)

// RedisStore is a cross-process/cross-tab PersistentStore backed by
// redis.UniversalClient: every key lives under a single namespaced hash
// (spec.md §6's "single namespace key" layout), and writes are announced
// on a pubsub topic so every other RedisStore instance can reconcile.
// Grounded directly on the teacher's Client: the hash mirrors its single
// key/value pair per key, the pubsub topic and self-message filtering by
// instance UUID mirror redisCacheInvalidateTopic/listenKeyInvalidate, and
// the value encoding mirrors ValueBytesExpiredAt.
type RedisStore struct {
	conn redis.UniversalClient
	id   string

	hashKey string

	mu           sync.Mutex
	changedKeys  map[string]struct{}
	flushCh      chan struct{}

	pubsub *redis.PubSub
	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context
}

// NewRedisStore wraps an existing redis client. appName scopes the
// namespace hash and pubsub topic so multiple SWR instances can share one
// Redis without colliding.
func NewRedisStore(appName string, conn redis.UniversalClient) *RedisStore {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisStore{
		conn:        conn,
		id:          uuid.NewV4().String(),
		hashKey:     redisNamespace + appName,
		changedKeys: make(map[string]struct{}),
		flushCh:     make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *RedisStore) GetAll(ctx context.Context) ([]swr.StoredItem, error) {
	raw, err := s.conn.HGetAll(ctx, s.hashKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]swr.StoredItem, 0, len(raw))
	for k, v := range raw {
		wi, item, err := decodeWireItem([]byte(v))
		if err != nil {
			continue
		}
		_ = wi
		out = append(out, swr.StoredItem{Key: k, Item: item})
	}
	return out, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (swr.CacheItem, bool, error) {
	v, err := s.conn.HGet(ctx, s.hashKey, key).Bytes()
	if err == redis.Nil {
		return swr.CacheItem{}, false, nil
	}
	if err != nil {
		return swr.CacheItem{}, false, err
	}
	_, item, err := decodeWireItem(v)
	if err != nil {
		return swr.CacheItem{}, false, err
	}
	return item, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, item swr.CacheItem) error {
	b, err := encodeWireItem(item)
	if err != nil {
		return err
	}
	if err := s.conn.HSet(ctx, s.hashKey, key, b).Err(); err != nil {
		return err
	}
	s.announce(key)
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.conn.HDel(ctx, s.hashKey, key).Err(); err != nil {
		return err
	}
	s.announce(key)
	return nil
}

// announce batches key changes and flushes them to the pubsub topic at
// most once per aggregateWindow, matching the teacher's
// broadcastKeyInvalidate/aggregateSend pair.
func (s *RedisStore) announce(key string) {
	s.mu.Lock()
	s.changedKeys[key] = struct{}{}
	s.mu.Unlock()
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// Subscribe starts the pubsub listener and the aggregate-send loop, wiring
// incoming (non-self) messages onto bus's Storage channel.
func (s *RedisStore) Subscribe(bus swr.EventBus) func() {
	s.pubsub = s.conn.Subscribe(s.ctx, storageTopic)
	publisher, _ := bus.(interface{ PublishStorage(swr.StorageEvent) })

	s.wg.Add(2)
	go s.aggregateSend()
	go s.listen(publisher)

	return func() {
		s.pubsub.Unsubscribe(s.ctx)
		s.pubsub.Close()
		s.cancel()
		s.wg.Wait()
	}
}

func (s *RedisStore) aggregateSend() {
	defer s.wg.Done()
	ticker := time.NewTicker(aggregateWindow)
	defer ticker.Stop()
	var lastFlush time.Time
	for {
		select {
		case <-ticker.C:
		case <-s.flushCh:
		case <-s.ctx.Done():
			return
		}
		if time.Since(lastFlush) < aggregateWindow {
			continue
		}
		s.mu.Lock()
		if len(s.changedKeys) == 0 {
			s.mu.Unlock()
			continue
		}
		keys := make([]string, 0, len(s.changedKeys))
		for k := range s.changedKeys {
			keys = append(keys, k)
		}
		s.changedKeys = make(map[string]struct{})
		s.mu.Unlock()

		lastFlush = time.Now()
		msg := s.id + delimiter + strings.Join(keys, delimiter)
		s.conn.Publish(s.ctx, storageTopic, msg)
	}
}

func (s *RedisStore) listen(publisher interface{ PublishStorage(swr.StorageEvent) }) {
	defer s.wg.Done()
	ch := s.pubsub.Channel()
	for {
		msg, ok := <-ch
		if !ok {
			return
		}
		parts := strings.Split(msg.Payload, delimiter)
		if len(parts) < 2 || parts[0] == s.id {
			continue
		}
		if publisher == nil {
			continue
		}
		for _, key := range parts[1:] {
			publisher.PublishStorage(swr.StorageEvent{
				Key:      key,
				NewValue: fmt.Sprintf("redis:%d", time.Now().UnixNano()),
				OldValue: "",
			})
		}
	}
}
