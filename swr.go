package swr

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// omitType is the sentinel for "no data argument was passed to Mutate",
// distinct from an explicitly-passed nil/zero value. See the Open
// Question in spec.md §9 about the shouldRevalidate default boundary.
type omitType struct{}

// Omit is passed as Mutate's data argument to mean "just revalidate",
// matching the spec's "data omitted" case (shouldRevalidate defaults true).
// Passing nil explicitly is a present-but-falsy value (shouldRevalidate
// defaults false).
var Omit = omitType{}

// Options are the SWR-level defaults from spec.md §4.H.
type Options struct {
	AppName            string
	Fetcher            Fetcher
	DedupingInterval   time.Duration
	ErrorRetryInterval time.Duration
	ErrorRetryCount    int
	EnableStats        bool
	Logger             *zerolog.Logger
}

func (o *Options) fillDefaults() {
	if o.AppName == "" {
		o.AppName = "swr"
	}
	if o.DedupingInterval <= 0 {
		o.DedupingInterval = 6000 * time.Millisecond
	}
	if o.ErrorRetryInterval <= 0 {
		o.ErrorRetryInterval = 5000 * time.Millisecond
	}
	if o.ErrorRetryCount <= 0 {
		o.ErrorRetryCount = 3
	}
}

// Subscription is what Use returns to a consumer: the three reactive
// streams plus a bound Mutate and a Close to drop the subscription.
type Subscription struct {
	Data         <-chan any
	Errors       <-chan error
	IsValidating <-chan bool
	Mutate       func(data any, shouldRevalidate *bool) (any, error)
	Close        func()
}

// SWR is the public facade: it resolves keys, wires revalidation triggers,
// and owns the fetcher, global options, StorageCache, and PersistentStore.
// Grounded on the teacher's Client as the single public entry point
// (NewCache/Get/Set/Invalidate/Close), generalized to Use/Mutate/Revalidate.
type SWR struct {
	opts  Options
	codec KeyCodec
	clock Clock
	store PersistentStore
	bus   EventBus
	cache *StorageCache

	flight  singleflight.Group
	metrics *MetricSet
	tracer  trace.Tracer
	log     zerolog.Logger
}

// NewSWR constructs a facade. store and bus may be NoStore{} /
// NewMemoryEventBus() respectively when persistence/cross-context signals
// aren't needed.
func NewSWR(opts Options, store PersistentStore, bus EventBus, clock Clock) *SWR {
	opts.fillDefaults()
	if clock == nil {
		clock = RealClock{}
	}
	if store == nil {
		store = NoStore{}
	}
	if bus == nil {
		bus = NewMemoryEventBus()
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	metrics := newMetricSet(opts.AppName, opts.EnableStats)

	s := &SWR{
		opts:    opts,
		clock:   clock,
		store:   store,
		bus:     bus,
		metrics: metrics,
		tracer:  otel.Tracer("swr/" + opts.AppName),
		log:     logger,
	}
	s.cache = newStorageCache(store, bus, clock, logger, metrics, opts.DedupingInterval)
	s.cache.revalidate = func(key string, item *CacheItem, force bool) {
		s.Revalidate(context.Background(), key, item, force, UseOptions{})
	}
	store.Subscribe(bus)
	return s
}

// Close releases the background storage-sync goroutine and unregisters
// Prometheus collectors, mirroring the teacher's Close.
func (s *SWR) Close() {
	s.cache.close()
	if s.opts.EnableStats {
		s.metrics.unregister()
	}
}

func inertSubscription() *Subscription {
	return &Subscription{
		Data:         make(chan any),
		Errors:       make(chan error),
		IsValidating: make(chan bool),
		Mutate:       func(any, *bool) (any, error) { return nil, nil },
		Close:        func() {},
	}
}

// Use resolves args to a key and returns the entry's reactive streams,
// kicking an immediate non-forced revalidation. A factory that signals
// "not ready" (see NormalizeArgs) yields inert streams and a no-op Mutate
// — the documented conditional-fetch mechanism (spec.md §4.H).
func (s *SWR) Use(ctx context.Context, args any, opts *UseOptions) *Subscription {
	resolved, err := NormalizeArgs(args)
	if err != nil {
		return inertSubscription()
	}
	key, err := s.codec.Encode(resolved)
	if err != nil {
		return inertSubscription()
	}

	o := UseOptions{}
	if opts != nil {
		o = *opts
	}

	entry := s.cache.getOrInit(ctx, key, o)

	dataCh, cancelData := entry.SubscribeData()
	errCh, cancelErr := entry.Errors()
	validCh, cancelValid := entry.IsValidating()

	s.Revalidate(ctx, key, entry.CurrentItem(), false, o)

	return &Subscription{
		Data:         dataCh,
		Errors:       errCh,
		IsValidating: validCh,
		Mutate: func(data any, shouldRevalidate *bool) (any, error) {
			return s.Mutate(ctx, key, data, shouldRevalidate, o)
		},
		Close: func() {
			cancelData()
			cancelErr()
			cancelValid()
		},
	}
}

// Mutate writes data directly into the entry's source (short-circuiting
// the fetcher) and optionally enqueues a revalidation. See spec.md §4.H
// for the shouldRevalidate default rule and the Omit sentinel above for
// how "data omitted" is distinguished from "data explicitly nil/zero".
func (s *SWR) Mutate(ctx context.Context, key string, data any, shouldRevalidate *bool, opts UseOptions) (any, error) {
	omitted := data == Omit

	entry := s.cache.getOrInit(ctx, key, opts)
	prior := entry.CurrentItem()
	priorData := priorDataOf(prior)

	revalidate := omitted
	if shouldRevalidate != nil {
		revalidate = *shouldRevalidate
	}

	var resolved any = priorData
	if !omitted {
		var err error
		resolved, err = s.applyMutation(ctx, entry, data, priorData)
		if err != nil {
			return nil, err
		}
		dedup := opts.DedupingInterval
		if dedup <= 0 {
			dedup = s.opts.DedupingInterval
		}
		entry.PushItem(&CacheItem{Data: resolved, ExpiresAt: s.clock.Now().Add(dedup)})
	}

	if revalidate {
		s.Revalidate(ctx, key, prior, true, opts)
	}
	return resolved, nil
}

func (s *SWR) applyMutation(ctx context.Context, entry *CacheEntry, data any, priorData any) (any, error) {
	switch fn := data.(type) {
	case func(any) any:
		return fn(priorData), nil
	case func(any) (any, error):
		return fn(priorData)
	case func(context.Context, any) (any, error):
		entry.SetValidating(true)
		defer entry.SetValidating(false)
		return fn(ctx, priorData)
	default:
		return data, nil
	}
}

func priorDataOf(item *CacheItem) any {
	if item == nil {
		return nil
	}
	return item.Data
}

// Revalidate fires RequestData iff force, or there is no cached item, or
// the cached item is expired. Otherwise it is a no-op (spec.md §4.H).
func (s *SWR) Revalidate(ctx context.Context, key string, item *CacheItem, force bool, opts UseOptions) {
	if !force && item != nil && !item.IsExpired(s.clock) {
		return
	}
	go func() {
		if err := s.RequestData(ctx, key, opts); err != nil {
			s.log.Debug().Err(err).Str("key", key).Msg("swr: revalidate skipped")
		}
	}()
}

// RequestData runs the fetch pipeline for key: set isValidating, run the
// fetcher through RetryPolicy (each failed attempt surfaced on errors),
// and on completion either push a fresh item or terminate/keep-stale per
// spec.md §4.H step 4. A singleflight.Group keyed by key gives the single
// in-flight guarantee (testable property §8.1 / teacher's c.group.Do).
// Returns ErrNoEntry if key has never been through Use/getOrInit, or
// ErrStopped if its entry already terminated with no data and was
// discarded — either way the caller must re-Use the key first.
func (s *SWR) RequestData(ctx context.Context, key string, opts UseOptions) error {
	entry, err := s.cache.lookupForFetch(key)
	if err != nil {
		return err
	}

	_, _, _ = s.flight.Do(key, func() (any, error) {
		s.runFetchPipeline(ctx, key, entry, opts)
		return nil, nil
	})
	return nil
}

func (s *SWR) runFetchPipeline(ctx context.Context, key string, entry *CacheEntry, opts UseOptions) {
	args, err := s.codec.Decode(key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("swr: failed to decode key")
		return
	}

	retryInterval := opts.ErrorRetryInterval
	if retryInterval <= 0 {
		retryInterval = s.opts.ErrorRetryInterval
	}
	retryCount := opts.ErrorRetryCount
	if retryCount <= 0 {
		retryCount = s.opts.ErrorRetryCount
	}
	dedup := opts.DedupingInterval
	if dedup <= 0 {
		dedup = s.opts.DedupingInterval
	}

	entry.SetValidating(true)
	defer entry.SetValidating(false)
	if s.metrics != nil {
		s.metrics.Validating.Inc()
		defer s.metrics.Validating.Dec()
	}

	ctx, span := s.tracer.Start(ctx, "swr.fetch")
	defer span.End()

	started := s.clock.Now()
	policy := RetryPolicy{Interval: retryInterval, Count: retryCount}
	attempt := 0
	v, err := policy.Do(ctx, func(ctx context.Context) (any, error) {
		attempt++
		if attempt > 1 && s.metrics != nil {
			s.metrics.Retries.WithLabelValues(key).Inc()
		}
		return s.opts.Fetcher(ctx, args)
	}, func(attemptErr error) {
		entry.SetError(attemptErr)
		if s.metrics != nil {
			s.metrics.Error.WithLabelValues(errWhenFetch).Inc()
		}
	})

	if s.metrics != nil {
		s.metrics.Latency.WithLabelValues(hitSourceFetch).Observe(float64(s.clock.Now().Sub(started).Milliseconds()))
	}

	if err != nil {
		if s.metrics != nil {
			s.metrics.Error.WithLabelValues(errWhenTerminal).Inc()
		}
		if entry.CurrentItem() == nil {
			entry.TerminateWithError(err)
			s.log.Warn().Err(err).Str("key", key).Msg("swr: terminal fetch failure, no prior data")
			return
		}
		s.log.Warn().Err(err).Str("key", key).Msg("swr: fetch failed, keeping stale data")
		return
	}

	if s.metrics != nil {
		s.metrics.Hit.WithLabelValues(hitSourceFetch).Inc()
	}
	item := &CacheItem{Data: v, ExpiresAt: s.clock.Now().Add(dedup)}
	entry.PushItem(item)
	if curErr, has := entry.currentError(); has && curErr != nil {
		entry.SetError(nil)
	}
}
