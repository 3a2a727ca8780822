package swr

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSWR(t *testing.T, fetcher Fetcher, clock Clock) *SWR {
	t.Helper()
	if clock == nil {
		clock = NewManualClock(time.Unix(0, 0))
	}
	s := NewSWR(Options{
		AppName:            "test",
		Fetcher:            fetcher,
		DedupingInterval:   time.Minute,
		ErrorRetryInterval: time.Millisecond,
		ErrorRetryCount:    3,
	}, NoStore{}, nil, clock)
	t.Cleanup(s.Close)
	return s
}

func TestSWR_ColdFetchPopulatesData(t *testing.T) {
	s := newTestSWR(t, func(ctx context.Context, args []any) (any, error) {
		return "value-for-" + args[0].(string), nil
	}, nil)

	sub := s.Use(context.Background(), "k1", nil)
	defer sub.Close()

	select {
	case v := <-sub.Data:
		assert.Equal(t, "value-for-k1", v)
	case err := <-sub.Errors:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cold fetch")
	}
}

func TestSWR_DedupedRefetch_SingleInFlightFetchPerKey(t *testing.T) {
	var calls int64
	block := make(chan struct{})
	s := newTestSWR(t, func(ctx context.Context, args []any) (any, error) {
		atomic.AddInt64(&calls, 1)
		<-block
		return "v", nil
	}, nil)

	sub1 := s.Use(context.Background(), "k1", nil)
	defer sub1.Close()
	sub2 := s.Use(context.Background(), "k1", nil)
	defer sub2.Close()

	time.Sleep(20 * time.Millisecond)
	close(block)

	<-sub1.Data
	<-sub2.Data
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "both subscribers to the same key must share one in-flight fetch")
}

func TestSWR_StaleWhileRevalidate_ServesCachedThenRefreshes(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	var calls int64
	s := newTestSWR(t, func(ctx context.Context, args []any) (any, error) {
		n := atomic.AddInt64(&calls, 1)
		return n, nil
	}, clock)

	sub := s.Use(context.Background(), "k1", nil)
	defer sub.Close()

	v := <-sub.Data
	assert.Equal(t, int64(1), v)

	clock.Advance(2 * time.Minute) // past DedupingInterval
	s.Revalidate(context.Background(), "k1", s.cache.lookup("k1").CurrentItem(), false, UseOptions{})

	require.Eventually(t, func() bool {
		select {
		case v := <-sub.Data:
			return v == int64(2)
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestSWR_RetryExhaustion_NoPriorData_TerminatesWithError(t *testing.T) {
	wantErr := errors.New("upstream down")
	s := newTestSWR(t, func(ctx context.Context, args []any) (any, error) {
		return nil, wantErr
	}, nil)

	sub := s.Use(context.Background(), "k1", nil)
	defer sub.Close()

	select {
	case err := <-sub.Errors:
		assert.Equal(t, wantErr, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal error")
	}
}

func TestSWR_RetryExhaustion_WithPriorData_KeepsStale(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	var calls int64
	s := newTestSWR(t, func(ctx context.Context, args []any) (any, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			return "first", nil
		}
		return nil, errors.New("transient upstream failure")
	}, clock)

	sub := s.Use(context.Background(), "k1", nil)
	defer sub.Close()

	require.Equal(t, "first", <-sub.Data)

	clock.Advance(2 * time.Minute)
	entry := s.cache.lookup("k1")
	s.Revalidate(context.Background(), "k1", entry.CurrentItem(), true, UseOptions{})

	require.Eventually(t, func() bool {
		err, has := entry.currentError()
		return has && err != nil
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "first", entry.CurrentItem().Data, "stale data must survive a failed revalidation")
}

func TestSWR_Mutate_OptimisticUpdateEmitsMutatedValue(t *testing.T) {
	var fetchCalls int64
	s := newTestSWR(t, func(ctx context.Context, args []any) (any, error) {
		atomic.AddInt64(&fetchCalls, 1)
		return "from-fetch", nil
	}, nil)

	sub := s.Use(context.Background(), "k1", nil)
	defer sub.Close()
	require.Equal(t, "from-fetch", <-sub.Data)

	resolved, err := sub.Mutate("optimistic", nil)
	require.NoError(t, err)
	assert.Equal(t, "optimistic", resolved)

	select {
	case v := <-sub.Data:
		assert.Equal(t, "optimistic", v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for optimistic value")
	}
}

func TestSWR_Mutate_OmitDataJustRevalidates(t *testing.T) {
	var fetchCalls int64
	s := newTestSWR(t, func(ctx context.Context, args []any) (any, error) {
		return atomic.AddInt64(&fetchCalls, 1), nil
	}, nil)

	sub := s.Use(context.Background(), "k1", nil)
	defer sub.Close()
	require.Equal(t, int64(1), <-sub.Data)

	_, err := sub.Mutate(Omit, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return atomic.LoadInt64(&fetchCalls) >= 2 }, time.Second, 5*time.Millisecond)
}

func TestSWR_HitMetric_CountsMemoryStoreAndFetchSources(t *testing.T) {
	var calls int64
	s := newTestSWR(t, func(ctx context.Context, args []any) (any, error) {
		atomic.AddInt64(&calls, 1)
		return "v", nil
	}, nil)

	sub := s.Use(context.Background(), "k1", nil)
	defer sub.Close()
	require.Equal(t, "v", <-sub.Data)
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.Hit.WithLabelValues(hitSourceFetch)),
		"cold fetch must record a fetch-source hit")

	// A second Use of the same key hits the already-live in-memory entry.
	sub2 := s.Use(context.Background(), "k1", nil)
	defer sub2.Close()
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.Hit.WithLabelValues(hitSourceMemory)),
		"re-Use of a live key must record a memory-source hit")
}

func TestSWR_HitMetric_StoreSourceOnColdStartFromPersistentStore(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	store := newFakeStore()
	store.items["k1"] = CacheItem{Data: "from-store", ExpiresAt: clock.Now().Add(time.Hour)}

	s := NewSWR(Options{
		AppName:            "test-store-hit",
		Fetcher:            func(ctx context.Context, args []any) (any, error) { return "from-fetch", nil },
		DedupingInterval:   time.Minute,
		ErrorRetryInterval: time.Millisecond,
		ErrorRetryCount:    3,
	}, store, nil, clock)
	t.Cleanup(s.Close)

	entry := s.cache.getOrInit(context.Background(), "k1", UseOptions{})
	require.NotNil(t, entry.CurrentItem())
	assert.Equal(t, "from-store", entry.CurrentItem().Data)
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.Hit.WithLabelValues(hitSourceStore)),
		"loading an unexpired item from the store must record a store-source hit")
}

func TestSWR_RequestData_ErrNoEntryForUnusedKey(t *testing.T) {
	s := newTestSWR(t, func(ctx context.Context, args []any) (any, error) {
		t.Fatal("fetcher must not run for a key that was never Used")
		return nil, nil
	}, nil)

	err := s.RequestData(context.Background(), "never-used", UseOptions{})
	assert.ErrorIs(t, err, ErrNoEntry)
}

func TestSWR_RequestData_ErrStoppedForTerminatedEntry(t *testing.T) {
	wantErr := errors.New("upstream down")
	s := newTestSWR(t, func(ctx context.Context, args []any) (any, error) {
		return nil, wantErr
	}, nil)

	sub := s.Use(context.Background(), "k1", nil)
	defer sub.Close()
	select {
	case err := <-sub.Errors:
		assert.Equal(t, wantErr, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal error")
	}

	require.Eventually(t, func() bool {
		sc := s.cache
		sc.mu.Lock()
		e, ok := sc.entries["k1"]
		sc.mu.Unlock()
		return ok && e.Stopped()
	}, time.Second, 5*time.Millisecond, "entry with no prior data must be marked stopped after terminal failure")

	err := s.RequestData(context.Background(), "k1", UseOptions{})
	assert.ErrorIs(t, err, ErrStopped, "a terminated entry is left in the map so RequestData can distinguish it from a never-used key")
}

func TestSWR_Use_ConditionalKeyNotReadyYieldsInertSubscription(t *testing.T) {
	s := newTestSWR(t, func(ctx context.Context, args []any) (any, error) {
		t.Fatal("fetcher must not be called for a not-ready key")
		return nil, nil
	}, nil)

	sub := s.Use(context.Background(), func() any { panic("dependency missing") }, nil)
	defer sub.Close()

	select {
	case <-sub.Data:
		t.Fatal("inert subscription must not emit data")
	case <-time.After(50 * time.Millisecond):
	}
}
