package swr

import (
	"sync"
	"time"
)

// entryHooks are the callbacks StorageCache wires into a CacheEntry at
// init time; the entry itself, per spec.md §4.F, "has no independent
// behavior beyond holding state" — every transition below is driven by
// these hooks back into StorageCache/SWR.
type entryHooks struct {
	// persist is called with every non-nil item the data stream emits.
	persist func(item CacheItem)
	// armRevalidation subscribes to focus/online while the entry has at
	// least one data subscriber, invoking revalidate(key, ...) on each
	// event; it returns the cancel func for that subscription.
	armRevalidation func() (cancel func())
	// onIdle runs when the teardown timer fires with refcount still 0 and
	// isValidating still false.
	onIdle func()
}

// CacheEntry holds all per-key state: the latest-value broadcasts
// consumers subscribe to, the derived data stream's refcount and teardown
// timer, and the terminal stopped flag. See spec.md §3/§4.F.
type CacheEntry struct {
	key   string
	clock Clock
	hooks entryHooks

	dedupingInterval time.Duration

	source       *Broadcast[*CacheItem]
	errors       *Broadcast[error]
	isValidating *Broadcast[bool]

	mu                 sync.Mutex
	subscriptionCount  int
	teardownTimer      *time.Timer
	revalidationCancel func()
	stopped            bool
}

// newCacheEntry builds the three streams for a fresh entry. initial may be
// nil (empty entry).
func newCacheEntry(key string, clock Clock, dedupingInterval time.Duration, initial *CacheItem, hooks entryHooks) *CacheEntry {
	return &CacheEntry{
		key:              key,
		clock:            clock,
		hooks:            hooks,
		dedupingInterval: dedupingInterval,
		source:           NewBroadcast(initial, initial != nil),
		errors:           NewBroadcast[error](nil, false),
		isValidating:     NewBroadcast(false, true),
	}
}

// CurrentItem returns the entry's current CacheItem, if any.
func (e *CacheEntry) CurrentItem() *CacheItem {
	v, ok := e.source.Value()
	if !ok {
		return nil
	}
	return v
}

// SetValidating pushes a new isValidating state.
func (e *CacheEntry) SetValidating(v bool) { e.isValidating.Emit(v) }

// SetError pushes a new error onto the errors stream (nil clears it).
func (e *CacheEntry) SetError(err error) { e.errors.Emit(err) }

// PushItem pushes a new CacheItem onto source. Invariant 2 (spec.md §3) —
// source never emits a self-produced expired item — is enforced by
// callers (SWR only ever constructs items with a future ExpiresAt); an
// item loaded from persistence is pushed as-is even if borderline.
func (e *CacheEntry) PushItem(item *CacheItem) {
	e.source.Emit(item)
}

// TerminateWithError completes source with a terminal error and completes
// errors, per the "fetch terminal failure without prior data" path
// (spec.md §7): the entry becomes dead and is marked stopped so the next
// getOrInit builds a fresh one.
func (e *CacheEntry) TerminateWithError(err error) {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.source.Close()
	e.errors.CloseWithValue(err)
	e.isValidating.Close()
}

// Stopped reports whether this entry is terminal and should be discarded.
func (e *CacheEntry) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// currentError returns the memoized error value, if the errors stream has
// ever emitted one.
func (e *CacheEntry) currentError() (error, bool) {
	return e.errors.Value()
}

// Errors exposes the raw error broadcast for direct subscription; per
// spec, subscribing to errors/isValidating does not affect the data
// stream's refcount.
func (e *CacheEntry) Errors() (<-chan error, func()) { return e.errors.Subscribe() }

// IsValidating exposes the raw isValidating broadcast.
func (e *CacheEntry) IsValidating() (<-chan bool, func()) { return e.isValidating.Subscribe() }

// SubscribeData is the refcounted, side-effecting `data` derived stream
// from spec.md §4.G: each subscription increments the refcount (arming
// revalidation-on-event and cancelling any pending teardown on the
// 0→1 transition), emits source values mapped to .Data with nil filtered
// out, persists every non-nil item, and on the last unsubscribe (N→0)
// arms a teardown timer.
func (e *CacheEntry) SubscribeData() (<-chan any, func()) {
	out := make(chan any, 1)
	src, cancelSrc := e.source.Subscribe()

	e.mu.Lock()
	e.subscriptionCount++
	first := e.subscriptionCount == 1
	if first {
		if e.teardownTimer != nil {
			e.teardownTimer.Stop()
			e.teardownTimer = nil
		}
	}
	e.mu.Unlock()

	if first && e.hooks.armRevalidation != nil {
		e.revalidationCancel = e.hooks.armRevalidation()
	}

	stop := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case item, ok := <-src:
				if !ok {
					close(out)
					return
				}
				if item == nil {
					continue
				}
				if e.hooks.persist != nil {
					e.hooks.persist(*item)
				}
				select {
				case out <- item.Data:
				default:
					select {
					case <-out:
					default:
					}
					select {
					case out <- item.Data:
					default:
					}
				}
			case <-stop:
				return
			}
		}
	}()

	cancel := func() {
		once.Do(func() {
			close(stop)
			cancelSrc()
			e.unsubscribeData()
		})
	}
	return out, cancel
}

// unsubscribeData handles the N→0 transition: cancel the focus/online
// hookup and arm the teardown grace timer (dedupingInterval + 100ms).
func (e *CacheEntry) unsubscribeData() {
	e.mu.Lock()
	if e.subscriptionCount > 0 {
		e.subscriptionCount--
	}
	last := e.subscriptionCount == 0
	e.mu.Unlock()

	if !last {
		return
	}

	e.mu.Lock()
	cancelRevalidation := e.revalidationCancel
	e.revalidationCancel = nil
	e.teardownTimer = time.AfterFunc(e.dedupingInterval+100*time.Millisecond, e.fireTeardown)
	e.mu.Unlock()

	if cancelRevalidation != nil {
		cancelRevalidation()
	}
}

func (e *CacheEntry) fireTeardown() {
	e.mu.Lock()
	stillIdle := e.subscriptionCount == 0
	e.teardownTimer = nil
	e.mu.Unlock()

	if !stillIdle {
		return
	}
	if validating, _ := e.isValidating.Value(); validating {
		return
	}
	if e.hooks.onIdle != nil {
		e.hooks.onIdle()
	}
}

// SubscriptionCount returns the current refcount (test/introspection use).
func (e *CacheEntry) SubscriptionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subscriptionCount
}

// complete terminates all three streams without marking an error; used by
// StorageCache.stopAndDelete on ordinary (non-error) teardown.
func (e *CacheEntry) complete() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.source.Close()
	e.errors.Close()
	e.isValidating.Close()
}
