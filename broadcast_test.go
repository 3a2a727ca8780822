package swr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcast_LateSubscriberGetsCurrentValue(t *testing.T) {
	b := NewBroadcast(42, true)

	ch, cancel := b.Subscribe()
	defer cancel()

	select {
	case v := <-ch:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial value")
	}
}

func TestBroadcast_EmptyStreamSubscriberGetsNothingUntilEmit(t *testing.T) {
	b := NewBroadcast(0, false)
	ch, cancel := b.Subscribe()
	defer cancel()

	select {
	case v := <-ch:
		t.Fatalf("unexpected value before any Emit: %v", v)
	case <-time.After(50 * time.Millisecond):
	}

	b.Emit(7)
	select {
	case v := <-ch:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for emitted value")
	}
}

func TestBroadcast_SlowSubscriberGetsLatestNotQueued(t *testing.T) {
	b := NewBroadcast(0, true)
	ch, cancel := b.Subscribe()
	defer cancel()
	<-ch // drain the initial value

	b.Emit(1)
	b.Emit(2)
	b.Emit(3)

	select {
	case v := <-ch:
		assert.Equal(t, 3, v, "subscriber should see the latest emission, not a queued stale one")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for latest value")
	}
}

func TestBroadcast_CloseEndsExistingAndFutureSubscribers(t *testing.T) {
	b := NewBroadcast(0, true)
	ch, cancel := b.Subscribe()
	defer cancel()
	<-ch

	b.Close()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed")

	ch2, cancel2 := b.Subscribe()
	defer cancel2()
	_, ok = <-ch2
	assert.False(t, ok, "new subscriber after Close should get a closed channel")
}

func TestBroadcast_CloseWithValue(t *testing.T) {
	b := NewBroadcast[error](nil, false)
	want := assert.AnError
	b.CloseWithValue(want)

	v, ok := b.Value()
	require.True(t, ok)
	assert.Equal(t, want, v)
}

func TestBroadcast_CancelUnsubscribes(t *testing.T) {
	b := NewBroadcast(0, true)
	ch, cancel := b.Subscribe()
	<-ch
	cancel()

	_, ok := <-ch
	assert.False(t, ok, "cancelled subscriber's channel should be closed")
}
