package pubsub

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestChannel_PublishDelivers(t *testing.T) {
	ch := NewChannel[int](false)

	var got atomic.Int64
	cancel := ch.Subscribe(func(v int) { got.Store(int64(v)) })
	defer cancel()

	ch.Publish(7)
	waitFor(t, "delivery", func() bool { return got.Load() == 7 })
}

func TestChannel_ReplayLastValue(t *testing.T) {
	ch := NewChannel[string](true)
	ch.Publish("first")
	ch.Publish("second")

	var mu sync.Mutex
	var seen []string
	cancel := ch.Subscribe(func(v string) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})
	defer cancel()

	waitFor(t, "replay", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if seen[0] != "second" {
		t.Errorf("replayed value mismatch: got %q, want %q", seen[0], "second")
	}
}

func TestChannel_UnsubscribeIsIdempotent(t *testing.T) {
	ch := NewChannel[int](false)

	var calls atomic.Int64
	cancel := ch.Subscribe(func(int) { calls.Add(1) })

	cancel()
	cancel()

	ch.Publish(1)
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Errorf("callback invoked after unsubscribe: %d calls", calls.Load())
	}
	if ch.Len() != 0 {
		t.Errorf("Len() = %d after unsubscribe, want 0", ch.Len())
	}
}

func TestChannel_UnsubscribeFromCallback(t *testing.T) {
	ch := NewChannel[int](false)

	var calls atomic.Int64
	var cancel func()
	cancel = ch.Subscribe(func(int) {
		calls.Add(1)
		cancel()
	})

	ch.Publish(1)
	waitFor(t, "first delivery", func() bool { return calls.Load() == 1 })

	ch.Publish(2)
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("got %d calls, want 1", calls.Load())
	}
}

func TestChannel_SlowSubscriberSeesLatest(t *testing.T) {
	ch := NewChannel[int](false)

	release := make(chan struct{})
	var last atomic.Int64
	cancel := ch.Subscribe(func(v int) {
		<-release
		last.Store(int64(v))
	})
	defer cancel()

	for i := 1; i <= 100; i++ {
		ch.Publish(i)
	}
	close(release)

	waitFor(t, "latest value", func() bool { return last.Load() == 100 })
}

func TestHub_ChannelLifecycle(t *testing.T) {
	hub := NewHub[string, int]()

	var a, b atomic.Int64
	cancelA := hub.Subscribe("owner-1/categories", func(v int) { a.Store(int64(v)) })
	cancelB := hub.Subscribe("owner-2/categories", func(v int) { b.Store(int64(v)) })

	if hub.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", hub.Len())
	}

	hub.Publish("owner-1/categories", 5)
	waitFor(t, "owner-1 delivery", func() bool { return a.Load() == 5 })
	if b.Load() != 0 {
		t.Errorf("owner-2 received a value published for owner-1")
	}

	cancelA()
	cancelA()
	if hub.Len() != 1 {
		t.Errorf("Len() = %d after cancel, want 1", hub.Len())
	}

	cancelB()
	if hub.Len() != 0 {
		t.Errorf("Len() = %d after all cancels, want 0", hub.Len())
	}

	hub.Publish("owner-2/categories", 9)
	time.Sleep(20 * time.Millisecond)
	if b.Load() != 0 {
		t.Errorf("delivery after unsubscribe")
	}
}
