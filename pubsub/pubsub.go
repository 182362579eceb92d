// Package pubsub provides the in-process publish/subscribe channels that carry
// live snapshots from the stores to the engine and from the engine to its
// listeners.
package pubsub

import (
	"sync"
)

// Channel fans published values out to its subscribers. Each subscriber owns
// a delivery goroutine, so a slow callback never blocks a publisher or other
// subscribers. Values are coalesced: a subscriber that falls behind only sees
// the latest value.
type Channel[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]*subscriber[T]
	replay  bool
	last    T
	hasLast bool
}

// NewChannel creates a channel. With replay set, a new subscriber first
// receives the most recently published value.
func NewChannel[T any](replay bool) *Channel[T] {
	return &Channel[T]{
		subs:   make(map[uint64]*subscriber[T]),
		replay: replay,
	}
}

// Subscribe registers fn. The returned function stops delivery; it is safe to
// call more than once and from inside fn. Values published after it returns
// are never delivered.
func (c *Channel[T]) Subscribe(fn func(T)) func() {
	s := newSubscriber(fn)

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = s
	if c.replay && c.hasLast {
		s.offer(c.last)
	}
	c.mu.Unlock()

	go s.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			s.close()
		})
	}
}

// Publish hands v to every current subscriber.
func (c *Channel[T]) Publish(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.replay {
		c.last = v
		c.hasLast = true
	}
	for _, s := range c.subs {
		s.offer(v)
	}
}

// Len returns the number of live subscribers.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Close detaches every subscriber.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[uint64]*subscriber[T])
	c.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

type subscriber[T any] struct {
	fn func(T)

	mu      sync.Mutex
	pending T
	dirty   bool
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newSubscriber[T any](fn func(T)) *subscriber[T] {
	return &subscriber[T]{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *subscriber[T]) offer(v T) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = v
	s.dirty = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if !s.dirty {
			s.mu.Unlock()
			continue
		}
		v := s.pending
		s.dirty = false
		s.mu.Unlock()

		s.fn(v)
	}
}

func (s *subscriber[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// Hub keeps one Channel per key. A channel exists from its first subscriber
// until its last one leaves.
type Hub[K comparable, T any] struct {
	mu       sync.Mutex
	channels map[K]*Channel[T]
}

func NewHub[K comparable, T any]() *Hub[K, T] {
	return &Hub[K, T]{channels: make(map[K]*Channel[T])}
}

// Subscribe registers fn on the channel for key.
func (h *Hub[K, T]) Subscribe(key K, fn func(T)) func() {
	h.mu.Lock()
	ch, ok := h.channels[key]
	if !ok {
		ch = NewChannel[T](false)
		h.channels[key] = ch
	}
	cancel := ch.Subscribe(fn)
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			h.mu.Lock()
			if cur, ok := h.channels[key]; ok && cur == ch && ch.Len() == 0 {
				delete(h.channels, key)
			}
			h.mu.Unlock()
		})
	}
}

// Publish delivers v to the subscribers of key, if there are any.
func (h *Hub[K, T]) Publish(key K, v T) {
	h.mu.Lock()
	ch, ok := h.channels[key]
	h.mu.Unlock()
	if ok {
		ch.Publish(v)
	}
}

// Len returns the number of open channels.
func (h *Hub[K, T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}
