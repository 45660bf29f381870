package relaycache

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// DefaultSubscriptionBuffer is the channel buffer given to each subscriber.
const DefaultSubscriptionBuffer = 256

// Broadcaster fans published values out to every current subscriber.
//
// Nothing is replayed: a subscriber sees only values published after it
// subscribed. Publish never blocks. When a subscriber's buffer is full the
// value is dropped for that subscriber only and counted in Dropped().
type Broadcaster[T any] struct {
	name   string
	buffer int

	subs   map[*Subscription[T]]struct{}
	closed bool
	mu     sync.RWMutex
}

// Subscription is one subscriber's view of a Broadcaster.
type Subscription[T any] struct {
	C <-chan T

	ch      chan T
	parent  *Broadcaster[T]
	dropped atomic.Int64
	once    sync.Once
}

// NewBroadcaster creates a broadcaster. name only shows up in logs.
func NewBroadcaster[T any](name string, buffer int) *Broadcaster[T] {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	return &Broadcaster[T]{
		name:   name,
		buffer: buffer,
		subs:   make(map[*Subscription[T]]struct{}),
	}
}

// Subscribe registers a new subscriber. Subscribing to a closed broadcaster
// returns a subscription whose channel is already closed.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	ch := make(chan T, b.buffer)
	sub := &Subscription[T]{C: ch, ch: ch, parent: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(ch) })
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers v to every subscriber without blocking.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.ch <- v:
		default:
			if sub.dropped.Add(1) == 1 {
				logrus.Warnf("📣 %s subscriber is not keeping up, dropping notifications", b.name)
			}
		}
	}
}

// Len returns the number of live subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.once.Do(func() { close(sub.ch) })
		delete(b.subs, sub)
	}
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription[T]) Close() {
	b := s.parent
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
	s.once.Do(func() { close(s.ch) })
}

// Dropped returns how many values this subscriber missed because its buffer was full.
func (s *Subscription[T]) Dropped() int64 {
	return s.dropped.Load()
}
