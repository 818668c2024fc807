// Package eventlog provides ordered, lossless event delivery.
//
// Events flow: producer → Queue (unbounded) → consumer channel
//
// A Bus fans one stream out to many subscribers, each with its own Queue, so
// a slow subscriber never blocks the publisher or its peers and never misses
// an event.
package eventlog

import "sync"

// Queue is an unbounded FIFO whose output is a channel. Push never blocks.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	wake  chan struct{}
	abort chan struct{}
	out   chan T

	abortOnce sync.Once
}

// NewQueue starts a queue. Its output channel closes after Close once every
// pushed item has been delivered, or immediately after Discard.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{
		wake:  make(chan struct{}, 1),
		abort: make(chan struct{}),
		out:   make(chan T),
	}
	go q.pump()
	return q
}

// Push appends v. It reports false if the queue is already closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting items. Pending items are still delivered.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Discard closes the queue and drops anything not yet delivered.
func (q *Queue[T]) Discard() {
	q.Close()
	q.abortOnce.Do(func() { close(q.abort) })
}

// Out is the delivery channel.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}

func (q *Queue[T]) pump() {
	defer close(q.out)

	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.mu.Unlock()
			select {
			case <-q.wake:
			case <-q.abort:
				return
			}
			q.mu.Lock()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		v := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-q.abort:
			return
		}
	}
}

// Bus broadcasts events to subscribers in publish order.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*Queue[T]
	nextID uint64
	closed bool
}

// NewBus creates an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[uint64]*Queue[T])}
}

// Publish enqueues v for every current subscriber.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.subs {
		q.Push(v)
	}
}

// Subscribe registers a new subscriber that receives every event published
// from now on. Subscribing to a closed bus returns an already closed
// subscription.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	q := NewQueue[T]()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		q.Close()
		return &Subscription[T]{q: q, cancel: func() {}}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = q

	return &Subscription[T]{
		q: q,
		cancel: func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			q.Discard()
		},
	}
}

// Close ends every subscription after its pending events are delivered.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, q := range b.subs {
		q.Close()
		delete(b.subs, id)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscription is one subscriber's view of a Bus.
type Subscription[T any] struct {
	q      *Queue[T]
	cancel func()
	once   sync.Once
}

// C delivers events in publish order. It closes when the bus closes or the
// subscription is cancelled.
func (s *Subscription[T]) C() <-chan T {
	return s.q.Out()
}

// Unsubscribe stops delivery and drops pending events. Safe to call twice.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(s.cancel)
}
