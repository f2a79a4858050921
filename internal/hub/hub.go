// Package hub fans events from one producer out to many independent
// subscribers. Every subscriber has a small bounded queue with a drop-oldest
// overflow policy, so Publish never blocks and a slow subscriber only loses
// its own stale events.
package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ayusman/signstream/internal/metrics"
)

// DefaultQueueSize is the per-subscriber queue capacity.
const DefaultQueueSize = 2

var (
	// ErrClosed is returned by Subscribe after Close.
	ErrClosed = errors.New("hub closed")

	// ErrUnsubscribed is returned by Next once the subscriber was removed.
	ErrUnsubscribed = errors.New("subscriber removed")
)

// Hub distributes values of type T to subscribers.
type Hub[T any] struct {
	queueSize int

	mu        sync.RWMutex
	subs      map[string]*Subscriber[T]
	closed    bool
	published atomic.Uint64
}

// New creates a hub whose subscribers queue at most queueSize values.
// A queueSize <= 0 means DefaultQueueSize.
func New[T any](queueSize int) *Hub[T] {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub[T]{
		queueSize: queueSize,
		subs:      make(map[string]*Subscriber[T]),
	}
}

// Subscribe registers a new subscriber. It receives values published from
// now on.
func (h *Hub[T]) Subscribe() (*Subscriber[T], error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	s := &Subscriber[T]{
		id:     uuid.NewString(),
		queue:  make([]T, 0, h.queueSize),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	h.subs[s.id] = s
	metrics.Subscribers.Set(float64(len(h.subs)))
	return s, nil
}

// Unsubscribe removes s and releases its queue. Pending and future Next
// calls on s return ErrUnsubscribed. Removing twice is a no-op.
func (h *Hub[T]) Unsubscribe(s *Subscriber[T]) {
	h.mu.Lock()
	if _, ok := h.subs[s.id]; ok {
		delete(h.subs, s.id)
		metrics.Subscribers.Set(float64(len(h.subs)))
	}
	h.mu.Unlock()

	s.close()
}

// Publish offers v to every subscriber without blocking.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	h.published.Add(1)

	for _, s := range h.subs {
		if s.offer(v) {
			metrics.EventsDropped.Inc()
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Published returns how many values were published.
func (h *Hub[T]) Published() uint64 {
	return h.published.Load()
}

// Close removes every subscriber. Later Publish calls are ignored.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*Subscriber[T])
	metrics.Subscribers.Set(0)
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// Subscriber is one consumer's handle: a bounded FIFO queue plus a wakeup
// signal. Values come out in publish order; overflow discards the oldest.
type Subscriber[T any] struct {
	id string

	mu     sync.Mutex
	queue  []T
	closed bool

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// ID returns the subscriber's unique id.
func (s *Subscriber[T]) ID() string { return s.id }

// Done is closed when the subscriber is removed.
func (s *Subscriber[T]) Done() <-chan struct{} { return s.done }

// Dropped returns how many values were discarded for this subscriber.
func (s *Subscriber[T]) Dropped() uint64 { return s.dropped.Load() }

// Delivered returns how many values this subscriber has taken.
func (s *Subscriber[T]) Delivered() uint64 { return s.delivered.Load() }

// offer enqueues v, discarding the oldest queued value if full. It reports
// whether a value was dropped.
func (s *Subscriber[T]) offer(v T) (dropped bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) == cap(s.queue) {
		var zero T
		copy(s.queue, s.queue[1:])
		s.queue[len(s.queue)-1] = zero
		s.queue = s.queue[:len(s.queue)-1]
		dropped = true
		s.dropped.Add(1)
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// TryNext returns the oldest queued value without waiting.
func (s *Subscriber[T]) TryNext() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if len(s.queue) == 0 {
		return zero, false
	}
	v := s.queue[0]
	copy(s.queue, s.queue[1:])
	s.queue[len(s.queue)-1] = zero
	s.queue = s.queue[:len(s.queue)-1]
	s.delivered.Add(1)
	return v, true
}

// Next waits for the oldest queued value.
func (s *Subscriber[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		if v, ok := s.TryNext(); ok {
			return v, nil
		}

		select {
		case <-s.notify:
		case <-s.done:
			return zero, ErrUnsubscribed
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Drain passes queued values to send until send fails, ctx ends or the
// subscriber is removed. It is the subscriber's send loop.
func (s *Subscriber[T]) Drain(ctx context.Context, send func(T) error) error {
	for {
		v, err := s.Next(ctx)
		if err != nil {
			return err
		}
		if err := send(v); err != nil {
			return err
		}
	}
}

func (s *Subscriber[T]) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
}
