package feed

import (
	"context"
	"sync"
)

const defaultBufferSize = 256

// Subscription is a single filtered stream of change events.
// Events are delivered in publish order. The Events channel is never closed;
// select on Done to notice that the subscription was released.
type Subscription struct {
	filter Filter
	ch     chan ChangeEvent
	done   chan struct{}
	once   sync.Once
	remove func()
}

// Events returns the stream of matching events.
func (s *Subscription) Events() <-chan ChangeEvent { return s.ch }

// Done is closed once the subscription is released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.remove != nil {
			s.remove()
		}
	})
}

// Broker is an in-process fan-out of change events to subscriptions.
// It is used directly for single node deployments and tests, and as the
// local dispatch stage of the Redis and Postgres feeds.
type Broker struct {
	mu         sync.RWMutex
	subs       map[uint64]*Subscription
	next       uint64
	bufferSize int
	closed     bool
}

// NewBroker creates a broker whose subscriptions buffer bufferSize events.
func NewBroker(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Broker{
		subs:       make(map[uint64]*Subscription),
		bufferSize: bufferSize,
	}
}

// Publish dispatches ev to every matching subscription.
func (b *Broker) Publish(ctx context.Context, ev ChangeEvent) error {
	b.Dispatch(ctx, ev)
	return nil
}

// Dispatch delivers ev to matching subscriptions without waiting. A
// subscription whose buffer is full has fallen behind: it is released so the
// publisher and every other subscriber keep going, and its owner sees Done.
func (b *Broker) Dispatch(ctx context.Context, ev ChangeEvent) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter.Matches(ev) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-s.done:
		case s.ch <- ev:
		default:
			s.Close()
		}
	}
}

// Subscribe registers a new subscription for f.
func (b *Broker) Subscribe(f Filter) *Subscription {
	s := &Subscription{
		filter: f,
		ch:     make(chan ChangeEvent, b.bufferSize),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.Close()
		return s
	}
	id := b.next
	b.next++
	b.subs[id] = s
	s.remove = func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return s
}

// Len returns the number of live subscriptions.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close releases every subscription.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() { close(s.done) })
	}
	return nil
}
