package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Bus distributes engine events to subscribers with filtering support.
//
// Thread safety: all methods are safe for concurrent use. Publish never
// blocks on a slow subscriber; when a subscriber's buffer is full the
// event is dropped for that subscriber only and counted.
type Bus interface {
	// Publish sends an event to all matching subscribers.
	// Returns an error only if the bus is closed.
	Publish(ctx context.Context, event Event) error

	// Subscribe creates a subscription with optional filtering. Returns a
	// channel for receiving events and a cleanup function that must be
	// called to prevent resource leaks. bufferSize 0 selects the default.
	Subscribe(ctx context.Context, filter Filter, bufferSize int) (<-chan Event, func())

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// subscription represents a single subscriber.
type subscription struct {
	id      string
	ch      chan Event
	filter  Filter
	created time.Time
	dropped atomic.Int64
}

// busOptions holds configuration for DefaultBus.
type busOptions struct {
	defaultBufferSize int
	dropHandler       func(eventType EventType, subscriberID string)
}

// BusOption is a functional option for configuring DefaultBus.
type BusOption func(*busOptions)

// WithDefaultBufferSize sets the buffer size used when Subscribe is called
// with bufferSize 0. Default: 64 events.
func WithDefaultBufferSize(size int) BusOption {
	return func(opts *busOptions) {
		if size > 0 {
			opts.defaultBufferSize = size
		}
	}
}

// WithDropHandler sets a callback invoked when an event is dropped for a
// slow subscriber. Default: no-op.
func WithDropHandler(handler func(eventType EventType, subscriberID string)) BusOption {
	return func(opts *busOptions) {
		if handler != nil {
			opts.dropHandler = handler
		}
	}
}

// DefaultBus implements Bus with buffered channels and non-blocking sends.
type DefaultBus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscription
	options     busOptions
	closed      bool
}

// NewBus creates a new DefaultBus with the given options.
func NewBus(opts ...BusOption) *DefaultBus {
	options := busOptions{
		defaultBufferSize: 64,
		dropHandler:       func(EventType, string) {},
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &DefaultBus{
		subscribers: make(map[string]*subscription),
		options:     options,
	}
}

// Publish sends an event to all matching subscribers.
func (b *DefaultBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range b.subscribers {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			b.options.dropHandler(event.Type, sub.id)
		}
	}

	return nil
}

// Subscribe creates a subscription with optional filtering.
func (b *DefaultBus) Subscribe(ctx context.Context, filter Filter, bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = b.options.defaultBufferSize
	}

	sub := &subscription{
		id:      uuid.New().String(),
		ch:      make(chan Event, bufferSize),
		filter:  filter,
		created: time.Now(),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		closed := make(chan Event)
		close(closed)
		return closed, func() {}
	}
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, sub.id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}

	// Tie the subscription lifetime to the context as well.
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return sub.ch, cancel
}

// Close shuts down the bus and all subscriptions.
func (b *DefaultBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}

	return nil
}

// SubscriberCount returns the number of active subscriptions.
func (b *DefaultBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
