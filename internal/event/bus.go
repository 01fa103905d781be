// Package event provides the synchronous fan-out bus used to publish
// breakpoint events to observers (transport, logging, tests).
//
// Delivery is synchronous in the publisher's goroutine: breakpoint events
// are already serialized with the monitored program, and observers are
// expected to hand work off quickly (the websocket forwarder queues
// internally). A panicking handler never takes down the host process.
package event

import (
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Sentinel errors for the bus.
var (
	// ErrNilHandler is returned when a nil handler is subscribed.
	ErrNilHandler = errors.New("handler cannot be nil")

	// ErrSubscriptionNotFound is returned when unsubscribing an unknown
	// subscription.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// Handler receives published events.
type Handler func(ev any)

// PanicHandler is called when a subscriber panics during delivery.
type PanicHandler func(ev any, recovered any, stack []byte)

// Subscription identifies one subscriber on the bus.
type Subscription uint64

// Bus is a minimal synchronous publish/subscribe fan-out.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Subscription]Handler
	nextID   uint64

	onPanic PanicHandler

	published     atomic.Uint64
	delivered     atomic.Uint64
	handlerPanics atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithPanicHandler installs a callback invoked when a subscriber panics.
func WithPanicHandler(fn PanicHandler) Option {
	return func(b *Bus) {
		b.onPanic = fn
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{handlers: make(map[Subscription]Handler)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler and returns its subscription.
func (b *Bus) Subscribe(h Handler) (Subscription, error) {
	if h == nil {
		return 0, ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := Subscription(b.nextID)
	b.handlers[sub] = h
	return sub, nil
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(sub Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.handlers[sub]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(b.handlers, sub)
	return nil
}

// Publish delivers ev to every subscriber in the caller's goroutine.
func (b *Bus) Publish(ev any) {
	b.published.Add(1)

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev any) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerPanics.Add(1)
			if b.onPanic != nil {
				b.onPanic(ev, r, debug.Stack())
			}
		}
	}()
	h(ev)
	b.delivered.Add(1)
}

// Stats is a point-in-time view of bus activity.
type Stats struct {
	Published     uint64
	Delivered     uint64
	HandlerPanics uint64
	Subscribers   int
}

// Stats returns current bus statistics.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	subscribers := len(b.handlers)
	b.mu.RUnlock()

	return Stats{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		HandlerPanics: b.handlerPanics.Load(),
		Subscribers:   subscribers,
	}
}
