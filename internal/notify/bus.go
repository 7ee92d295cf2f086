package notify

import (
	"context"
	"slices"
	"sync"
)

// Handler consumes events published on a Bus.
type Handler func(ctx context.Context, event Event)

// Bus is an in-process publish/subscribe notifier. Handlers run synchronously
// on the publishing goroutine, in subscription order.
type Bus struct {
	mu       sync.RWMutex
	next     int
	handlers []busHandler
}

type busHandler struct {
	id    int
	types map[EventType]bool
	fn    Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for the given event types, or for every event when
// none are given. The returned function removes the subscription.
func (b *Bus) Subscribe(fn Handler, types ...EventType) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filter map[EventType]bool
	if len(types) > 0 {
		filter = make(map[EventType]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}
	id := b.next
	b.next++
	b.handlers = append(b.handlers, busHandler{id: id, types: filter, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.handlers = slices.DeleteFunc(b.handlers, func(h busHandler) bool { return h.id == id })
		})
	}
}

// Notify delivers the event to every matching subscriber.
func (b *Bus) Notify(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := slices.Clone(b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		if h.types != nil && !h.types[event.Type] {
			continue
		}
		h.fn(ctx, event)
	}
	return nil
}
