package event

import (
	"sync"
)

// AllEvents subscribes a handler to every event
const AllEvents = "*"

// EventHandler handles domain events
type EventHandler interface {
	// Handle processes the event
	Handle(event DomainEvent) error
	// HandledEvents returns the event names this handler handles
	HandledEvents() []string
}

// EventDispatcher dispatches domain events to registered handlers
type EventDispatcher interface {
	Dispatch(event DomainEvent)
	Subscribe(handler EventHandler)
}

// InMemoryDispatcher delivers events synchronously, in subscription order.
// It is safe for concurrent use.
type InMemoryDispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewInMemoryDispatcher creates a new InMemoryDispatcher
func NewInMemoryDispatcher(handlers ...EventHandler) *InMemoryDispatcher {
	d := &InMemoryDispatcher{handlers: make(map[string][]EventHandler)}
	for _, h := range handlers {
		d.Subscribe(h)
	}
	return d
}

// Dispatch sends an event to the handlers of its name, then to the
// catch-all handlers. Handler errors are ignored.
func (d *InMemoryDispatcher) Dispatch(event DomainEvent) {
	d.mu.RLock()
	named := d.handlers[event.EventName()]
	all := d.handlers[AllEvents]
	targets := make([]EventHandler, 0, len(named)+len(all))
	targets = append(targets, named...)
	targets = append(targets, all...)
	d.mu.RUnlock()

	for _, h := range targets {
		_ = h.Handle(event)
	}
}

// Subscribe registers a handler for its events
func (d *InMemoryDispatcher) Subscribe(handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, name := range handler.HandledEvents() {
		d.handlers[name] = append(d.handlers[name], handler)
	}
}
