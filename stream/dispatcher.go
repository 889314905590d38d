package stream

import (
	"context"
	"sync"

	"github.com/md-rashed-zaman/eventcore/event"
)

// Handler processes one event. Handlers classify their own failures: return
// Terminal(err) for events that can never succeed, anything else is retried.
type Handler func(ctx context.Context, ev event.Event) error

// Dispatcher routes a decoded event to the handler registered for its type.
// It knows nothing about the transport.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds a handler to an event type. Registering the same type twice
// replaces the previous handler.
func (d *Dispatcher) Register(eventType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = h
}

func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event) error {
	d.mu.RLock()
	h, ok := d.handlers[ev.Type]
	d.mu.RUnlock()
	if !ok {
		return &UnknownTypeError{Type: ev.Type}
	}
	return h(ctx, ev)
}
