package event

import (
	"errors"
	"fmt"
)

// ErrStopPropagation can be returned by a listener to end delivery of the
// current event without failing the publish.
var ErrStopPropagation = errors.New("event: stop propagation")

// Handler receives an event. A non-nil error (other than
// ErrStopPropagation) aborts delivery and is returned from Publish.
type Handler func(e *Event) error

// Bus delivers events synchronously, depth first: a listener that publishes
// a nested event sees it fully handled before its own Publish returns. All
// state mutation happens on the caller's goroutine, so the Bus must only be
// driven from a single goroutine (see Queue).
type Bus struct {
	listeners map[Type][]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[Type][]Handler)}
}

// Subscribe appends a listener for t.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.listeners[t] = append(b.listeners[t], h)
}

// Prepend registers a listener that runs before every existing listener for t.
func (b *Bus) Prepend(t Type, h Handler) {
	b.listeners[t] = append([]Handler{h}, b.listeners[t]...)
}

// Publish delivers e to every listener of its type in order.
func (b *Bus) Publish(e *Event) error {
	for _, h := range b.listeners[e.Type] {
		if err := h(e); err != nil {
			if errors.Is(err, ErrStopPropagation) {
				return nil
			}
			return fmt.Errorf("event %s: %w", e.Type, err)
		}
	}
	return nil
}
