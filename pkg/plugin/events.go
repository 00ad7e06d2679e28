package plugin

import (
	"sync"
	"time"
)

// EventType identifies a lifecycle notification.
type EventType string

const (
	EventLoaded             EventType = "plugin.loaded"
	EventActivated          EventType = "plugin.activated"
	EventActivationFailed   EventType = "plugin.activation_failed"
	EventDeactivated        EventType = "plugin.deactivated"
	EventDeactivationFailed EventType = "plugin.deactivation_failed"
	EventUnloaded           EventType = "plugin.unloaded"
)

// Event describes a completed lifecycle transition.
type Event struct {
	Type     EventType
	PluginID string
	Version  string
	From     State
	To       State
	Err      error
	Duration time.Duration
	At       time.Time
}

// Handler receives lifecycle events. Handlers run after the manager has
// released its locks, on the goroutine that performed the operation, so they
// may call back into the Manager but should return quickly.
type Handler func(Event)

type hub struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	next     int
}

func (h *hub) subscribe(fn Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handlers == nil {
		h.handlers = make(map[int]Handler)
	}
	id := h.next
	h.next++
	h.handlers[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.handlers, id)
	}
}

func (h *hub) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	h.mu.RLock()
	handlers := make([]Handler, 0, len(h.handlers))
	for i := 0; i < h.next; i++ {
		if fn, ok := h.handlers[i]; ok {
			handlers = append(handlers, fn)
		}
	}
	h.mu.RUnlock()
	for _, ev := range events {
		for _, fn := range handlers {
			fn(ev)
		}
	}
}

// batch collects events produced while the lifecycle lock is held.
type batch struct {
	events []Event
}

func (b *batch) add(ev Event) {
	b.events = append(b.events, ev)
}
