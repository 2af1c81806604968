// Package hooks dispatches relay lifecycle events to registered handlers,
// including shell commands configured under the hooks section.
package hooks

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/soyeahso/backoffice/internal/logging"
)

// Event names for the hook system.
const (
	EventRelayStart       = "relay_start"
	EventRelayStop        = "relay_stop"
	EventMessagePersisted = "message_persisted"
	EventChatResolved     = "chat_resolved"
)

// AllEvents lists all known hook event names.
var AllEvents = []string{
	EventRelayStart,
	EventRelayStop,
	EventMessagePersisted,
	EventChatResolved,
}

// Payload carries event data to hook handlers.
type Payload struct {
	Event string         `json:"event"`
	Time  time.Time      `json:"time"`
	Data  map[string]any `json:"data,omitempty"`
}

// Handler is a function that handles a hook event.
// Returning an error logs the failure but does not stop processing.
type Handler func(ctx context.Context, p Payload) error

// Manager holds named handlers per event. Async handlers are tracked so
// shutdown can wait for them with Wait.
type Manager struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
	log      *logging.Logger
	inflight sync.WaitGroup
}

type namedHandler struct {
	name    string
	handler Handler
}

// NewManager creates a hook manager.
func NewManager(log *logging.Logger) *Manager {
	return &Manager{
		handlers: make(map[string][]namedHandler),
		log:      log.Sub("hooks"),
	}
}

// On registers a handler for event under name. Names need not be unique;
// Off removes every handler sharing one.
func (m *Manager) On(event, name string, handler Handler) {
	if !slices.Contains(AllEvents, event) {
		m.log.Warn().Str("event", event).Str("handler", name).Msg("registering hook for unknown event")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], namedHandler{name: name, handler: handler})
	m.log.Debug().Str("event", event).Str("handler", name).Msg("hook registered")
}

// Off removes all handlers with the given name from the event.
func (m *Manager) Off(event, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = slices.DeleteFunc(m.handlers[event], func(h namedHandler) bool {
		return h.name == name
	})
}

// Emit runs the event's handlers in registration order and returns when the
// last one finishes. A failing handler is logged and the rest still run.
func (m *Manager) Emit(ctx context.Context, event string, data map[string]any) {
	handlers, payload := m.prepare(event, data)
	for _, h := range handlers {
		m.run(ctx, h, payload)
	}
}

// EmitAsync starts every handler on its own goroutine and returns at once.
func (m *Manager) EmitAsync(ctx context.Context, event string, data map[string]any) {
	handlers, payload := m.prepare(event, data)
	for _, h := range handlers {
		m.inflight.Add(1)
		go func() {
			defer m.inflight.Done()
			m.run(ctx, h, payload)
		}()
	}
}

// Wait blocks until every handler started by EmitAsync has returned.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

func (m *Manager) prepare(event string, data map[string]any) ([]namedHandler, Payload) {
	m.mu.RLock()
	handlers := slices.Clone(m.handlers[event])
	m.mu.RUnlock()
	return handlers, Payload{Event: event, Time: time.Now().UTC(), Data: data}
}

func (m *Manager) run(ctx context.Context, h namedHandler, p Payload) {
	if err := h.handler(ctx, p); err != nil {
		m.log.Warn().
			Err(err).
			Str("event", p.Event).
			Str("handler", h.name).
			Msg("hook handler error")
	}
}

// Count returns the number of handlers registered for an event.
func (m *Manager) Count(event string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[event])
}

// Events returns, sorted, the events with at least one handler.
func (m *Manager) Events() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []string
	for _, event := range slices.Sorted(maps.Keys(m.handlers)) {
		if len(m.handlers[event]) > 0 {
			events = append(events, event)
		}
	}
	return events
}
