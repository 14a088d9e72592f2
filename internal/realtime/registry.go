package realtime

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"provlink/internal/metrics"
)

// Handler receives events of the kind it was subscribed to
type Handler func(Event)

type subscription struct {
	id      uuid.UUID
	handler Handler
}

// Registry holds subscribers per event kind.
// Every Subscribe call gets its own ID, so the same function subscribed twice is two subscriptions.
type Registry struct {
	mu       sync.RWMutex
	handlers map[EventKind][]subscription
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		handlers: make(map[EventKind][]subscription),
		logger:   logger,
	}
}

// Subscribe registers handler for kind and returns a function that removes it.
// The returned function is safe to call more than once.
func (r *Registry) Subscribe(kind EventKind, handler Handler) func() {
	id := uuid.New()

	r.mu.Lock()
	r.handlers[kind] = append(r.handlers[kind], subscription{id: id, handler: handler})
	r.mu.Unlock()

	r.logger.Debug().Str("kind", string(kind)).Str("subscription", id.String()).Msg("subscriber added")

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(kind, id) })
	}
}

func (r *Registry) remove(kind EventKind, id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.handlers[kind]
	for i, s := range subs {
		if s.id == id {
			rest := make([]subscription, 0, len(subs)-1)
			rest = append(rest, subs[:i]...)
			rest = append(rest, subs[i+1:]...)
			if len(rest) == 0 {
				delete(r.handlers, kind)
			} else {
				r.handlers[kind] = rest
			}
			break
		}
	}
	r.logger.Debug().Str("kind", string(kind)).Str("subscription", id.String()).Msg("subscriber removed")
}

// Dispatch delivers ev to every subscriber of its kind in subscription order.
// A panicking handler is logged and skipped. Returns the number of handlers that completed.
func (r *Registry) Dispatch(ev Event) int {
	r.mu.RLock()
	subs := make([]subscription, len(r.handlers[ev.Kind]))
	copy(subs, r.handlers[ev.Kind])
	r.mu.RUnlock()

	delivered := 0
	for _, s := range subs {
		if r.invoke(s, ev) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) invoke(s subscription, ev Event) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.HandlerPanics.WithLabelValues(string(ev.Kind)).Inc()
			r.logger.Error().
				Interface("panic", rec).
				Str("kind", string(ev.Kind)).
				Str("subscription", s.id.String()).
				Msg("subscriber handler panic")
			ok = false
		}
	}()
	s.handler(ev)
	return true
}

// Count returns the number of subscribers for kind
func (r *Registry) Count(kind EventKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[kind])
}

// Clear removes every subscriber
func (r *Registry) Clear() {
	r.mu.Lock()
	r.handlers = make(map[EventKind][]subscription)
	r.mu.Unlock()
}
