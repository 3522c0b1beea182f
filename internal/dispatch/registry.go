package dispatch

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/nerrad567/fleetbus/internal/stream"
)

// Handler processes one envelope. Returning nil acknowledges the message;
// any error counts as a failed delivery.
type Handler func(ctx context.Context, env stream.Envelope) error

// Registry maps stream types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[stream.Type]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[stream.Type]Handler)}
}

// Register installs h as the handler for t.
func (r *Registry) Register(t stream.Type, h Handler) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", stream.ErrUnknownStream, t)
	}
	if h == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[t]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, t)
	}
	r.handlers[t] = h
	return nil
}

// Handler returns the handler for t.
func (r *Registry) Handler(t stream.Type) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Streams returns the registered stream types in sorted order.
func (r *Registry) Streams() []stream.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]stream.Type, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Categories returns the categories that have at least one handler.
func (r *Registry) Categories() []string {
	var out []string
	for _, t := range r.Streams() {
		if !slices.Contains(out, t.Category()) {
			out = append(out, t.Category())
		}
	}
	return out
}
