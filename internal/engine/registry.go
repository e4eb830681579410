package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/picklr-io/broker/internal/continuation"
)

// ErrUnknownKind is returned when no handler is registered for a kind.
var ErrUnknownKind = errors.New("no handler registered for operation kind")

// Handler continues one kind (or several) of continuation chain.
type Handler interface {
	// Kinds lists the operation kinds the handler accepts.
	Kinds() []continuation.Kind

	// Continue runs one step. All state it needs between steps must be in
	// the input's token or in injected repositories.
	Continue(ctx context.Context, in *continuation.Input, logger *slog.Logger) (*continuation.Result, error)
}

// Registry maps operation kinds to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[continuation.Kind]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[continuation.Kind]Handler),
	}
}

// Register adds a handler for every kind it declares.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kinds := h.Kinds()
	if len(kinds) == 0 {
		return fmt.Errorf("handler %T declares no operation kinds", h)
	}
	for _, k := range kinds {
		if existing, ok := r.handlers[k]; ok {
			return fmt.Errorf("operation kind %q already handled by %T", k, existing)
		}
	}
	for _, k := range kinds {
		r.handlers[k] = h
	}
	return nil
}

// Activate returns the handler for kind.
func (r *Registry) Activate(kind continuation.Kind) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return h, nil
}

// Validate checks that every kind has a handler. With no arguments it
// checks all kinds the broker knows about.
func (r *Registry) Validate(kinds ...continuation.Kind) error {
	if len(kinds) == 0 {
		kinds = continuation.Kinds()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, k := range kinds {
		if _, ok := r.handlers[k]; !ok {
			missing = append(missing, string(k))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %s", ErrUnknownKind, strings.Join(missing, ", "))
	}
	return nil
}

// Registered returns the kinds with a handler, sorted.
func (r *Registry) Registered() []continuation.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]continuation.Kind, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
