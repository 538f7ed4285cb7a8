package transport

import "fmt"

// Registry maps agent kinds to their transport handlers. It is constructed
// once at process start and passed by reference; there is no package-level
// registry.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds a registry containing the given handlers.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.Kind()] = h
	}
	return r
}

// DefaultRegistry returns a registry with all built-in handlers.
func DefaultRegistry() *Registry {
	return NewRegistry(ClaudeHandler{}, CodexHandler{}, GenericHandler{})
}

// Lookup returns the handler for an agent kind.
func (r *Registry) Lookup(kind string) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("unknown agent kind: %q", kind)
	}
	return h, nil
}

// Kinds returns the registered agent kinds.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}
