package messagepipeline

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps (domain, event type) to a handler. The set of handled types
// is data, not code: domains register their handlers at wiring time and the
// dispatcher resolves them per envelope.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]map[string]Handler)}
}

// Register binds handler to eventType within domain.
func (r *Registry) Register(domain, eventType string, handler Handler) error {
	if domain == "" || eventType == "" {
		return fmt.Errorf("domain and event type must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler for %s/%s cannot be nil", domain, eventType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byType, ok := r.handlers[domain]
	if !ok {
		byType = make(map[string]Handler)
		r.handlers[domain] = byType
	}
	if _, exists := byType[eventType]; exists {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateHandler, domain, eventType)
	}
	byType[eventType] = handler
	return nil
}

// Resolve returns the handler registered for eventType within domain.
func (r *Registry) Resolve(domain, eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[domain][eventType]
	return h, ok
}

// EventTypes returns the registered event types of domain, sorted.
func (r *Registry) EventTypes(domain string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers[domain]))
	for t := range r.handlers[domain] {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Domains returns every domain with at least one handler, sorted.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	domains := make([]string, 0, len(r.handlers))
	for d := range r.handlers {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}
