package webhook

import (
	"context"
	"sort"
	"sync"
)

// Summary describes the side effect a handler applied.
type Summary struct {
	Action     string `json:"action"`
	Resource   string `json:"resource,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
}

// HandlerFunc applies one event. Implementations must be safe to run again for the same event id.
type HandlerFunc func(ctx context.Context, evt Event) (Summary, error)

// Acknowledge is the handler for event types nobody registered. It applies nothing.
func Acknowledge(_ context.Context, evt Event) (Summary, error) {
	return Summary{Action: "acknowledged"}, nil
}

// Router maps event types onto handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

// Register binds h to eventType, replacing any previous binding.
func (r *Router) Register(eventType string, h HandlerFunc) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string]HandlerFunc)
	}
	r.handlers[eventType] = h
}

// Route returns the handler for eventType. Unknown types resolve to Acknowledge with ok false.
func (r *Router) Route(eventType string) (h HandlerFunc, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok = r.handlers[eventType]; ok {
		return h, true
	}
	return Acknowledge, false
}

// Types lists the registered event types in lexical order.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
