// Package actions defines the ActionHandler interface and the registry the
// dispatcher resolves handlers from. All concrete remediation side effects
// live behind this interface.
package actions

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Context carries the read-only execution state a handler may consult.
// Handlers never see or mutate the Execution aggregate itself.
type Context struct {
	ExecutionID string
	PlaybookID  string
	TargetID    string
	RiskLevel   string
	Incident    map[string]any
	// Results holds the outcomes of actions that already reached a terminal
	// status in this execution, keyed by action ID.
	Results map[string]Result
	DryRun  bool
}

// Result is a prior action's terminal outcome as visible to later handlers.
type Result struct {
	Status string         `json:"status"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Handler executes one action kind. Params is the opaque parameter blob from
// the ActionSpec. Errors are opaque to the dispatcher; only success, failure,
// and timeout are distinguished.
type Handler interface {
	Execute(ctx context.Context, params map[string]any, ec Context) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, params map[string]any, ec Context) (map[string]any, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, params map[string]any, ec Context) (map[string]any, error) {
	return f(ctx, params, ec)
}

// Registry maps action kinds to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to an action kind. Re-registering a kind replaces
// the previous handler.
func (r *Registry) Register(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Get returns the handler for an action kind.
func (r *Registry) Get(kind string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("no handler registered for action kind %q", kind)
	}
	return h, nil
}

// Kinds returns the registered action kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
