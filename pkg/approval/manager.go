// Package approval implements the gate evaluator: policy scoping, quorum
// voting, exemptions, auto-approval, escalation chains, and timeout
// fallbacks. It plugs into the engine through the runtime.ApprovalResolver
// interface.
package approval

import "sync"

// Manager wakes resolvers blocked on an approval request when a vote lands
// in the same process. Cross-process votes are still observed — the waiting
// resolver re-reads the store on every wake and on every timer tick, so a
// missed in-process signal degrades to timer latency, never to a lost vote.
type Manager struct {
	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{waiters: make(map[string]chan struct{})}
}

// Register creates the wake channel for a request. Call before the request
// is published so no vote can slip between publish and wait.
func (m *Manager) Register(requestID string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{}, 1)
	m.waiters[requestID] = ch
	return ch
}

// Unregister drops the wake channel.
func (m *Manager) Unregister(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.waiters, requestID)
}

// Deliver signals the waiter for a request, if any. Non-blocking; a signal
// already pending is enough.
func (m *Manager) Deliver(requestID string) {
	m.mu.Lock()
	ch := m.waiters[requestID]
	m.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}
