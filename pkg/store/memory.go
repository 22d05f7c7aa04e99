// Package store provides runtime.Store implementations: an in-memory store
// for tests and embedded use, and a file-backed store persisting one JSON
// snapshot per execution.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/reflexsec/reflex/pkg/runtime"
)

type lease struct {
	owner   string
	expires time.Time
}

// Memory is an in-memory runtime.Store. Executions are held as JSON blobs so
// Load always returns an independent copy and Save cannot alias caller
// memory.
type Memory struct {
	clock runtime.Clock

	mu     sync.Mutex
	execs  map[string][]byte
	vers   map[string]int64
	leases map[string]lease
}

// NewMemory returns an empty in-memory store. clock may be nil for the wall
// clock.
func NewMemory(clock runtime.Clock) *Memory {
	if clock == nil {
		clock = runtime.RealClock()
	}
	return &Memory{
		clock:  clock,
		execs:  make(map[string][]byte),
		vers:   make(map[string]int64),
		leases: make(map[string]lease),
	}
}

func (m *Memory) Load(_ context.Context, executionID string) (*runtime.Execution, error) {
	m.mu.Lock()
	blob, ok := m.execs[executionID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", runtime.ErrExecutionNotFound, executionID)
	}
	var x runtime.Execution
	if err := json.Unmarshal(blob, &x); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", executionID, err)
	}
	return &x, nil
}

func (m *Memory) Save(_ context.Context, x *runtime.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.vers[x.ID]; ok && cur != x.StoreVersion {
		return runtime.ErrConcurrentModification
	}
	x.StoreVersion++
	blob, err := json.Marshal(x)
	if err != nil {
		x.StoreVersion--
		return fmt.Errorf("encode execution %s: %w", x.ID, err)
	}
	m.execs[x.ID] = blob
	m.vers[x.ID] = x.StoreVersion
	return nil
}

func (m *Memory) List(ctx context.Context, f runtime.ExecutionFilter) ([]*runtime.Execution, error) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.execs))
	for id := range m.execs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var out []*runtime.Execution
	for _, id := range ids {
		x, err := m.Load(ctx, id)
		if err != nil {
			continue
		}
		if matches(x, f) {
			out = append(out, x)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (m *Memory) AcquireLease(_ context.Context, executionID, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if l, ok := m.leases[executionID]; ok && l.owner != owner && l.expires.After(now) {
		return runtime.ErrLeaseHeld
	}
	m.leases[executionID] = lease{owner: owner, expires: now.Add(ttl)}
	return nil
}

func (m *Memory) RenewLease(_ context.Context, executionID, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	l, ok := m.leases[executionID]
	if !ok || l.owner != owner || !l.expires.After(now) {
		return runtime.ErrLeaseHeld
	}
	m.leases[executionID] = lease{owner: owner, expires: now.Add(ttl)}
	return nil
}

func (m *Memory) ReleaseLease(_ context.Context, executionID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[executionID]; ok && l.owner == owner {
		delete(m.leases, executionID)
	}
	return nil
}

func matches(x *runtime.Execution, f runtime.ExecutionFilter) bool {
	if f.PlaybookID != "" && x.PlaybookID != f.PlaybookID {
		return false
	}
	if f.TargetID != "" && x.TargetID != f.TargetID {
		return false
	}
	if f.Status != "" && x.Status != f.Status {
		return false
	}
	return true
}
