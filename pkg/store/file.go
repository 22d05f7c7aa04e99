package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/reflexsec/reflex/pkg/runtime"
)

// File is a file-backed runtime.Store: one JSON snapshot per execution
// under <root>/executions/, plus a sidecar lease file. Writes go through a
// temp file and rename so readers never see a torn snapshot. Optimistic
// versioning compares the on-disk store_version; a process-wide mutex
// serializes the check-and-write, and the lease file covers cross-process
// drive exclusivity.
type File struct {
	root  string
	clock runtime.Clock

	mu sync.Mutex
}

type leaseFile struct {
	Owner   string    `json:"owner"`
	Expires time.Time `json:"expires"`
}

// NewFile creates the store rooted at dir, making <dir>/executions as
// needed. clock may be nil for the wall clock.
func NewFile(dir string, clock runtime.Clock) (*File, error) {
	if clock == nil {
		clock = runtime.RealClock()
	}
	if err := os.MkdirAll(filepath.Join(dir, "executions"), 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &File{root: dir, clock: clock}, nil
}

func (s *File) execPath(id string) string {
	return filepath.Join(s.root, "executions", id+".json")
}

func (s *File) leasePath(id string) string {
	return filepath.Join(s.root, "executions", id+".lease.json")
}

func (s *File) Load(_ context.Context, executionID string) (*runtime.Execution, error) {
	blob, err := os.ReadFile(s.execPath(executionID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", runtime.ErrExecutionNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("read execution %s: %w", executionID, err)
	}
	var x runtime.Execution
	if err := json.Unmarshal(blob, &x); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", executionID, err)
	}
	return &x, nil
}

func (s *File) Save(ctx context.Context, x *runtime.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.Load(ctx, x.ID)
	if err != nil && !errors.Is(err, runtime.ErrExecutionNotFound) {
		return err
	}
	if cur != nil && cur.StoreVersion != x.StoreVersion {
		return runtime.ErrConcurrentModification
	}

	x.StoreVersion++
	blob, err := json.MarshalIndent(x, "", "  ")
	if err != nil {
		x.StoreVersion--
		return fmt.Errorf("encode execution %s: %w", x.ID, err)
	}
	if err := writeAtomic(s.execPath(x.ID), blob); err != nil {
		x.StoreVersion--
		return err
	}
	return nil
}

func (s *File) List(ctx context.Context, f runtime.ExecutionFilter) ([]*runtime.Execution, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "executions"))
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	var out []*runtime.Execution
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".lease.json") {
			continue
		}
		x, err := s.Load(ctx, strings.TrimSuffix(name, ".json"))
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

func (s *File) AcquireLease(_ context.Context, executionID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cur, err := s.readLease(executionID)
	if err != nil {
		return err
	}
	if cur != nil && cur.Owner != owner && cur.Expires.After(now) {
		return runtime.ErrLeaseHeld
	}
	return s.writeLease(executionID, leaseFile{Owner: owner, Expires: now.Add(ttl)})
}

func (s *File) RenewLease(_ context.Context, executionID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cur, err := s.readLease(executionID)
	if err != nil {
		return err
	}
	if cur == nil || cur.Owner != owner || !cur.Expires.After(now) {
		return runtime.ErrLeaseHeld
	}
	return s.writeLease(executionID, leaseFile{Owner: owner, Expires: now.Add(ttl)})
}

func (s *File) ReleaseLease(_ context.Context, executionID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.readLease(executionID)
	if err != nil || cur == nil || cur.Owner != owner {
		return err
	}
	if err := os.Remove(s.leasePath(executionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lease %s: %w", executionID, err)
	}
	return nil
}

func (s *File) readLease(executionID string) (*leaseFile, error) {
	blob, err := os.ReadFile(s.leasePath(executionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lease %s: %w", executionID, err)
	}
	var l leaseFile
	if err := json.Unmarshal(blob, &l); err != nil {
		return nil, fmt.Errorf("decode lease %s: %w", executionID, err)
	}
	return &l, nil
}

func (s *File) writeLease(executionID string, l leaseFile) error {
	blob, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return writeAtomic(s.leasePath(executionID), blob)
}

// writeAtomic writes via a temp file in the same directory and renames it
// over the target.
func writeAtomic(path string, blob []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
