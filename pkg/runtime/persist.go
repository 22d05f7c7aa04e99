package runtime

import (
	"context"
	"time"
)

// ExecutionFilter narrows a List. Zero fields match everything.
type ExecutionFilter struct {
	PlaybookID string
	TargetID   string
	Status     ExecutionStatus
}

// Store persists executions with optimistic-concurrency versioning and an
// exclusive, renewable lease per execution. The interface is defined here,
// on the consumer side; implementations live in pkg/store.
type Store interface {
	// Load returns the execution or ErrExecutionNotFound. Implementations
	// return an independent copy; mutating it does not affect the store.
	Load(ctx context.Context, executionID string) (*Execution, error)

	// Save persists the execution. The stored StoreVersion must equal the
	// given execution's, or Save fails with ErrConcurrentModification; on
	// success the version increments.
	Save(ctx context.Context, x *Execution) error

	// List returns executions matching the filter, newest first.
	List(ctx context.Context, f ExecutionFilter) ([]*Execution, error)

	// AcquireLease grants the owner exclusive drive rights for ttl, or
	// ErrLeaseHeld when a live lease belongs to someone else. An expired
	// lease is reclaimable, enabling crash recovery without double-drive.
	AcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) error

	// RenewLease extends the owner's lease or fails with ErrLeaseHeld when
	// the lease was lost.
	RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error

	// ReleaseLease gives up the lease. Releasing a lease you no longer
	// hold is not an error.
	ReleaseLease(ctx context.Context, executionID, owner string) error
}

// saveWithRetry persists an execution, absorbing optimistic-concurrency
// conflicts caused by concurrent approval votes: on conflict the latest
// stored copy's votes are merged into ours and the save retried. All other
// engine-side mutation is serialized by the lease, so votes are the only
// thing a conflicting writer can have changed.
func saveWithRetry(ctx context.Context, s Store, x *Execution) error {
	for attempt := 0; ; attempt++ {
		err := s.Save(ctx, x)
		if err == nil {
			return nil
		}
		if err != ErrConcurrentModification || attempt >= 5 {
			return err
		}
		latest, loadErr := s.Load(ctx, x.ID)
		if loadErr != nil {
			return loadErr
		}
		mergeApprovals(x, latest)
		x.StoreVersion = latest.StoreVersion
	}
}

// mergeApprovals copies decisions recorded on the stored copy into ours
// without clobbering decisions we already have.
func mergeApprovals(dst, src *Execution) {
	for _, theirs := range src.Approvals {
		ours := dst.FindApproval(theirs.ID)
		if ours == nil {
			dst.Approvals = append(dst.Approvals, theirs)
			continue
		}
		for _, d := range theirs.Decisions {
			seen := false
			for _, existing := range ours.Decisions {
				if existing.Approver == d.Approver {
					seen = true
					break
				}
			}
			if !seen {
				ours.Decisions = append(ours.Decisions, d)
			}
		}
		// A resolution recorded by the vote path wins over our PENDING.
		if theirs.Status.Resolved() && !ours.Status.Resolved() {
			ours.Status = theirs.Status
			ours.Reason = theirs.Reason
			ours.ResolvedAt = theirs.ResolvedAt
		}
	}
}
