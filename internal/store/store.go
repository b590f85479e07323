// Package store is the single source of truth for job state. All
// transitions go through compare-and-swap on the job's current state, so
// racing workers and cancellation requests cannot produce lost updates.
package store

import (
	"context"
	"time"

	"github.com/ak3tsm7/inference-orchestrator/internal/job"
)

// Transition carries the field updates applied atomically with a state
// swap. Zero values leave the corresponding field untouched, except
// NotBefore which is always written when the target state is pending.
type Transition struct {
	IncrementAttempt bool
	NotBefore        time.Time
	Result           []byte
	LastError        string
}

type Store interface {
	// Create persists a new pending job and enqueues it for dispatch.
	Create(ctx context.Context, j *job.Job) error

	// Get returns the job or job.ErrNotFound.
	Get(ctx context.Context, id string) (*job.Job, error)

	// CompareAndSwapState transitions the job from -> to, applying tr in
	// the same atomic step. Returns job.ErrConflict when the job is no
	// longer in the expected state, leaving it untouched.
	CompareAndSwapState(ctx context.Context, id string, from, to job.State, tr Transition) (*job.Job, error)

	// AppendAttempt records one execution try. Attempts are append-only.
	AppendAttempt(ctx context.Context, id string, at job.Attempt) error

	// Attempts returns the job's attempt history in order.
	Attempts(ctx context.Context, id string) ([]job.Attempt, error)

	// ListEligiblePending returns up to limit pending job IDs whose
	// not-before has passed, oldest eligibility first, ties by ID.
	ListEligiblePending(ctx context.Context, limit int64, now time.Time) ([]string, error)

	// PendingDepth reports how many jobs are waiting for dispatch.
	PendingDepth(ctx context.Context) (int64, error)

	// BindFingerprint atomically binds fp to jobID unless a binding
	// exists. Returns the owning job ID and whether this call bound it.
	BindFingerprint(ctx context.Context, fp, jobID string) (string, bool, error)

	// ReleaseFingerprint removes the binding only if it still points at
	// jobID, so a fresh resubmission can run after a failure.
	ReleaseFingerprint(ctx context.Context, fp, jobID string) error

	// RequestCancel raises the cooperative cancel flag for a job.
	RequestCancel(ctx context.Context, id string) error

	// CancelRequested reports whether a cancel flag is raised.
	CancelRequested(ctx context.Context, id string) (bool, error)

	// RecoverStuck requeues dispatched jobs whose claim is older than
	// olderThan, e.g. after a worker crash. Returns how many moved.
	RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error)
}
