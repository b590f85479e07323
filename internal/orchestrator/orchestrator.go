// Package orchestrator is the public entry point: submit, status, cancel.
// Submission never blocks on execution; callers poll Status or read the
// cached result from the returned handle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ak3tsm7/inference-orchestrator/internal/cache"
	"github.com/ak3tsm7/inference-orchestrator/internal/dispatch"
	"github.com/ak3tsm7/inference-orchestrator/internal/job"
	"github.com/ak3tsm7/inference-orchestrator/internal/metrics"
	"github.com/ak3tsm7/inference-orchestrator/internal/store"
)

// Handle is what a caller gets back from Submit. When the fingerprint hit
// the result cache, Result carries the answer and no new execution runs.
type Handle struct {
	JobID       string
	Fingerprint string
	Cached      bool
	Result      []byte
}

// Snapshot is the caller-visible view of a job. It exposes the attempt
// count but none of the internal retry mechanics.
type Snapshot struct {
	JobID        string
	State        job.State
	AttemptCount int
	LastError    string
	Result       []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Orchestrator struct {
	store    store.Store
	cache    cache.Cache
	disp     *dispatch.Dispatcher
	cacheTTL time.Duration
}

// New builds the facade. disp may be nil in processes that only submit
// and query, e.g. an operator CLI sharing the store with a running
// daemon; the daemon's poll loop picks the work up.
func New(s store.Store, c cache.Cache, d *dispatch.Dispatcher, cacheTTL time.Duration) *Orchestrator {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &Orchestrator{store: s, cache: c, disp: d, cacheTTL: cacheTTL}
}

func (o *Orchestrator) nudge() {
	if o.disp != nil {
		o.disp.Nudge()
	}
}

// Submit deduplicates the request against the result cache and the
// in-flight fingerprint index, creating and enqueueing a new job only when
// neither holds the fingerprint.
func (o *Orchestrator) Submit(ctx context.Context, payload []byte, kind job.Kind, requester, preferred string) (Handle, error) {
	fp := job.Fingerprint(kind, requester, payload)

	if entry, err := o.cache.Get(ctx, fp); err == nil && entry != nil {
		metrics.CacheHitsTotal.Inc()
		return Handle{JobID: entry.JobID, Fingerprint: fp, Cached: true, Result: entry.Result}, nil
	}

	j := job.New(kind, requester, payload, preferred)

	// Bind the fingerprint and create the job; a lost binding race means a
	// live job already carries this fingerprint and the caller attaches to
	// it. A binding left over from a failed job is released and retaken.
	for i := 0; i < 3; i++ {
		owner, bound, err := o.store.BindFingerprint(ctx, fp, j.ID)
		if err != nil {
			return Handle{}, err
		}
		if bound {
			if err := o.store.Create(ctx, j); err != nil {
				o.releaseBinding(ctx, fp, j.ID)
				return Handle{}, err
			}
			metrics.JobsSubmittedTotal.WithLabelValues(string(kind)).Inc()
			o.nudge()
			return Handle{JobID: j.ID, Fingerprint: fp}, nil
		}

		existing, err := o.store.Get(ctx, owner)
		switch {
		case errors.Is(err, job.ErrNotFound):
			o.releaseBinding(ctx, fp, owner)
			continue
		case err != nil:
			return Handle{}, err
		}

		if existing.State == job.StateSucceeded {
			return Handle{JobID: existing.ID, Fingerprint: fp, Cached: true, Result: existing.Result}, nil
		}
		if existing.State.Terminal() {
			// Failed or cancelled: no negative caching, run fresh.
			o.releaseBinding(ctx, fp, owner)
			continue
		}
		metrics.DedupAttachTotal.Inc()
		return Handle{JobID: existing.ID, Fingerprint: fp}, nil
	}
	return Handle{}, fmt.Errorf("%w: fingerprint binding kept racing", job.ErrStoreUnavailable)
}

func (o *Orchestrator) releaseBinding(ctx context.Context, fp, owner string) {
	if err := o.store.ReleaseFingerprint(ctx, fp, owner); err != nil {
		log.Printf("orchestrator: release fingerprint %s: %v", fp, err)
	}
}

// Status returns a point-in-time view of the job, job.ErrNotFound when the
// ID is unknown.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (Snapshot, error) {
	j, err := o.store.Get(ctx, jobID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		JobID:        j.ID,
		State:        j.State,
		AttemptCount: j.AttemptCount,
		LastError:    j.LastError,
		Result:       j.Result,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}, nil
}

// Cancel moves a pending job straight to cancelled. A dispatched job gets
// a best-effort abort signal; job.ErrAlreadyTerminal reports that the job
// finished before the signal could take effect.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	j, err := o.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		return job.ErrAlreadyTerminal
	}

	if j.State == job.StatePending {
		_, err := o.store.CompareAndSwapState(ctx, jobID, job.StatePending, job.StateCancelled,
			store.Transition{LastError: "job cancelled"})
		if err == nil {
			metrics.JobsTerminalTotal.WithLabelValues(string(job.StateCancelled)).Inc()
			o.releaseBinding(ctx, j.Fingerprint, j.ID)
			return nil
		}
		if !errors.Is(err, job.ErrConflict) {
			return err
		}
		// Claimed between Get and CAS; fall through to the dispatched path.
	}

	if err := o.store.RequestCancel(ctx, jobID); err != nil {
		return err
	}
	if o.disp != nil {
		o.disp.Cancel(jobID)
	}

	// The flag and signal are cooperative; if the attempt already reported
	// a terminal outcome the cancel cannot intervene.
	if current, err := o.store.Get(ctx, jobID); err == nil && current.State.Terminal() && current.State != job.StateCancelled {
		return job.ErrAlreadyTerminal
	}
	return nil
}
