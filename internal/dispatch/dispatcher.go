// Package dispatch claims eligible pending jobs and executes them against
// providers on a bounded worker pool. The dispatched state doubles as a
// per-job lock: a job never runs two attempts concurrently.
package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ak3tsm7/inference-orchestrator/internal/cache"
	"github.com/ak3tsm7/inference-orchestrator/internal/job"
	"github.com/ak3tsm7/inference-orchestrator/internal/metrics"
	"github.com/ak3tsm7/inference-orchestrator/internal/provider"
	"github.com/ak3tsm7/inference-orchestrator/internal/retry"
	"github.com/ak3tsm7/inference-orchestrator/internal/store"
)

// requeueDelay spaces out re-dispatch when a provider slot was saturated.
const requeueDelay = 100 * time.Millisecond

// writeGrace bounds outcome writes so a dead store cannot hang shutdown.
const writeGrace = 10 * time.Second

// outcomeContext detaches state writes from the run context. A finished
// attempt records its outcome even when the dispatcher is shutting down,
// instead of leaving the job dispatched for the next recovery scan.
func outcomeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeGrace)
}

type Options struct {
	Workers      int           // global concurrent execution slots
	PollInterval time.Duration // pending-queue poll cadence
	SlotWait     time.Duration // bounded wait for a provider slot
	CacheTTL     time.Duration // TTL for cached successful results
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.SlotWait <= 0 {
		o.SlotWait = 2 * time.Second
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = time.Hour
	}
}

type Dispatcher struct {
	store  store.Store
	cache  cache.Cache
	reg    *provider.Registry
	policy retry.Policy
	opts   Options

	slots chan struct{} // global worker pool tokens
	nudge chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]*inflightAttempt
}

type inflightAttempt struct {
	cancel    context.CancelFunc
	requested atomic.Bool
}

func New(s store.Store, c cache.Cache, reg *provider.Registry, policy retry.Policy, opts Options) *Dispatcher {
	opts.defaults()
	return &Dispatcher{
		store:    s,
		cache:    c,
		reg:      reg,
		policy:   policy,
		opts:     opts,
		slots:    make(chan struct{}, opts.Workers),
		nudge:    make(chan struct{}, 1),
		inflight: make(map[string]*inflightAttempt),
	}
}

// Nudge wakes the dispatch loop early, e.g. right after a submission.
func (d *Dispatcher) Nudge() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

// Cancel signals the in-flight attempt for jobID, if any. Returns whether
// a signal was delivered.
func (d *Dispatcher) Cancel(jobID string) bool {
	d.mu.Lock()
	inf, ok := d.inflight[jobID]
	d.mu.Unlock()
	if ok {
		inf.requested.Store(true)
		inf.cancel()
	}
	return ok
}

// Recover requeues dispatched jobs abandoned by a crashed worker. Run it
// once at startup before the dispatch loop.
func (d *Dispatcher) Recover(ctx context.Context, olderThan time.Duration) error {
	n, err := d.store.RecoverStuck(ctx, olderThan)
	if n > 0 {
		metrics.RecoveredTotal.Add(float64(n))
		log.Printf("recovery: requeued %d stuck jobs", n)
	}
	return err
}

// Run drives the dispatch loop until ctx is cancelled, then waits for
// in-flight attempts to settle.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		d.pump(ctx)
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-ticker.C:
		case <-d.nudge:
		}
	}
}

// pump claims eligible pending jobs up to the pool's free capacity and
// hands each to a worker goroutine.
func (d *Dispatcher) pump(ctx context.Context) {
	if depth, err := d.store.PendingDepth(ctx); err == nil {
		metrics.PendingDepth.Set(float64(depth))
	}

	free := int64(cap(d.slots) - len(d.slots))
	if free <= 0 {
		return
	}

	ids, err := d.store.ListEligiblePending(ctx, free, time.Now())
	if err != nil {
		log.Printf("dispatch: list pending: %v", err)
		return
	}

	for _, id := range ids {
		select {
		case d.slots <- struct{}{}:
		default:
			return // pool filled up while claiming
		}

		claimed, err := d.store.CompareAndSwapState(ctx, id, job.StatePending, job.StateDispatched, store.Transition{})
		if err != nil {
			<-d.slots
			if !errors.Is(err, job.ErrConflict) && !errors.Is(err, job.ErrNotFound) {
				log.Printf("dispatch: claim %s: %v", id, err)
			}
			continue // another worker or a cancellation won the race
		}

		d.wg.Add(1)
		go func(j *job.Job) {
			defer d.wg.Done()
			defer func() { <-d.slots }()
			d.execute(ctx, j)
		}(claimed)
	}
}

func (d *Dispatcher) execute(ctx context.Context, j *job.Job) {
	metrics.WorkersBusy.Inc()
	defer metrics.WorkersBusy.Dec()

	if requested, _ := d.store.CancelRequested(ctx, j.ID); requested {
		rctx, done := outcomeContext(ctx)
		defer done()
		d.finishCancelled(rctx, j, nil)
		return
	}

	name, err := d.reg.Select(j.Kind, j.Provider)
	if err != nil {
		// No configured provider can ever run this kind; retrying is useless.
		rctx, done := outcomeContext(ctx)
		defer done()
		d.finishFailed(rctx, j, err.Error(), store.Transition{LastError: err.Error()})
		return
	}

	release, err := d.reg.Acquire(ctx, name, d.opts.SlotWait)
	if err != nil {
		if errors.Is(err, job.ErrPoolSaturated) {
			metrics.PoolSaturatedTotal.Inc()
		}
		rctx, done := outcomeContext(ctx)
		defer done()
		d.requeue(rctx, j, requeueDelay)
		return
	}
	defer release()

	desc, _ := d.reg.Descriptor(name)
	adapter, _ := d.reg.Adapter(name)

	execCtx, cancel := context.WithTimeout(ctx, desc.Timeout)
	defer cancel()
	inf := &inflightAttempt{cancel: cancel}
	d.mu.Lock()
	d.inflight[j.ID] = inf
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, j.ID)
		d.mu.Unlock()
	}()

	started := time.Now().UTC()
	out := adapter.Execute(execCtx, j.Payload)
	ended := time.Now().UTC()

	rctx, done := outcomeContext(ctx)
	defer done()

	metrics.AttemptDurationSeconds.WithLabelValues(name).Observe(ended.Sub(started).Seconds())

	attempt := job.Attempt{
		ID:        uuid.New().String(),
		Provider:  name,
		StartedAt: started,
		EndedAt:   ended,
		Error:     out.Reason,
	}

	// A completed success beats a late cancel signal; an aborted attempt
	// honors it.
	cancelled := inf.requested.Load()
	if !cancelled {
		if requested, cerr := d.store.CancelRequested(rctx, j.ID); cerr == nil && requested {
			cancelled = true
		}
	}

	switch {
	case out.Class == provider.Success:
		attempt.Outcome = "success"
		d.reg.RecordOutcome(name, false)
		d.appendAttempt(rctx, j.ID, attempt)
		metrics.AttemptsTotal.WithLabelValues(name, attempt.Outcome).Inc()

		updated, err := d.store.CompareAndSwapState(rctx, j.ID, job.StateDispatched, job.StateSucceeded,
			store.Transition{IncrementAttempt: true, Result: out.Result})
		if err != nil {
			log.Printf("dispatch: record success for %s: %v", j.ID, err)
			return
		}
		metrics.JobsTerminalTotal.WithLabelValues(string(job.StateSucceeded)).Inc()
		if err := d.cache.Put(rctx, j.Fingerprint, j.ID, updated.Result, d.opts.CacheTTL); err != nil {
			log.Printf("dispatch: cache result for %s: %v", j.ID, err)
		}
		// The cache owns dedup from here on. Dropping the binding lets a
		// resubmission run fresh once the entry expires or is invalidated.
		if err := d.store.ReleaseFingerprint(rctx, j.Fingerprint, j.ID); err != nil {
			log.Printf("dispatch: release fingerprint for %s: %v", j.ID, err)
		}

	case cancelled:
		attempt.Outcome = "cancelled"
		d.appendAttempt(rctx, j.ID, attempt)
		metrics.AttemptsTotal.WithLabelValues(name, attempt.Outcome).Inc()
		d.finishCancelled(rctx, j, &attempt)

	case out.Class == provider.Transient:
		attempt.Outcome = "transient"
		d.reg.RecordOutcome(name, true)
		d.appendAttempt(rctx, j.ID, attempt)
		metrics.AttemptsTotal.WithLabelValues(name, attempt.Outcome).Inc()

		decision := d.policy.Decide(j.AttemptCount+1, provider.Transient, desc)
		if decision.Retry {
			_, err := d.store.CompareAndSwapState(rctx, j.ID, job.StateDispatched, job.StatePending,
				store.Transition{
					IncrementAttempt: true,
					NotBefore:        time.Now().Add(decision.After),
					LastError:        out.Reason,
				})
			if err != nil {
				log.Printf("dispatch: schedule retry for %s: %v", j.ID, err)
				return
			}
			metrics.RetriesScheduledTotal.Inc()
			return
		}
		d.finishFailed(rctx, j, "retry budget exhausted: "+out.Reason,
			store.Transition{IncrementAttempt: true, LastError: "retry budget exhausted: " + out.Reason})

	default: // provider.Permanent
		attempt.Outcome = "permanent"
		d.reg.RecordOutcome(name, true)
		d.appendAttempt(rctx, j.ID, attempt)
		metrics.AttemptsTotal.WithLabelValues(name, attempt.Outcome).Inc()
		d.finishFailed(rctx, j, out.Reason,
			store.Transition{IncrementAttempt: true, LastError: out.Reason})
	}
}

// requeue returns a claimed job to pending without consuming retry budget,
// used when no provider slot freed up within the bounded wait.
func (d *Dispatcher) requeue(ctx context.Context, j *job.Job, delay time.Duration) {
	_, err := d.store.CompareAndSwapState(ctx, j.ID, job.StateDispatched, job.StatePending,
		store.Transition{NotBefore: time.Now().Add(delay)})
	if err != nil {
		log.Printf("dispatch: requeue %s: %v", j.ID, err)
	}
}

func (d *Dispatcher) finishFailed(ctx context.Context, j *job.Job, reason string, tr store.Transition) {
	if _, err := d.store.CompareAndSwapState(ctx, j.ID, job.StateDispatched, job.StateFailed, tr); err != nil {
		log.Printf("dispatch: record failure for %s: %v", j.ID, err)
		return
	}
	metrics.JobsTerminalTotal.WithLabelValues(string(job.StateFailed)).Inc()
	log.Printf("dispatch: job %s failed: %s", j.ID, reason)
	if err := d.store.ReleaseFingerprint(ctx, j.Fingerprint, j.ID); err != nil {
		log.Printf("dispatch: release fingerprint for %s: %v", j.ID, err)
	}
}

func (d *Dispatcher) finishCancelled(ctx context.Context, j *job.Job, at *job.Attempt) {
	tr := store.Transition{LastError: "job cancelled"}
	if at != nil {
		tr.IncrementAttempt = true
	}
	if _, err := d.store.CompareAndSwapState(ctx, j.ID, job.StateDispatched, job.StateCancelled, tr); err != nil {
		log.Printf("dispatch: record cancel for %s: %v", j.ID, err)
		return
	}
	metrics.JobsTerminalTotal.WithLabelValues(string(job.StateCancelled)).Inc()
	if err := d.store.ReleaseFingerprint(ctx, j.Fingerprint, j.ID); err != nil {
		log.Printf("dispatch: release fingerprint for %s: %v", j.ID, err)
	}
}

func (d *Dispatcher) appendAttempt(ctx context.Context, id string, at job.Attempt) {
	if err := d.store.AppendAttempt(ctx, id, at); err != nil {
		log.Printf("dispatch: append attempt for %s: %v", id, err)
	}
}
