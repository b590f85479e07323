package dispatch_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/inference-orchestrator/internal/cache"
	"github.com/ak3tsm7/inference-orchestrator/internal/dispatch"
	"github.com/ak3tsm7/inference-orchestrator/internal/job"
	"github.com/ak3tsm7/inference-orchestrator/internal/orchestrator"
	"github.com/ak3tsm7/inference-orchestrator/internal/provider"
	"github.com/ak3tsm7/inference-orchestrator/internal/retry"
	"github.com/ak3tsm7/inference-orchestrator/internal/store"
)

// fakeAdapter plays back a scripted outcome sequence and can hold
// executions open to observe concurrency.
type fakeAdapter struct {
	mu        sync.Mutex
	script    []provider.Outcome
	fallback  provider.Outcome
	hold      chan struct{} // executions block on this when non-nil
	calls     atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
}

func newFakeAdapter(script ...provider.Outcome) *fakeAdapter {
	return &fakeAdapter{
		script:   script,
		fallback: provider.Outcome{Class: provider.Success, Result: []byte("ok")},
	}
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Execute(ctx context.Context, payload []byte) provider.Outcome {
	cur := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		max := f.maxActive.Load()
		if cur <= max || f.maxActive.CompareAndSwap(max, cur) {
			break
		}
	}
	f.calls.Add(1)

	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return provider.Outcome{Class: provider.Transient, Reason: ctx.Err().Error()}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.script) > 0 {
		out := f.script[0]
		f.script = f.script[1:]
		return out
	}
	return f.fallback
}

type testEnv struct {
	store store.Store
	cache cache.Cache
	orc   *orchestrator.Orchestrator
	disp  *dispatch.Dispatcher
}

type envOptions struct {
	workers     int
	concurrency int
	policy      retry.Policy
	start       bool
}

func newEnv(t *testing.T, adapter *fakeAdapter, opts envOptions) *testEnv {
	t.Helper()
	if opts.workers == 0 {
		opts.workers = 4
	}
	if opts.concurrency == 0 {
		opts.concurrency = 8
	}
	if opts.policy.MaxAttempts == 0 {
		opts.policy = retry.Policy{Base: time.Millisecond, Max: 10 * time.Millisecond, MaxAttempts: 5}
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st := store.NewRedis(rdb)
	ca := cache.NewRedis(rdb)

	reg := provider.NewRegistry()
	reg.Register(adapter, provider.Descriptor{
		Name:        "fake",
		Kinds:       []job.Kind{job.KindText, job.KindImage, job.KindModel},
		Concurrency: opts.concurrency,
		Timeout:     2 * time.Second,
	})

	disp := dispatch.New(st, ca, reg, opts.policy, dispatch.Options{
		Workers:      opts.workers,
		PollInterval: 5 * time.Millisecond,
		SlotWait:     50 * time.Millisecond,
		CacheTTL:     time.Hour,
	})
	env := &testEnv{
		store: st,
		cache: ca,
		orc:   orchestrator.New(st, ca, disp, time.Hour),
		disp:  disp,
	}
	if opts.start {
		env.startDispatcher(t)
	}
	return env
}

func (e *testEnv) startDispatcher(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.disp.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitState(t *testing.T, orc *orchestrator.Orchestrator, id string, want job.State) orchestrator.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := orc.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("status %s: %v", id, err)
		}
		if snap.State == want {
			return snap
		}
		if snap.State.Terminal() {
			t.Fatalf("job %s reached %s (last error %q), want %s", id, snap.State, snap.LastError, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
	return orchestrator.Snapshot{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func transientOut(reason string) provider.Outcome {
	return provider.Outcome{Class: provider.Transient, Reason: reason}
}

func TestTransientTwiceThenSuccess(t *testing.T) {
	adapter := newFakeAdapter(
		transientOut("rate limited"),
		transientOut("upstream 503"),
		provider.Outcome{Class: provider.Success, Result: []byte("final answer")},
	)
	env := newEnv(t, adapter, envOptions{start: true})
	ctx := context.Background()

	handle, err := env.orc.Submit(ctx, []byte("prompt"), job.KindText, "tenant-1", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	snap := waitState(t, env.orc, handle.JobID, job.StateSucceeded)
	if snap.AttemptCount != 3 {
		t.Fatalf("attempt count = %d, want 3", snap.AttemptCount)
	}
	if string(snap.Result) != "final answer" {
		t.Fatalf("result = %q", snap.Result)
	}

	attempts, err := env.store.Attempts(ctx, handle.JobID)
	if err != nil || len(attempts) != 3 {
		t.Fatalf("attempt history = %d entries, %v; want 3", len(attempts), err)
	}

	// Attempts never overlap: each starts after the previous one ended.
	for i := 1; i < len(attempts); i++ {
		if attempts[i].StartedAt.Before(attempts[i-1].EndedAt) {
			t.Fatalf("attempt %d started before attempt %d ended", i, i-1)
		}
	}

	entry, err := env.cache.Get(ctx, handle.Fingerprint)
	if err != nil || entry == nil {
		t.Fatalf("cache entry = %+v, %v; want populated", entry, err)
	}
	if entry.JobID != handle.JobID || string(entry.Result) != "final answer" {
		t.Fatalf("cache entry = %+v", entry)
	}
}

func TestPermanentFailureImmediate(t *testing.T) {
	adapter := newFakeAdapter(provider.Outcome{Class: provider.Permanent, Reason: "invalid request"})
	env := newEnv(t, adapter, envOptions{start: true})
	ctx := context.Background()

	handle, err := env.orc.Submit(ctx, []byte("bad prompt"), job.KindText, "tenant-1", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	snap := waitState(t, env.orc, handle.JobID, job.StateFailed)
	if snap.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1: permanent failure must not retry", snap.AttemptCount)
	}
	if snap.LastError != "invalid request" {
		t.Fatalf("last error = %q", snap.LastError)
	}

	entry, err := env.cache.Get(ctx, handle.Fingerprint)
	if err != nil || entry != nil {
		t.Fatalf("failure created a cache entry: %+v, %v", entry, err)
	}

	// No negative caching: an identical resubmission runs fresh.
	again, err := env.orc.Submit(ctx, []byte("bad prompt"), job.KindText, "tenant-1", "")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.JobID == handle.JobID {
		t.Fatalf("resubmission after failure reused job %s", handle.JobID)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.fallback = transientOut("always flaky")
	env := newEnv(t, adapter, envOptions{
		policy: retry.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 2},
		start:  true,
	})

	handle, err := env.orc.Submit(context.Background(), []byte("prompt"), job.KindText, "tenant-1", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	snap := waitState(t, env.orc, handle.JobID, job.StateFailed)
	if snap.AttemptCount != 2 {
		t.Fatalf("attempt count = %d, want exactly the budget of 2", snap.AttemptCount)
	}
	if !strings.Contains(snap.LastError, "retry budget exhausted") {
		t.Fatalf("last error = %q", snap.LastError)
	}
}

func TestDedupInFlightSharesJob(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.hold = make(chan struct{})
	env := newEnv(t, adapter, envOptions{start: true})
	ctx := context.Background()

	first, err := env.orc.Submit(ctx, []byte("shared prompt"), job.KindText, "tenant-1", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "first attempt to start", func() bool { return adapter.active.Load() == 1 })

	second, err := env.orc.Submit(ctx, []byte("shared prompt"), job.KindText, "tenant-1", "")
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	if second.JobID != first.JobID {
		t.Fatalf("duplicate submission got job %s, want %s", second.JobID, first.JobID)
	}
	if second.Cached {
		t.Fatalf("in-flight duplicate reported a cached result")
	}

	close(adapter.hold)
	snap := waitState(t, env.orc, first.JobID, job.StateSucceeded)
	if snap.AttemptCount != 1 || adapter.calls.Load() != 1 {
		t.Fatalf("one execution expected, got attempts=%d calls=%d", snap.AttemptCount, adapter.calls.Load())
	}
}

func TestCachedResubmission(t *testing.T) {
	adapter := newFakeAdapter(provider.Outcome{Class: provider.Success, Result: []byte("cached answer")})
	env := newEnv(t, adapter, envOptions{start: true})
	ctx := context.Background()

	first, err := env.orc.Submit(ctx, []byte("prompt"), job.KindText, "tenant-1", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitState(t, env.orc, first.JobID, job.StateSucceeded)

	second, err := env.orc.Submit(ctx, []byte("prompt"), job.KindText, "tenant-1", "")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !second.Cached || second.JobID != first.JobID {
		t.Fatalf("resubmission = %+v, want cached hit on %s", second, first.JobID)
	}
	if string(second.Result) != "cached answer" {
		t.Fatalf("cached result = %q", second.Result)
	}
	if adapter.calls.Load() != 1 {
		t.Fatalf("cache hit still executed: %d calls", adapter.calls.Load())
	}
}

func TestWorkerPoolBound(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.hold = make(chan struct{})
	env := newEnv(t, adapter, envOptions{workers: 2, concurrency: 10, start: true})
	ctx := context.Background()

	prompts := []string{"p1", "p2", "p3", "p4", "p5"}
	ids := make([]string, len(prompts))
	for i, p := range prompts {
		handle, err := env.orc.Submit(ctx, []byte(p), job.KindText, "tenant-1", "")
		if err != nil {
			t.Fatalf("submit %s: %v", p, err)
		}
		ids[i] = handle.JobID
	}

	waitFor(t, "two attempts in flight", func() bool { return adapter.active.Load() == 2 })
	time.Sleep(50 * time.Millisecond) // give the pool a chance to overshoot
	if max := adapter.maxActive.Load(); max != 2 {
		t.Fatalf("max concurrent attempts = %d, want 2", max)
	}

	close(adapter.hold)
	for _, id := range ids {
		waitState(t, env.orc, id, job.StateSucceeded)
	}
	if max := adapter.maxActive.Load(); max > 2 {
		t.Fatalf("pool exceeded its bound: %d concurrent attempts", max)
	}
}

func TestCancelPendingPreventsDispatch(t *testing.T) {
	adapter := newFakeAdapter()
	env := newEnv(t, adapter, envOptions{start: false})
	ctx := context.Background()

	handle, err := env.orc.Submit(ctx, []byte("prompt"), job.KindText, "tenant-1", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.orc.Cancel(ctx, handle.JobID); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}

	snap, err := env.orc.Status(ctx, handle.JobID)
	if err != nil || snap.State != job.StateCancelled {
		t.Fatalf("state after cancel = %s, %v", snap.State, err)
	}

	env.startDispatcher(t)
	time.Sleep(50 * time.Millisecond)
	if adapter.calls.Load() != 0 {
		t.Fatalf("cancelled job was dispatched anyway")
	}
}

func TestCancelInFlight(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.hold = make(chan struct{})
	defer close(adapter.hold)
	env := newEnv(t, adapter, envOptions{start: true})
	ctx := context.Background()

	handle, err := env.orc.Submit(ctx, []byte("prompt"), job.KindText, "tenant-1", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "attempt to start", func() bool { return adapter.active.Load() == 1 })

	if err := env.orc.Cancel(ctx, handle.JobID); err != nil {
		t.Fatalf("cancel in-flight: %v", err)
	}

	snap := waitState(t, env.orc, handle.JobID, job.StateCancelled)
	if snap.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", snap.AttemptCount)
	}
	if adapter.calls.Load() != 1 {
		t.Fatalf("cancelled job retried: %d calls", adapter.calls.Load())
	}
}

func TestCancelTerminalReportsAlreadyTerminal(t *testing.T) {
	adapter := newFakeAdapter()
	env := newEnv(t, adapter, envOptions{start: true})
	ctx := context.Background()

	handle, err := env.orc.Submit(ctx, []byte("prompt"), job.KindText, "tenant-1", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitState(t, env.orc, handle.JobID, job.StateSucceeded)

	if err := env.orc.Cancel(ctx, handle.JobID); !errors.Is(err, job.ErrAlreadyTerminal) {
		t.Fatalf("cancel terminal = %v, want ErrAlreadyTerminal", err)
	}
}

func TestInvalidateAllowsFreshExecution(t *testing.T) {
	adapter := newFakeAdapter(
		provider.Outcome{Class: provider.Success, Result: []byte("v1")},
		provider.Outcome{Class: provider.Success, Result: []byte("v2")},
	)
	env := newEnv(t, adapter, envOptions{start: true})
	ctx := context.Background()

	first, err := env.orc.Submit(ctx, []byte("prompt"), job.KindText, "tenant-1", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitState(t, env.orc, first.JobID, job.StateSucceeded)

	if err := env.cache.Invalidate(ctx, first.Fingerprint); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	// The binding was released on success, so after invalidation nothing
	// pins the fingerprint to the old job anymore.
	second, err := env.orc.Submit(ctx, []byte("prompt"), job.KindText, "tenant-1", "")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.Cached {
		t.Fatalf("resubmission after invalidation served a stale result: %+v", second)
	}
	if second.JobID == first.JobID {
		t.Fatalf("resubmission still bound to old job %s", first.JobID)
	}

	snap := waitState(t, env.orc, second.JobID, job.StateSucceeded)
	if string(snap.Result) != "v2" {
		t.Fatalf("fresh result = %q, want v2", snap.Result)
	}
	if adapter.calls.Load() != 2 {
		t.Fatalf("executions = %d, want 2", adapter.calls.Load())
	}
}

func TestShutdownRecordsInFlightOutcome(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.hold = make(chan struct{})
	defer close(adapter.hold)
	env := newEnv(t, adapter, envOptions{start: false})
	ctx := context.Background()

	handle, err := env.orc.Submit(ctx, []byte("prompt"), job.KindText, "tenant-1", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.disp.Run(runCtx)
		close(done)
	}()
	waitFor(t, "attempt to start", func() bool { return adapter.active.Load() == 1 })

	// Stop the dispatcher while the attempt is in flight. The aborted
	// attempt is transient and must land back in pending, not stay
	// dispatched until a recovery scan.
	cancel()
	<-done

	snap, err := env.orc.Status(ctx, handle.JobID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.State != job.StatePending {
		t.Fatalf("state after shutdown = %s, want pending", snap.State)
	}
	if snap.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", snap.AttemptCount)
	}
}

func TestRecoverRequeuesAbandonedJob(t *testing.T) {
	adapter := newFakeAdapter()
	env := newEnv(t, adapter, envOptions{start: false})
	ctx := context.Background()

	handle, err := env.orc.Submit(ctx, []byte("prompt"), job.KindText, "tenant-1", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Simulate a worker that claimed the job and died.
	if _, err := env.store.CompareAndSwapState(ctx, handle.JobID, job.StatePending, job.StateDispatched, store.Transition{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := env.disp.Recover(ctx, 0); err != nil {
		t.Fatalf("recover: %v", err)
	}

	env.startDispatcher(t)
	waitState(t, env.orc, handle.JobID, job.StateSucceeded)
}
