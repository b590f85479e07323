package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ak3tsm7/inference-orchestrator/internal/job"
)

const failureWindow = 32 // trailing outcomes per provider for failure rate

// Registry holds the closed set of configured providers and tracks their
// live load and recent failure rate for selection.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	names   []string // registration order, used for deterministic ties
}

type entry struct {
	adapter Adapter
	desc    Descriptor
	slots   chan struct{} // buffered; one token per concurrent execution

	mu       sync.Mutex
	window   [failureWindow]bool // true = failure
	filled   int
	next     int
	failures int
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a provider. Concurrency defaults to 1 and Timeout to 30s
// when unset.
func (r *Registry) Register(a Adapter, d Descriptor) {
	if d.Name == "" {
		d.Name = a.Name()
	}
	if d.Concurrency <= 0 {
		d.Concurrency = 1
	}
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[d.Name] = &entry{
		adapter: a,
		desc:    d,
		slots:   make(chan struct{}, d.Concurrency),
	}
	r.names = append(r.names, d.Name)
}

func (r *Registry) Adapter(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc, true
}

// Select picks a provider for the given kind. The job's declared
// preference wins while it is compatible and has a free slot; otherwise
// the compatible provider with the lowest in-flight load is chosen, ties
// broken by the lowest trailing failure rate, then registration order.
func (r *Registry) Select(kind job.Kind, preference string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if preference != "" {
		if e, ok := r.entries[preference]; ok && e.desc.Supports(kind) && len(e.slots) < cap(e.slots) {
			return preference, nil
		}
	}

	type candidate struct {
		name string
		load int
		rate float64
		idx  int
	}
	var cands []candidate
	for idx, name := range r.names {
		e := r.entries[name]
		if !e.desc.Supports(kind) {
			continue
		}
		cands = append(cands, candidate{name: name, load: len(e.slots), rate: e.failureRate(), idx: idx})
	}
	if len(cands) == 0 {
		return "", fmt.Errorf("no provider supports kind %q", kind)
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].load != cands[j].load {
			return cands[i].load < cands[j].load
		}
		if cands[i].rate != cands[j].rate {
			return cands[i].rate < cands[j].rate
		}
		return cands[i].idx < cands[j].idx
	})
	return cands[0].name, nil
}

// Acquire takes a concurrency slot for the named provider, waiting at most
// wait. Returns job.ErrPoolSaturated when no slot frees up in time.
func (r *Registry) Acquire(ctx context.Context, name string, wait time.Duration) (func(), error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case e.slots <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-e.slots }) }, nil
	case <-timer.C:
		return nil, job.ErrPoolSaturated
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Load reports the current in-flight executions for a provider.
func (r *Registry) Load(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok {
		return len(e.slots)
	}
	return 0
}

// RecordOutcome feeds the trailing failure window used for tie-breaking.
func (r *Registry) RecordOutcome(name string, failed bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.filled == failureWindow && e.window[e.next] {
		e.failures--
	}
	e.window[e.next] = failed
	if failed {
		e.failures++
	}
	e.next = (e.next + 1) % failureWindow
	if e.filled < failureWindow {
		e.filled++
	}
}

func (e *entry) failureRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.filled == 0 {
		return 0
	}
	return float64(e.failures) / float64(e.filled)
}
