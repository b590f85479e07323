// Package retry decides whether and when a failed attempt runs again.
// Decisions are pure with respect to job state: the dispatcher re-enqueues
// with a not-before timestamp instead of sleeping on a worker slot.
package retry

import (
	"math/rand/v2"
	"time"

	"github.com/ak3tsm7/inference-orchestrator/internal/provider"
)

type Decision struct {
	Retry bool
	After time.Duration // delay before the job becomes eligible again
}

var giveUp = Decision{}

type Policy struct {
	Base        time.Duration // first-retry delay and jitter bound
	Max         time.Duration // backoff cap
	MaxAttempts int           // global default when the descriptor sets none
}

func Default() Policy {
	return Policy{Base: 500 * time.Millisecond, Max: 30 * time.Second, MaxAttempts: 5}
}

// Decide evaluates the outcome of attempt number n (1-based). Permanent
// failures always give up. Transient failures retry with exponential
// backoff and uniform jitter in [0, Base) until the provider's attempt
// budget is spent.
func (p Policy) Decide(attempt int, class provider.OutcomeClass, desc provider.Descriptor) Decision {
	if class != provider.Transient {
		return giveUp
	}

	limit := desc.MaxAttempts
	if limit <= 0 {
		limit = p.MaxAttempts
	}
	if attempt >= limit {
		return giveUp
	}

	return Decision{Retry: true, After: p.backoff(attempt)}
}

func (p Policy) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base << uint(attempt-1)
	if d > p.Max || d <= 0 { // d <= 0 guards shift overflow
		d = p.Max
	}
	if p.Base > 0 {
		d += time.Duration(rand.Int64N(int64(p.Base)))
	}
	return d
}
