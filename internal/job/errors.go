package job

import "errors"

var (
	// ErrNotFound means the job ID is unknown to the store.
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyTerminal means the requested action cannot apply because
	// the job already reached succeeded, failed or cancelled.
	ErrAlreadyTerminal = errors.New("job already terminal")

	// ErrConflict means a compare-and-swap found the job in a different
	// state than expected. The caller lost a race; the job is untouched.
	ErrConflict = errors.New("job state conflict")

	// ErrStoreUnavailable means a store operation could not complete. The
	// operation failed closed and the job's prior state is intact.
	ErrStoreUnavailable = errors.New("job store unavailable")

	// ErrPoolSaturated means no worker or provider slot freed up within
	// the bounded wait. Retryable by the caller.
	ErrPoolSaturated = errors.New("worker pool saturated")
)
