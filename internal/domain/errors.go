package domain

import "errors"

// Domain errors returned by repository and engine implementations.

var (
	// ErrJobNotFound indicates the requested job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrItemNotFound indicates the requested job item does not exist.
	ErrItemNotFound = errors.New("job item not found")

	// ErrLeaseLost indicates the worker no longer owns the job lease.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrJobNotCancellable indicates the job already reached a terminal state.
	ErrJobNotCancellable = errors.New("job is not cancellable")

	// ErrInvalidTarget indicates a malformed or unsupported target id.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrLimitExceeded indicates the tenant's free-tier monthly cap is reached.
	ErrLimitExceeded = errors.New("free plan limit exceeded")
)
