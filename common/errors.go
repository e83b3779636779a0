package common

import (
	"errors"
)

// Common error constants
var (
	// ErrInvalidConfiguration is returned when partition or policy parameters
	// are unusable; it aborts the job before any work starts
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrIntegrity is returned when a cached payload fails its checksum check
	ErrIntegrity = errors.New("cache integrity check failed")

	// ErrNotFound is returned when no cache entry exists for an extent
	ErrNotFound = errors.New("cache entry not found")

	// ErrAssignmentConflict is returned when a result arrives from a worker
	// that no longer holds the unit; the submit is rejected, not fatal
	ErrAssignmentConflict = errors.New("assignment conflict")

	// ErrUnknownWorker is returned for requests from an unregistered worker
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrRetryBudgetExhausted marks a unit that failed on every allowed attempt
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// ErrLoopMergeIterations is returned when ring assembly fails to reach a
	// fixed point within the configured iteration cap
	ErrLoopMergeIterations = errors.New("loop merge exceeded iteration cap")
)
