package detection

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound: the document has no chunks at all.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput: malformed request; surfaced synchronously, no job
	// is created.
	ErrInvalidInput = errors.New("invalid input")

	// ErrJobTimeout: the job exceeded its wall-clock budget. Fatal, and no
	// chunks are marked detected, so a resubmission is always safe.
	ErrJobTimeout = errors.New("job timed out")
)

// DuplicateJobError rejects a submission whose chunk set intersects a
// non-terminal job. It carries the conflicting job's ID so the caller can
// poll that job instead of racing it.
type DuplicateJobError struct {
	ExistingJobID string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("overlapping detection job %s is still running", e.ExistingJobID)
}

// EngineError wraps a single engine failure. Non-fatal: the run records it
// and moves on to the next engine.
type EngineError struct {
	Engine EngineKind
	Err    error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Engine, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// PersistenceError marks the fatal case: the deduplicated delta could not be
// written. The job fails and no chunk-state mutation happens.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
