package insight

import (
	"errors"
	"fmt"
)

// ContextGatheringError aborts a cycle before any stage runs.
type ContextGatheringError struct {
	UserID string
	Err    error
}

func (e ContextGatheringError) Error() string {
	return fmt.Sprintf("context gathering for user %s: %v", e.UserID, e.Err)
}

func (e ContextGatheringError) Unwrap() error { return e.Err }

// StageError wraps a failure raised by a stage tool or the runner's output
// validation. Transient errors are upstream conditions the tool's own retry
// wrapper is expected to have already retried; fatal errors abort the cycle.
type StageError struct {
	Stage     string // "foundation" | "strategic"
	Transient bool
	Err       error
}

func (e StageError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s stage (%s): %v", e.Stage, kind, e.Err)
}

func (e StageError) Unwrap() error { return e.Err }

// PersistenceError records a single failed write during batch persistence.
// Callers log and continue; the error still surfaces in the cycle result.
type PersistenceError struct {
	Entity string
	ID     string
	Err    error
}

func (e PersistenceError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("persist %s: %v", e.Entity, e.Err)
	}
	return fmt.Sprintf("persist %s %s: %v", e.Entity, e.ID, e.Err)
}

func (e PersistenceError) Unwrap() error { return e.Err }

// GraphSyncError marks a best-effort graph mirror write that failed. The
// relational write remains authoritative; the graph lags until reconciled.
type GraphSyncError struct {
	Operation string
	Err       error
}

func (e GraphSyncError) Error() string {
	return fmt.Sprintf("graph sync %s: %v", e.Operation, e.Err)
}

func (e GraphSyncError) Unwrap() error { return e.Err }

// IsTransientStageError reports whether err is a stage error classified transient.
func IsTransientStageError(err error) bool {
	var se StageError
	return errors.As(err, &se) && se.Transient
}
