package wferrors

import (
	"errors"
	"fmt"
	"time"
)

// TimeoutError is the resumption cause delivered to a workflow step when a
// suspended wait exceeded its deadline. It is a first-class value which
// workflow logic can react to, not a failure of the engine itself.
type TimeoutError struct {
	// Deadline is the absolute timestamp that was exceeded.
	Deadline time.Time
}

func (te *TimeoutError) Error() string {
	return fmt.Sprintf("wait timed out, deadline was %v", te.Deadline)
}

var _ error = (*TimeoutError)(nil)

// IsTimeout returns true if the given error indicates a timed-out wait.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// PersistenceError indicates a store operation that kept failing after all
// transient-failure retries were exhausted. The affected instance is
// transitioned to the error state, never silently dropped.
type PersistenceError struct {
	Attempts int
	Cause    error
}

func (pe *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed after %d attempts: %v", pe.Attempts, pe.Cause)
}

func (pe *PersistenceError) Unwrap() error {
	return pe.Cause
}

var _ error = (*PersistenceError)(nil)
