package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrFetchCanceled is returned by FetchNext when the caller's context is
	// canceled before a job becomes available. Expected control flow, not a
	// crash: no item is lost when this is returned.
	ErrFetchCanceled = errors.New("engine: fetch canceled")

	// ErrClosed is returned for operations submitted after the engine has
	// been closed.
	ErrClosed = errors.New("engine: closed")

	// ErrNoQueues is returned by FetchNext when called without queue names.
	ErrNoQueues = errors.New("engine: no queue names given")
)

// ConsistencyError reports internal state that violates an invariant the
// engine relies on: a duplicate primary key, a lock entry whose identity does
// not match the one a waiter registered against, and similar. These indicate
// a bookkeeping bug, not a recoverable condition, and abort the offending
// operation loudly instead of corrupting an index.
type ConsistencyError struct {
	Op     string
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("engine: consistency violation in %s: %s", e.Op, e.Detail)
}

// violationf aborts the current operation with a ConsistencyError. The
// dispatcher converts the panic into an error for synchronous callers and
// reports it through the fault observer for fire-and-forget operations.
func violationf(op, format string, args ...interface{}) {
	panic(&ConsistencyError{Op: op, Detail: fmt.Sprintf(format, args...)})
}
