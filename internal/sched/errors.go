package sched

import (
	"errors"
	"fmt"
)

// Configuration errors.
var (
	ErrNilSettings        = errors.New("sched: settings are required")
	ErrInvalidCores       = errors.New("sched: max cores must not be negative")
	ErrInvalidConcurrency = errors.New("sched: max concurrent tasks must not be negative")
	ErrDeadlinePassed     = errors.New("sched: deadline is not in the future")
	ErrNilBody            = errors.New("sched: task body is required")
)

// State errors.
var (
	ErrInvalidTransition = errors.New("sched: invalid status transition")
	ErrNotEnqueueable    = errors.New("sched: only created tasks can be enqueued")
	ErrNotPrepared       = errors.New("sched: task is not attached to a scheduler")
	ErrClosed            = errors.New("sched: scheduler is closed")
	ErrDuplicateTask     = errors.New("sched: task already prepared")
	ErrUnknownKind       = errors.New("sched: unknown task kind")
)

// Resource errors.
var (
	ErrNoResources      = errors.New("sched: resource list is empty")
	ErrResourceNotOwned = errors.New("sched: resource not owned by task")
	ErrNotRunning       = errors.New("sched: token does not belong to a running task")
)

// ErrCanceled is the root of every cooperative signal a task body can observe.
// Bodies return it (or any error wrapping it) to hand control back to the scheduler.
var ErrCanceled = errors.New("sched: canceled")

var (
	ErrStopped    = fmt.Errorf("%w: stopped", ErrCanceled)
	ErrDeadline   = fmt.Errorf("%w: deadline reached", ErrCanceled)
	ErrRunExpired = fmt.Errorf("%w: run duration exhausted", ErrCanceled)
	ErrPaused     = fmt.Errorf("%w: paused", ErrCanceled)
	ErrPreempted  = fmt.Errorf("%w: preempted", ErrCanceled)
)

// IsSignal reports whether err is a cooperative signal rather than a body fault.
func IsSignal(err error) bool {
	return errors.Is(err, ErrCanceled)
}

// PanicError wraps a value recovered from a panicking task body.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("sched: task body panicked: %v", e.Value)
}
