package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrOverflow is returned by Submit when the scheduler is at capacity.
	ErrOverflow = errors.New("scheduler overflow")
	// ErrNotRunning is returned by Submit once Stop has been called.
	ErrNotRunning = errors.New("scheduler not running")
	// ErrDiscarded resolves futures of tasks removed by Clear or Stop(false).
	ErrDiscarded = errors.New("task discarded before execution")
	// ErrNilTask is returned when a nil task is submitted.
	ErrNilTask = errors.New("nil task")
)

// PanicError is the error a Future resolves with when its task panicked.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// IsPanic reports whether err came from a panicking task.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
