// Package scheduler provides a single-worker priority task executor.
//
// Each Scheduler owns exactly one worker goroutine. Submitted tasks wait in a
// priority heap and run one at a time, highest priority first. The number of
// outstanding tasks (waiting plus running) is bounded by a capacity; a
// submission beyond it fails immediately with ErrOverflow instead of
// blocking the caller.
//
// # Invariants
//
//   - At most one task of a given Scheduler runs at any moment.
//   - A task returning an error or panicking fails only its own Future; the
//     worker keeps running.
//   - After Stop returns the worker has exited and every Future has resolved.
//   - Order among tasks of equal priority is not part of the contract.
//
// # Reentrancy
//
// Tasks receive a context that identifies the running task. Passing that
// context (or one derived from it) to SubmitAndWait on the same Scheduler
// runs the nested task inline instead of queueing it behind the caller,
// which would deadlock.
//
// # Usage
//
//	s := scheduler.New(scheduler.Options{Name: "channel-1"})
//	defer s.Stop(true)
//
//	v, err := s.SubmitAndWait(ctx, func(ctx context.Context) (interface{}, error) {
//	    return "done", nil
//	}, scheduler.PriorityNormal)
package scheduler
