package orchestrator

import "errors"

// ErrTaskCancelled and ErrTaskPaused are sentinel signals the main loop
// uses internally to unwind cleanly on a user-requested status change; they
// never escape RunTask, which translates them into a persisted task status
// instead of returning an error to the caller.
var (
	ErrTaskCancelled = errors.New("task cancelled")
	ErrTaskPaused    = errors.New("task paused")
)
