package lwp

import (
	"errors"
	"fmt"
)

var (
	// ErrDeadlock is returned when an operation is refused because it could
	// never complete: a wait cycle of length two, waiting with no other LWP
	// able to make progress, or suspending others while exiting.
	ErrDeadlock = errors.New("lwp: operation would deadlock")

	// ErrInterrupted is returned when a blocking step lost its object, e.g.
	// suspending an LWP that is idle or already a zombie, or a sleep that was
	// cut short by a pending suspend, exit or signal.
	ErrInterrupted = errors.New("lwp: interrupted")

	// ErrResourceLimit is returned by [Kernel.Create] when the per-user LWP
	// limit would be exceeded and the credentials do not permit bypass.
	ErrResourceLimit = errors.New("lwp: resource limit exceeded")

	// ErrNoSuchLWP is returned when no LWP matched a lookup or wait.
	ErrNoSuchLWP = errors.New("lwp: no such lwp")

	// ErrAgain is returned by [Kernel.Wait] on the process exit path, when the
	// caller must rescan after another LWP changed state.
	ErrAgain = errors.New("lwp: try again")

	// ErrBusy is returned by [Kernel.CtlAlloc] for a vfork child that still
	// shares its parent's control area.
	ErrBusy = errors.New("lwp: resource busy")

	// ErrNoMemory is returned by [Kernel.CtlAlloc] when the process control
	// area is exhausted.
	ErrNoMemory = errors.New("lwp: out of control area slots")

	// ErrInvalidArgument is returned for out of range arguments.
	ErrInvalidArgument = errors.New("lwp: invalid argument")
)

// LimitError describes a refused [Kernel.Create], because the owner of the
// process would have more LWPs than its thread limit allows.
type LimitError struct {
	// Cause is the underlying error, [ErrResourceLimit].
	Cause error
	// UID is the user the LWP would have been charged to.
	UID uint32
	// Count is the number of LWPs the user would have had.
	Count int
	// Limit is the thread limit of the target process.
	Limit int
}

// Error implements the error interface.
func (e *LimitError) Error() string {
	return fmt.Sprintf("lwp: uid %d: %d lwps exceeds limit %d", e.UID, e.Count, e.Limit)
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *LimitError) Unwrap() error {
	return e.Cause
}

// WaitError describes a failed [Kernel.Wait].
type WaitError struct {
	// Cause is the underlying error, one of [ErrDeadlock], [ErrNoSuchLWP],
	// [ErrAgain], [ErrInterrupted], or a context error.
	Cause error
	// PID is the process of the waiting LWP.
	PID int
	// Waiter is the id of the waiting LWP.
	Waiter ID
	// Target is the id waited for, zero meaning any.
	Target ID
}

// Error implements the error interface.
func (e *WaitError) Error() string {
	if e.Target == 0 {
		return fmt.Sprintf("lwp: wait by %d.%d for any: %v", e.PID, e.Waiter, e.Cause)
	}
	return fmt.Sprintf("lwp: wait by %d.%d for %d: %v", e.PID, e.Waiter, e.Target, e.Cause)
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *WaitError) Unwrap() error {
	return e.Cause
}
