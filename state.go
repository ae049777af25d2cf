package lwp

// State represents the execution state of an LWP.
//
// State Machine:
//
//	StateIdle      → StateRunnable            [Start, SetRunnable]
//	StateIdle      → StateOnCPU               [kernel threads only]
//	StateIdle      → StateStopped             [Start, process stopping]
//	StateIdle      → StateSuspended           [Start, suspended]
//	StateRunnable  ↔ StateOnCPU               [Dispatch, Preempt]
//	StateOnCPU     → StateSleeping            [Sleep]
//	StateSleeping  → StateRunnable            [Wakeup]
//	StateSleeping  → StateOnCPU               [Wakeup, still running]
//	StateOnCPU     → StateStopped             [UserReturn]
//	StateSleeping  → StateStopped             [StopProcess, interruptible]
//	StateStopped   → StateRunnable            [Unstop, SetRunnable]
//	StateStopped   → StateSleeping            [Unstop]
//	StateOnCPU     → StateSuspended           [UserReturn]
//	StateSuspended → StateRunnable            [Continue, SetRunnable]
//	live           → StateZombie              [Exit, self only]
//	StateZombie    → (destroyed)              [Wait, ReapProcess]
//
// States and their protecting locks:
//
//	StateIdle, StateRunnable:     run queue lock of the assigned CPU
//	StateOnCPU, StateZombie:      on-CPU lock of the assigned CPU
//	StateSleeping:                lock of the sleep queue bucket
//	StateStopped, StateSuspended: sleep queue lock if still on a sleep
//	                              queue, otherwise on-CPU lock
//
// Entry to or exit from StateIdle, StateZombie, StateStopped and
// StateSuspended also requires the process lock, because the process
// counters change with them.
type State uint32

const (
	// StateIdle indicates the LWP has been created but not yet started.
	StateIdle State = iota
	// StateRunnable indicates the LWP is parked on a run queue.
	StateRunnable
	// StateOnCPU indicates the LWP is, or is about to be, executing on a CPU.
	StateOnCPU
	// StateSleeping indicates the LWP is on a sleep queue.
	StateSleeping
	// StateStopped indicates the LWP is halted by job control.
	StateStopped
	// StateSuspended indicates the LWP is halted by a suspend request.
	StateSuspended
	// StateZombie indicates the LWP has exited and awaits collection.
	StateZombie
)

var stateNames = [...]string{
	StateIdle:      "Idle",
	StateRunnable:  "Runnable",
	StateOnCPU:     "OnCPU",
	StateSleeping:  "Sleeping",
	StateStopped:   "Stopped",
	StateSuspended: "Suspended",
	StateZombie:    "Zombie",
}

// String returns a human-readable representation of the state.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// Alive reports whether the state is one of the live states, i.e. the LWP
// has been started and has not exited.
func (s State) Alive() bool {
	switch s {
	case StateRunnable, StateOnCPU, StateSleeping, StateStopped, StateSuspended:
		return true
	default:
		return false
	}
}

// Running reports whether an LWP in this state counts as running or likely
// to run soon, which is what the process nrlwps counter tracks (along with
// StateIdle, which is counted from creation until start).
func (s State) Running() bool {
	switch s {
	case StateRunnable, StateOnCPU, StateSleeping:
		return true
	default:
		return false
	}
}

// Halted reports whether the state is StateStopped or StateSuspended.
func (s State) Halted() bool {
	return s == StateStopped || s == StateSuspended
}

var legalTransitions = [...][]State{
	StateIdle:      {StateRunnable, StateOnCPU, StateStopped, StateSuspended},
	StateRunnable:  {StateOnCPU, StateSleeping, StateStopped, StateSuspended},
	StateOnCPU:     {StateRunnable, StateSleeping, StateStopped, StateSuspended, StateZombie},
	StateSleeping:  {StateRunnable, StateOnCPU, StateStopped, StateSuspended},
	StateStopped:   {StateRunnable, StateOnCPU, StateSleeping, StateSuspended},
	StateSuspended: {StateRunnable, StateOnCPU},
	StateZombie:    nil,
}

// CanTransition reports whether from → to is an edge of the state machine.
// Transitions to StateOnCPU from a halted state model an LWP that was made
// runnable while it had not yet switched away.
func CanTransition(from, to State) bool {
	if int(from) >= len(legalTransitions) {
		return false
	}
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
