package lwp

import (
	"strconv"
	"strings"
)

// Flag is the set of LWP conditions that are protected by the LWP's
// protecting lock. Flags are stored atomically so that unlocked reads are
// well defined, but they are only ever modified with the lock held, or by
// Create before the LWP is visible to anyone else.
type Flag uint32

const (
	// FlagSystem marks a kernel thread, which never returns to user mode.
	FlagSystem Flag = 1 << iota
	// FlagWantSuspend is a pending suspend request.
	FlagWantSuspend
	// FlagWantExit is a pending request to exit at the next user return.
	FlagWantExit
	// FlagWantCore is set while the process is dumping core. It accompanies
	// FlagWantSuspend or FlagWantExit.
	FlagWantCore
	// FlagPendingSignal indicates a signal may be pending for the LWP.
	FlagPendingSignal
	// FlagReboot forbids resuming a suspended LWP.
	FlagReboot
	// FlagInterruptible is set while sleeping interruptibly.
	FlagInterruptible
	// FlagCtlUpdate requests a refresh of the lwpctl binding at user return.
	FlagCtlUpdate
	// FlagCtlBorrowed marks an lwpctl binding borrowed from a vfork parent.
	FlagCtlBorrowed
	// FlagSinglestep is opaque to this package, cleared at creation.
	FlagSinglestep
)

// flagsUserReturn are the conditions processed by [Kernel.UserReturn].
const flagsUserReturn = FlagWantSuspend | FlagWantExit | FlagPendingSignal | FlagCtlUpdate

// flagsNoResume are the creator conditions that force a new LWP to start
// suspended.
const flagsNoResume = FlagReboot | FlagWantSuspend | FlagWantExit

var flagNames = [...]string{
	"System",
	"WantSuspend",
	"WantExit",
	"WantCore",
	"PendingSignal",
	"Reboot",
	"Interruptible",
	"CtlUpdate",
	"CtlBorrowed",
	"Singlestep",
}

// String formats the set as names joined with "|".
func (f Flag) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if rest := f &^ (1<<len(flagNames) - 1); rest != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(uint64(rest), 16))
	}
	return strings.Join(parts, "|")
}

// CreateFlags modify [Kernel.Create].
type CreateFlags uint32

const (
	// CreateDetached creates an LWP that will not be waited for; on exit it
	// is cached for reuse rather than collected.
	CreateDetached CreateFlags = 1 << iota
	// CreateVfork marks the first LWP of a vfork child, which runs with a
	// kernel priority boost and borrows the parent's lwpctl binding.
	CreateVfork
	// CreatePIDLID allocates the LWP id from the process id space.
	CreatePIDLID
)
