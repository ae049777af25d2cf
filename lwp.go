package lwp

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-lwp/internal/cpuset"
	"github.com/joeycumines/go-lwp/internal/kmutex"
)

// ID identifies an LWP within its process. Valid ids are positive.
type ID int32

// EntryFunc is the body of an LWP started with an entry function. It runs on
// its own goroutine once the LWP is first dispatched onto a CPU, and the LWP
// exits when it returns. It must not call [Kernel.Exit] itself.
type EntryFunc func(l *LWP, arg any)

// Stack describes the user stack of a new LWP. It is opaque to this package.
type Stack struct {
	Base uintptr
	Size uintptr
}

// Class is an opaque scheduling class, copied from the creator.
type Class int

// Turnstile is the per-LWP priority inheritance resource. Turnstiles are
// pooled; the bootstrap LWP owns a static one that never returns to the
// pool.
type Turnstile struct {
	id uint64
}

// ID returns a unique identifier, stable for the life of the turnstile.
func (ts *Turnstile) ID() uint64 {
	return ts.id
}

// LWP is a lightweight process, a thread of control within a [Process].
//
// The state and the fields documented as protected are read and written
// only with the LWP's protecting lock held (see [LWP.Lock]). The fields
// documented as process fields are protected by the process lock. The id
// and process never change while the LWP exists.
type LWP struct {
	proc *Process

	// protecting lock, see lock.go
	mutex atomic.Pointer[kmutex.Mutex]

	cpu    atomic.Pointer[CPU]
	target atomic.Pointer[CPU]

	// closed by Dispatch, to release a goroutine parked in switchAway
	park atomic.Pointer[chan struct{}]

	// lwpctl binding, written by the LWP itself or its collector
	ctl atomic.Pointer[ctlSlot]
	// user TLS pointer, see SetPrivate
	private atomic.Uintptr

	// per-incarnation, see start.go
	life *incarnation

	// process fields
	sibling    *list.Element
	sigpend    uint64
	refcnt     int
	waiter     ID
	waitingFor ID
	detached   bool
	// set when a waiter closing a wait cycle on l refused, see Wait
	waitCycle bool

	// protected fields
	wchan    any
	sleepq   *sleepBucket
	sleepErr error
	affinity *cpuset.Set

	// owned by the LWP itself
	cred      *Cred
	ts        *Turnstile
	entry     EntryFunc
	arg       any
	stack     Stack
	sigmask   uint64
	onCPUAt   time.Time
	class     Class
	priority  int
	kpriority bool

	specMu sync.Mutex
	spec   map[SpecificKey]any

	rtime  atomic.Int64
	nvcsw  atomic.Uint64
	nivcsw atomic.Uint64

	state     atomic.Uint32
	flag      atomic.Uint32
	running   atomic.Bool
	ast       atomic.Bool
	credStale atomic.Bool

	// registration in the kernel registry, protected by the registry
	regID uint64

	id     ID
	pidlid bool
	freed  bool
}

// ID returns the LWP's id within its process.
func (l *LWP) ID() ID {
	return l.id
}

// Process returns the owning process.
func (l *LWP) Process() *Process {
	return l.proc
}

// State returns the current state. Unless the protecting lock is held, the
// result may be stale by the time it is observed.
func (l *LWP) State() State {
	return State(l.state.Load())
}

func (l *LWP) setState(s State) {
	l.state.Store(uint32(s))
}

// Flags returns the current flags. See [LWP.State] regarding staleness.
func (l *LWP) Flags() Flag {
	return Flag(l.flag.Load())
}

func (l *LWP) hasFlag(f Flag) bool {
	return Flag(l.flag.Load())&f != 0
}

// setFlag and clearFlag require the protecting lock.
func (l *LWP) setFlag(f Flag) {
	l.flag.Or(uint32(f))
}

func (l *LWP) clearFlag(f Flag) {
	l.flag.And(^uint32(f))
}

// CPU returns the CPU the LWP is assigned to.
func (l *LWP) CPU() *CPU {
	return l.cpu.Load()
}

// TargetCPU returns the CPU a pending migration will move the LWP to, or
// nil if there is none.
func (l *LWP) TargetCPU() *CPU {
	return l.target.Load()
}

// Running reports whether the LWP is executing on a CPU. This is distinct
// from [StateOnCPU], which may be observed briefly before the LWP has
// switched away.
func (l *LWP) Running() bool {
	return l.running.Load()
}

// Detached reports whether the LWP was created with [CreateDetached].
func (l *LWP) Detached() bool {
	l.proc.mu.Lock()
	defer l.proc.mu.Unlock()
	return l.detached
}

// Turnstile returns the LWP's turnstile.
func (l *LWP) Turnstile() *Turnstile {
	return l.ts
}

// Cred returns the cached credentials. See [Kernel.UpdateCreds].
func (l *LWP) Cred() *Cred {
	return l.cred
}

// Affinity returns the indexes of the CPUs the LWP may run on, or nil if
// it may run anywhere.
func (l *LWP) Affinity() []int {
	l.Lock()
	s := l.affinity
	l.Unlock()
	if s == nil {
		return nil
	}
	return s.Members()
}

// Stack returns the stack the LWP was created with.
func (l *LWP) Stack() Stack {
	return l.stack
}

// Class returns the scheduling class.
func (l *LWP) Class() Class {
	return l.class
}

// Priority returns the priority inherited from the creator.
func (l *LWP) Priority() int {
	return l.priority
}

// KernelPriority reports whether the LWP runs with a kernel priority boost.
func (l *LWP) KernelPriority() bool {
	return l.kpriority
}

// RunTime returns the accumulated time spent on a CPU.
func (l *LWP) RunTime() time.Duration {
	return time.Duration(l.rtime.Load())
}

// Pctr returns the preemption counter, the total number of context
// switches. The threading library uses a change in value to detect that
// the LWP was preempted.
func (l *LWP) Pctr() uint64 {
	return l.nvcsw.Load() + l.nivcsw.Load()
}

// WaitChannel returns the object the LWP is sleeping on, or nil.
// The protecting lock must be held.
func (l *LWP) WaitChannel() any {
	return l.wchan
}

// String implements fmt.Stringer.
func (l *LWP) String() string {
	if l == nil {
		return `<nil>`
	}
	return fmt.Sprintf("%d.%d", l.proc.pid, l.id)
}
