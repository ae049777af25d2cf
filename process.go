package lwp

import (
	"container/list"
	"iter"
	"strconv"
	"sync"
	"time"
)

// ProcState is the job control state of a process.
type ProcState int

const (
	// ProcActive is a process that is neither stopped nor exited.
	ProcActive ProcState = iota
	// ProcStopped is a process whose LWPs have all stopped.
	ProcStopped
	// ProcExited is a process whose last LWP has exited.
	ProcExited
)

// String returns a human-readable representation of the state.
func (s ProcState) String() string {
	switch s {
	case ProcActive:
		return "Active"
	case ProcStopped:
		return "Stopped"
	case ProcExited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// idScan marks the id counter once it has wrapped, after which ids are
// allocated by scanning for a free one.
const idScan = 1 << 31

// ProcessConfig configures [Kernel.NewProcess].
type ProcessConfig struct {
	// Parent is the parent process, for stop bookkeeping. It defaults to
	// the bootstrap process.
	Parent *Process
	// Cred defaults to the parent's credentials.
	Cred *Cred
	// Personality hooks, optional.
	Personality Personality
	// Files defaults to a new, unshared, table.
	Files *FileTable
	// ThreadLimit defaults to the kernel's thread limit.
	ThreadLimit int
	// System marks a kernel process, whose LWPs are kernel threads.
	System bool
	// Vfork marks a vfork child that still shares its parent's resources.
	Vfork bool
}

// Personality is the execution personality (emulation) of a process.
type Personality interface {
	// LWPFork is called after child has been fully created from parent.
	LWPFork(parent, child *LWP)
	// LWPExit is called early in the exit of l, while blocking is legal.
	LWPExit(l *LWP)
}

// Counts is a snapshot of the process LWP counters.
type Counts struct {
	// LWPs is every LWP in the process, including zombies.
	LWPs int
	// Running is LWPs that are running or likely to run soon: idle,
	// runnable, on a CPU, or sleeping.
	Running int
	// Zombies is LWPs that have exited or are exiting, not yet collected.
	Zombies int
	// Detached is detached LWPs, including a cached zombie.
	Detached int
	// Waiting is LWPs blocked in [Kernel.Wait].
	Waiting int
}

// Process is a container of LWPs sharing resources.
type Process struct {
	k           *Kernel
	parent      *Process
	personality Personality
	files       *FileTable

	// process lock, p_lock
	mu sync.Mutex
	// signalled on LWP state changes relevant to Wait and DrainRefs
	lwpcv *sync.Cond

	// protected by mu
	lwps     list.List // newest first, ids decreasing
	zomb     *LWP
	cred     *Cred
	ctl      *ctlArea
	nlwps    int
	nrlwps   int
	nzlwps   int
	ndlwps   int
	nlwpwait int
	nlwpid   uint32
	sigpend  uint64
	xstat    int
	stat     ProcState
	stopping bool
	exiting  bool
	vfork    bool
	rtime    time.Duration
	nvcsw    uint64
	nivcsw   uint64

	// closed when the process exits
	done chan struct{}

	// protected by the kernel process table lock
	waited     bool
	nstopchild int

	threadLimit int
	pid         int
	system      bool
}

// PID returns the process id.
func (p *Process) PID() int {
	return p.pid
}

// Parent returns the parent process, nil for the bootstrap process.
func (p *Process) Parent() *Process {
	return p.parent
}

// System reports whether this is a kernel process.
func (p *Process) System() bool {
	return p.system
}

// Files returns the shared descriptor table.
func (p *Process) Files() *FileTable {
	return p.files
}

// ThreadLimit returns the per-user thread limit applied when creating LWPs
// in this process.
func (p *Process) ThreadLimit() int {
	return p.threadLimit
}

// Lock acquires the process lock. It is needed by the methods documented
// as requiring it, such as [LWP.AddRef].
func (p *Process) Lock() {
	p.mu.Lock()
}

// Unlock releases the process lock.
func (p *Process) Unlock() {
	p.mu.Unlock()
}

func (p *Process) assertLocked() {
	if p.mu.TryLock() {
		p.mu.Unlock()
		panic(`lwp: process ` + strconv.Itoa(p.pid) + `: lock not held`)
	}
}

// Counts returns a snapshot of the LWP counters.
func (p *Process) Counts() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countsLocked()
}

func (p *Process) countsLocked() Counts {
	return Counts{
		LWPs:     p.nlwps,
		Running:  p.nrlwps,
		Zombies:  p.nzlwps,
		Detached: p.ndlwps,
		Waiting:  p.nlwpwait,
	}
}

// State returns the job control state.
func (p *Process) State() ProcState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stat
}

// Done returns a channel that is closed when the process has exited, and
// may be reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitStatus returns the status passed to [Kernel.ExitProcess], or the stop
// signal of a stopped process.
func (p *Process) ExitStatus() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.xstat
}

// RunTime returns the run time of the LWPs that have been freed.
func (p *Process) RunTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rtime
}

// Switches returns the voluntary and involuntary context switches of the
// LWPs that have been freed.
func (p *Process) Switches() (voluntary, involuntary uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nvcsw, p.nivcsw
}

// LWPs iterates over the process's LWPs, newest first. The process lock
// must be held for the duration of the iteration.
func (p *Process) LWPs() iter.Seq[*LWP] {
	return func(yield func(*LWP) bool) {
		for e := p.lwps.Front(); e != nil; e = e.Next() {
			if !yield(e.Value.(*LWP)) {
				return
			}
		}
	}
}

// IDs returns the ids of every LWP in the process, newest first.
func (p *Process) IDs() []ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]ID, 0, p.nlwps)
	for l := range p.LWPs() {
		ids = append(ids, l.id)
	}
	return ids
}

// String implements fmt.Stringer.
func (p *Process) String() string {
	if p == nil {
		return `<nil>`
	}
	return `proc` + strconv.Itoa(p.pid)
}
