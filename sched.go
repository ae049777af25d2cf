package lwp

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// Scheduler is the CPU placement policy.
type Scheduler interface {
	// TakeCPU selects the CPU to run l on. It is called with l locked, and
	// must return one of the kernel's CPUs.
	TakeCPU(l *LWP) *CPU
	// LWPFork initializes the scheduler state of child from parent.
	LWPFork(parent, child *LWP)
	// LWPCollect accounts for the collected zombie l.
	LWPCollect(l *LWP)
}

// defaultScheduler prefers to keep an LWP where it is, otherwise moves it
// to an idle CPU it has affinity for.
type defaultScheduler struct {
	k *Kernel
}

func (s defaultScheduler) TakeCPU(l *LWP) *CPU {
	cur := l.cpu.Load()
	aff := l.affinity
	if cur != nil && aff.Has(cur.index) && (l.kpriority || cur.available()) {
		return cur
	}
	for _, ci := range s.k.cpus {
		if aff.Has(ci.index) && ci.available() {
			return ci
		}
	}
	if cur != nil && aff.Has(cur.index) {
		return cur
	}
	for _, ci := range s.k.cpus {
		if aff.Has(ci.index) {
			return ci
		}
	}
	// an affinity mask naming no CPU of ours
	if cur != nil {
		return cur
	}
	return s.k.cpus[0]
}

func (defaultScheduler) LWPFork(parent, child *LWP) {}

func (defaultScheduler) LWPCollect(l *LWP) {}

// takeCPU selects a CPU for l, which is locked. A pending migration target
// always wins.
func (k *Kernel) takeCPU(l *LWP) *CPU {
	if t := l.target.Swap(nil); t != nil {
		k.stats.migrations.Add(1)
		k.trace().Stringer(`lwp`, l).Stringer(`cpu`, t).Log(`lwp: migration completed`)
		return t
	}
	return k.sched.TakeCPU(l)
}

// setRunnable makes a sleeping, stopped or suspended LWP runnable. The
// process lock and l's lock must be held; the latter is released.
func (k *Kernel) setRunnable(l *LWP) {
	p := l.proc
	p.assertLocked()
	l.assertLocked()

	switch l.State() {
	case StateStopped:
		p.nrlwps++
	case StateSuspended:
		l.clearFlag(FlagWantSuspend)
		p.nrlwps++
		p.lwpcv.Broadcast()
	case StateSleeping:
		if l.wchan == nil {
			panic(`lwp: ` + l.String() + `: sleeping without a wait channel`)
		}
	default:
		panic(`lwp: ` + l.String() + `: setrunnable in state ` + l.State().String())
	}

	// an interrupted sleeper is woken through its sleep queue
	if l.wchan != nil {
		l.setState(StateSleeping)
		k.unsleep(l)
		return
	}

	// the LWP may not have switched away yet
	if l.running.Load() {
		l.setState(StateOnCPU)
		l.Unlock()
		return
	}

	ci := k.takeCPU(l)
	ci.rq.Lock()
	l.cpu.Store(ci)
	l.setState(StateRunnable)
	ci.enqueue(l)
	l.Handoff(ci.rq)
	ci.rq.Unlock()
	ci.notify()
}

// SetRunnable is the locking wrapper of setRunnable, used by collaborators
// that halt or block LWPs outside this package's own paths.
func (k *Kernel) SetRunnable(l *LWP) {
	p := l.proc
	p.mu.Lock()
	l.Lock()
	k.setRunnable(l)
	p.mu.Unlock()
}

// Dispatch runs the next LWP queued on ci, if ci is idle. Queued LWPs with
// a pending migration target are moved to their target instead. It returns
// the LWP now executing, or nil if ci was busy or had nothing to run.
func (k *Kernel) Dispatch(ci *CPU) *LWP {
	for {
		ci.rq.Lock()
		if ci.curlwp.Load() != nil {
			ci.rq.Unlock()
			return nil
		}
		l := ci.dequeue()
		if l == nil {
			ci.rq.Unlock()
			return nil
		}

		if t := l.target.Swap(nil); t != nil && t != ci {
			k.dispatchMigrate(l, t)
			continue
		}

		l.setState(StateOnCPU)
		l.running.Store(true)
		l.onCPUAt = time.Now()
		ci.curlwp.Store(l)
		ci.wantResched.Store(false)
		k.ctlSetCPU(l, int32(ci.index))
		l.Lend(ci.lwplock)
		park := l.park.Swap(nil)
		ci.rq.Unlock()

		if park != nil {
			close(*park)
		}
		return l
	}
}

// dispatchMigrate moves the dequeued l, locked by its old CPU's run queue,
// onto the run queue of t. The old run queue lock is released.
func (k *Kernel) dispatchMigrate(l *LWP, t *CPU) {
	l.cpu.Store(t)
	l.Handoff(t.rq)
	k.stats.migrations.Add(1)

	l.Lock()
	if l.State() != StateRunnable {
		panic(`lwp: ` + l.String() + `: migrating in state ` + l.State().String())
	}
	t.enqueue(l)
	l.Unlock()
	t.notify()

	k.trace().Stringer(`lwp`, l).Stringer(`cpu`, t).Log(`lwp: migrated at dispatch`)
}

// Preempt yields the CPU. It is called by l itself, which must be
// executing, and returns once l has been dispatched again. A pending
// migration target is honoured.
func (k *Kernel) Preempt(l *LWP) {
	l.Lock()
	if l.State() != StateOnCPU || !l.running.Load() {
		l.Unlock()
		panic(`lwp: ` + l.String() + `: preempt while not on a cpu`)
	}
	from := l.cpu.Load()
	l.nivcsw.Add(1)

	to := k.takeCPU(l)
	to.rq.Lock()
	l.cpu.Store(to)
	l.setState(StateRunnable)
	to.enqueue(l)
	l.Handoff(to.rq)

	k.switchAway(l, from)
}

// switchAway takes l, which is locked and has just left StateOnCPU, off the
// CPU from, then releases its lock. Unless l is a zombie, the calling
// goroutine is parked until l is next dispatched.
func (k *Kernel) switchAway(l *LWP, from *CPU) {
	st := l.State()
	if st == StateOnCPU {
		panic(`lwp: ` + l.String() + `: switch away while on cpu`)
	}

	var park chan struct{}
	if st != StateZombie {
		park = make(chan struct{})
		l.park.Store(&park)
		k.ctlSetCPU(l, CtlCPUNone)
	}
	l.rtime.Add(int64(time.Since(l.onCPUAt)))
	to := l.cpu.Load()
	m := l.mutex.Load()

	from.curlwp.CompareAndSwap(l, nil)
	from.nswitch.Add(1)
	// last access: a zombie may be freed as soon as this is observed
	l.running.Store(false)
	m.Unlock()

	from.notify()
	if to != from {
		to.notify()
	}
	if park != nil {
		<-park
	}
}

// RunCPU is the dispatch loop of ci. It runs queued LWPs whenever ci is
// idle, until ctx is done.
func (k *Kernel) RunCPU(ctx context.Context, ci *CPU) error {
	for {
		k.Dispatch(ci)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ci.kick:
		}
	}
}

// StartOnCPU places the idle kernel thread l directly onto the idle CPU ci,
// bypassing the run queue.
func (k *Kernel) StartOnCPU(l *LWP, ci *CPU) error {
	p := l.proc
	if !p.system {
		return fmt.Errorf("%w: %v is not a kernel thread", ErrInvalidArgument, l)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	// l is locked by a run queue lock, possibly ci's, so the two can't be
	// taken in a fixed order
	for {
		ci.rq.Lock()
		if l.mutex.Load() == ci.rq || l.TryLock() {
			break
		}
		ci.rq.Unlock()
		runtime.Gosched()
	}
	old := l.mutex.Load()
	release := func() {
		old.Unlock()
		if old != ci.rq {
			ci.rq.Unlock()
		}
	}

	if l.State() != StateIdle {
		release()
		return fmt.Errorf("%w: %v is %v", ErrInvalidArgument, l, l.State())
	}
	if ci.curlwp.Load() != nil {
		release()
		return ErrBusy
	}

	l.cpu.Store(ci)
	l.setState(StateOnCPU)
	l.running.Store(true)
	l.onCPUAt = time.Now()
	ci.curlwp.Store(l)
	l.Lend(ci.lwplock)
	release()

	k.startEntry(l)
	return nil
}
