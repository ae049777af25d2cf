package lwp

import (
	"fmt"
)

// Suspend asks t to suspend itself. The request is cooperative: a target
// that is runnable or executing suspends at its next [Kernel.UserReturn],
// one that is stopped or sleeping interruptibly is woken so that it can
// reach that point, and one sleeping uninterruptibly sees the request after
// it wakes.
//
// It fails with [ErrDeadlock] if self, the caller, is exiting or dumping
// core, and with [ErrInterrupted] if t is idle or a zombie.
func (k *Kernel) Suspend(self, t *LWP) error {
	p := t.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	t.Lock()
	return k.suspendLocked(self, t)
}

// suspendLocked is Suspend with the process lock and t's lock held. The
// latter is released on every path.
func (k *Kernel) suspendLocked(self, t *LWP) error {
	p := t.proc
	p.assertLocked()
	t.assertLocked()

	if self != nil && self.hasFlag(FlagWantExit|FlagWantCore) {
		t.Unlock()
		return fmt.Errorf("%w: %v suspending %v while exiting", ErrDeadlock, self, t)
	}

	var err error
	switch st := t.State(); st {
	case StateRunnable, StateOnCPU:
		t.setFlag(FlagWantSuspend)
		t.Unlock()
		k.RequestUserReturn(t)

	case StateSleeping:
		t.setFlag(FlagWantSuspend)
		if t.hasFlag(FlagInterruptible) {
			k.setRunnable(t)
		} else {
			t.Unlock()
		}

	case StateSuspended:
		t.Unlock()

	case StateStopped:
		t.setFlag(FlagWantSuspend)
		k.setRunnable(t)

	default:
		t.Unlock()
		err = fmt.Errorf("%w: suspend of %v in state %v", ErrInterrupted, t, st)
	}

	// waiters recheck for deadlock
	p.lwpcv.Broadcast()

	if err == nil {
		logLWP(k.debug(), t).Stringer(`by`, self).Log(`lwp: suspend requested`)
	}
	return err
}

// Continue withdraws a suspend request for t, and resumes it if it has
// already suspended. Nothing happens while a reboot is in progress.
func (k *Kernel) Continue(t *LWP) {
	p := t.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	t.Lock()
	k.continueLocked(t)
}

// continueLocked is Continue with the process lock and t's lock held. The
// latter is released.
func (k *Kernel) continueLocked(t *LWP) {
	if t.hasFlag(FlagReboot) {
		t.Unlock()
		return
	}
	t.clearFlag(FlagWantSuspend)
	if t.State() != StateSuspended {
		t.Unlock()
		return
	}
	k.setRunnable(t)
	logLWP(k.debug(), t).Log(`lwp: continued`)
}

// Unstop resumes t from a job control stop. A stopped sleeper goes back to
// sleep, unless it sleeps interruptibly and the process has a stop signal
// to take, in which case it is woken to take it. Any other state is left
// alone.
func (k *Kernel) Unstop(t *LWP) {
	p := t.proc
	k.procLock.Lock()
	p.mu.Lock()
	k.unstopLocked(t)
	p.mu.Unlock()
	k.procLock.Unlock()
}

// unstopLocked is Unstop with the process table and process locks held.
func (k *Kernel) unstopLocked(t *LWP) {
	p := t.proc
	t.Lock()
	if t.State() != StateStopped {
		t.Unlock()
		return
	}

	if p.stat == ProcStopped && !p.waited && p.parent != nil {
		p.parent.nstopchild--
	}
	p.stat = ProcActive
	p.stopping = false

	switch {
	case t.wchan == nil:
		k.setRunnable(t)
	case p.xstat != 0 && t.hasFlag(FlagInterruptible):
		k.setRunnable(t)
	default:
		t.setState(StateSleeping)
		p.nrlwps++
		t.Unlock()
	}
}

// StopProcess begins a job control stop of p with the stop signal sig.
// Interruptible sleepers stop at once. Every other LWP that can still run
// is sent through [Kernel.UserReturn], where it stops itself; an
// uninterruptible sleeper gets there once woken. The process is stopped
// once none of its LWPs is running.
func (k *Kernel) StopProcess(p *Process, sig int) {
	k.procLock.Lock()
	defer k.procLock.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exiting || p.stat == ProcExited {
		return
	}
	p.stopping = true
	p.xstat = sig

	for l := range p.LWPs() {
		l.Lock()
		switch st := l.State(); {
		case st == StateSleeping && l.hasFlag(FlagInterruptible):
			l.setState(StateStopped)
			p.nrlwps--
			l.Unlock()
		case st == StateIdle, st == StateStopped, st == StateZombie:
			l.Unlock()
		default:
			l.setFlag(FlagPendingSignal)
			l.Unlock()
			k.RequestUserReturn(l)
		}
	}

	// interrupt Wait
	p.lwpcv.Broadcast()

	if p.nrlwps == 0 {
		k.stopDoneLocked(p)
	}
	k.debug().Int(`pid`, p.pid).Int(`sig`, sig).Log(`lwp: process stopping`)
}

// stopDoneLocked completes a stop. The process table and process locks must
// be held.
func (k *Kernel) stopDoneLocked(p *Process) {
	p.stopping = false
	p.stat = ProcStopped
	p.waited = false
	if p.parent != nil {
		p.parent.nstopchild++
	}
	k.debug().Int(`pid`, p.pid).Log(`lwp: process stopped`)
}

// ContinueProcess resumes every stopped LWP of p, recording sig as the
// continue signal.
func (k *Kernel) ContinueProcess(p *Process, sig int) {
	k.procLock.Lock()
	defer k.procLock.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()

	p.xstat = sig
	p.stopping = false
	for l := range p.LWPs() {
		k.unstopLocked(l)
	}
	if p.stat == ProcStopped {
		// no LWP was stopped, e.g. all were suspended
		if !p.waited && p.parent != nil {
			p.parent.nstopchild--
		}
		p.stat = ProcActive
	}
}

// WaitStopped reports a stopped child of parent that has not been reported
// before, if any. It does not block.
func (k *Kernel) WaitStopped(parent *Process) (*Process, bool) {
	k.procLock.Lock()
	defer k.procLock.Unlock()
	if parent.nstopchild == 0 {
		return nil, false
	}
	for _, p := range k.procs {
		if p.parent != parent {
			continue
		}
		p.mu.Lock()
		found := p.stat == ProcStopped && !p.waited
		if found {
			p.waited = true
			parent.nstopchild--
		}
		p.mu.Unlock()
		if found {
			return p, true
		}
	}
	return nil, false
}

// StoppedChildren returns the number of stopped children of p not yet
// reported by [Kernel.WaitStopped].
func (k *Kernel) StoppedChildren(p *Process) int {
	k.procLock.Lock()
	defer k.procLock.Unlock()
	return p.nstopchild
}

// PostSignal makes sig pending for p, and arranges for every LWP to check
// for it: interruptible sleepers are woken, and the rest are sent through
// [Kernel.UserReturn]. Signal numbers are 1 to 64.
func (k *Kernel) PostSignal(p *Process, sig int) error {
	if sig < 1 || sig > 64 {
		return fmt.Errorf("%w: signal %d", ErrInvalidArgument, sig)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sigpend |= 1 << (sig - 1)
	for l := range p.LWPs() {
		k.signotifyLocked(l)
	}
	// interrupt Wait
	p.lwpcv.Broadcast()
	return nil
}

// SignalLWP makes sig pending for l alone.
func (k *Kernel) SignalLWP(l *LWP, sig int) error {
	if sig < 1 || sig > 64 {
		return fmt.Errorf("%w: signal %d", ErrInvalidArgument, sig)
	}
	p := l.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	l.sigpend |= 1 << (sig - 1)
	k.signotifyLocked(l)
	p.lwpcv.Broadcast()
	return nil
}

// signotifyLocked flags l as having a signal to check. The process lock
// must be held.
func (k *Kernel) signotifyLocked(l *LWP) {
	l.Lock()
	switch l.State() {
	case StateIdle, StateZombie:
		l.Unlock()
		return
	}
	l.setFlag(FlagPendingSignal)
	if l.State() == StateSleeping && l.hasFlag(FlagInterruptible) {
		k.setRunnable(l)
		return
	}
	l.Unlock()
	k.RequestUserReturn(l)
}

// TakeSignals returns and clears the signals pending for l and its
// process. It is meant for the signal delivery function installed by
// [WithSignalDelivery], and needs the process lock.
func (l *LWP) TakeSignals() uint64 {
	p := l.proc
	p.assertLocked()
	set := l.sigpend | p.sigpend
	l.sigpend = 0
	p.sigpend = 0
	return set
}
