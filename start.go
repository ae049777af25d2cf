package lwp

import (
	"fmt"
	"sync/atomic"
)

// incarnation is one lifetime of an LWP record, which is reused when a
// detached zombie is recycled.
type incarnation struct {
	exited atomic.Bool
}

// Start makes the idle l, created by creator, runnable. It is stopped
// instead if its process is stopped or stopping, and suspended instead if
// suspended is set or creator has a pending suspend, exit or reboot. An LWP
// created with an entry function begins executing it on its own goroutine
// when first dispatched.
//
// It fails with [ErrInterrupted] once the process is exiting, as the exit
// collects idle LWPs itself.
func (k *Kernel) Start(creator, l *LWP, suspended bool) error {
	p := l.proc
	k.procLock.Lock()
	defer k.procLock.Unlock()
	p.mu.Lock()
	if p.exiting || l.life.exited.Load() {
		p.mu.Unlock()
		return fmt.Errorf("%w: start of %v while exiting", ErrInterrupted, l)
	}
	l.Lock()

	if st := l.State(); st != StateIdle {
		l.Unlock()
		p.mu.Unlock()
		return fmt.Errorf("%w: start of %v in state %v", ErrInvalidArgument, l, st)
	}

	if l.entry != nil {
		park := make(chan struct{})
		l.park.Store(&park)
	}

	ci := l.cpu.Load()
	switch {
	case suspended || (creator != nil && creator.hasFlag(flagsNoResume)):
		l.setState(StateSuspended)
		p.nrlwps--
		l.Handoff(ci.lwplock)

	case p.stat == ProcStopped || p.stopping:
		l.setState(StateStopped)
		p.nrlwps--
		l.Handoff(ci.lwplock)

	default:
		k.enqueueIdle(l)
	}
	if p.stopping && p.nrlwps == 0 {
		k.stopDoneLocked(p)
	}

	logLWP(k.debug(), l).Stringer(`state`, l.State()).Log(`lwp: started`)
	p.mu.Unlock()

	k.startEntry(l)
	return nil
}

// startEntry runs the entry function of l, if any, on a new goroutine. The
// goroutine waits to be dispatched, unless l is already executing, and exits
// l when the function returns.
func (k *Kernel) startEntry(l *LWP) {
	entry, arg, life := l.entry, l.arg, l.life
	if entry == nil {
		return
	}
	park := l.park.Load()
	go func() {
		if park != nil {
			<-*park
		}
		entry(l, arg)
		if !life.exited.Load() {
			k.Exit(l)
		}
	}()
}

// enqueueIdle makes the idle l runnable on the CPU chosen for it, then
// unlocks it. An idle LWP is locked by the run queue of its CPU, so moving
// it to another CPU needs both run queues, which are taken in index order.
func (k *Kernel) enqueueIdle(l *LWP) {
	ci := k.takeCPU(l)
	for l.mutex.Load() != ci.rq {
		from := l.cpu.Load()
		l.Unlock()
		spcLock2(from, ci)
		if l.mutex.Load() == from.rq && l.cpu.Load() == from {
			l.cpu.Store(ci)
			l.setState(StateRunnable)
			ci.enqueue(l)
			l.Lend(ci.rq)
			spcUnlock2(from, ci)
			ci.notify()
			return
		}
		// migrated meanwhile
		spcUnlock2(from, ci)
		l.Lock()
	}
	l.cpu.Store(ci)
	l.setState(StateRunnable)
	ci.enqueue(l)
	l.Unlock()
	ci.notify()
}
