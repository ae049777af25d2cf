package lwp

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// Exit terminates l, which must be the caller and executing. The LWP
// becomes a zombie, to be collected by [Kernel.Wait], or cached for reuse
// if it is detached. If l is the last live LWP of its process, the whole
// process exits with status zero, see [Kernel.ExitProcess].
//
// Exit returns once l has left its CPU, and the caller must not use l
// again.
func (k *Kernel) Exit(l *LWP) {
	l.Lock()
	if l.State() != StateOnCPU || !l.running.Load() {
		l.Unlock()
		panic(`lwp: ` + l.String() + `: exit while not on a cpu`)
	}
	l.Unlock()
	l.life.exited.Store(true)

	p := l.proc
	p.mu.Lock()
	if p.nlwps-p.nzlwps == 1 {
		if p == k.proc0 {
			panic(`lwp: last lwp of the bootstrap process exiting`)
		}
		k.exitProcessLocked(l, 0)
		return
	}
	// not a zombie yet, but counted as one
	p.nzlwps++
	p.mu.Unlock()

	k.exitLWP(l, true)
}

// exitLWP completes the exit of l. If current, l is the caller and is
// switched away as a zombie; otherwise it is an idle LWP that never ran.
func (k *Kernel) exitLWP(l *LWP, current bool) {
	p := l.proc

	if p.personality != nil {
		p.personality.LWPExit(l)
	}
	p.files.free()
	// destructors may block
	k.finiSpecific(l)
	if cred := l.cred; cred != nil {
		l.cred = nil
		cred.Free()
	}

	k.procLock.Lock()
	k.registry.remove(l)
	if l.pidlid && int(l.id) != p.pid {
		k.freePIDLocked(int(l.id))
	}
	k.procLock.Unlock()

	p.mu.Lock()
	l.DrainRefs()
	if h := k.hooks.afterDrain; h != nil {
		h(l)
	}

	if l.detached {
		for z := p.zomb; z != nil; z = p.zomb {
			p.zomb = nil
			k.free(z, false, false) // releases p.mu
			p.mu.Lock()
			l.refcnt++
			l.DrainRefs()
		}
		p.zomb = l
	}

	// signals pending for the process are left to the others
	if l.hasFlag(FlagPendingSignal) && p.sigpend != 0 {
		for l2 := range p.LWPs() {
			if l2 == l {
				continue
			}
			l2.Lock()
			l2.setFlag(FlagPendingSignal)
			l2.Unlock()
			k.RequestUserReturn(l2)
		}
	}

	l.Lock()
	from := l.cpu.Load()
	l.setState(StateZombie)
	k.ctlSetCPU(l, CtlCPUExited)
	if current {
		l.Unlock()
	} else {
		// idle LWPs are locked by a run queue
		l.Handoff(from.lwplock)
	}
	p.nrlwps--
	p.lwpcv.Broadcast()
	p.mu.Unlock()

	// the collector may be freeing l from here on
	if k.machine != nil {
		k.machine.LWPFree(l)
	}
	k.stats.exited.Add(1)
	logLWP(k.debug(), l).Bool(`detached`, l.detached).Log(`lwp: exited`)

	if current {
		l.Lock()
		k.switchAway(l, from)
	}
}

// ExitProcess exits the process of l, the caller, with status. Every other
// LWP is told to exit and collected, after which l becomes the final
// zombie of the process, to be released by [Kernel.ReapProcess]. If another
// LWP is already exiting the process, l simply exits.
//
// Like [Kernel.Exit], it returns once l has left its CPU.
func (k *Kernel) ExitProcess(l *LWP, status int) {
	p := l.proc
	if p == k.proc0 {
		panic(`lwp: exit of the bootstrap process`)
	}
	p.mu.Lock()
	if p.exiting {
		p.mu.Unlock()
		k.Exit(l)
		return
	}
	l.life.exited.Store(true)
	k.exitProcessLocked(l, status)
}

// exitProcessLocked is the process exit by its last LWP, or by the first
// LWP to call ExitProcess. The process lock must be held, and is released.
func (k *Kernel) exitProcessLocked(l *LWP, status int) {
	p := l.proc
	p.exiting = true
	p.xstat = status
	k.exitLWPs(l)
	l.DrainRefs()
	p.mu.Unlock()

	if p.personality != nil {
		p.personality.LWPExit(l)
	}
	k.CtlExit(l)
	k.finiSpecific(l)
	p.files.free()
	if cred := l.cred; cred != nil {
		l.cred = nil
		cred.Free()
	}

	k.procLock.Lock()
	k.registry.remove(l)
	if l.pidlid && int(l.id) != p.pid {
		k.freePIDLocked(int(l.id))
	}
	k.procLock.Unlock()

	p.mu.Lock()
	l.Lock()
	from := l.cpu.Load()
	l.setState(StateZombie)
	l.Unlock()
	p.stat = ProcExited
	p.nzlwps++
	p.nrlwps--
	p.lwpcv.Broadcast()
	close(p.done)
	p.mu.Unlock()

	if k.machine != nil {
		k.machine.LWPFree(l)
	}
	k.stats.exited.Add(1)
	k.debug().Int(`pid`, p.pid).Int(`status`, status).Log(`lwp: process exited`)

	l.Lock()
	k.switchAway(l, from)
}

// exitLWPs makes every other LWP of the process of l exit, and collects
// them. The process lock must be held; it is dropped while waiting.
func (k *Kernel) exitLWPs(l *LWP) {
	p := l.proc
	for {
		if idle := k.markExiting(l); idle != nil {
			// nothing will ever run it to its exit
			p.nzlwps++
			p.mu.Unlock()
			k.exitLWP(idle, false)
			p.mu.Lock()
			continue
		}

		done := true
		for p.nlwps > 1 {
			// LWPs may suspend or sleep behind us, or even be created
			if _, err := k.waitLocked(context.Background(), l, 0, true); err != nil {
				done = false
				break
			}
		}
		if done {
			return
		}
	}
}

// markExiting flags every other LWP of the process of l to exit, waking
// those that are halted or sleeping interruptibly. It stops at, and
// returns, the first idle LWP, if any. The process lock must be held.
func (k *Kernel) markExiting(l *LWP) *LWP {
	p := l.proc
	defer p.lwpcv.Broadcast()
	for l2 := range p.LWPs() {
		if l2 == l {
			continue
		}
		l2.Lock()
		switch st := l2.State(); {
		case st == StateZombie:
			l2.Unlock()
		case st == StateIdle:
			l2.Unlock()
			l2.life.exited.Store(true)
			return l2
		case st == StateSleeping && l2.hasFlag(FlagInterruptible),
			st == StateSuspended, st == StateStopped:
			l2.setFlag(FlagWantExit)
			k.setRunnable(l2)
		default:
			l2.setFlag(FlagWantExit)
			l2.Unlock()
			k.RequestUserReturn(l2)
		}
	}
	return nil
}

// free releases the remaining resources of the zombie l. Unless last, the
// process lock must be held, and is released. A recycled LWP keeps its
// turnstile.
func (k *Kernel) free(l *LWP, recycle, last bool) {
	p := l.proc
	if l.freed {
		panic(`lwp: ` + l.String() + `: double free`)
	}
	if !last {
		p.assertLocked()
	}

	// the process credentials, those of l are gone
	if p != k.proc0 && p.nlwps != 1 && p.cred != nil {
		k.chgLWPCount(p.cred.UID(), -1)
	}

	if !last {
		p.rtime += time.Duration(l.rtime.Load())
		p.nvcsw += l.nvcsw.Load()
		p.nivcsw += l.nivcsw.Load()
		p.lwps.Remove(l.sibling)
		l.sibling = nil
		p.nlwps--
		p.nzlwps--
		if l.detached {
			p.ndlwps--
		}
		// waiters recheck for deadlock
		p.lwpcv.Broadcast()
		p.mu.Unlock()
	}

	k.spinUntilOffCPU(l)

	l.sigpend = 0
	l.private.Store(0)
	if l.ctl.Load() != nil {
		k.CtlFree(l)
	}
	if aff := l.affinity; aff != nil {
		aff.Unuse()
		l.affinity = nil
	}
	if !recycle {
		k.putTurnstile(l.ts)
		l.ts = nil
	}
	l.freed = true
	k.stats.freed.Add(1)
	logLWP(k.trace(), l).Bool(`recycle`, recycle).Log(`lwp: freed`)

	k.registry.Scavenge(scavengeBatch)
}

// spinUntilOffCPU waits for l to finish switching away. It does not block:
// the window is the tail of switchAway.
func (k *Kernel) spinUntilOffCPU(l *LWP) {
	if h := k.hooks.beforeSpin; h != nil {
		h(l)
	}
	for i := 1; l.running.Load() || l.cpu.Load().curlwp.Load() == l; i++ {
		if i%32 == 0 {
			runtime.Gosched()
		}
	}
}

// ReapProcess releases an exited process: any cached detached zombie, the
// final zombie, and the process id.
func (k *Kernel) ReapProcess(p *Process) error {
	if p == k.proc0 {
		return fmt.Errorf("%w: reap of the bootstrap process", ErrInvalidArgument)
	}
	p.mu.Lock()
	if p.stat != ProcExited {
		p.mu.Unlock()
		return fmt.Errorf("%w: %v has not exited", ErrAgain, p)
	}
	if p.nlwps == 0 {
		p.mu.Unlock()
		return fmt.Errorf("%w: %v already reaped", ErrInvalidArgument, p)
	}
	for z := p.zomb; z != nil; z = p.zomb {
		p.zomb = nil
		k.free(z, false, false) // releases p.mu
		p.mu.Lock()
	}
	if p.nlwps != 1 {
		panic(`lwp: ` + p.String() + `: exited with other lwps`)
	}
	l := p.lwps.Front().Value.(*LWP)
	p.rtime += time.Duration(l.rtime.Load())
	p.nvcsw += l.nvcsw.Load()
	p.nivcsw += l.nivcsw.Load()
	p.mu.Unlock()

	k.free(l, false, true)

	p.mu.Lock()
	p.lwps.Remove(l.sibling)
	l.sibling = nil
	p.nlwps = 0
	p.nzlwps = 0
	p.ndlwps = 0
	cred := p.cred
	p.cred = nil
	p.mu.Unlock()
	cred.Free()

	k.procLock.Lock()
	delete(k.procs, p.pid)
	k.freePIDLocked(p.pid)
	k.procLock.Unlock()

	k.debug().Int(`pid`, p.pid).Log(`lwp: process reaped`)
	return nil
}
