package lwp

// RequestUserReturn asks l to enter [Kernel.UserReturn] at its next
// opportunity. It does not block.
func (k *Kernel) RequestUserReturn(l *LWP) {
	l.ast.Store(true)
	if ci := l.cpu.Load(); ci != nil {
		ci.notify()
	}
}

// UserReturnPending reports whether l, which is executing, should call
// [Kernel.UserReturn]. Entry functions poll it at their preemption points.
func (l *LWP) UserReturnPending() bool {
	if l.ast.Load() || l.Flags()&flagsUserReturn != 0 || l.credStale.Load() {
		return true
	}
	ci := l.cpu.Load()
	return ci != nil && ci.wantResched.Load()
}

// UserReturn is the checkpoint an executing LWP passes through on its way
// back to user mode. It is called by l itself, and handles in turn pending
// signals, including job control stops, exit requests and suspend
// requests, then refreshes stale credentials and yields the CPU if a
// reschedule was requested.
//
// It returns false if l has exited, after which the caller must not use l
// again. Kernel threads never leave the kernel, and return immediately.
func (k *Kernel) UserReturn(l *LWP) bool {
	if l.hasFlag(FlagSystem) {
		return true
	}
	l.ast.Store(false)
	p := l.proc

	for l.Flags()&flagsUserReturn != 0 {
		if l.Flags()&(FlagPendingSignal|FlagWantCore|FlagWantExit) == FlagPendingSignal {
			p.mu.Lock()
			k.issueSignals(l) // releases p.mu
		}

		if l.hasFlag(FlagWantCore) {
			// the dump itself is not ours to do
			l.Lock()
			l.clearFlag(FlagWantCore)
			l.Unlock()
			logLWP(k.debug(), l).Log(`lwp: core dump requested`)
		}

		if l.hasFlag(FlagWantExit) {
			k.Exit(l)
			return false
		}

		if l.hasFlag(FlagWantSuspend) {
			k.procLock.Lock()
			p.mu.Lock()
			p.nrlwps--
			p.lwpcv.Broadcast()
			l.Lock()
			l.setState(StateSuspended)
			// the last LWP a stop was waiting for
			if p.stopping && p.nrlwps == 0 {
				k.stopDoneLocked(p)
			}
			p.mu.Unlock()
			k.procLock.Unlock()
			l.nvcsw.Add(1)
			logLWP(k.debug(), l).Log(`lwp: suspended`)
			k.switchAway(l, l.cpu.Load())
		}

		if l.hasFlag(FlagCtlUpdate) {
			l.Lock()
			k.ctlSetCPU(l, int32(l.cpu.Load().index))
			l.clearFlag(FlagCtlUpdate)
			l.Unlock()
		}
	}

	if l.credStale.Load() {
		k.UpdateCreds(l)
	}

	if ci := l.cpu.Load(); ci.wantResched.Swap(false) {
		k.Preempt(l)
	}
	return true
}

// issueSignals processes the pending signals of l, stopping it if the
// process is stopping. The process lock must be held, and is released.
func (k *Kernel) issueSignals(l *LWP) {
	p := l.proc
	l.Lock()
	l.clearFlag(FlagPendingSignal)
	l.Unlock()
	if p.stopping || p.stat == ProcStopped {
		k.stopSelf(l)
		return
	}
	if k.deliver != nil {
		k.deliver(l)
	} else {
		l.TakeSignals()
	}
	p.mu.Unlock()
}

// stopSelf stops l, the caller, for a job control stop. The process lock
// must be held, and is released.
func (k *Kernel) stopSelf(l *LWP) {
	p := l.proc
	p.mu.Unlock()
	k.procLock.Lock()
	p.mu.Lock()
	if !p.stopping && p.stat != ProcStopped {
		// continued meanwhile
		p.mu.Unlock()
		k.procLock.Unlock()
		return
	}

	p.nrlwps--
	l.Lock()
	l.setState(StateStopped)
	if p.stopping && p.nrlwps == 0 {
		k.stopDoneLocked(p)
	}
	p.mu.Unlock()
	k.procLock.Unlock()

	l.nvcsw.Add(1)
	logLWP(k.debug(), l).Log(`lwp: stopped`)
	k.switchAway(l, l.cpu.Load())
}
