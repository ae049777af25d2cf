package lwp

import (
	"context"
	"errors"
)

// Wait collects a zombie sibling of self, the caller, returning its id. If
// lid is not zero only that LWP is collected, otherwise any LWP that has no
// other waiter claiming it. Detached LWPs are never collected, but count as
// candidates when exiting is set, which is how the process exit path waits
// for them to drain.
//
// Wait blocks until a candidate exits. It fails with [ErrNoSuchLWP] if
// there is no candidate, and with [ErrDeadlock] if lid is itself waiting
// for self, in which case that wait fails the same way, or if every LWP
// that could exit is itself waiting. Only cycles of two are detected. A
// pending suspend, exit or signal for self interrupts the wait with
// [ErrInterrupted], as does the cancellation of ctx with its error. The
// errors are returned as a [*WaitError].
func (k *Kernel) Wait(ctx context.Context, self *LWP, lid ID, exiting bool) (ID, error) {
	p := self.proc
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.lwpcv.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	id, err := k.waitLocked(ctx, self, lid, exiting)
	p.mu.Unlock()
	if err != nil {
		return 0, &WaitError{Cause: err, PID: p.pid, Waiter: self.id, Target: lid}
	}
	return id, nil
}

// waitLocked is Wait with the process lock held. The lock is dropped while
// blocked, and while freeing collected LWPs.
func (k *Kernel) waitLocked(ctx context.Context, self *LWP, lid ID, exiting bool) (ID, error) {
	p := self.proc
	curlid := self.id

	p.nlwpwait++
	self.waitingFor = lid

	var err error
	for {
		// drain any cached detached zombie first
		for z := p.zomb; z != nil; z = p.zomb {
			p.zomb = nil
			k.free(z, false, false) // releases p.mu
			p.mu.Lock()
		}

		if self.waitCycle {
			self.waitCycle = false
			err = ErrDeadlock
			break
		}

		var nfound int
		var cycle *LWP
		for l2 := range p.LWPs() {
			// also traps waiting on self
			if l2.id == lid && l2.waitingFor == curlid {
				cycle = l2
				break
			}
			if l2 == self {
				continue
			}
			if l2.detached {
				if exiting {
					nfound++
				}
				continue
			}
			if lid != 0 {
				if l2.id != lid {
					continue
				}
				// first waiter
				if l2.waiter == 0 {
					l2.waiter = curlid
				}
			} else if l2.waiter != 0 {
				// it may be collected by its claimant, or we get
				// another chance later
				nfound++
				continue
			}
			nfound++

			if l2.State() != StateZombie {
				continue
			}

			self.waitingFor = 0
			l2.waiter = 0
			p.nlwpwait--
			k.sched.LWPCollect(l2)
			id := l2.id
			k.free(l2, false, false) // releases p.mu
			p.mu.Lock()
			logLWP(k.debug(), self).Int64(`collected`, int64(id)).Log(`lwp: collected`)
			return id, nil
		}

		if cycle != nil {
			if cycle != self {
				// the other side of the cycle fails as well
				cycle.waitCycle = true
			}
			err = ErrDeadlock
			break
		}
		if nfound == 0 {
			err = ErrNoSuchLWP
			break
		}

		// the lock is dropped, so everything is rescanned on wakeup
		if exiting {
			p.lwpcv.Wait()
			err = ErrAgain
			break
		}

		// all others wait for exits or suspends, with no zombies or
		// potential zombies left
		if p.exiting || p.nrlwps+p.nzlwps-p.ndlwps <= p.nlwpwait {
			err = ErrDeadlock
			break
		}

		if self.hasFlag(FlagWantSuspend | FlagWantExit | FlagPendingSignal) {
			err = ErrInterrupted
			break
		}
		if err = ctx.Err(); err != nil {
			break
		}

		if h := k.hooks.beforeWaitSleep; h != nil {
			h(self)
		}
		p.lwpcv.Wait()
	}

	// let another waiter have our claim, and have the rest recheck
	if lid != 0 {
		for l2 := range p.LWPs() {
			if l2.id == lid {
				if l2.waiter == curlid {
					l2.waiter = 0
				}
				break
			}
		}
	}
	p.nlwpwait--
	self.waitingFor = 0
	self.waitCycle = false
	p.lwpcv.Broadcast()

	if !errors.Is(err, ErrAgain) {
		logLWP(k.debug(), self).Int64(`target`, int64(lid)).Err(err).Log(`lwp: wait failed`)
	}
	return 0, err
}
