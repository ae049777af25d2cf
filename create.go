package lwp

import (
	"container/list"
	"fmt"
)

// CreateParams are the arguments of [Kernel.Create].
type CreateParams struct {
	// Entry, if set, is run on its own goroutine once the LWP is started
	// and dispatched.
	Entry EntryFunc
	// Arg is passed to Entry. It defaults to the new LWP.
	Arg   any
	Stack Stack
	Class Class
	Flags CreateFlags
}

// Create makes a new LWP in p2, using l1 as the template. l1 is the caller,
// or an LWP of the bootstrap process creating a kernel thread. The new LWP
// is returned in [StateIdle], and must be started, suspended or stopped by
// the caller, usually with [Kernel.Start].
//
// Every LWP but the first of a process is charged to the user of l1, and
// creation fails with a [*LimitError] if that exceeds the thread limit of
// p2, unless the credentials are privileged. It fails with [ErrAgain] once
// the system holds [Kernel.MaxLWP] LWPs.
func (k *Kernel) Create(l1 *LWP, p2 *Process, params CreateParams) (*LWP, error) {
	p2.mu.Lock()
	first := p2.nlwps == 0
	p2.mu.Unlock()

	var uid uint32
	charged := !first && p2 != k.proc0
	if charged {
		uid = l1.cred.UID()
		if count := k.chgLWPCount(uid, 1); count > p2.threadLimit && !l1.cred.Privileged() {
			k.chgLWPCount(uid, -1)
			k.warn(`rlimit`, int64(uid)).
				Int64(`uid`, int64(uid)).
				Int(`pid`, p2.pid).
				Int(`count`, count).
				Int(`limit`, p2.threadLimit).
				Log(`lwp: thread limit exceeded`)
			return nil, &LimitError{Cause: ErrResourceLimit, UID: uid, Count: count, Limit: p2.threadLimit}
		}
	}

	if n := k.registry.Len(); n >= k.MaxLWP() {
		if charged {
			k.chgLWPCount(uid, -1)
		}
		k.warn(`maxlwp`, 0).
			Int(`lwps`, n).
			Log(`lwp: system lwp limit reached`)
		return nil, fmt.Errorf("%w: %d lwps", ErrAgain, n)
	}

	// reap a cached detached zombie, reusing its record and turnstile
	var l2 *LWP
	p2.mu.Lock()
	if isfree := p2.zomb; isfree != nil {
		p2.zomb = nil
		k.free(isfree, true, false) // releases p2.mu
		ts := isfree.ts
		*isfree = LWP{ts: ts}
		l2 = isfree
		k.stats.recycled.Add(1)
	} else {
		p2.mu.Unlock()
		l2 = &LWP{ts: k.getTurnstile()}
	}

	flags := params.Flags
	vfork := flags&CreateVfork != 0
	l2.proc = p2
	l2.life = new(incarnation)
	l2.setState(StateIdle)
	l2.refcnt = 1
	l2.class = params.Class
	// a vfork child stays hot on the parent's CPU
	l2.kpriority = vfork
	l2.priority = l1.priority
	l2.entry = params.Entry
	l2.arg = params.Arg
	if l2.arg == nil {
		l2.arg = l2
	}
	l2.stack = params.Stack

	if vfork {
		if s := l1.ctl.Load(); s != nil {
			l2.ctl.Store(s)
			l2.setFlag(FlagCtlBorrowed | FlagCtlUpdate)
		}
	}
	if !first {
		p2.files.hold()
	}
	if p2.system {
		l2.setFlag(FlagSystem)
	}

	ci := l1.cpu.Load()
	l2.cpu.Store(ci)
	l2.mutex.Store(ci.rq)

	k.sched.LWPFork(l1, l2)
	k.UpdateCreds(l2)
	if k.machine != nil {
		k.machine.LWPFork(l1, l2)
	}

	var lid ID
	if flags&CreatePIDLID != 0 {
		k.procLock.Lock()
		pid, ok := k.allocPIDLocked()
		k.procLock.Unlock()
		if !ok {
			panic(`lwp: process id space exhausted`)
		}
		lid = ID(pid)
		l2.pidlid = true
	}

	p2.mu.Lock()
	if flags&CreateDetached != 0 {
		l2.detached = true
		p2.ndlwps++
	}
	l2.sigmask = l1.sigmask

	if lid == 0 {
		// after 2^31 creations, free ids are found by scanning
		n := p2.nlwpid + 1
		if n&idScan != 0 {
			lid = p2.findFreeID(n, l2)
			p2.nlwpid = uint32(lid) | idScan
		} else {
			p2.nlwpid = n
			lid = ID(n)
			l2.sibling = p2.lwps.PushFront(l2)
		}
	} else {
		l2.sibling = p2.lwps.PushFront(l2)
	}
	l2.id = lid
	p2.nlwps++
	p2.nrlwps++

	if !p2.system {
		l1.Lock()
		if aff := l1.affinity; aff != nil {
			aff.Use()
			l2.affinity = aff
		}
		l1.Unlock()

		l2.Lock()
		t := k.takeCPU(l2)
		l2.cpu.Store(t)
		l2.Handoff(t.rq)
	}
	p2.mu.Unlock()

	k.registry.add(l2)

	if p2.personality != nil {
		p2.personality.LWPFork(l1, l2)
	}

	k.stats.created.Add(1)
	logLWP(k.debug(), l2).
		Stringer(`creator`, l1).
		Bool(`detached`, l2.detached).
		Stringer(`cpu`, l2.cpu.Load()).
		Log(`lwp: created`)

	return l2, nil
}

// findFreeID returns the first unused id at or above try, modulo 2^31, and
// inserts l in the sibling list, which is kept in decreasing id order. It is
// used once the id counter has wrapped. The process lock must be held.
func (p *Process) findFreeID(try uint32, l *LWP) ID {
	try &= idScan - 1
	if try <= 1 {
		try = 2
	}

	var freeBefore *list.Element
	next := uint32(idScan - 1)
	for e := p.lwps.Front(); e != nil; e = e.Next() {
		id := uint32(e.Value.(*LWP).id)
		if id != next {
			// there are free ids above this one
			freeBefore = e
			if try > id {
				break
			}
		}
		if try == id {
			if freeBefore != nil {
				try = uint32(freeBefore.Value.(*LWP).id) + 1
				break
			}
			// nothing free above, reuse low ids
			try = 2
		}

		next = id - 1
		if e.Next() == nil {
			// lower than any existing id
			l.sibling = p.lwps.InsertAfter(l, e)
			return ID(try)
		}
	}

	if freeBefore == nil {
		l.sibling = p.lwps.PushFront(l)
	} else {
		l.sibling = p.lwps.InsertBefore(l, freeBefore)
	}
	return ID(try)
}
