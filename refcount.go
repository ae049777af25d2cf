package lwp

import (
	"sync"
)

// AddRef adds a reference to l, keeping it from being destroyed while the
// caller blocks. The process lock must be held, and l must not be a zombie.
func (l *LWP) AddRef() {
	p := l.proc
	p.assertLocked()
	if l.State() == StateZombie {
		panic(`lwp: ` + l.String() + `: addref of zombie`)
	}
	if l.refcnt == 0 {
		panic(`lwp: ` + l.String() + `: addref of drained lwp`)
	}
	l.refcnt++
}

// DelRef drops a reference taken by [LWP.AddRef].
func (l *LWP) DelRef() {
	p := l.proc
	p.mu.Lock()
	l.DelRefLocked()
	p.mu.Unlock()
}

// DelRefLocked is [LWP.DelRef] with the process lock already held. Dropping
// the last reference wakes the exiting LWP draining them.
func (l *LWP) DelRefLocked() {
	p := l.proc
	p.assertLocked()
	if l.State() == StateZombie {
		panic(`lwp: ` + l.String() + `: delref of zombie`)
	}
	if l.refcnt <= 0 {
		panic(`lwp: ` + l.String() + `: reference count underflow`)
	}
	l.refcnt--
	if l.refcnt == 0 {
		p.lwpcv.Broadcast()
	}
}

// DrainRefs drops the LWP's own reference, then waits for every other
// holder to release theirs. It is called by l itself with the process lock
// held, which is released while waiting.
func (l *LWP) DrainRefs() {
	p := l.proc
	p.assertLocked()
	if l.refcnt == 0 {
		panic(`lwp: ` + l.String() + `: drain of drained lwp`)
	}
	l.refcnt--
	for l.refcnt != 0 {
		p.lwpcv.Wait()
	}
}

// RefCount returns the number of references. The process lock must be
// held.
func (l *LWP) RefCount() int {
	return l.refcnt
}

// Ref is a reference to an LWP, released exactly once by [Ref.Release].
type Ref struct {
	l    *LWP
	once sync.Once
}

// Hold takes a reference to l, returning a guard that releases it. The
// process lock must be held.
func (l *LWP) Hold() *Ref {
	l.AddRef()
	return &Ref{l: l}
}

// LWP returns the referenced LWP.
func (r *Ref) LWP() *LWP {
	return r.l
}

// Release drops the reference. Subsequent calls do nothing. The process
// lock must not be held.
func (r *Ref) Release() {
	r.once.Do(r.l.DelRef)
}
