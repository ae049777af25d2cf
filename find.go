package lwp

import (
	"fmt"
)

// Find returns the live LWP of p with the given id. Idle LWPs and zombies
// are not live. The process lock must be held.
func (k *Kernel) Find(p *Process, id ID) (*LWP, error) {
	p.assertLocked()
	for l := range p.LWPs() {
		if l.id != id {
			continue
		}
		if st := l.State(); st == StateIdle || st == StateZombie {
			break
		}
		return l, nil
	}
	return nil, fmt.Errorf("%w: %d.%d", ErrNoSuchLWP, p.pid, id)
}

// FindAny looks up an LWP by process and LWP id. A pid of zero means the
// process of self, and a lid of zero the newest LWP of the process, in any
// state. On success the process lock is held, and the caller must release
// it.
func (k *Kernel) FindAny(self *LWP, pid int, lid ID) (*LWP, error) {
	var p *Process
	if pid != 0 {
		k.procLock.Lock()
		var ok bool
		if p, ok = k.procs[pid]; !ok {
			k.procLock.Unlock()
			return nil, fmt.Errorf("%w: no process %d", ErrNoSuchLWP, pid)
		}
		p.mu.Lock()
		k.procLock.Unlock()
	} else {
		p = self.proc
		p.mu.Lock()
	}

	if lid != 0 {
		l, err := k.Find(p, lid)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		return l, nil
	}
	if e := p.lwps.Front(); e != nil {
		return e.Value.(*LWP), nil
	}
	p.mu.Unlock()
	return nil, fmt.Errorf("%w: process %d has no lwps", ErrNoSuchLWP, p.pid)
}

// Lookup is [Kernel.FindAny] returning a reference to a live LWP, with no
// lock held. The reference must be released.
func (k *Kernel) Lookup(self *LWP, pid int, lid ID) (*Ref, error) {
	l, err := k.FindAny(self, pid, lid)
	if err != nil {
		return nil, err
	}
	p := l.proc
	defer p.mu.Unlock()
	if !IsAlive(l) {
		return nil, fmt.Errorf("%w: %v is %v", ErrNoSuchLWP, l, l.State())
	}
	return l.Hold(), nil
}

// FirstLive returns the newest live LWP of p, or nil. The process lock must
// be held.
func FirstLive(p *Process) *LWP {
	p.assertLocked()
	for l := range p.LWPs() {
		if IsAlive(l) {
			return l
		}
	}
	return nil
}

// IsAlive reports whether l is in a state other than idle or zombie. The
// process lock must be held.
func IsAlive(l *LWP) bool {
	return l.State().Alive()
}
