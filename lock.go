package lwp

import (
	"github.com/joeycumines/go-lwp/internal/kmutex"
)

// Lock acquires the LWP's protecting lock. The lock may change while
// waiting for it, so acquisition loops until the lock held is the one
// currently advertised.
func (l *LWP) Lock() {
	for {
		m := l.mutex.Load()
		m.Lock()
		if l.mutex.Load() == m {
			return
		}
		m.Unlock()
	}
}

// Unlock releases the LWP's protecting lock.
func (l *LWP) Unlock() {
	l.mutex.Load().Unlock()
}

// TryLock attempts to acquire the LWP's protecting lock without spinning on
// a held lock. It retries only when the advertised lock changed underneath
// it, reporting false if the lock was busy.
func (l *LWP) TryLock() bool {
	for {
		m := l.mutex.Load()
		if !m.TryLock() {
			return false
		}
		if l.mutex.Load() == m {
			return true
		}
		m.Unlock()
	}
}

// Mutex returns the lock currently advertised as protecting the LWP.
func (l *LWP) Mutex() *kmutex.Mutex {
	return l.mutex.Load()
}

// IsLockedBy reports whether the LWP's protecting lock is held and, if m is
// not nil, is m. It is an assertion aid: spin locks do not record an owner.
func (l *LWP) IsLockedBy(m *kmutex.Mutex) bool {
	cur := l.mutex.Load()
	return cur.Held() && (m == nil || m == cur)
}

// Lend installs m as the protecting lock without releasing the current one.
// The current lock must be held. The caller either holds m, or releases the
// old lock later knowing the LWP is now reachable only through m.
func (l *LWP) Lend(m *kmutex.Mutex) {
	l.assertLocked()
	// the atomic store publishes every prior write under the old lock
	l.mutex.Store(m)
}

// Handoff installs m as the protecting lock, then releases the old one.
// The current lock must be held.
func (l *LWP) Handoff(m *kmutex.Mutex) {
	l.assertLocked()
	old := l.mutex.Load()
	l.mutex.Store(m)
	old.Unlock()
}

func (l *LWP) assertLocked() {
	if !l.mutex.Load().Held() {
		panic(`lwp: ` + l.String() + `: protecting lock not held`)
	}
}

// expectedLock returns the lock implied by the state. The protecting lock
// must be held.
func (l *LWP) expectedLock() *kmutex.Mutex {
	ci := l.cpu.Load()
	switch l.State() {
	case StateIdle, StateRunnable:
		return ci.rq
	case StateOnCPU, StateZombie:
		return ci.lwplock
	case StateSleeping:
		return l.sleepq.lock
	case StateStopped, StateSuspended:
		if l.wchan != nil {
			return l.sleepq.lock
		}
		return ci.lwplock
	default:
		panic(`lwp: invalid state`)
	}
}

// LockCoherent reports whether the protecting lock is the one implied by the
// current state. The protecting lock must be held.
func (l *LWP) LockCoherent() bool {
	return l.mutex.Load() == l.expectedLock()
}
