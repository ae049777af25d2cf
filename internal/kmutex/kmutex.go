// Package kmutex implements the spin mutex used for LWP protecting locks.
//
// Unlike [sync.Mutex], a [Mutex] can report whether it is held, which is what
// the lock hand-off assertions need. It never parks the goroutine in the
// runtime's semaphore; contended acquisition spins with a yielding backoff.
package kmutex

import (
	"runtime"
	"sync/atomic"
)

const (
	unlocked uint32 = iota
	locked
)

// spin iterations before each yield to the Go scheduler
const spinsPerYield = 32

// Mutex is a test-and-set spin lock. The zero value is unlocked, and a Mutex
// must not be copied after first use.
type Mutex struct {
	name  string
	state atomic.Uint32
}

// New returns a named Mutex. The name is used only for diagnostics.
func New(name string) *Mutex {
	return &Mutex{name: name}
}

// Name returns the diagnostic name, which may be empty.
func (m *Mutex) Name() string {
	if m == nil {
		return `<nil>`
	}
	return m.name
}

// Lock acquires m, spinning until it is available.
func (m *Mutex) Lock() {
	if m.state.CompareAndSwap(unlocked, locked) {
		return
	}
	m.lockSlow()
}

func (m *Mutex) lockSlow() {
	var spins int
	for {
		// test before test-and-set, avoids hammering the cache line
		if m.state.Load() == unlocked && m.state.CompareAndSwap(unlocked, locked) {
			return
		}
		spins++
		if spins%spinsPerYield == 0 {
			runtime.Gosched()
		}
	}
}

// TryLock acquires m if it is not held, reporting whether it did.
func (m *Mutex) TryLock() bool {
	return m.state.Load() == unlocked && m.state.CompareAndSwap(unlocked, locked)
}

// Unlock releases m. It panics if m is not held.
func (m *Mutex) Unlock() {
	if !m.state.CompareAndSwap(locked, unlocked) {
		panic(`kmutex: unlock of unlocked mutex ` + m.name)
	}
}

// Held reports whether m is currently held by anyone.
//
// Spin locks do not record their owner, so this is an assertion aid only: a
// false result proves the caller does not hold m, a true one does not prove
// that it does.
func (m *Mutex) Held() bool {
	return m.state.Load() == locked
}

// String implements fmt.Stringer.
func (m *Mutex) String() string {
	return m.Name()
}
