package lwp

import (
	"runtime"
	"testing"

	"github.com/joeycumines/go-lwp/internal/kmutex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newLockedTestLWP(m *kmutex.Mutex) *LWP {
	l := &LWP{proc: &Process{}}
	l.mutex.Store(m)
	return l
}

func TestLWP_Lend(t *testing.T) {
	a, b := kmutex.New(`a`), kmutex.New(`b`)
	l := newLockedTestLWP(a)

	l.Lock()
	assert.True(t, l.IsLockedBy(nil))
	assert.True(t, l.IsLockedBy(a))
	assert.False(t, l.IsLockedBy(b))

	b.Lock()
	l.Lend(b)
	// the old lock is still held, and both are the caller's to release
	assert.True(t, a.Held())
	assert.True(t, l.IsLockedBy(b))
	a.Unlock()
	l.Unlock()
	assert.False(t, b.Held())
	assert.Same(t, b, l.Mutex())
}

func TestLWP_Handoff(t *testing.T) {
	a, b := kmutex.New(`a`), kmutex.New(`b`)
	l := newLockedTestLWP(a)

	l.Lock()
	l.Handoff(b)
	assert.False(t, a.Held())
	assert.False(t, l.IsLockedBy(nil))
	assert.Same(t, b, l.Mutex())

	assert.Panics(t, func() { l.Handoff(a) }, "handoff without the lock")
}

func TestLWP_TryLock(t *testing.T) {
	a := kmutex.New(`a`)
	l := newLockedTestLWP(a)

	a.Lock()
	assert.False(t, l.TryLock())
	a.Unlock()

	require.True(t, l.TryLock())
	assert.True(t, l.IsLockedBy(a))
	l.Unlock()
}

// Lockers racing with a lock that keeps moving between two mutexes must
// always end up holding the advertised one.
func TestLWP_Lock_followsHandoff(t *testing.T) {
	a, b := kmutex.New(`a`), kmutex.New(`b`)
	l := newLockedTestLWP(a)

	const (
		workers = 8
		rounds  = 2000
	)
	var counter int // protected by l's lock
	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			for i := range rounds {
				if (w+i)%3 == 0 {
					for !l.TryLock() {
						runtime.Gosched()
					}
				} else {
					l.Lock()
				}
				counter++
				next := a
				if l.Mutex() == a {
					next = b
				}
				next.Lock()
				l.Handoff(next)
				next.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, workers*rounds, counter)
	assert.False(t, a.Held())
	assert.False(t, b.Held())
}

func TestLWP_expectedLock(t *testing.T) {
	k := newTestKernel(t)
	p := newTestProcess(t, k, ProcessConfig{})
	l := createIdle(t, k, p, 0)
	ci := l.CPU()

	l.Lock()
	assert.Same(t, ci.rq, l.expectedLock())
	assert.True(t, l.LockCoherent())

	l.setState(StateSuspended)
	assert.Same(t, ci.lwplock, l.expectedLock())
	assert.False(t, l.LockCoherent())

	sq := k.sleeptab.lookup(t)
	l.wchan, l.sleepq = t, sq
	assert.Same(t, sq.lock, l.expectedLock())
	l.setState(StateSleeping)
	assert.Same(t, sq.lock, l.expectedLock())

	l.wchan, l.sleepq = nil, nil
	l.setState(StateIdle)
	l.Unlock()
}

func TestLWP_assertLocked(t *testing.T) {
	l := newLockedTestLWP(kmutex.New(`a`))
	assert.PanicsWithValue(t, `lwp: 0.0: protecting lock not held`, l.assertLocked)

	l.Lock()
	assert.NotPanics(t, l.assertLocked)
	l.Unlock()
}
