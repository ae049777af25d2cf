package lwp

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sleepingActor starts an actor and puts it to sleep on wchan, returning a
// channel closed when the sleep returns, with its error stored in err.
func sleepingActor(t *testing.T, k *Kernel, p *Process, wchan any, interruptible bool, err *error) (*actor, <-chan struct{}) {
	t.Helper()
	a := startActor(t, k, p, 0)
	slept := a.async(t, func(l *LWP) {
		*err = k.Sleep(l, wchan, interruptible)
	})
	requireAsleep(t, a.l)
	return a, slept
}

func TestStopProcess(t *testing.T) {
	k := newTestKernel(t)
	runCPUs(t, k)
	p := newTestProcess(t, k, ProcessConfig{})
	var wchan int
	var sleepErr error
	s, slept := sleepingActor(t, k, p, &wchan, true, &sleepErr)
	r := startActor(t, k, p, 0)

	k.StopProcess(p, 17)
	// the sleeper stops at once, but stays on its sleep queue
	assert.Equal(t, StateStopped, s.l.State())
	requireCoherent(t, s.l)
	s.l.Lock()
	assert.Same(t, &wchan, s.l.WaitChannel())
	s.l.Unlock()

	// the runner stops itself
	requireState(t, r.l, StateStopped)
	require.Eventually(t, func() bool { return p.State() == ProcStopped }, testTimeout, testTick)
	requireCoherent(t, r.l)
	if diff := cmp.Diff(Counts{LWPs: 2}, p.Counts()); diff != "" {
		t.Errorf("stopped counts (-want +got):\n%s", diff)
	}

	// reported to the parent once
	assert.Equal(t, 1, k.StoppedChildren(k.Proc0()))
	got, ok := k.WaitStopped(k.Proc0())
	require.True(t, ok)
	assert.Same(t, p, got)
	_, ok = k.WaitStopped(k.Proc0())
	assert.False(t, ok)
	assert.Equal(t, 0, k.StoppedChildren(k.Proc0()))
	_, ok = k.WaitStopped(p)
	assert.False(t, ok, "no children")

	// without a signal to take, the sleeper goes back to sleep
	k.ContinueProcess(p, 0)
	assert.Equal(t, ProcActive, p.State())
	assert.Equal(t, StateSleeping, s.l.State())
	requireCoherent(t, s.l)
	r.do(t, func(l *LWP) {
		assert.Equal(t, StateOnCPU, l.State())
	})
	if diff := cmp.Diff(Counts{LWPs: 2, Running: 2}, p.Counts()); diff != "" {
		t.Errorf("continued counts (-want +got):\n%s", diff)
	}
	assert.Equal(t, 0, k.StoppedChildren(k.Proc0()))

	assert.Equal(t, 1, k.Wakeup(&wchan))
	waitClosed(t, slept, "sleep")
	assert.NoError(t, sleepErr)
	assert.Equal(t, 0, k.Wakeup(&wchan), "queue is empty")
}

func TestContinueProcess_interruptsSleeper(t *testing.T) {
	k := newTestKernel(t)
	runCPUs(t, k)
	p := newTestProcess(t, k, ProcessConfig{})
	var wchan int
	var sleepErr error
	s, slept := sleepingActor(t, k, p, &wchan, true, &sleepErr)

	// nothing is running, so the stop completes immediately
	k.StopProcess(p, 17)
	assert.Equal(t, ProcStopped, p.State())
	assert.Equal(t, 1, k.StoppedChildren(k.Proc0()))

	k.ContinueProcess(p, 19)
	waitClosed(t, slept, "interrupted sleep")
	assert.ErrorIs(t, sleepErr, ErrInterrupted)
	assert.Equal(t, 0, k.StoppedChildren(k.Proc0()), "unreported stop withdrawn")
	assert.Equal(t, 0, k.Wakeup(&wchan))
	s.do(t, func(l *LWP) {
		assert.Equal(t, StateOnCPU, l.State())
	})
}

// A stopped sleeper that is woken stays stopped, and runs once continued.
func TestWakeup_stoppedSleeper(t *testing.T) {
	k := newTestKernel(t)
	runCPUs(t, k)
	p := newTestProcess(t, k, ProcessConfig{})
	var wchan int
	var sleepErr error
	s, slept := sleepingActor(t, k, p, &wchan, true, &sleepErr)

	k.StopProcess(p, 17)
	assert.Equal(t, 1, k.Wakeup(&wchan))
	assert.Equal(t, StateStopped, s.l.State())
	requireCoherent(t, s.l)
	s.l.Lock()
	assert.Nil(t, s.l.WaitChannel())
	s.l.Unlock()

	k.ContinueProcess(p, 0)
	waitClosed(t, slept, "sleep")
	assert.NoError(t, sleepErr)
}

func TestStart_stoppedProcess(t *testing.T) {
	k := newTestKernel(t)
	runCPUs(t, k)
	p := newTestProcess(t, k, ProcessConfig{})
	var wchan int
	var sleepErr error
	_, slept := sleepingActor(t, k, p, &wchan, false, &sleepErr)

	// an uninterruptible sleeper is not stopped
	k.StopProcess(p, 17)
	assert.Equal(t, ProcActive, p.State())
	p.Lock()
	assert.True(t, p.stopping)
	p.Unlock()

	l := createIdle(t, k, p, 0)
	require.NoError(t, k.Start(k.LWP0(), l, false))
	assert.Equal(t, StateStopped, l.State())
	requireCoherent(t, l)
	assert.Equal(t, 1, p.Counts().Running)

	k.ContinueProcess(p, 0)
	assert.Contains(t, []State{StateRunnable, StateOnCPU}, l.State())
	assert.Equal(t, 2, p.Counts().Running)
	requireCoherent(t, l)

	assert.Equal(t, 1, k.Wakeup(&wchan))
	waitClosed(t, slept, "sleep")
	assert.NoError(t, sleepErr)
}

// A suspend request wakes an interruptible sleeper, which then suspends
// itself on its way out.
func TestSuspend_interruptibleSleeper(t *testing.T) {
	k := newTestKernel(t)
	runCPUs(t, k)
	p := newTestProcess(t, k, ProcessConfig{})
	var wchan int
	var sleepErr error
	s, slept := sleepingActor(t, k, p, &wchan, true, &sleepErr)

	require.NoError(t, k.Suspend(k.LWP0(), s.l))
	waitClosed(t, slept, "interrupted sleep")
	assert.ErrorIs(t, sleepErr, ErrInterrupted)
	requireState(t, s.l, StateSuspended)
	requireCoherent(t, s.l)
	assert.Equal(t, 0, k.Wakeup(&wchan))

	k.Continue(s.l)
	s.do(t, func(l *LWP) {
		assert.Zero(t, l.Flags()&FlagWantSuspend)
	})
}

// An uninterruptible sleeper sees the request only after it wakes.
func TestSuspend_uninterruptibleSleeper(t *testing.T) {
	k := newTestKernel(t)
	runCPUs(t, k)
	p := newTestProcess(t, k, ProcessConfig{})
	var wchan int
	var sleepErr error
	s, slept := sleepingActor(t, k, p, &wchan, false, &sleepErr)

	require.NoError(t, k.Suspend(k.LWP0(), s.l))
	assert.Equal(t, StateSleeping, s.l.State())
	assert.NotZero(t, s.l.Flags()&FlagWantSuspend)

	assert.Equal(t, 1, k.Wakeup(&wchan))
	waitClosed(t, slept, "sleep")
	assert.NoError(t, sleepErr)
	requireState(t, s.l, StateSuspended)

	k.Continue(s.l)
	s.do(t, func(l *LWP) {
		assert.Equal(t, StateOnCPU, l.State())
	})
}

func TestSleep_interruptedBeforeBlocking(t *testing.T) {
	k := newTestKernel(t)
	runCPUs(t, k)
	p := newTestProcess(t, k, ProcessConfig{})
	a := startActor(t, k, p, 0)

	var wchan int
	a.do(t, func(l *LWP) {
		l.Lock()
		l.setFlag(FlagPendingSignal)
		l.Unlock()
		assert.ErrorIs(t, k.Sleep(l, &wchan, true), ErrInterrupted)
		assert.Equal(t, StateOnCPU, l.State())
		assert.Panics(t, func() { _ = k.Sleep(l, nil, false) })
	})
	assert.Equal(t, 0, k.Wakeup(&wchan))
}

// An uninterruptible sleeper is not stopped in its sleep, but stops on its
// way back to user mode once woken.
func TestStopProcess_uninterruptibleSleeper(t *testing.T) {
	k := newTestKernel(t)
	runCPUs(t, k)
	p := newTestProcess(t, k, ProcessConfig{})
	var wchan int
	var sleepErr error
	s, slept := sleepingActor(t, k, p, &wchan, false, &sleepErr)

	k.StopProcess(p, 17)
	assert.Equal(t, StateSleeping, s.l.State())
	assert.NotZero(t, s.l.Flags()&FlagPendingSignal)
	assert.Equal(t, ProcActive, p.State())

	assert.Equal(t, 1, k.Wakeup(&wchan))
	waitClosed(t, slept, "sleep")
	assert.NoError(t, sleepErr)
	requireState(t, s.l, StateStopped)
	require.Eventually(t, func() bool { return p.State() == ProcStopped }, testTimeout, testTick)
	requireCoherent(t, s.l)
	assert.Equal(t, 1, k.StoppedChildren(k.Proc0()))
	if diff := cmp.Diff(Counts{LWPs: 1}, p.Counts()); diff != "" {
		t.Errorf("stopped counts (-want +got):\n%s", diff)
	}

	k.ContinueProcess(p, 0)
	s.do(t, func(l *LWP) {
		assert.Equal(t, StateOnCPU, l.State())
	})
	assert.Equal(t, 0, k.StoppedChildren(k.Proc0()))
}

// A stop waiting only for an LWP that suspends instead completes then.
func TestStopProcess_completedBySuspend(t *testing.T) {
	k := newTestKernel(t)
	runCPUs(t, k)
	p := newTestProcess(t, k, ProcessConfig{})
	a := startActor(t, k, p, 0)

	suspended := a.async(t, func(l *LWP) {
		k.procLock.Lock()
		p.mu.Lock()
		p.stopping = true
		p.mu.Unlock()
		k.procLock.Unlock()
		l.Lock()
		l.setFlag(FlagWantSuspend)
		l.Unlock()
		assert.True(t, k.UserReturn(l))
	})
	requireState(t, a.l, StateSuspended)
	require.Eventually(t, func() bool { return p.State() == ProcStopped }, testTimeout, testTick)
	assert.Equal(t, 1, k.StoppedChildren(k.Proc0()))
	requireCoherent(t, a.l)

	// nothing was stopped, so the stop is just withdrawn
	k.ContinueProcess(p, 0)
	assert.Equal(t, ProcActive, p.State())
	assert.Equal(t, StateSuspended, a.l.State())
	assert.Equal(t, 0, k.StoppedChildren(k.Proc0()))

	k.Continue(a.l)
	waitClosed(t, suspended, "user return")
	a.do(t, func(l *LWP) {
		assert.Equal(t, StateOnCPU, l.State())
	})
}

// Starting the LWP the stop was waiting for completes it.
func TestStart_completesStop(t *testing.T) {
	k := newTestKernel(t)
	p := newTestProcess(t, k, ProcessConfig{})
	l := createIdle(t, k, p, 0)

	// the idle LWP counts as running
	k.StopProcess(p, 17)
	assert.Equal(t, ProcActive, p.State())

	require.NoError(t, k.Start(k.LWP0(), l, false))
	assert.Equal(t, StateStopped, l.State())
	assert.Equal(t, ProcStopped, p.State())
	assert.Equal(t, 1, k.StoppedChildren(k.Proc0()))
	requireCoherent(t, l)
}
