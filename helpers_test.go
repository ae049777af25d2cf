package lwp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const (
	testTimeout = 5 * time.Second
	testTick    = time.Millisecond
)

// newTestKernel returns a kernel with eight CPUs, so that several LWPs can
// execute at once next to the bootstrap LWP.
func newTestKernel(t *testing.T, opts ...Option) *Kernel {
	t.Helper()
	k, err := New(append([]Option{WithCPUs(8)}, opts...)...)
	require.NoError(t, err)
	return k
}

// runCPUs starts the dispatch loop of every CPU until the test ends.
func runCPUs(t *testing.T, k *Kernel) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	for _, ci := range k.CPUs() {
		g.Go(func() error {
			return k.RunCPU(ctx, ci)
		})
	}
	t.Cleanup(func() {
		cancel()
		if err := g.Wait(); !errors.Is(err, context.Canceled) {
			t.Errorf("dispatch loop: %v", err)
		}
	})
}

func newTestProcess(t *testing.T, k *Kernel, cfg ProcessConfig) *Process {
	t.Helper()
	if cfg.Cred == nil {
		cfg.Cred = NewCred(1000, false)
	}
	p, err := k.NewProcess(cfg)
	require.NoError(t, err)
	return p
}

// createIdle creates an LWP in p with no entry function.
func createIdle(t *testing.T, k *Kernel, p *Process, flags CreateFlags) *LWP {
	t.Helper()
	l, err := k.Create(k.LWP0(), p, CreateParams{Flags: flags})
	require.NoError(t, err)
	require.Equal(t, StateIdle, l.State())
	return l
}

// actor is an LWP whose entry function runs commands sent by the test, and
// passes through user return whenever work is pending.
type actor struct {
	k    *Kernel
	l    *LWP
	cmds chan func(l *LWP) bool
	done chan struct{}
}

func newActor(t *testing.T, k *Kernel, p *Process, flags CreateFlags) *actor {
	t.Helper()
	a := &actor{
		k:    k,
		cmds: make(chan func(l *LWP) bool),
		done: make(chan struct{}),
	}
	l, err := k.Create(k.LWP0(), p, CreateParams{Flags: flags, Entry: a.loop})
	require.NoError(t, err)
	a.l = l
	return a
}

// startActor creates an actor, starts it, and waits for it to execute.
func startActor(t *testing.T, k *Kernel, p *Process, flags CreateFlags) *actor {
	t.Helper()
	a := newActor(t, k, p, flags)
	require.NoError(t, k.Start(k.LWP0(), a.l, false))
	a.do(t, func(*LWP) {})
	return a
}

func (a *actor) loop(l *LWP, _ any) {
	defer close(a.done)
	tick := time.NewTicker(testTick)
	defer tick.Stop()
	for {
		select {
		case fn := <-a.cmds:
			if !fn(l) {
				return
			}
		case <-tick.C:
			if l.UserReturnPending() && !a.k.UserReturn(l) {
				return
			}
		}
	}
}

func (a *actor) send(t *testing.T, fn func(l *LWP) bool) {
	t.Helper()
	select {
	case a.cmds <- fn:
	case <-time.After(testTimeout):
		t.Fatalf("actor %v: not accepting commands in state %v", a.l, a.l.State())
	}
}

// do runs fn on the actor and waits for it to complete.
func (a *actor) do(t *testing.T, fn func(l *LWP)) {
	t.Helper()
	ran := make(chan struct{})
	a.send(t, func(l *LWP) bool {
		defer close(ran)
		fn(l)
		return true
	})
	select {
	case <-ran:
	case <-time.After(testTimeout):
		t.Fatalf("actor %v: command did not complete", a.l)
	}
}

// async runs fn on the actor, returning a channel closed once it completes.
func (a *actor) async(t *testing.T, fn func(l *LWP)) <-chan struct{} {
	t.Helper()
	ran := make(chan struct{})
	a.send(t, func(l *LWP) bool {
		defer close(ran)
		fn(l)
		return true
	})
	return ran
}

// exitWith runs fn on the actor, which must exit it, and waits for the
// entry function to return.
func (a *actor) exitWith(t *testing.T, fn func(l *LWP)) {
	t.Helper()
	a.send(t, func(l *LWP) bool {
		fn(l)
		return false
	})
	a.wait(t)
}

func (a *actor) exit(t *testing.T) {
	t.Helper()
	a.exitWith(t, a.k.Exit)
}

// wait waits for the entry function to return.
func (a *actor) wait(t *testing.T) {
	t.Helper()
	select {
	case <-a.done:
	case <-time.After(testTimeout):
		t.Fatalf("actor %v: did not exit, state %v", a.l, a.l.State())
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func requireState(t *testing.T, l *LWP, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return l.State() == want
	}, testTimeout, testTick, "%v: want state %v", l, want)
}

// requireCoherent checks the protecting lock of l matches its state.
func requireCoherent(t *testing.T, l *LWP) {
	t.Helper()
	l.Lock()
	ok := l.LockCoherent()
	m := l.Mutex()
	st := l.State()
	l.Unlock()
	require.True(t, ok, "%v: state %v locked by %v", l, st, m)
}

// requireAsleep waits for l to be sleeping and off its CPU.
func requireAsleep(t *testing.T, l *LWP) {
	t.Helper()
	require.Eventually(t, func() bool {
		return l.State() == StateSleeping && !l.Running()
	}, testTimeout, testTick, "%v: want asleep", l)
}
