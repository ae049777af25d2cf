package lwp

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(what string, l *LWP) {
	c.mu.Lock()
	c.calls = append(c.calls, what+` `+l.String())
	c.mu.Unlock()
}

func (c *callLog) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type logMachine struct{ log *callLog }

func (m logMachine) LWPFork(_, child *LWP) { m.log.add(`machine fork`, child) }
func (m logMachine) LWPFree(l *LWP)        { m.log.add(`machine free`, l) }

type logPersonality struct{ log *callLog }

func (p logPersonality) LWPFork(_, child *LWP) { p.log.add(`personality fork`, child) }
func (p logPersonality) LWPExit(l *LWP)        { p.log.add(`personality exit`, l) }

// pinScheduler places every LWP on one CPU.
type pinScheduler struct {
	log *callLog
	cpu atomic.Pointer[CPU]
}

func (s *pinScheduler) TakeCPU(l *LWP) *CPU {
	s.log.add(`sched take`, l)
	return s.cpu.Load()
}
func (s *pinScheduler) LWPFork(_, child *LWP) { s.log.add(`sched fork`, child) }
func (s *pinScheduler) LWPCollect(l *LWP)     { s.log.add(`sched collect`, l) }

func TestKernel_collaborators(t *testing.T) {
	var log callLog
	sched := &pinScheduler{log: &log}
	k := newTestKernel(t, WithMachine(logMachine{&log}), WithScheduler(sched))
	sched.cpu.Store(k.CPU(5))
	runCPUs(t, k)
	p := newTestProcess(t, k, ProcessConfig{Personality: logPersonality{&log}})

	a := startActor(t, k, p, 0)
	a.do(t, func(l *LWP) {
		assert.Equal(t, 5, l.CPU().Index())
	})
	idle := createIdle(t, k, p, 0)
	// placed when created, and again when started
	assert.Equal(t, []string{
		`sched fork ` + a.l.String(),
		`machine fork ` + a.l.String(),
		`sched take ` + a.l.String(),
		`personality fork ` + a.l.String(),
		`sched take ` + a.l.String(),
		`sched fork ` + idle.String(),
		`machine fork ` + idle.String(),
		`sched take ` + idle.String(),
		`personality fork ` + idle.String(),
	}, log.get())
	assert.Same(t, k.CPU(5), idle.CPU())

	a.exitWith(t, func(l *LWP) {
		k.ExitProcess(l, 3)
	})
	waitClosed(t, p.Done(), "process exit")
	require.NoError(t, k.ReapProcess(p))

	calls := log.get()[9:]
	assert.Equal(t, []string{
		`personality exit ` + idle.String(),
		`machine free ` + idle.String(),
		`sched collect ` + idle.String(),
		`personality exit ` + a.l.String(),
		`machine free ` + a.l.String(),
	}, calls)
}
