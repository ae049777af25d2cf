package lwp

import (
	"container/list"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
)

const (
	// CtlCPUNone is the current CPU of an LWP that is not executing.
	CtlCPUNone = -1
	// CtlCPUExited is the current CPU of an LWP that has exited.
	CtlCPUExited = -2
)

const (
	ctlPageSize = 4096
	ctlSize     = 8
	ctlPerPage  = ctlPageSize / ctlSize
	ctlWords    = ctlPerPage / 64
	// base of the per-process lwpctl area in the user address space
	ctlBase uintptr = 0x7f7ff7c00000
)

// Ctl is the control block shared between an LWP and the user level
// threading library.
type Ctl struct {
	// CurCPU is the index of the CPU the LWP is executing on, or one of
	// CtlCPUNone or CtlCPUExited.
	CurCPU atomic.Int32
	// Pctr counts dispatches of the LWP.
	Pctr atomic.Uint32
}

type (
	// ctlArea is the lwpctl area of a process: a list of pages, those with
	// free slots nearest the front.
	ctlArea struct {
		mu    sync.Mutex
		pages list.List
		cur   int
		max   int
	}

	ctlPage struct {
		ctls  [ctlPerPage]Ctl
		free  [ctlWords]uint64
		uaddr uintptr
		nfree int
		rotor int
		elem  *list.Element
	}

	// ctlSlot binds an LWP to one Ctl.
	ctlSlot struct {
		page *ctlPage
		idx  int
	}
)

func (s *ctlSlot) ctl() *Ctl {
	return &s.page.ctls[s.idx]
}

func (s *ctlSlot) uaddr() uintptr {
	return s.page.uaddr + uintptr(s.idx)*ctlSize
}

// CtlAlloc binds a control block to l, which must be the caller, returning
// its user address. An LWP that is already bound gets its existing address.
// The children of vfork may not allocate, and fail with [ErrBusy]. When the
// area of the process is exhausted it fails with [ErrNoMemory].
func (k *Kernel) CtlAlloc(l *LWP) (uintptr, error) {
	p := l.proc

	p.mu.Lock()
	if p.vfork {
		p.mu.Unlock()
		return 0, fmt.Errorf("%w: %v: lwpctl in vfork child", ErrBusy, l)
	}
	if s := l.ctl.Load(); s != nil {
		p.mu.Unlock()
		return s.uaddr(), nil
	}
	lp := p.ctl
	if lp == nil {
		lp = &ctlArea{max: k.ctlPages}
		p.ctl = lp
	}
	p.mu.Unlock()

	lp.mu.Lock()
	var lcp *ctlPage
	for e := lp.pages.Front(); e != nil; e = e.Next() {
		if pg := e.Value.(*ctlPage); pg.nfree != 0 {
			lcp = pg
			break
		}
	}
	if lcp == nil {
		if lp.cur == lp.max {
			lp.mu.Unlock()
			logLWP(k.warn(`lwpctl`, int64(p.pid)), l).
				Int(`pages`, lp.max).
				Log(`lwp: lwpctl area exhausted`)
			return 0, fmt.Errorf("%w: %v: lwpctl area exhausted", ErrNoMemory, l)
		}
		lcp = &ctlPage{
			uaddr: ctlBase + uintptr(lp.cur)*ctlPageSize,
			nfree: ctlPerPage,
		}
		for i := range lcp.free {
			lcp.free[i] = ^uint64(0)
		}
		lp.cur++
		lcp.elem = lp.pages.PushFront(lcp)
	}

	i := lcp.rotor
	for lcp.free[i] == 0 {
		if i++; i >= ctlWords {
			i = 0
		}
	}
	bit := bits.TrailingZeros64(lcp.free[i])
	lcp.free[i] ^= 1 << bit
	lcp.rotor = i
	lcp.nfree--
	s := &ctlSlot{page: lcp, idx: i*64 + bit}
	lp.mu.Unlock()

	s.ctl().CurCPU.Store(int32(l.cpu.Load().index))
	l.ctl.Store(s)

	return s.uaddr(), nil
}

// Ctl returns the control block bound to l, or nil.
func (l *LWP) Ctl() *Ctl {
	s := l.ctl.Load()
	if s == nil {
		return nil
	}
	return s.ctl()
}

// CtlFree returns the control block of l to its process. A binding
// borrowed from the parent of a vfork child is dropped, not freed.
func (k *Kernel) CtlFree(l *LWP) {
	l.Lock()
	s := l.ctl.Swap(nil)
	borrowed := l.hasFlag(FlagCtlBorrowed)
	l.clearFlag(FlagCtlBorrowed)
	l.Unlock()

	if s == nil || borrowed {
		return
	}

	p := l.proc
	p.mu.Lock()
	lp := p.ctl
	p.mu.Unlock()
	if lp == nil {
		panic(`lwp: ` + l.String() + `: lwpctl binding without an area`)
	}

	lcp := s.page
	lp.mu.Lock()
	lcp.nfree++
	w := s.idx / 64
	lcp.free[w] |= 1 << (s.idx % 64)
	if lcp.free[lcp.rotor] == 0 {
		lcp.rotor = w
	}
	if lp.pages.Front().Value.(*ctlPage).nfree == 0 {
		lp.pages.MoveToFront(lcp.elem)
	}
	lp.mu.Unlock()
}

// CtlExit tears down the lwpctl area of the process of l, which must be its
// last LWP.
func (k *Kernel) CtlExit(l *LWP) {
	p := l.proc

	l.Lock()
	s := l.ctl.Swap(nil)
	l.clearFlag(FlagCtlBorrowed)
	l.Unlock()
	if s != nil {
		s.ctl().CurCPU.Store(CtlCPUExited)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nlwps != 1 {
		panic(`lwp: ` + p.String() + `: lwpctl teardown with other lwps`)
	}
	if lp := p.ctl; lp != nil {
		lp.mu.Lock()
		lp.pages.Init()
		lp.cur = 0
		lp.mu.Unlock()
		p.ctl = nil
	}
}

// ctlSetCPU publishes the CPU of l to its control block, if any.
// Dispatching onto a CPU bumps the preemption counter.
func (k *Kernel) ctlSetCPU(l *LWP, cpu int32) {
	s := l.ctl.Load()
	if s == nil {
		return
	}
	c := s.ctl()
	c.CurCPU.Store(cpu)
	if cpu >= 0 {
		c.Pctr.Add(1)
	}
}

// CtlPages returns the number of lwpctl pages allocated by p.
func (p *Process) CtlPages() int {
	p.mu.Lock()
	lp := p.ctl
	p.mu.Unlock()
	if lp == nil {
		return 0
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.cur
}
