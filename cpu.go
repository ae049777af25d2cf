package lwp

import (
	"strconv"
	"sync/atomic"

	"github.com/joeycumines/go-lwp/internal/kmutex"
	"golang.org/x/sys/cpu"
)

// CPU is the per-CPU scheduler state: a run queue and the two locks that
// protect LWPs assigned to the CPU.
//
// Lock order: lwplock, then sleep queue locks, then rq. When two run queue
// locks are needed, the lower indexed CPU's is taken first.
type CPU struct {
	_ cpu.CacheLinePad

	k *Kernel

	// protects the run queue and LWPs in StateIdle or StateRunnable
	rq *kmutex.Mutex
	// protects LWPs in StateOnCPU or StateZombie, and halted LWPs that are
	// not on a sleep queue
	lwplock *kmutex.Mutex

	// protected by rq
	runq []*LWP

	curlwp atomic.Pointer[LWP]

	// kick wakes the dispatch loop
	kick chan struct{}

	nswitch     atomic.Uint64
	nqueued     atomic.Int32
	wantResched atomic.Bool

	index int

	_ cpu.CacheLinePad
}

func newCPU(k *Kernel, index int) *CPU {
	name := strconv.Itoa(index)
	return &CPU{
		k:       k,
		index:   index,
		rq:      kmutex.New(`spc_mutex` + name),
		lwplock: kmutex.New(`spc_lwplock` + name),
		kick:    make(chan struct{}, 1),
	}
}

// Index returns the CPU number.
func (ci *CPU) Index() int {
	return ci.index
}

// CurLWP returns the LWP executing on the CPU, or nil if it is idle.
func (ci *CPU) CurLWP() *LWP {
	return ci.curlwp.Load()
}

// Idle reports whether nothing is executing on the CPU.
func (ci *CPU) Idle() bool {
	return ci.curlwp.Load() == nil
}

// QueueLen returns the number of runnable LWPs queued on the CPU.
func (ci *CPU) QueueLen() int {
	return int(ci.nqueued.Load())
}

// available reports whether the CPU is idle with nothing queued.
func (ci *CPU) available() bool {
	return ci.curlwp.Load() == nil && ci.nqueued.Load() == 0
}

// Switches returns the number of context switches performed on the CPU.
func (ci *CPU) Switches() uint64 {
	return ci.nswitch.Load()
}

// String implements fmt.Stringer.
func (ci *CPU) String() string {
	if ci == nil {
		return `<nil>`
	}
	return `cpu` + strconv.Itoa(ci.index)
}

// enqueue appends l to the run queue. rq must be held.
func (ci *CPU) enqueue(l *LWP) {
	ci.runq = append(ci.runq, l)
	ci.nqueued.Add(1)
}

// dequeue removes the head of the run queue. rq must be held.
func (ci *CPU) dequeue() *LWP {
	if len(ci.runq) == 0 {
		return nil
	}
	l := ci.runq[0]
	ci.runq[0] = nil
	ci.runq = ci.runq[1:]
	ci.nqueued.Add(-1)
	return l
}

// notify wakes the CPU's dispatch loop, if any. It never blocks.
func (ci *CPU) notify() {
	select {
	case ci.kick <- struct{}{}:
	default:
	}
}

// needResched requests that the LWP executing on the CPU yields at its next
// preemption point.
func (ci *CPU) needResched() {
	ci.wantResched.Store(true)
	ci.notify()
}

// spcLock2 locks the run queues of two CPUs in index order.
func spcLock2(a, b *CPU) {
	switch {
	case a == b:
		a.rq.Lock()
	case a.index < b.index:
		a.rq.Lock()
		b.rq.Lock()
	default:
		b.rq.Lock()
		a.rq.Lock()
	}
}

func spcUnlock2(a, b *CPU) {
	a.rq.Unlock()
	if a != b {
		b.rq.Unlock()
	}
}
