package lwp

import (
	"hash/maphash"
	"strconv"

	"github.com/joeycumines/go-lwp/internal/kmutex"
)

const sleepTabSize = 128

// sleepBucket is one chain of the sleep table. Its lock protects the LWPs
// sleeping on it.
type sleepBucket struct {
	lock *kmutex.Mutex
	q    []*LWP
}

type sleepTable struct {
	seed    maphash.Seed
	buckets [sleepTabSize]sleepBucket
}

func (t *sleepTable) init() {
	t.seed = maphash.MakeSeed()
	for i := range t.buckets {
		t.buckets[i].lock = kmutex.New(`sleeptab` + strconv.Itoa(i))
	}
}

func (t *sleepTable) lookup(wchan any) *sleepBucket {
	return &t.buckets[maphash.Comparable(t.seed, wchan)%sleepTabSize]
}

func (sq *sleepBucket) remove(l *LWP) {
	for i, v := range sq.q {
		if v == l {
			copy(sq.q[i:], sq.q[i+1:])
			sq.q[len(sq.q)-1] = nil
			sq.q = sq.q[:len(sq.q)-1]
			return
		}
	}
	panic(`lwp: ` + l.String() + `: not on sleep queue`)
}

// Sleep blocks l, which must be the caller and executing on a CPU, until a
// [Kernel.Wakeup] on wchan and a subsequent dispatch. The wait channel may
// be any comparable non-nil value, conventionally a pointer.
//
// An interruptible sleep returns [ErrInterrupted] without blocking if l has
// a pending suspend, exit or signal, and returns it after waking if the
// sleep was cut short by one. Otherwise it returns nil.
func (k *Kernel) Sleep(l *LWP, wchan any, interruptible bool) error {
	if wchan == nil {
		panic(`lwp: sleep on nil wait channel`)
	}
	sq := k.sleeptab.lookup(wchan)

	l.Lock()
	if l.State() != StateOnCPU || !l.running.Load() {
		l.Unlock()
		panic(`lwp: ` + l.String() + `: sleep while not on a cpu`)
	}
	if interruptible && l.hasFlag(FlagWantSuspend|FlagWantExit|FlagPendingSignal) {
		l.Unlock()
		return ErrInterrupted
	}
	from := l.cpu.Load()

	sq.lock.Lock()
	l.wchan = wchan
	l.sleepq = sq
	l.sleepErr = nil
	if interruptible {
		l.setFlag(FlagInterruptible)
	}
	sq.q = append(sq.q, l)
	l.setState(StateSleeping)
	l.nvcsw.Add(1)
	l.Handoff(sq.lock)

	k.switchAway(l, from)

	err := l.sleepErr
	l.sleepErr = nil
	return err
}

// Wakeup makes every LWP sleeping on wchan runnable, returning how many
// were removed from the sleep queue. Sleepers that have since been stopped
// or suspended stay halted, but are no longer on the queue.
func (k *Kernel) Wakeup(wchan any) int {
	sq := k.sleeptab.lookup(wchan)
	var n int
	sq.lock.Lock()
	for i := 0; i < len(sq.q); {
		l := sq.q[i]
		if l.wchan != wchan {
			i++
			continue
		}
		k.sleepqRemove(l)
		n++
	}
	sq.lock.Unlock()
	return n
}

// sleepqRemove takes l off its sleep queue, whose lock is l's protecting
// lock and is held. The lock is not released, but on return l is protected
// by a different lock and must not be touched.
func (k *Kernel) sleepqRemove(l *LWP) {
	l.sleepq.remove(l)
	l.wchan = nil
	l.sleepq = nil
	l.clearFlag(FlagInterruptible)

	ci := l.cpu.Load()
	if l.State().Halted() {
		l.Lend(ci.lwplock)
		return
	}

	// the LWP may not have switched away yet
	if l.running.Load() {
		l.setState(StateOnCPU)
		l.Lend(ci.lwplock)
		return
	}

	ci = k.takeCPU(l)
	ci.rq.Lock()
	l.cpu.Store(ci)
	l.setState(StateRunnable)
	ci.enqueue(l)
	l.Lend(ci.rq)
	ci.rq.Unlock()
	ci.notify()
}

// unsleep interrupts the sleep of l, which is locked by its sleep queue.
// The lock is released.
func (k *Kernel) unsleep(l *LWP) {
	m := l.mutex.Load()
	l.sleepErr = ErrInterrupted
	k.sleepqRemove(l)
	m.Unlock()
}
