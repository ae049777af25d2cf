package lwp

import (
	"fmt"

	"github.com/joeycumines/go-lwp/internal/cpuset"
)

// Migrate reassigns l to the CPU tci. Idle, sleeping and halted LWPs move
// at once. Runnable and executing LWPs record tci as a pending target, and
// move when next dispatched or when they next switch away; the CPU of an
// executing LWP is asked to reschedule. A second migration while one is
// pending just replaces the target.
func (k *Kernel) Migrate(l *LWP, tci *CPU) {
	l.Lock()
	k.migrateLocked(l, tci)
}

// migrateLocked is Migrate with l's lock held, which is released.
func (k *Kernel) migrateLocked(l *LWP, tci *CPU) {
	l.assertLocked()
	if tci == nil {
		l.Unlock()
		panic(`lwp: migrate to nil cpu`)
	}

	st := l.State()
	// the state lags the LWP actually leaving its CPU
	if l.running.Load() {
		st = StateOnCPU
	}

	if l.target.Load() != nil {
		l.target.Store(tci)
		l.Unlock()
		return
	}

	from := l.cpu.Load()
	if from == tci {
		l.Unlock()
		return
	}

	switch st {
	case StateRunnable:
		l.target.Store(tci)

	case StateIdle:
		l.cpu.Store(tci)
		k.stats.migrations.Add(1)
		l.Handoff(tci.rq)
		return

	case StateSleeping:
		l.cpu.Store(tci)
		k.stats.migrations.Add(1)

	case StateStopped, StateSuspended:
		l.cpu.Store(tci)
		k.stats.migrations.Add(1)
		if l.wchan == nil {
			l.Handoff(tci.lwplock)
			return
		}

	case StateOnCPU:
		l.target.Store(tci)
		from.rq.Lock()
		from.needResched()
		from.rq.Unlock()
		k.RequestUserReturn(l)
	}

	l.Unlock()
	k.trace().Stringer(`lwp`, l).Stringer(`from`, from).Stringer(`to`, tci).Log(`lwp: migrate`)
}

// SetAffinity restricts l to the CPUs with the given indexes, or lifts the
// restriction if there are none. If the CPU of l is not allowed, l is
// migrated to the lowest allowed one.
func (k *Kernel) SetAffinity(l *LWP, cpus ...int) error {
	var set *cpuset.Set
	if len(cpus) != 0 {
		set = cpuset.New(len(k.cpus))
		for _, c := range cpus {
			if c < 0 || c >= len(k.cpus) {
				set.Unuse()
				return fmt.Errorf("%w: cpu %d", ErrInvalidArgument, c)
			}
			set.Add(c)
		}
	}

	l.Lock()
	old := l.affinity
	l.affinity = set
	if old != nil {
		old.Unuse()
	}
	if cur := l.cpu.Load(); set.Has(cur.index) {
		l.Unlock()
		return nil
	}
	k.migrateLocked(l, k.cpus[set.First()])
	return nil
}
