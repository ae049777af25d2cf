package lwp

import (
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// PIDMax bounds process ids, and LWP ids allocated with [CreatePIDLID].
const PIDMax = 30000

// Machine is the machine dependent part of LWP creation and destruction.
type Machine interface {
	// LWPFork prepares child's machine state from parent's.
	LWPFork(parent, child *LWP)
	// LWPFree releases child's machine state. It is called by the exiting
	// LWP itself, after which it can no longer block.
	LWPFree(l *LWP)
}

// Stats are cumulative kernel counters.
type Stats struct {
	Created            uint64
	Recycled           uint64
	Exited             uint64
	Freed              uint64
	Migrations         uint64
	SuppressedWarnings uint64
}

type kernelStats struct {
	created            atomic.Uint64
	recycled           atomic.Uint64
	exited             atomic.Uint64
	freed              atomic.Uint64
	migrations         atomic.Uint64
	suppressedWarnings atomic.Uint64
}

// testHooks are called at points where tests need to force an interleaving.
type testHooks struct {
	// called by Wait just before blocking, with the process lock held
	beforeWaitSleep func(self *LWP)
	// called by free before spinning for l to switch away
	beforeSpin func(l *LWP)
	// called by Exit after draining references, with the process lock held
	afterDrain func(l *LWP)
}

// Kernel owns the CPUs, the process table and the LWP registry.
type Kernel struct {
	logger   *logiface.Logger[logiface.Event]
	warnings *catrate.Limiter
	sched    Scheduler
	machine  Machine
	deliver  func(l *LWP)
	hooks    *testHooks
	registry *registry
	proc0    *Process
	lwp0     *LWP
	ts0      *Turnstile

	cpus     []*CPU
	sleeptab sleepTable

	turnstiles sync.Pool
	tsid       atomic.Uint64

	// process table lock, proc_lock
	procLock sync.Mutex
	procs    map[int]*Process
	pids     map[int]struct{}
	nextPID  int

	uidMu   sync.Mutex
	uidLWPs map[uint32]int

	spec specificDomain

	stats kernelStats

	maxLWP      atomic.Int32
	threadLimit int
	ctlPages    int
}

// New creates a Kernel and bootstraps process 0 with its first LWP, which
// is executing on CPU 0.
func New(opts ...Option) (*Kernel, error) {
	cfg, err := resolveKernelOptions(opts)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		logger:      cfg.logger,
		sched:       cfg.scheduler,
		machine:     cfg.machine,
		deliver:     cfg.deliver,
		hooks:       cfg.hooks,
		registry:    newRegistry(),
		procs:       make(map[int]*Process),
		pids:        make(map[int]struct{}),
		uidLWPs:     make(map[uint32]int),
		threadLimit: cfg.threadLimit,
		ctlPages:    cfg.ctlPages,
	}
	if k.sched == nil {
		k.sched = defaultScheduler{k}
	}
	if k.hooks == nil {
		k.hooks = new(testHooks)
	}
	if cfg.warningRates != nil {
		k.warnings = catrate.NewLimiter(cfg.warningRates)
	}
	k.turnstiles.New = func() any {
		return &Turnstile{id: k.tsid.Add(1)}
	}

	k.cpus = make([]*CPU, cfg.ncpu)
	for i := range k.cpus {
		k.cpus[i] = newCPU(k, i)
	}
	k.sleeptab.init()

	maxLWP := cfg.maxLWP
	if maxLWP < 0 {
		maxLWP = k.defaultMaxLWP()
	}
	k.maxLWP.Store(int32(maxLWP))

	k.lwp0Init()

	k.logger.Info().
		Int(`cpus`, len(k.cpus)).
		Int(`maxlwp`, maxLWP).
		Log(`lwp: kernel initialized`)

	return k, nil
}

// lwp0Init bootstraps process 0 and LWP 1, the thread of control that
// called New.
func (k *Kernel) lwp0Init() {
	p := &Process{
		k:           k,
		pid:         0,
		system:      true,
		files:       NewFileTable(),
		cred:        NewCred(0, true),
		threadLimit: k.threadLimit,
		done:        make(chan struct{}),
	}
	p.lwpcv = sync.NewCond(&p.mu)
	k.procs[0] = p
	k.pids[0] = struct{}{}
	k.nextPID = 1
	k.proc0 = p

	ci := k.cpus[0]
	k.ts0 = &Turnstile{id: 0}
	l := &LWP{
		proc:      p,
		id:        1,
		refcnt:    1,
		ts:        k.ts0,
		cred:      p.cred.Hold(),
		kpriority: true,
		life:      new(incarnation),
	}
	l.flag.Store(uint32(FlagSystem))
	l.setState(StateOnCPU)
	l.running.Store(true)
	l.cpu.Store(ci)
	l.mutex.Store(ci.lwplock)
	ci.curlwp.Store(l)

	l.sibling = p.lwps.PushFront(l)
	p.nlwps = 1
	p.nrlwps = 1
	p.nlwpid = 1
	k.lwp0 = l
	k.registry.add(l)
	k.stats.created.Add(1)
}

// Proc0 returns the bootstrap process.
func (k *Kernel) Proc0() *Process {
	return k.proc0
}

// LWP0 returns the bootstrap LWP, a kernel thread executing on CPU 0.
func (k *Kernel) LWP0() *LWP {
	return k.lwp0
}

// CPUs returns the CPUs. The slice must not be modified.
func (k *Kernel) CPUs() []*CPU {
	return k.cpus
}

// CPU returns the CPU with the given index, or nil if there is none.
func (k *Kernel) CPU(index int) *CPU {
	if index < 0 || index >= len(k.cpus) {
		return nil
	}
	return k.cpus[index]
}

// LWPs iterates over a snapshot of every LWP in the system that has not
// exited, oldest first.
func (k *Kernel) LWPs() iter.Seq[*LWP] {
	return k.registry.All()
}

// NumLWPs returns the number of LWPs in the system that have not exited.
func (k *Kernel) NumLWPs() int {
	return k.registry.Len()
}

// Stats returns a snapshot of the kernel counters.
func (k *Kernel) Stats() Stats {
	return Stats{
		Created:            k.stats.created.Load(),
		Recycled:           k.stats.recycled.Load(),
		Exited:             k.stats.exited.Load(),
		Freed:              k.stats.freed.Load(),
		Migrations:         k.stats.migrations.Load(),
		SuppressedWarnings: k.stats.suppressedWarnings.Load(),
	}
}

// NewProcess creates an empty process. Its first LWP is created with
// [Kernel.Create], using an LWP of another process as the template.
func (k *Kernel) NewProcess(cfg ProcessConfig) (*Process, error) {
	parent := cfg.Parent
	if parent == nil {
		parent = k.proc0
	}
	p := &Process{
		k:           k,
		parent:      parent,
		personality: cfg.Personality,
		files:       cfg.Files,
		threadLimit: cfg.ThreadLimit,
		system:      cfg.System,
		vfork:       cfg.Vfork,
		done:        make(chan struct{}),
	}
	p.lwpcv = sync.NewCond(&p.mu)
	if p.files == nil {
		p.files = NewFileTable()
	}
	if p.threadLimit <= 0 {
		p.threadLimit = k.threadLimit
	}

	if cfg.Cred != nil {
		p.cred = cfg.Cred.Hold()
	} else {
		parent.mu.Lock()
		p.cred = parent.cred.Hold()
		parent.mu.Unlock()
	}

	k.procLock.Lock()
	pid, ok := k.allocPIDLocked()
	if ok {
		p.pid = pid
		k.procs[pid] = p
	}
	k.procLock.Unlock()
	if !ok {
		p.cred.Free()
		return nil, fmt.Errorf("%w: process table full", ErrAgain)
	}

	k.debug().Int(`pid`, pid).Int(`ppid`, parent.pid).Bool(`system`, p.system).Log(`lwp: process created`)
	return p, nil
}

// FindProcess returns the process with the given id.
func (k *Kernel) FindProcess(pid int) (*Process, bool) {
	k.procLock.Lock()
	defer k.procLock.Unlock()
	p, ok := k.procs[pid]
	return p, ok
}

// allocPIDLocked returns the next free id in the process id space. The
// process table lock must be held.
func (k *Kernel) allocPIDLocked() (int, bool) {
	for range PIDMax {
		pid := k.nextPID
		k.nextPID++
		if k.nextPID >= PIDMax {
			k.nextPID = 1
		}
		if _, used := k.pids[pid]; !used {
			k.pids[pid] = struct{}{}
			return pid, true
		}
	}
	return 0, false
}

// freePIDLocked returns pid to the process id space. The process table lock
// must be held.
func (k *Kernel) freePIDLocked(pid int) {
	delete(k.pids, pid)
}

// chgLWPCount adjusts the number of LWPs charged to uid, returning the new
// count.
func (k *Kernel) chgLWPCount(uid uint32, delta int) int {
	k.uidMu.Lock()
	defer k.uidMu.Unlock()
	n := k.uidLWPs[uid] + delta
	if n < 0 {
		// the process changed owner since the LWP was charged
		k.warn(`lwpcount`, int64(uid)).Int64(`uid`, int64(uid)).Log(`lwp: negative lwp count`)
		n = 0
	}
	if n == 0 {
		delete(k.uidLWPs, uid)
	} else {
		k.uidLWPs[uid] = n
	}
	return n
}

// UserLWPs returns the number of LWPs charged to uid. The first LWP of each
// process is not charged.
func (k *Kernel) UserLWPs(uid uint32) int {
	k.uidMu.Lock()
	defer k.uidMu.Unlock()
	return k.uidLWPs[uid]
}

// defaultMaxLWP derives the system-wide LWP limit from the CPU count.
func (k *Kernel) defaultMaxLWP() int {
	return min(2048*len(k.cpus), MaxLWPLimit)
}

// MaxLWP returns the system-wide LWP limit.
func (k *Kernel) MaxLWP() int {
	return int(k.maxLWP.Load())
}

// SetMaxLWP changes the system-wide LWP limit. It must be within
// [0, MaxLWPLimit] and may not exceed the default derived from the CPU
// count.
func (k *Kernel) SetMaxLWP(n int) error {
	if n < 0 || n > MaxLWPLimit || n > k.defaultMaxLWP() {
		return fmt.Errorf("%w: maxlwp %d", ErrInvalidArgument, n)
	}
	k.maxLWP.Store(int32(n))
	k.debug().Int(`maxlwp`, n).Log(`lwp: maxlwp changed`)
	return nil
}

func (k *Kernel) getTurnstile() *Turnstile {
	return k.turnstiles.Get().(*Turnstile)
}

func (k *Kernel) putTurnstile(ts *Turnstile) {
	if ts == k.ts0 {
		return
	}
	k.turnstiles.Put(ts)
}
