// Package lwp implements the lifecycle core of lightweight processes (LWPs),
// the kernel threads of control that execute on CPUs on behalf of a
// process.
//
// # Architecture
//
// A [Kernel] owns a fixed set of [CPU]s, the process table and a registry
// of every LWP. [New] bootstraps process 0 with a single kernel thread,
// executing on CPU 0. Each CPU has a run queue, drained by a dispatch loop
// ([Kernel.RunCPU]) or by explicit calls to [Kernel.Dispatch].
//
// An LWP is created [StateIdle] by [Kernel.Create], made runnable by
// [Kernel.Start], and from then on moves through the state machine
// documented on [State]: it runs, sleeps on wait channels, is stopped by
// job control or suspended, and finally exits to become a zombie, which a
// sibling collects with [Kernel.Wait]. Detached LWPs are not collected;
// the most recent detached zombie of a process is cached, and its record
// reused by the next creation.
//
// # Locking
//
// The mutable state of an LWP is protected by a lock that depends on its
// state: the run queue lock of its CPU while idle or runnable, the on-CPU
// lock of its CPU while executing or a zombie, and the lock of a sleep
// queue while sleeping. [LWP.Lock] acquires whichever lock is advertised,
// and [LWP.Lend] and [LWP.Handoff] change it. Process wide counters and
// the sibling list are protected by the process lock ([Process.Lock]),
// which is always taken before any LWP lock.
//
// # Execution Model
//
// LWPs created with an [EntryFunc] are driven by a goroutine of their own,
// which runs only while the LWP is dispatched. The goroutine blocks inside
// [Kernel.Sleep], [Kernel.Preempt] and [Kernel.UserReturn] until the LWP is
// next dispatched. Requests made by others (suspend, exit, stop, signals,
// migration) are cooperative: they set flags that the LWP acts upon when it
// passes through [Kernel.UserReturn], which entry functions call whenever
// [LWP.UserReturnPending] reports work.
//
// The bootstrap LWP stands for the goroutine that called [New]. It occupies
// CPU 0 until it switches away, so a kernel needs at least two CPUs for
// other LWPs to run alongside it.
//
// # Usage
//
//	k, err := lwp.New(lwp.WithCPUs(2))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, ci := range k.CPUs() {
//	    go k.RunCPU(ctx, ci)
//	}
//	p, _ := k.NewProcess(lwp.ProcessConfig{})
//	l, _ := k.Create(k.LWP0(), p, lwp.CreateParams{Entry: work})
//	_ = k.Start(k.LWP0(), l, false)
package lwp
