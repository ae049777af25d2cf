package lwp_test

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/joeycumines/go-lwp"
)

func Example() {
	k, err := lwp.New(lwp.WithCPUs(2))
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, ci := range k.CPUs() {
		go k.RunCPU(ctx, ci)
	}

	p, err := k.NewProcess(lwp.ProcessConfig{Cred: lwp.NewCred(1000, false)})
	if err != nil {
		panic(err)
	}
	l, err := k.Create(k.LWP0(), p, lwp.CreateParams{Entry: func(l *lwp.LWP, _ any) {
		fmt.Printf("lwp %d ran on cpu %d\n", l.ID(), l.CPU().Index())
	}})
	if err != nil {
		panic(err)
	}
	if err := k.Start(k.LWP0(), l, false); err != nil {
		panic(err)
	}

	// returning from the entry function exits the last lwp, and so the
	// process
	<-p.Done()
	fmt.Println(p.State(), k.ReapProcess(p))

	//output:
	//lwp 1 ran on cpu 1
	//Exited <nil>
}

// An LWP polls for pending work, and passes through UserReturn to act on
// requests made by others.
func ExampleKernel_UserReturn() {
	k, err := lwp.New(lwp.WithCPUs(2))
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, ci := range k.CPUs() {
		go k.RunCPU(ctx, ci)
	}

	p, err := k.NewProcess(lwp.ProcessConfig{})
	if err != nil {
		panic(err)
	}
	running := make(chan struct{})
	stop := make(chan struct{})
	l, err := k.Create(k.LWP0(), p, lwp.CreateParams{Entry: func(l *lwp.LWP, _ any) {
		close(running)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if l.UserReturnPending() && !k.UserReturn(l) {
				return
			}
			runtime.Gosched()
		}
	}})
	if err != nil {
		panic(err)
	}
	if err := k.Start(k.LWP0(), l, false); err != nil {
		panic(err)
	}
	<-running

	if err := k.Suspend(k.LWP0(), l); err != nil {
		panic(err)
	}
	for l.State() != lwp.StateSuspended {
		time.Sleep(time.Millisecond)
	}
	fmt.Println(l.State(), p.Counts().Running)

	k.Continue(l)
	close(stop)
	<-p.Done()
	fmt.Println(p.State())

	//output:
	//Suspended 0
	//Exited
}
