package lwp

import (
	"fmt"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	// DefaultCPUs is the number of CPUs when [WithCPUs] is not given.
	DefaultCPUs = 4
	// DefaultThreadLimit is the per-process thread limit (the soft
	// RLIMIT_NTHR) when [WithThreadLimit] is not given.
	DefaultThreadLimit = 1024
	// DefaultCtlPages is the lwpctl area size, in pages, when [WithCtlPages]
	// is not given.
	DefaultCtlPages = 4
	// MaxLWPLimit bounds [Kernel.SetMaxLWP].
	MaxLWPLimit = 65535
)

// kernelOptions holds configuration options for Kernel creation.
type kernelOptions struct {
	logger       *logiface.Logger[logiface.Event]
	scheduler    Scheduler
	machine      Machine
	deliver      func(l *LWP)
	warningRates map[time.Duration]int
	hooks        *testHooks
	ncpu         int
	maxLWP       int
	threadLimit  int
	ctlPages     int
}

// Option configures a Kernel instance.
type Option interface {
	applyKernel(*kernelOptions) error
}

// kernelOptionImpl implements Option.
type kernelOptionImpl struct {
	applyKernelFunc func(*kernelOptions) error
}

func (o *kernelOptionImpl) applyKernel(opts *kernelOptions) error {
	return o.applyKernelFunc(opts)
}

// WithCPUs sets the number of CPUs, which must be at least one.
func WithCPUs(n int) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if n < 1 {
			return fmt.Errorf("%w: cpus %d", ErrInvalidArgument, n)
		}
		opts.ncpu = n
		return nil
	}}
}

// WithMaxLWP sets the initial system-wide LWP limit. See [Kernel.SetMaxLWP].
func WithMaxLWP(n int) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if n < 0 || n > MaxLWPLimit {
			return fmt.Errorf("%w: maxlwp %d", ErrInvalidArgument, n)
		}
		opts.maxLWP = n
		return nil
	}}
}

// WithThreadLimit sets the default per-process thread limit, inherited by
// processes that do not set their own.
func WithThreadLimit(n int) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if n < 1 {
			return fmt.Errorf("%w: thread limit %d", ErrInvalidArgument, n)
		}
		opts.threadLimit = n
		return nil
	}}
}

// WithLogger configures structured logging. A nil logger disables logging,
// which is the default. See also [NewLogger].
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithScheduler replaces the CPU selection policy. A nil value restores
// the default.
func WithScheduler(s Scheduler) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.scheduler = s
		return nil
	}}
}

// WithMachine installs machine dependent hooks.
func WithMachine(m Machine) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.machine = m
		return nil
	}}
}

// WithSignalDelivery installs the function that processes pending signals
// on user return. It is called with the process lock held.
func WithSignalDelivery(fn func(l *LWP)) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.deliver = fn
		return nil
	}}
}

// WithCtlPages sets the maximum number of lwpctl pages per process.
func WithCtlPages(n int) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if n < 1 {
			return fmt.Errorf("%w: ctl pages %d", ErrInvalidArgument, n)
		}
		opts.ctlPages = n
		return nil
	}}
}

// WithWarningRates sets the per-category rate at which repeated warnings
// are logged, in the form accepted by catrate.NewLimiter. A nil map
// disables throttling.
func WithWarningRates(rates map[time.Duration]int) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.warningRates = rates
		return nil
	}}
}

// withTestHooks is used by tests to inject interleavings.
func withTestHooks(h *testHooks) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.hooks = h
		return nil
	}}
}

// resolveKernelOptions applies Option instances to kernelOptions.
func resolveKernelOptions(opts []Option) (*kernelOptions, error) {
	cfg := &kernelOptions{
		ncpu:         DefaultCPUs,
		threadLimit:  DefaultThreadLimit,
		ctlPages:     DefaultCtlPages,
		warningRates: defaultWarningRates,
		maxLWP:       -1,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyKernel(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
