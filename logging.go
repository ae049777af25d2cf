package lwp

import (
	"io"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// NewLogger returns a JSON logger writing one object per line to w, for use
// with [WithLogger]. Events more verbose than level are discarded.
func NewLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(w),
			stumpy.WithTimeField(``),
		),
		stumpy.L.WithLevel(level),
	).Logger()
}

// defaultWarningRates bounds repeated warnings, per category.
var defaultWarningRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 30,
}

type (
	// warnCategory keys the rate limiter, so that e.g. one noisy user does
	// not suppress warnings about another.
	warnCategory struct {
		kind string
		key  int64
	}
)

// warn starts a warning event, or returns nil if the logger is disabled or
// the category has exceeded its rate. The nil builder is safe to use.
func (k *Kernel) warn(kind string, key int64) *logiface.Builder[logiface.Event] {
	b := k.logger.Warning()
	if !b.Enabled() {
		return b
	}
	if k.warnings != nil {
		if _, ok := k.warnings.Allow(warnCategory{kind, key}); !ok {
			b.Release()
			k.stats.suppressedWarnings.Add(1)
			return nil
		}
	}
	return b.Str(`kind`, kind)
}

func (k *Kernel) debug() *logiface.Builder[logiface.Event] {
	return k.logger.Debug()
}

func (k *Kernel) trace() *logiface.Builder[logiface.Event] {
	return k.logger.Trace()
}

// logLWP attaches the identity of l to b.
func logLWP(b *logiface.Builder[logiface.Event], l *LWP) *logiface.Builder[logiface.Event] {
	if l == nil {
		return b
	}
	return b.Int(`pid`, l.proc.pid).Int64(`lid`, int64(l.id))
}
