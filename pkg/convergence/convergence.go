// Package convergence implements bounded polling of predicates.
//
// A predicate is polled on a fixed cadence until it holds (Eventually) or for
// as long as a window lasts without failing (Always). Predicates fail by
// returning an error or the literal false.
package convergence

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"
)

// Mode selects how a predicate is judged.
type Mode int

const (
	// ModeEventually succeeds on the first passing invocation.
	ModeEventually Mode = iota
	// ModeAlways succeeds if no invocation fails before the window ends.
	ModeAlways
)

func (m Mode) String() string {
	switch m {
	case ModeAlways:
		return "always"
	default:
		return "eventually"
	}
}

// ParseMode maps "eventually"/"always" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "eventually":
		return ModeEventually, nil
	case "always":
		return ModeAlways, nil
	}
	return ModeEventually, fmt.Errorf("unknown convergence mode %q", s)
}

var (
	// ErrReturnedFalse marks a predicate that returned false instead of failing with an error.
	ErrReturnedFalse = errors.New("convergent function returned false")

	// ErrAsyncPredicate is returned when a predicate hands back a pending
	// asynchronous value. Polling would repeat its side effects, so it is refused.
	ErrAsyncPredicate = errors.New("convergent function returned a pending asynchronous value")
)

// Func is a polled predicate.
type Func func() (any, error)

// Pending is implemented by values that complete asynchronously.
type Pending interface {
	Done() <-chan struct{}
}

// Stats describes one polling session.
type Stats struct {
	Mode    Mode          `json:"mode"`
	Start   time.Time     `json:"start"`
	End     time.Time     `json:"end"`
	Elapsed time.Duration `json:"elapsed"`
	Timeout time.Duration `json:"timeout"`
	Runs    int           `json:"runs"`
}

func (s *Stats) finish(now time.Time) {
	s.End = now
	s.Elapsed = now.Sub(s.Start)
}

// Result is the value produced by a converged predicate.
type Result struct {
	Value any
	Stats Stats
}

// TimeoutError reports an Eventually predicate that never held.
// Last is the final error the predicate returned, or ErrReturnedFalse.
type TimeoutError struct {
	Stats Stats
	Last  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("convergence exceeded %s after %d runs: %v", e.Stats.Timeout, e.Stats.Runs, e.Last)
}

func (e *TimeoutError) Unwrap() error { return e.Last }

// AlwaysError reports an Always predicate that failed inside its window.
type AlwaysError struct {
	Stats Stats
	Err   error
}

func (e *AlwaysError) Error() string {
	return fmt.Sprintf("convergence failed after %s (%d runs): %v", e.Stats.Elapsed.Round(time.Millisecond), e.Stats.Runs, e.Err)
}

func (e *AlwaysError) Unwrap() error { return e.Err }

// Options tunes polling. The Always budget values are empirical defaults.
type Options struct {
	Interval       time.Duration
	AlwaysFraction float64
	AlwaysMin      time.Duration
}

// DefaultOptions returns a 10ms cadence and a one-tenth/20ms Always budget.
func DefaultOptions() Options {
	return Options{
		Interval:       10 * time.Millisecond,
		AlwaysFraction: 0.1,
		AlwaysMin:      20 * time.Millisecond,
	}
}

// Option mutates Options.
type Option func(*Options)

// WithOptions replaces all options at once.
func WithOptions(o Options) Option {
	return func(dst *Options) {
		if o.Interval > 0 {
			dst.Interval = o.Interval
		}
		if o.AlwaysFraction > 0 {
			dst.AlwaysFraction = o.AlwaysFraction
		}
		if o.AlwaysMin > 0 {
			dst.AlwaysMin = o.AlwaysMin
		}
	}
}

// WithInterval sets the polling cadence.
func WithInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.Interval = d
		}
	}
}

func resolve(opts []Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Poll invokes fn until it converges according to mode or timeout elapses.
// The deadline is fixed at start, so time spent inside fn counts against it.
func Poll(ctx context.Context, fn Func, timeout time.Duration, mode Mode, opts ...Option) (Result, error) {
	o := resolve(opts)
	stats := Stats{Mode: mode, Start: time.Now(), Timeout: timeout}
	deadline := stats.Start.Add(timeout)

	var lastErr error
	for {
		stats.Runs++
		value, err := invoke(fn)
		now := time.Now()

		if errors.Is(err, ErrAsyncPredicate) {
			stats.finish(now)
			return Result{Stats: stats}, err
		}

		if mode == ModeAlways {
			if err != nil {
				stats.finish(now)
				return Result{Stats: stats}, &AlwaysError{Stats: stats, Err: err}
			}
			if !now.Before(deadline) {
				stats.finish(now)
				return Result{Value: value, Stats: stats}, nil
			}
		} else {
			if err == nil {
				stats.finish(now)
				return Result{Value: value, Stats: stats}, nil
			}
			if !errors.Is(err, ErrReturnedFalse) {
				lastErr = err
			}
			if !now.Before(deadline) {
				stats.finish(now)
				last := lastErr
				if last == nil {
					last = ErrReturnedFalse
				}
				return Result{Stats: stats}, &TimeoutError{Stats: stats, Last: last}
			}
		}

		wait := o.Interval
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		if err := sleep(ctx, wait); err != nil {
			stats.finish(time.Now())
			return Result{Stats: stats}, err
		}
	}
}

// Eventually polls check until it returns nil.
func Eventually(ctx context.Context, timeout time.Duration, check func() error, opts ...Option) (Stats, error) {
	res, err := Poll(ctx, func() (any, error) { return nil, check() }, timeout, ModeEventually, opts...)
	return res.Stats, err
}

// Always polls check for the whole window and fails on the first error.
func Always(ctx context.Context, timeout time.Duration, check func() error, opts ...Option) (Stats, error) {
	res, err := Poll(ctx, func() (any, error) { return nil, check() }, timeout, ModeAlways, opts...)
	return res.Stats, err
}

func invoke(fn Func) (any, error) {
	value, err := fn()
	if err != nil {
		return nil, err
	}
	if b, ok := value.(bool); ok && !b {
		return nil, ErrReturnedFalse
	}
	if isPending(value) {
		return nil, fmt.Errorf("%w (%T)", ErrAsyncPredicate, value)
	}
	return value, nil
}

func isPending(v any) bool {
	if v == nil {
		return false
	}
	if _, ok := v.(Pending); ok {
		return true
	}
	return reflect.TypeOf(v).Kind() == reflect.Chan
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
