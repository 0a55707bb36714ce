package convergence

import (
	"context"
	"errors"
	"time"
)

// Step is one link of a Chain. Fn receives the previous step's value.
// A zero Timeout lets the chain pick one from the remaining budget.
type Step struct {
	Fn      func(prev any) (any, error)
	Mode    Mode
	Timeout time.Duration
}

// Chain runs steps in order inside one overall timeout and returns the last
// step's value with cumulative stats.
//
// A non-final Always step without its own timeout is given
// max(remaining*AlwaysFraction, AlwaysMin) so later steps keep time to run.
func Chain(ctx context.Context, timeout time.Duration, steps []Step, opts ...Option) (Result, error) {
	o := resolve(opts)
	total := Stats{Mode: ModeEventually, Start: time.Now(), Timeout: timeout}
	deadline := total.Start.Add(timeout)

	var prev any
	for i, step := range steps {
		if step.Fn == nil {
			continue
		}
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		budget := step.Timeout
		if budget <= 0 {
			budget = remaining
			if step.Mode == ModeAlways && i < len(steps)-1 {
				budget = time.Duration(float64(remaining) * o.AlwaysFraction)
				if budget < o.AlwaysMin {
					budget = o.AlwaysMin
				}
			}
		}
		if budget > remaining {
			budget = remaining
		}

		in := prev
		res, err := Poll(ctx, func() (any, error) { return step.Fn(in) }, budget, step.Mode, opts...)
		total.Runs += res.Stats.Runs
		total.Mode = step.Mode
		if err != nil {
			total.finish(time.Now())
			return Result{Stats: total}, withStats(err, total)
		}
		prev = res.Value
	}
	total.finish(time.Now())
	return Result{Value: prev, Stats: total}, nil
}

// withStats rewrites convergence errors to carry the chain's cumulative stats.
func withStats(err error, stats Stats) error {
	var te *TimeoutError
	if errors.As(err, &te) {
		return &TimeoutError{Stats: stats, Last: te.Last}
	}
	var ae *AlwaysError
	if errors.As(err, &ae) {
		return &AlwaysError{Stats: stats, Err: ae.Err}
	}
	return err
}
