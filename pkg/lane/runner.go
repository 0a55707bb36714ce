// Package lane executes one root-to-leaf path of a manifest and reports
// every step and assertion as protocol events.
package lane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/bigtest/pkg/convergence"
	"github.com/odvcencio/bigtest/pkg/errdetail"
	bterrors "github.com/odvcencio/bigtest/pkg/errors"
	"github.com/odvcencio/bigtest/pkg/manifest"
	"github.com/odvcencio/bigtest/pkg/protocol"
)

// DefaultStepTimeout bounds a step or assertion when the run sets none.
const DefaultStepTimeout = 2 * time.Second

const pollGrace = 50 * time.Millisecond

// Emitter delivers an event. It is called concurrently by the assertions
// of a node and must be safe for that.
type Emitter func(ctx context.Context, ev protocol.Event) error

// Runner walks lanes of an executable manifest.
type Runner struct {
	StepTimeout time.Duration
	Emit        Emitter
	Resolver    errdetail.Resolver
	Convergence []convergence.Option
}

type outcome struct {
	value any
	err   error
}

// Run executes lane (a path of descriptions starting at root) within
// runID. It returns an error only when the lane does not exist, an event
// cannot be delivered, or ctx ends; step and assertion failures are
// reported as events.
func (r *Runner) Run(ctx context.Context, runID string, root *manifest.Test, lane []string) error {
	if r.Emit == nil {
		return fmt.Errorf("lane: no emitter")
	}
	nodes, err := resolveLane(root, lane)
	if err != nil {
		return err
	}

	if err := r.Emit(ctx, &protocol.LaneBegin{Type: protocol.TypeLaneBegin, TestRunID: runID, Path: clone(lane)}); err != nil {
		return err
	}

	c := manifest.Context{}
	for depth, node := range nodes {
		path := clone(lane[:depth+1])
		if err := r.Emit(ctx, protocol.NewRunning(protocol.TypeTestRunning, runID, path)); err != nil {
			return err
		}
		next, ok, err := r.runNode(ctx, runID, node, path, c)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		c = next
	}

	return r.Emit(ctx, &protocol.LaneEnd{Type: protocol.TypeLaneEnd, TestRunID: runID, Path: clone(lane)})
}

func resolveLane(root *manifest.Test, lane []string) ([]*manifest.Test, error) {
	if root == nil || len(lane) == 0 || lane[0] != root.Description {
		return nil, bterrors.New(bterrors.ErrCodeInvalidInput, "lane does not start at the manifest root").
			WithContext("lane", lane)
	}
	nodes := []*manifest.Test{root}
	for _, desc := range lane[1:] {
		child := nodes[len(nodes)-1].Child(desc)
		if child == nil {
			return nil, bterrors.New(bterrors.ErrCodeInvalidInput, "lane not found in manifest").
				WithContext("lane", lane).
				WithContext("missing", desc)
		}
		nodes = append(nodes, child)
	}
	return nodes, nil
}

// runNode runs the steps of node in order and, when all succeed, its
// assertions concurrently. ok is false when a step failed.
func (r *Runner) runNode(ctx context.Context, runID string, node *manifest.Test, path []string, c manifest.Context) (manifest.Context, bool, error) {
	for i, step := range node.Steps {
		stepPath := entryPath(path, i, step.Description)
		if err := r.Emit(ctx, protocol.NewRunning(protocol.TypeStepRunning, runID, stepPath)); err != nil {
			return nil, false, err
		}

		action := step.Action
		current := c
		out, res, err := r.execute(ctx, step.Mode, func(ctx context.Context) (any, error) {
			return action(ctx, current)
		})
		if err != nil {
			return nil, false, err
		}
		res.Type = protocol.TypeStepResult
		res.TestRunID = runID
		res.Path = stepPath
		if err := r.Emit(ctx, res); err != nil {
			return nil, false, err
		}
		if res.Status != protocol.StatusOK {
			return nil, false, nil
		}
		if more, ok := out.(manifest.Context); ok && len(more) > 0 {
			c = c.Merge(more)
		}
	}

	var g errgroup.Group
	for i, assertion := range node.Assertions {
		assertionPath := entryPath(path, i, assertion.Description)
		check := assertion.Check
		mode := assertion.Mode
		g.Go(func() error {
			if err := r.Emit(ctx, protocol.NewRunning(protocol.TypeAssertionRunning, runID, assertionPath)); err != nil {
				return err
			}
			_, res, err := r.execute(ctx, mode, func(ctx context.Context) (any, error) {
				return nil, check(ctx, c)
			})
			if err != nil {
				return err
			}
			res.Type = protocol.TypeAssertionResult
			res.TestRunID = runID
			res.Path = assertionPath
			return r.Emit(ctx, res)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// execute runs fn under the step timeout, polling it when mode is set.
// The returned error is non-nil only when ctx itself ended.
func (r *Runner) execute(ctx context.Context, mode string, fn func(context.Context) (any, error)) (any, *protocol.Result, error) {
	timeout := r.StepTimeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	convergent, polled, err := manifest.ParseMode(mode)
	if err != nil {
		return nil, r.failed(err), nil
	}

	// a polled check reports its own timeout with the last failure, so the
	// hard bound sits just past the polling window
	bound := timeout
	if polled {
		bound += pollGrace
	}
	stepCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	logs := &logBuffer{}
	stepCtx = withLogs(stepCtx, logs)

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: errdetail.Recovered(p)}
			}
		}()
		if !polled {
			v, err := fn(stepCtx)
			done <- outcome{value: v, err: err}
			return
		}
		res, err := convergence.Poll(stepCtx, func() (any, error) { return fn(stepCtx) }, timeout, convergent, r.Convergence...)
		done <- outcome{value: res.Value, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		o = outcome{err: context.DeadlineExceeded}
	}
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}

	var res *protocol.Result
	var timeoutErr *convergence.TimeoutError
	switch {
	case o.err == nil:
		res = &protocol.Result{Status: protocol.StatusOK}
	case errors.As(o.err, &timeoutErr):
		res = r.failed(timeoutErr.Last)
		res.Timeout = true
	case stepCtx.Err() != nil && errors.Is(o.err, context.DeadlineExceeded):
		res = &protocol.Result{Status: protocol.StatusFailed, Timeout: true}
	default:
		res = r.failed(o.err)
	}
	res.LogEvents = logs.events()
	return o.value, res, nil
}

func (r *Runner) failed(err error) *protocol.Result {
	return &protocol.Result{Status: protocol.StatusFailed, Error: errdetail.Serialize(err, r.Resolver)}
}

func entryPath(path []string, i int, desc string) []string {
	return append(clone(path), fmt.Sprintf("%d:%s", i, desc))
}

func clone(s []string) []string {
	return append([]string(nil), s...)
}
