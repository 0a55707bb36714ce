package scheduler

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/bigtest/pkg/bus"
	bterrors "github.com/odvcencio/bigtest/pkg/errors"
	"github.com/odvcencio/bigtest/pkg/logging"
	"github.com/odvcencio/bigtest/pkg/protocol"
	"github.com/odvcencio/bigtest/pkg/state"
	"github.com/odvcencio/bigtest/pkg/telemetry"
)

// errBracketTimeout marks a lane that missed its lane:begin/lane:end bracket.
var errBracketTimeout = errors.New("lane bracket timed out")

// Run is one started test run.
type Run struct {
	s       *Scheduler
	req     Request
	lanes   [][]string
	started time.Time
	log     *logging.Logger
}

func (r *Run) ID() string { return r.req.RunID }

// Run starts and executes req.
func (s *Scheduler) Run(ctx context.Context, req Request) (*state.TestRun, error) {
	run, err := s.Start(req)
	if err != nil {
		return nil, err
	}
	return run.Execute(ctx)
}

// Execute drives every agent through every lane, agents concurrently and
// lanes in order, then settles the run. Failures of one agent are recorded
// in its result and never affect the others.
func (r *Run) Execute(ctx context.Context) (*state.TestRun, error) {
	ctx, span := telemetry.StartSpan(ctx, "test_run",
		telemetry.AttrRunID.String(r.req.RunID),
	)
	defer span.End()
	telemetry.RunsStarted.Inc()

	var g errgroup.Group
	for _, id := range r.req.AgentIDs {
		g.Go(func() error {
			r.runAgent(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	now := time.Now().UTC()
	var final *state.TestRun
	err := state.UpdateRun(r.s.state, r.req.RunID, func(run *state.TestRun) error {
		state.Summarize(run)
		run.FinishedAt = &now
		final = run
		return nil
	})
	if err != nil {
		err = bterrors.Wrap(err, bterrors.ErrCodeRunNotFound, "test run vanished before it finished").
			WithContext("test_run_id", r.req.RunID)
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	telemetry.SetOutcome(span, string(final.Status), false)
	telemetry.ObserveRun(string(final.Status), now.Sub(r.started).Seconds())
	r.log.RunFinished(r.req.RunID, string(final.Status), len(final.Agents))
	return final, nil
}

func (r *Run) runAgent(ctx context.Context, agentID string) {
	log := r.log.WithAgent(agentID)
	agent, ok := r.s.agents.Agent(agentID)
	if !ok {
		r.finish(agentID, "agent not connected")
		return
	}
	inbox := agent.Subscribe()
	defer inbox.Close()

	for i, lane := range r.lanes {
		if err := r.runLane(ctx, agent, inbox, i, lane); err != nil {
			log.Warn("agent run aborted", "lane", strings.Join(lane, " > "), "error", err)
			r.finish(agentID, err.Error())
			return
		}
	}

	err := r.await(ctx, inbox, agentID, r.s.opts.RunEndTimeout, func(ev protocol.Event) bool {
		_, ok := ev.(*protocol.RunEnd)
		return ok
	})
	if err != nil {
		log.Warn("no run:end from agent", "error", err)
	}
	r.finish(agentID, "")
}

// runLane sends the command for one lane and waits for its bracket. A
// missed bracket settles the lane as timed out and returns nil so the next
// lane runs; any other error ends the agent's run.
func (r *Run) runLane(ctx context.Context, agent Agent, inbox Inbox, index int, lane []string) error {
	agentID := agent.ID()
	ctx, span := telemetry.StartSpan(ctx, "lane",
		telemetry.AttrRunID.String(r.req.RunID),
		telemetry.AttrAgentID.String(agentID),
		telemetry.AttrLane.StringSlice(lane),
		telemetry.AttrLaneIndex.Int(index),
	)
	defer span.End()
	start := time.Now()

	cmd := &protocol.RunCommand{
		TestRunID:   r.req.RunID,
		AgentID:     agentID,
		Tree:        r.req.Tree,
		ManifestURL: r.req.ManifestURL,
		AppURL:      r.req.AppURL,
		StepTimeout: r.req.StepTimeout.Milliseconds(),
		Lane:        lane,
		LaneIndex:   index,
		LaneCount:   len(r.lanes),
		Convergence: r.req.Convergence,
	}

	err := agent.Send(ctx, cmd)
	if err == nil {
		err = r.await(ctx, inbox, agentID, r.s.opts.LaneStartTimeout, laneBracket(protocol.TypeLaneBegin, lane))
	}
	if err == nil {
		err = r.await(ctx, inbox, agentID, r.s.opts.LaneTimeout, laneBracket(protocol.TypeLaneEnd, lane))
	}

	switch {
	case err == nil:
	case errors.Is(err, errBracketTimeout):
		r.update(agentID, func(run *state.AgentRun) { run.TimeoutLane(lane) })
	default:
		telemetry.RecordError(ctx, err)
		r.update(agentID, func(run *state.AgentRun) { run.AbortLane(lane) })
	}

	var result state.LaneResult
	if run, ok, _ := state.GetAgentRun(r.s.state, r.req.RunID, agentID); ok {
		if l := run.Lane(lane); l != nil {
			result = *l
		}
	}
	telemetry.SetOutcome(span, string(result.Status), result.Timeout)
	telemetry.ObserveLane(string(result.Status), result.Timeout, time.Since(start).Seconds())

	if errors.Is(err, errBracketTimeout) {
		r.log.WithAgent(agentID).Warn("lane timed out", "lane", strings.Join(lane, " > "))
		return nil
	}
	return err
}

func laneBracket(t protocol.Type, lane []string) func(protocol.Event) bool {
	return func(ev protocol.Event) bool {
		return ev.MessageType() == t && slices.Equal(ev.EventPath(), lane)
	}
}

// await folds events of this run until done accepts one. It returns
// errBracketTimeout when timeout elapses first.
func (r *Run) await(ctx context.Context, inbox Inbox, agentID string, timeout time.Duration, done func(protocol.Event) bool) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		ev, err := inbox.Next(waitCtx)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return errBracketTimeout
			}
			return err
		}
		if ev.RunID() != r.req.RunID {
			continue
		}
		r.fold(ctx, agentID, ev)
		if done(ev) {
			return nil
		}
	}
}

// fold applies ev to the agent's result and republishes it. Events that do
// not fit the result tree are logged and dropped.
func (r *Run) fold(ctx context.Context, agentID string, ev protocol.Event) {
	telemetry.AgentEvents.WithLabelValues(string(ev.MessageType())).Inc()
	err := state.UpdateAgentRun(r.s.state, r.req.RunID, agentID, func(run *state.AgentRun) error {
		return run.Apply(ev)
	})
	if err != nil {
		r.log.WithAgent(agentID).Warn("event dropped",
			"type", ev.MessageType(),
			"path", strings.Join(ev.EventPath(), " > "),
			"error", err,
		)
		return
	}

	if r.s.opts.Bus == nil {
		return
	}
	data, err := protocol.Encode(ev)
	if err == nil {
		err = r.s.opts.Bus.Publish(ctx, bus.RunSubject(r.req.RunID, agentID), data)
	}
	if err != nil {
		r.log.Debug("bus publish failed", "error", err)
	}
}

func (r *Run) update(agentID string, fn func(*state.AgentRun)) {
	err := state.UpdateAgentRun(r.s.state, r.req.RunID, agentID, func(run *state.AgentRun) error {
		fn(run)
		return nil
	})
	if err != nil {
		r.log.WithAgent(agentID).Warn("agent run update failed", "error", err)
	}
}

func (r *Run) finish(agentID, errMsg string) {
	r.update(agentID, func(run *state.AgentRun) { run.Finish(errMsg) })
}
