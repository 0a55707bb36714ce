// Package scheduler dispatches the lanes of a manifest to connected agents
// and folds the events they send back into the orchestrator Atom.
package scheduler

import (
	"slices"
	"time"

	"github.com/odvcencio/bigtest/pkg/atom"
	"github.com/odvcencio/bigtest/pkg/bus"
	bterrors "github.com/odvcencio/bigtest/pkg/errors"
	"github.com/odvcencio/bigtest/pkg/logging"
	"github.com/odvcencio/bigtest/pkg/manifest"
	"github.com/odvcencio/bigtest/pkg/protocol"
	"github.com/odvcencio/bigtest/pkg/state"
)

const (
	DefaultLaneStartTimeout = 10 * time.Second
	DefaultLaneTimeout      = 5 * time.Minute
	DefaultRunEndTimeout    = 5 * time.Second
	DefaultStepTimeout      = 2 * time.Second
)

// Options bounds the waits of a run. Zero values select the defaults.
type Options struct {
	// LaneStartTimeout bounds the wait for lane:begin after a run command.
	LaneStartTimeout time.Duration
	// LaneTimeout bounds the wait for lane:end after lane:begin.
	LaneTimeout time.Duration
	// RunEndTimeout bounds the wait for run:end after the last lane.
	RunEndTimeout time.Duration

	// Bus, when set, receives every folded event.
	Bus    bus.MessageBus
	Logger *logging.Logger
}

// Request describes one test run.
type Request struct {
	RunID       string
	Tree        *protocol.Node
	AgentIDs    []string
	AppURL      string
	ManifestURL string
	StepTimeout time.Duration
	Convergence *protocol.Polling
}

// Scheduler starts test runs against the agents of a Registry.
type Scheduler struct {
	state  *atom.Atom
	agents Registry
	opts   Options
	log    *logging.Logger
}

func New(a *atom.Atom, agents Registry, opts Options) *Scheduler {
	if opts.LaneStartTimeout <= 0 {
		opts.LaneStartTimeout = DefaultLaneStartTimeout
	}
	if opts.LaneTimeout <= 0 {
		opts.LaneTimeout = DefaultLaneTimeout
	}
	if opts.RunEndTimeout <= 0 {
		opts.RunEndTimeout = DefaultRunEndTimeout
	}
	return &Scheduler{
		state:  a,
		agents: agents,
		opts:   opts,
		log:    logging.OrNop(opts.Logger).WithComponent("scheduler"),
	}
}

// Start validates req and records the run as running with a pending result
// tree per agent. The returned Run does nothing until Execute.
func (s *Scheduler) Start(req Request) (*Run, error) {
	if req.RunID == "" {
		return nil, bterrors.New(bterrors.ErrCodeInvalidInput, "run id required")
	}
	if len(req.AgentIDs) == 0 {
		return nil, bterrors.New(bterrors.ErrCodeInvalidInput, "no agents to run on")
	}
	if err := manifest.ValidateNode(req.Tree); err != nil {
		return nil, err
	}
	if req.StepTimeout <= 0 {
		req.StepTimeout = DefaultStepTimeout
	}

	agentIDs := slices.Clone(req.AgentIDs)
	slices.Sort(agentIDs)
	agentIDs = slices.Compact(agentIDs)
	for _, id := range agentIDs {
		if _, ok := s.agents.Agent(id); !ok {
			return nil, bterrors.New(bterrors.ErrCodeAgentNotFound, "agent not connected").
				WithContext("agent_id", id)
		}
	}
	if _, ok, _ := state.GetRun(s.state, req.RunID); ok {
		return nil, bterrors.New(bterrors.ErrCodeInvalidInput, "run id already used").
			WithContext("test_run_id", req.RunID)
	}

	lanes := manifest.Lanes(req.Tree)
	record := &state.TestRun{
		TestRunID:   req.RunID,
		Status:      protocol.StatusRunning,
		StartedAt:   time.Now().UTC(),
		ManifestURL: req.ManifestURL,
		Tree:        req.Tree,
		Agents:      make(map[string]*state.AgentRun, len(agentIDs)),
	}
	for _, id := range agentIDs {
		record.Agents[id] = state.NewAgentRun(id, req.Tree, lanes)
	}
	if err := state.PutRun(s.state, record); err != nil {
		return nil, bterrors.Wrap(err, bterrors.ErrCodeInternal, "record test run")
	}

	req.AgentIDs = agentIDs
	return &Run{
		s:       s,
		req:     req,
		lanes:   lanes,
		started: record.StartedAt,
		log:     s.log.WithRun(req.RunID),
	}, nil
}
