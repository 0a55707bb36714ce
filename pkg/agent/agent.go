// Package agent is a runtime agent for Go test harnesses. It connects to an
// orchestrator, executes the lanes it is sent against a local executable
// manifest, and streams every result back.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/bigtest/pkg/convergence"
	"github.com/odvcencio/bigtest/pkg/errdetail"
	bterrors "github.com/odvcencio/bigtest/pkg/errors"
	"github.com/odvcencio/bigtest/pkg/lane"
	"github.com/odvcencio/bigtest/pkg/logging"
	"github.com/odvcencio/bigtest/pkg/manifest"
	"github.com/odvcencio/bigtest/pkg/protocol"
	"github.com/odvcencio/bigtest/pkg/stream"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second

	writeTimeout = 15 * time.Second
	closeGrace   = 5 * time.Second
)

// ArtifactCoverage is the run:end artifact key holding collected coverage.
const ArtifactCoverage = "coverage"

// CoverageCollector returns the coverage gathered during a run. It is
// called once per run, after the last lane.
type CoverageCollector interface {
	Collect(ctx context.Context, runID string) (any, error)
}

// CoverageFunc adapts a function to CoverageCollector.
type CoverageFunc func(ctx context.Context, runID string) (any, error)

func (f CoverageFunc) Collect(ctx context.Context, runID string) (any, error) {
	return f(ctx, runID)
}

type Options struct {
	// URL of the orchestrator's agent endpoint, e.g. ws://localhost:24001/agent.
	URL string
	// AgentID is sent in the handshake. Empty lets the orchestrator assign one.
	AgentID string
	// Data is free-form metadata published with the agent.
	Data map[string]any
	// Suite is the executable manifest lanes are run against.
	Suite *manifest.Test

	Coverage    CoverageCollector
	Resolver    errdetail.Resolver
	Convergence []convergence.Option

	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
	Logger           *logging.Logger
}

// Agent is one connection to an orchestrator.
type Agent struct {
	opts Options
	conn *websocket.Conn
	log  *logging.Logger

	writeMu sync.Mutex
	closing atomic.Bool
	id      atomic.Value
}

// Dial connects to the orchestrator and completes the handshake.
func Dial(ctx context.Context, opts Options) (*Agent, error) {
	if opts.Suite == nil {
		return nil, bterrors.New(bterrors.ErrCodeInvalidInput, "agent needs a suite")
	}
	if err := opts.Suite.Validate(); err != nil {
		return nil, bterrors.Wrap(err, bterrors.ErrCodeManifestInvalid, "invalid suite")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()
	conn, _, err := dialer.DialContext(dialCtx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial orchestrator %s: %w", opts.URL, err)
	}

	a := &Agent{
		opts: opts,
		conn: conn,
		log:  logging.OrNop(opts.Logger).WithComponent("agent"),
	}
	a.id.Store(opts.AgentID)
	if err := a.send(&protocol.Connected{AgentID: opts.AgentID, Data: opts.Data}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	return a, nil
}

// ID is the agent id: the configured one, or the id the orchestrator
// assigned once the first command has arrived.
func (a *Agent) ID() string {
	return a.id.Load().(string)
}

// Run serves run commands until the orchestrator closes the connection or
// ctx ends. Commands are executed one at a time, in arrival order. A
// normal close from either side returns nil.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmds := stream.NewQueue[*protocol.RunCommand]()
	var g errgroup.Group
	g.Go(func() error {
		a.work(ctx, cmds)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.shutdown()
		return nil
	})

	err := a.read(cmds)
	cmds.Close()
	cancel()
	_ = g.Wait()
	_ = a.conn.Close()
	return err
}

// Close asks the orchestrator to end the connection.
func (a *Agent) Close() error {
	a.shutdown()
	return nil
}

func (a *Agent) shutdown() {
	if a.closing.Swap(true) {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = a.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	_ = a.conn.SetReadDeadline(time.Now().Add(closeGrace))
}

func (a *Agent) read(cmds *stream.Queue[*protocol.RunCommand]) error {
	for {
		typ, data, err := a.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || a.closing.Load() {
				return nil
			}
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				return bterrors.Wrap(err, bterrors.ErrCodeProtocolViolation, "orchestrator rejected the agent")
			}
			return bterrors.Wrap(err, bterrors.ErrCodeUnexpectedDisconnect, "orchestrator connection lost")
		}
		if typ != websocket.TextMessage {
			continue
		}
		cmd, err := protocol.DecodeCommand(data)
		if err != nil {
			a.log.Warn("ignoring command", "error", err)
			continue
		}
		cmds.Push(cmd)
	}
}

func (a *Agent) work(ctx context.Context, cmds *stream.Queue[*protocol.RunCommand]) {
	for {
		cmd, err := cmds.Next(ctx)
		if err != nil {
			return
		}
		if err := a.execute(ctx, cmd); err != nil && ctx.Err() == nil {
			a.log.WithRun(cmd.TestRunID).Warn("lane failed to run",
				"lane", strings.Join(cmd.Lane, " > "),
				"error", err,
			)
		}
	}
}

// execute runs the lane of cmd. The first lane of a run is preceded by
// run:begin and the last is followed by run:end.
func (a *Agent) execute(ctx context.Context, cmd *protocol.RunCommand) error {
	if cmd.AgentID != "" {
		a.id.Store(cmd.AgentID)
	}
	if cmd.LaneIndex == 0 {
		if err := a.send(&protocol.RunBegin{TestRunID: cmd.TestRunID}); err != nil {
			return err
		}
	}

	runner := &lane.Runner{
		StepTimeout: time.Duration(cmd.StepTimeout) * time.Millisecond,
		Emit:        a.emit,
		Resolver:    a.opts.Resolver,
		Convergence: pollingOptions(cmd.Convergence, a.opts.Convergence),
	}
	laneErr := runner.Run(ctx, cmd.TestRunID, a.opts.Suite, cmd.Lane)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if cmd.LaneIndex < cmd.LaneCount-1 {
		return laneErr
	}
	end := &protocol.RunEnd{TestRunID: cmd.TestRunID}
	if a.opts.Coverage != nil {
		coverage, err := a.opts.Coverage.Collect(ctx, cmd.TestRunID)
		if err != nil {
			a.log.WithRun(cmd.TestRunID).Warn("coverage collection failed", "error", err)
		} else if coverage != nil {
			end.Artifacts = map[string]any{ArtifactCoverage: coverage}
		}
	}
	return errors.Join(laneErr, a.send(end))
}

func (a *Agent) emit(_ context.Context, ev protocol.Event) error {
	return a.send(ev)
}

// send writes m. Lane assertions emit concurrently, so writes are
// serialized here.
func (a *Agent) send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

// pollingOptions applies the run's polling settings under the agent's own
// options, so options given to Dial still win.
func pollingOptions(p *protocol.Polling, local []convergence.Option) []convergence.Option {
	if p == nil {
		return local
	}
	fromRun := convergence.WithOptions(convergence.Options{
		Interval:       time.Duration(p.Interval) * time.Millisecond,
		AlwaysFraction: p.AlwaysFraction,
		AlwaysMin:      time.Duration(p.AlwaysMin) * time.Millisecond,
	})
	return append([]convergence.Option{fromRun}, local...)
}
