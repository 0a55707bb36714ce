// Package orchestrator assembles the bigtest server: the agent endpoint, the
// scheduler that drives test runs, the query gateway, the manifest watcher
// and the message bus, all sharing one state Atom and one task tree.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"

	"github.com/odvcencio/bigtest/pkg/agentserver"
	"github.com/odvcencio/bigtest/pkg/atom"
	"github.com/odvcencio/bigtest/pkg/bus"
	"github.com/odvcencio/bigtest/pkg/config"
	bterrors "github.com/odvcencio/bigtest/pkg/errors"
	"github.com/odvcencio/bigtest/pkg/gateway"
	"github.com/odvcencio/bigtest/pkg/logging"
	"github.com/odvcencio/bigtest/pkg/manifest"
	"github.com/odvcencio/bigtest/pkg/protocol"
	"github.com/odvcencio/bigtest/pkg/scheduler"
	"github.com/odvcencio/bigtest/pkg/state"
	"github.com/odvcencio/bigtest/pkg/task"
	"github.com/odvcencio/bigtest/pkg/telemetry"
)

const shutdownTimeout = 5 * time.Second

// Version is reported by /healthz and the trace resource.
var Version = "dev"

type Options struct {
	Config *config.Config
	Logger *logging.Logger

	// Bus replaces the one opened from Config.Bus. The orchestrator does not
	// close a bus it did not open.
	Bus bus.MessageBus

	// TraceOutput receives exported spans when tracing is enabled.
	TraceOutput io.Writer
}

// Orchestrator owns every long-lived component. Everything runs under one
// root task; Close halts it and waits for the tree to drain.
type Orchestrator struct {
	cfg *config.Config
	log *logging.Logger

	state     *atom.Atom
	root      *task.Task
	bus       bus.MessageBus
	agents    *agentserver.Manager
	gateway   *gateway.Server
	scheduler *scheduler.Scheduler
	tracer    *telemetry.TracerProvider
	router    http.Handler

	mu   sync.Mutex
	runs map[string]*task.Task
}

// New builds the orchestrator and starts its background work: the manifest
// watcher and the bus control subscription. The HTTP endpoints are served
// by Serve or ListenAndServe.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logging.OrNop(opts.Logger).WithComponent("orchestrator")

	o := &Orchestrator{
		cfg:   cfg,
		log:   log,
		state: state.New(),
		runs:  make(map[string]*task.Task),
	}

	manifestPath := config.ResolveManifestPath(cfg)
	if manifestPath != "" {
		tree, err := manifest.Load(manifestPath)
		if err != nil {
			return nil, err
		}
		if err := o.setManifest(manifestPath, tree); err != nil {
			return nil, err
		}
	}

	if cfg.Telemetry.Tracing {
		tp, err := telemetry.NewTracerProvider(cfg.Telemetry.ServiceName, Version, opts.TraceOutput)
		if err != nil {
			return nil, bterrors.Wrap(err, bterrors.ErrCodeInternal, "start tracing")
		}
		o.tracer = tp
	}

	o.bus = opts.Bus
	ownsBus := false
	if o.bus == nil {
		b, err := bus.Open(bus.Config{URL: cfg.Bus.URL, Name: cfg.Bus.Name, Timeout: cfg.Bus.Timeout, Logger: o.log})
		if err != nil {
			_ = o.tracer.Shutdown(context.Background())
			return nil, bterrors.Wrap(err, bterrors.ErrCodeConfigInvalid, "open message bus").
				WithContext("url", cfg.Bus.URL)
		}
		o.bus = b
		ownsBus = true
	}

	o.root = task.Start(ctx, "orchestrator", func(t *task.Task) error {
		<-t.Context().Done()
		return nil
	})
	o.root.Ensure(func() {
		if ownsBus {
			if err := o.bus.Close(); err != nil {
				log.Warn("closing message bus", "error", err)
			}
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := o.tracer.Shutdown(shutdownCtx); err != nil {
			log.Warn("flushing traces", "error", err)
		}
	})

	o.agents = agentserver.New(o.root, o.state, agentserver.Options{
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		MaxConnections:   cfg.Server.MaxAgents,
		Logger:           opts.Logger,
		OnConnect:        o.agentConnected,
		OnError:          o.agentFailed,
	})
	o.gateway = gateway.New(o.root, o.state, gateway.Options{
		RequestRate:  rate.Limit(cfg.Query.RequestRate),
		RequestBurst: cfg.Query.RequestBurst,
		Logger:       opts.Logger,
	})
	o.scheduler = scheduler.New(o.state, scheduler.FromManager(o.agents), scheduler.Options{
		LaneStartTimeout: cfg.Runs.LaneStartTimeout,
		LaneTimeout:      cfg.Runs.LaneTimeout,
		RunEndTimeout:    cfg.Runs.RunEndTimeout,
		Bus:              o.bus,
		Logger:           opts.Logger,
	})
	o.router = o.routes()

	if manifestPath != "" && cfg.Manifest.Watch {
		w, err := manifest.NewWatcher(manifestPath, func(tree *protocol.Node) {
			if err := o.setManifest(manifestPath, tree); err != nil {
				log.Warn("manifest reload rejected", "path", manifestPath, "error", err)
			}
		}, manifest.WithWatchDebounce(cfg.Manifest.Debounce), manifest.WithWatchLogger(log))
		if err != nil {
			o.root.Halt()
			_ = o.root.Wait(context.Background())
			return nil, err
		}
		o.root.Spawn("manifest-watch", func(t *task.Task) error {
			return w.Run(t.Context())
		}, task.WithErrorHandler(func(err error) {
			log.Error("manifest watcher stopped", "error", err)
		}))
	}

	o.root.Spawn("control", o.serveControl, task.WithErrorHandler(func(err error) {
		log.Error("run control subscription stopped", "error", err)
	}))

	return o, nil
}

// State is the Atom every component reads and writes.
func (o *Orchestrator) State() *atom.Atom { return o.state }

// Handler serves every endpoint of the orchestrator.
func (o *Orchestrator) Handler() http.Handler { return o.router }

// Done is closed once the orchestrator has fully stopped.
func (o *Orchestrator) Done() <-chan struct{} { return o.root.Done() }

// Close halts every component and waits for them to stop.
func (o *Orchestrator) Close() error {
	o.root.Halt()
	return o.root.Wait(context.Background())
}

// ListenAndServe serves on the configured address until the orchestrator is
// closed or its context ends.
func (o *Orchestrator) ListenAndServe() error {
	ln, err := net.Listen("tcp", o.cfg.Server.Addr)
	if err != nil {
		return bterrors.Wrap(err, bterrors.ErrCodeConfigInvalid, "listen").
			WithContext("addr", o.cfg.Server.Addr)
	}
	return o.Serve(ln)
}

// Serve accepts connections on ln until the orchestrator stops. Agent and
// query sockets are children of the root task, so they are closed before
// the HTTP server shuts down.
func (o *Orchestrator) Serve(ln net.Listener) error {
	server := &http.Server{
		Handler:           h2c.NewHandler(o.router, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		o.log.Info("orchestrator listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-o.root.Context().Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-serverErr
	case err := <-serverErr:
		o.root.Halt()
		return err
	}
}

// RunRequest starts a test run. Empty fields select the connected agents,
// the loaded manifest and the configured defaults.
type RunRequest struct {
	TestRunID   string         `json:"testRunId,omitempty"`
	Agents      []string       `json:"agents,omitempty"`
	Tree        *protocol.Node `json:"tree,omitempty"`
	AppURL      string         `json:"appUrl,omitempty"`
	StepTimeout int64          `json:"stepTimeout,omitempty"`
}

// StartRun records a new test run and executes it in the background. It
// returns the run id once the run is visible in the state.
func (o *Orchestrator) StartRun(req RunRequest) (string, error) {
	if req.TestRunID == "" {
		req.TestRunID = ulid.Make().String()
	}
	tree := req.Tree
	if tree == nil {
		current, err := state.Manifest(o.state)
		if err != nil {
			return "", bterrors.Wrap(err, bterrors.ErrCodeInternal, "read manifest")
		}
		if current == nil {
			return "", bterrors.New(bterrors.ErrCodeInvalidInput, "no manifest loaded")
		}
		tree = current
	}
	agents := req.Agents
	if len(agents) == 0 {
		agents = o.agents.IDs()
	}
	appURL := req.AppURL
	if appURL == "" {
		appURL = o.cfg.Manifest.AppURL
	}
	stepTimeout := o.cfg.Runs.StepTimeout
	if req.StepTimeout > 0 {
		stepTimeout = time.Duration(req.StepTimeout) * time.Millisecond
	}

	run, err := o.scheduler.Start(scheduler.Request{
		RunID:       req.TestRunID,
		Tree:        tree,
		AgentIDs:    agents,
		AppURL:      appURL,
		ManifestURL: o.cfg.Manifest.URL,
		StepTimeout: stepTimeout,
		Convergence: o.cfg.Convergence.Polling(),
	})
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.root.Spawn("run", func(t *task.Task) error {
		defer o.forget(run.ID())
		_, err := run.Execute(t.Context())
		return err
	}, task.WithErrorHandler(func(err error) {
		o.log.WithRun(run.ID()).Error("test run failed", "error", err)
	}))
	o.runs[run.ID()] = t
	return run.ID(), nil
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	delete(o.runs, id)
	o.mu.Unlock()
}

// WaitRun blocks until the run has finished and returns its record.
func (o *Orchestrator) WaitRun(ctx context.Context, id string) (*state.TestRun, error) {
	if _, ok, _ := state.GetRun(o.state, id); !ok {
		return nil, bterrors.New(bterrors.ErrCodeRunNotFound, "no such test run").
			WithContext("test_run_id", id)
	}
	reset := func() error {
		return bterrors.New(bterrors.ErrCodeRunNotFound, "test run was reset").
			WithContext("test_run_id", id)
	}
	_, err := o.state.Slice(state.RunPath(id).Append(atom.Key("finishedAt"))...).Once(ctx, func(v any) bool {
		return v != nil
	})
	if errors.Is(err, atom.ErrSubscriptionClosed) {
		return nil, reset()
	}
	if err != nil {
		return nil, err
	}
	run, ok, err := state.GetRun(o.state, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, reset()
	}
	return run, nil
}

// Reset halts runs in flight and clears every recorded run. Agents and the
// manifest are kept.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.mu.Lock()
	inFlight := make([]*task.Task, 0, len(o.runs))
	for _, t := range o.runs {
		inFlight = append(inFlight, t)
	}
	o.mu.Unlock()

	for _, t := range inFlight {
		t.Halt()
	}
	for _, t := range inFlight {
		select {
		case <-t.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	state.ResetRuns(o.state)
	o.log.Info("test runs reset", "halted", len(inFlight))
	return nil
}

func (o *Orchestrator) setManifest(path string, tree *protocol.Node) error {
	if err := state.SetManifest(o.state, tree); err != nil {
		return err
	}
	o.log.ManifestUpdated(path, len(manifest.Lanes(tree)))
	return nil
}

func (o *Orchestrator) agentConnected(c *agentserver.Conn) {
	telemetry.AgentsConnected.Inc()
	go func() {
		<-c.Done()
		telemetry.AgentsConnected.Dec()
	}()
}

func (o *Orchestrator) agentFailed(err error) {
	telemetry.AgentErrors.WithLabelValues(string(bterrors.GetCode(err))).Inc()
	o.log.Warn("agent connection failed", "code", string(bterrors.GetCode(err)), "error", err)
}
