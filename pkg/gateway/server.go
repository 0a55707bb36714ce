// Package gateway exposes the orchestrator Atom to clients: one-shot and
// live queries over a websocket, and point-in-time reads over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/odvcencio/bigtest/pkg/atom"
	bterrors "github.com/odvcencio/bigtest/pkg/errors"
	"github.com/odvcencio/bigtest/pkg/logging"
	"github.com/odvcencio/bigtest/pkg/protocol"
	"github.com/odvcencio/bigtest/pkg/task"
	"github.com/odvcencio/bigtest/pkg/telemetry"
)

const (
	DefaultRequestRate  = rate.Limit(50)
	DefaultRequestBurst = 100
	DefaultReadLimit    = 1 << 20
	DefaultPingInterval = 20 * time.Second

	pingTimeout  = 5 * time.Second
	writeTimeout = 15 * time.Second
	sendBuffer   = 64
)

type Options struct {
	// Evaluator answers queries. Defaults to PathEvaluator.
	Evaluator Evaluator
	// RequestRate and RequestBurst throttle the requests of one connection.
	RequestRate  rate.Limit
	RequestBurst int
	ReadLimit    int64
	PingInterval time.Duration
	Logger       *logging.Logger
}

// Server answers queries against an Atom. Connections live as children of
// the parent task and are closed when it halts.
type Server struct {
	parent *task.Task
	state  *atom.Atom
	opts   Options
	log    *logging.Logger
}

func New(parent *task.Task, a *atom.Atom, opts Options) *Server {
	if opts.Evaluator == nil {
		opts.Evaluator = PathEvaluator{}
	}
	if opts.RequestRate <= 0 {
		opts.RequestRate = DefaultRequestRate
	}
	if opts.RequestBurst <= 0 {
		opts.RequestBurst = DefaultRequestBurst
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	return &Server{
		parent: parent,
		state:  a,
		opts:   opts,
		log:    logging.OrNop(opts.Logger).WithComponent("gateway"),
	}
}

// Query evaluates query against the current snapshot.
func (s *Server) Query(query json.RawMessage) (any, []error) {
	return s.opts.Evaluator.Evaluate(query, s.state.Get())
}

// ServeHTTP upgrades the request and serves queries until either side
// closes the socket.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(s.opts.ReadLimit)

	t := s.parent.Spawn("query", func(t *task.Task) error {
		sess := &session{
			s:       s,
			ws:      ws,
			out:     make(chan []byte, sendBuffer),
			limiter: rate.NewLimiter(s.opts.RequestRate, s.opts.RequestBurst),
			log:     &logging.Logger{Logger: s.log.With("remote", r.RemoteAddr)},
		}
		return sess.serve(t)
	}, task.WithErrorHandler(func(err error) {
		s.log.Debug("query connection ended", "error", err)
	}))
	<-t.Done()
}

// HandleState serves GET /api/state?query=... The query parameter is either
// JSON (a string or a PathQuery object) or a bare path.
func (s *Server) HandleState(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	resp := protocol.QueryResponse{ResponseID: params.Get("responseId")}
	status := http.StatusOK

	data, errs := s.Query(queryParam(params.Get("query")))
	if len(errs) > 0 {
		resp = protocol.ErrorResponse(resp.ResponseID, errs...)
		status = http.StatusBadRequest
	} else {
		resp.Data = data
	}
	telemetry.QueryRequests.WithLabelValues("false", outcome(resp.Errors)).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func queryParam(q string) json.RawMessage {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil
	}
	if q[0] == '{' || q[0] == '"' {
		return json.RawMessage(q)
	}
	return json.RawMessage(strconv.Quote(q))
}

func outcome(errs []protocol.QueryError) string {
	if len(errs) > 0 {
		return "error"
	}
	return "ok"
}

// session is one query connection. Every response goes through out so a
// single goroutine writes to the socket.
type session struct {
	s       *Server
	ws      *websocket.Conn
	out     chan []byte
	limiter *rate.Limiter
	log     *logging.Logger
}

func (c *session) serve(t *task.Task) error {
	ctx := t.Context()

	t.Spawn("write", func(wt *task.Task) error {
		return c.writeLoop(wt.Context())
	})
	t.Spawn("ping", func(pt *task.Task) error {
		c.pingLoop(pt.Context())
		return nil
	})

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(t)
	}()

	select {
	case err := <-readErr:
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
		return err
	case <-ctx.Done():
		_ = c.ws.Close(websocket.StatusNormalClosure, "shutdown")
		<-readErr
		return nil
	}
}

func (c *session) readLoop(t *task.Task) error {
	ctx := t.Context()
	for {
		typ, data, err := c.ws.Read(context.Background())
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return bterrors.Wrap(err, bterrors.ErrCodeUnexpectedDisconnect, "query connection lost")
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}
		if typ != websocket.MessageText {
			c.reject(ctx, "", errors.New("query frames must be text"))
			continue
		}

		var req protocol.QueryRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.reject(ctx, "", bterrors.Wrap(err, bterrors.ErrCodeInvalidInput, "malformed query request"))
			continue
		}
		if !req.Live {
			resp := c.respond(req, c.s.state.Get())
			c.send(ctx, resp)
			telemetry.QueryRequests.WithLabelValues("false", outcome(resp.Errors)).Inc()
			continue
		}
		telemetry.QueryRequests.WithLabelValues("true", "ok").Inc()
		t.Spawn("live", func(lt *task.Task) error {
			telemetry.QueriesActive.Inc()
			defer telemetry.QueriesActive.Dec()
			c.live(lt.Context(), req)
			return nil
		})
	}
}

// live answers req now and after every change until ctx ends. A reset of
// the Atom closes the subscription; the query then subscribes again and
// answers with the reset snapshot.
func (c *session) live(ctx context.Context, req protocol.QueryRequest) {
	for ctx.Err() == nil {
		if !c.follow(ctx, req) {
			return
		}
	}
}

func (c *session) follow(ctx context.Context, req protocol.QueryRequest) (reset bool) {
	sub := c.s.state.Subscribe()
	defer sub.Close()
	if !c.send(ctx, c.respond(req, c.s.state.Get())) {
		return false
	}
	for {
		snapshot, err := sub.Next(ctx)
		if errors.Is(err, atom.ErrSubscriptionClosed) {
			return true
		}
		if err != nil {
			return false
		}
		if !c.send(ctx, c.respond(req, snapshot)) {
			return false
		}
	}
}

func (c *session) respond(req protocol.QueryRequest, snapshot any) protocol.QueryResponse {
	data, errs := c.s.opts.Evaluator.Evaluate(req.Query, snapshot)
	if len(errs) > 0 {
		return protocol.ErrorResponse(req.ResponseID, errs...)
	}
	return protocol.QueryResponse{ResponseID: req.ResponseID, Data: data}
}

func (c *session) reject(ctx context.Context, responseID string, err error) {
	telemetry.QueryRequests.WithLabelValues("false", "invalid").Inc()
	c.log.Debug("query rejected", "error", err)
	c.send(ctx, protocol.ErrorResponse(responseID, err))
}

// send queues resp for the writer. It reports false once ctx has ended.
func (c *session) send(ctx context.Context, resp protocol.QueryResponse) bool {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(protocol.ErrorResponse(resp.ResponseID, err))
	}
	select {
	case c.out <- data:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-c.out:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return bterrors.Wrap(err, bterrors.ErrCodeUnexpectedDisconnect, "query response write failed")
			}
		}
	}
}

func (c *session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			_ = c.ws.Ping(pingCtx)
			cancel()
		}
	}
}
