// Package agentserver accepts websocket connections from test agents, keeps
// a registry of who is connected, and mirrors it into the orchestrator Atom.
package agentserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/odvcencio/bigtest/pkg/atom"
	bterrors "github.com/odvcencio/bigtest/pkg/errors"
	"github.com/odvcencio/bigtest/pkg/logging"
	"github.com/odvcencio/bigtest/pkg/protocol"
	"github.com/odvcencio/bigtest/pkg/state"
	"github.com/odvcencio/bigtest/pkg/task"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 20 * time.Second
	DefaultReadLimit        = 8 << 20

	pingTimeout = 5 * time.Second
)

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadLimit        int64
	MaxConnections   int
	Logger           *logging.Logger

	// OnConnect runs after an agent is registered.
	OnConnect func(*Conn)
	// OnError receives protocol violations and unexpected disconnects.
	// They never stop the manager.
	OnError func(error)
}

// Manager owns every agent connection. Connections run as children of the
// task passed to New, so halting it closes every socket.
type Manager struct {
	parent  *task.Task
	state   *atom.Atom
	opts    Options
	log     *logging.Logger
	limiter *connLimiter
	seq     atomic.Uint64

	mu    sync.RWMutex
	conns map[string]*Conn
}

func New(parent *task.Task, a *atom.Atom, opts Options) *Manager {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	return &Manager{
		parent:  parent,
		state:   a,
		opts:    opts,
		log:     logging.OrNop(opts.Logger).WithComponent("agentserver"),
		limiter: newConnLimiter(opts.MaxConnections),
		conns:   make(map[string]*Conn),
	}
}

// Get returns the live connection of id.
func (m *Manager) Get(id string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	return c, ok
}

// IDs lists connected agents in sorted order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !m.limiter.Acquire() {
		http.Error(w, "too many agent connections", http.StatusServiceUnavailable)
		return
	}
	defer m.limiter.Release()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		m.log.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(m.opts.ReadLimit)

	remote := r.RemoteAddr
	t := m.parent.Spawn("agent", func(t *task.Task) error {
		return m.serve(t, ws, remote)
	}, task.WithErrorHandler(m.report))
	<-t.Done()
}

func (m *Manager) report(err error) {
	m.log.Warn("agent connection error", "error", err, "code", bterrors.GetCode(err))
	if m.opts.OnError != nil {
		m.opts.OnError(err)
	}
}

func (m *Manager) serve(t *task.Task, ws wsConn, remote string) (err error) {
	ctx := t.Context()

	hello, err := m.handshake(ctx, ws)
	if err != nil {
		_ = ws.Close(websocket.StatusPolicyViolation, "handshake failed")
		return err
	}
	if hello == nil {
		_ = ws.Close(websocket.StatusNormalClosure, "shutdown")
		return nil
	}

	c, err := m.register(t, ws, hello)
	if err != nil {
		_ = ws.Close(websocket.StatusPolicyViolation, "handshake rejected")
		return err
	}
	defer func() {
		_ = ws.Close(websocket.StatusNormalClosure, "")
		m.unregister(c)
		c.finish(err)
		m.log.AgentDisconnected(c.id, err)
	}()

	t.Spawn("write", func(wt *task.Task) error {
		return c.writeLoop(wt.Context())
	})
	t.Spawn("ping", func(pt *task.Task) error {
		c.pingLoop(pt.Context(), m.opts.PingInterval)
		return nil
	})

	m.log.AgentConnected(c.id, remote)
	if m.opts.OnConnect != nil {
		m.opts.OnConnect(c)
	}

	readErr := make(chan error, 1)
	go func() {
		readErr <- m.readLoop(c, ws)
	}()

	select {
	case err := <-readErr:
		return err
	case <-ctx.Done():
		_ = ws.Close(websocket.StatusNormalClosure, "shutdown")
		<-readErr
		cause := context.Cause(ctx)
		if errors.Is(cause, task.ErrHalted) {
			return nil
		}
		return bterrors.Wrap(cause, bterrors.ErrCodeUnexpectedDisconnect, "agent connection failed").
			WithContext("agent_id", c.id)
	}
}

// handshake reads the first frame. A nil result with a nil error means the
// peer or the manager went away before saying anything.
func (m *Manager) handshake(ctx context.Context, ws wsConn) (*protocol.Connected, error) {
	hctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()

	_, data, err := ws.Read(hctx)
	if err != nil {
		switch {
		case errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			return nil, bterrors.New(bterrors.ErrCodeProtocolViolation, "no handshake received").
				WithContext("timeout", m.opts.HandshakeTimeout.String())
		case ctx.Err() != nil, isCleanClose(err):
			return nil, nil
		default:
			return nil, bterrors.Wrap(err, bterrors.ErrCodeUnexpectedDisconnect, "connection lost before handshake")
		}
	}
	return protocol.DecodeHandshake(data)
}

func (m *Manager) register(t *task.Task, ws wsConn, hello *protocol.Connected) (*Conn, error) {
	data := hello.Data
	if data == nil {
		data = map[string]any{}
	}

	m.mu.Lock()
	id := hello.AgentID
	if id == "" {
		for {
			id = fmt.Sprintf("agent.%d", m.seq.Add(1))
			if _, taken := m.conns[id]; !taken {
				break
			}
		}
	} else if _, taken := m.conns[id]; taken {
		m.mu.Unlock()
		return nil, bterrors.New(bterrors.ErrCodeProtocolViolation, "agent id already connected").
			WithContext("agent_id", id)
	}
	c := newConn(id, data, ws, t)
	m.conns[id] = c
	m.mu.Unlock()

	err := state.PutAgent(m.state, state.AgentRecord{
		AgentID:     id,
		Data:        data,
		ConnectedAt: c.connectedAt,
		Status:      "connected",
	})
	if err != nil {
		m.unregister(c)
		return nil, bterrors.Wrap(err, bterrors.ErrCodeInternal, "record agent")
	}
	return c, nil
}

func (m *Manager) unregister(c *Conn) {
	m.mu.Lock()
	if m.conns[c.id] == c {
		delete(m.conns, c.id)
	}
	m.mu.Unlock()
	state.RemoveAgent(m.state, c.id)
}

func (m *Manager) readLoop(c *Conn, ws wsConn) error {
	for {
		typ, data, err := ws.Read(context.Background())
		if err != nil {
			if isCleanClose(err) {
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				return bterrors.Wrap(err, bterrors.ErrCodeProtocolViolation, "connection closed for policy violation").
					WithContext("agent_id", c.id)
			}
			return bterrors.Wrap(err, bterrors.ErrCodeUnexpectedDisconnect, "agent disconnected").
				WithContext("agent_id", c.id)
		}
		if typ != websocket.MessageText {
			_ = ws.Close(websocket.StatusPolicyViolation, "expected text frame")
			return bterrors.New(bterrors.ErrCodeProtocolViolation, "binary frame").WithContext("agent_id", c.id)
		}
		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			_ = ws.Close(websocket.StatusPolicyViolation, "protocol violation")
			if e, ok := bterrors.As(err); ok {
				return e.WithContext("agent_id", c.id)
			}
			return err
		}
		c.publish(ev)
	}
}

func isCleanClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
