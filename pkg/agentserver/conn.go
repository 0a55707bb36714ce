package agentserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/odvcencio/bigtest/pkg/protocol"
	"github.com/odvcencio/bigtest/pkg/stream"
	"github.com/odvcencio/bigtest/pkg/task"
)

// ErrDisconnected is returned once an agent connection has closed cleanly.
var ErrDisconnected = errors.New("agent disconnected")

const writeTimeout = 15 * time.Second

type wsConn interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
	Close(status websocket.StatusCode, reason string) error
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Ping(ctx context.Context) error
}

// Conn is one connected agent. Outgoing commands go through a single writer;
// inbound events fan out to every Inbox in arrival order.
type Conn struct {
	id          string
	data        map[string]any
	connectedAt time.Time
	ws          wsConn
	task        *task.Task

	send   chan []byte
	closed chan struct{}

	mu      sync.Mutex
	inboxes map[*Inbox]struct{}
	err     error
	ended   bool
}

func newConn(id string, data map[string]any, ws wsConn, t *task.Task) *Conn {
	return &Conn{
		id:          id,
		data:        data,
		connectedAt: time.Now().UTC(),
		ws:          ws,
		task:        t,
		send:        make(chan []byte, 64),
		closed:      make(chan struct{}),
		inboxes:     make(map[*Inbox]struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Data returns the metadata the agent sent in its handshake.
func (c *Conn) Data() map[string]any { return c.data }

func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// Done is closed once the connection is fully torn down.
func (c *Conn) Done() <-chan struct{} { return c.task.Done() }

// Err reports why the connection ended: nil for a clean close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send queues msg for the writer. It blocks while the outgoing buffer is
// full and fails once the connection is gone.
func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return c.disconnectErr()
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return c.disconnectErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns an Inbox receiving every event read after this call.
func (c *Conn) Subscribe() *Inbox {
	in := &Inbox{conn: c, queue: stream.NewQueue[protocol.Event]()}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		in.queue.Close()
		return in
	}
	c.inboxes[in] = struct{}{}
	return in
}

// Close tears the connection down from the holder side. It is a clean close.
func (c *Conn) Close() {
	c.task.Halt()
}

func (c *Conn) publish(ev protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for in := range c.inboxes {
		in.queue.Push(ev)
	}
}

func (c *Conn) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	c.err = err
	for in := range c.inboxes {
		in.queue.Close()
	}
	c.inboxes = nil
	close(c.closed)
}

func (c *Conn) disconnectErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrDisconnected
}

func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case data := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Conn) pingLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
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

// Inbox is an ordered view of the events an agent sends.
type Inbox struct {
	conn  *Conn
	queue *stream.Queue[protocol.Event]
}

// Next returns the next event. After the connection ends and the buffered
// events are drained it returns the disconnect reason, or ErrDisconnected.
func (in *Inbox) Next(ctx context.Context) (protocol.Event, error) {
	ev, err := in.queue.Next(ctx)
	if errors.Is(err, stream.ErrClosed) {
		return nil, in.conn.disconnectErr()
	}
	return ev, err
}

// Close stops delivery to this inbox.
func (in *Inbox) Close() {
	in.conn.mu.Lock()
	delete(in.conn.inboxes, in)
	in.conn.mu.Unlock()
	in.queue.Close()
}
