package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/odvcencio/bigtest/pkg/protocol"
	"github.com/odvcencio/bigtest/pkg/stream"
)

// ErrClientClosed is returned by pending calls once the client is closed
// or its connection is lost.
var ErrClientClosed = errors.New("query client closed")

// ErrSubscriptionClosed is returned by Next after Subscription.Close.
var ErrSubscriptionClosed = errors.New("query subscription closed")

// Client issues queries over one websocket connection. Responses are
// matched to requests by responseId only, so any number of queries may be
// in flight.
type Client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.QueryResponse
	live    map[string]*Subscription
	err     error
	done    chan struct{}
}

// Dial connects to a query endpoint such as ws://host:port/query.
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(DefaultReadLimit * 8)
	c := &Client{
		ws:      ws,
		pending: make(map[string]chan protocol.QueryResponse),
		live:    make(map[string]*Subscription),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Query evaluates query once. query is marshaled to JSON, so it may be a
// path string, a PathQuery or a json.RawMessage.
func (c *Client) Query(ctx context.Context, query any) (any, error) {
	id := uuid.NewString()
	ch := make(chan protocol.QueryResponse, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, query, id, false); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		if err := resp.Err(); err != nil {
			return nil, err
		}
		return resp.Data, nil
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe starts a live query. The first response answers the current
// state; one more follows every change.
func (c *Client) Subscribe(ctx context.Context, query any) (*Subscription, error) {
	sub := &Subscription{
		id:     uuid.NewString(),
		client: c,
		queue:  stream.NewQueue[protocol.QueryResponse](),
	}
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	c.live[sub.id] = sub
	c.mu.Unlock()

	if err := c.write(ctx, query, sub.id, true); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

// Close closes the connection and fails every pending call.
func (c *Client) Close() error {
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	<-c.done
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}

func (c *Client) write(ctx context.Context, query any, id string, live bool) error {
	raw, err := json.Marshal(query)
	if err != nil {
		return fmt.Errorf("encode query: %w", err)
	}
	data, err := json.Marshal(protocol.QueryRequest{Query: raw, ResponseID: id, Live: live})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		c.err = ErrClientClosed
		if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
			c.err = fmt.Errorf("%w: %v", ErrClientClosed, err)
		}
		live := c.live
		c.live = map[string]*Subscription{}
		c.mu.Unlock()
		for _, sub := range live {
			sub.queue.Close()
		}
		close(c.done)
	}()

	for {
		var data []byte
		_, data, err = c.ws.Read(context.Background())
		if err != nil {
			return
		}
		var resp protocol.QueryResponse
		if json.Unmarshal(data, &resp) != nil {
			continue
		}

		c.mu.Lock()
		ch, oneShot := c.pending[resp.ResponseID]
		sub := c.live[resp.ResponseID]
		c.mu.Unlock()
		switch {
		case oneShot:
			select {
			case ch <- resp:
			default:
			}
		case sub != nil:
			sub.queue.Push(resp)
		}
	}
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Subscription yields the responses of one live query.
type Subscription struct {
	id     string
	client *Client
	queue  *stream.Queue[protocol.QueryResponse]
}

func (s *Subscription) ID() string { return s.id }

// Next blocks for the next response. Error responses are returned as
// errors and do not end the subscription.
func (s *Subscription) Next(ctx context.Context) (any, error) {
	resp, err := s.queue.Next(ctx)
	if errors.Is(err, stream.ErrClosed) {
		if cerr := s.client.closedErr(); cerr != nil {
			return nil, cerr
		}
		return nil, ErrSubscriptionClosed
	}
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Close stops delivery locally. The server keeps the query until the
// connection closes.
func (s *Subscription) Close() {
	s.client.mu.Lock()
	delete(s.client.live, s.id)
	s.client.mu.Unlock()
	s.queue.Close()
}
