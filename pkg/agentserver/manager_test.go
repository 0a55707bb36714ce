package agentserver

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"nhooyr.io/websocket"

	"github.com/odvcencio/bigtest/pkg/atom"
	bterrors "github.com/odvcencio/bigtest/pkg/errors"
	"github.com/odvcencio/bigtest/pkg/protocol"
	"github.com/odvcencio/bigtest/pkg/state"
	"github.com/odvcencio/bigtest/pkg/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type errSink struct {
	mu   sync.Mutex
	errs []error
	got  chan struct{}
}

func newErrSink() *errSink {
	return &errSink{got: make(chan struct{}, 16)}
}

func (s *errSink) add(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
	s.got <- struct{}{}
}

func (s *errSink) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-s.got:
	case <-time.After(5 * time.Second):
		t.Fatal("no error reported")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs[len(s.errs)-1]
}

func (s *errSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}

type fixture struct {
	manager *Manager
	state   *atom.Atom
	root    *task.Task
	errs    *errSink
	url     string
}

func setup(t *testing.T, opts Options) *fixture {
	t.Helper()
	a := state.New()
	root := task.Start(context.Background(), "test", func(t *task.Task) error {
		<-t.Context().Done()
		return nil
	})
	errs := newErrSink()
	opts.OnError = errs.add
	m := New(root, a, opts)
	srv := httptest.NewServer(m)
	t.Cleanup(func() {
		root.Halt()
		_ = root.Wait(context.Background())
		srv.Close()
	})
	return &fixture{
		manager: m,
		state:   a,
		root:    root,
		errs:    errs,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (f *fixture) dial(t *testing.T, hello string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	if hello != "" {
		require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(hello)))
	}
	return conn
}

func (f *fixture) waitAgent(t *testing.T, id string, present bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := f.state.Slice(state.AgentPath(id)...).Once(ctx, func(v any) bool {
		return (v != nil) == present
	})
	require.NoError(t, err, "agent %s present=%v", id, present)
}

func TestHandshakeRegistersAgent(t *testing.T) {
	f := setup(t, Options{})
	f.dial(t, `{"type":"connected","data":{"browser":"chrome"}}`)
	f.waitAgent(t, "agent.1", true)

	rec := f.state.Slice(state.AgentPath("agent.1")...)
	assert.Equal(t, "connected", rec.Slice(atom.Key("status")).Get())
	assert.Equal(t, "chrome", rec.Slice(atom.Key("data"), atom.Key("browser")).Get())

	c, ok := f.manager.Get("agent.1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"browser": "chrome"}, c.Data())

	f.dial(t, `{"type":"connected","agentId":"chrome-1"}`)
	f.waitAgent(t, "chrome-1", true)
	assert.Equal(t, []string{"agent.1", "chrome-1"}, f.manager.IDs())
}

func TestSendAndSubscribe(t *testing.T) {
	f := setup(t, Options{})
	ws := f.dial(t, `{"type":"connected","agentId":"a"}`)
	f.waitAgent(t, "a", true)
	c, ok := f.manager.Get("a")
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inbox := c.Subscribe()
	defer inbox.Close()

	cmd := &protocol.RunCommand{
		TestRunID: "r1",
		AgentID:   "a",
		Tree:      &protocol.Node{Description: "All"},
		Lane:      []string{"All"},
		LaneCount: 1,
	}
	require.NoError(t, c.Send(ctx, cmd))
	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	got, err := protocol.DecodeCommand(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"All"}, got.Lane)

	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"type":"run:begin","testRunId":"r1"}`)))
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"type":"lane:begin","testRunId":"r1","path":["All"]}`)))

	ev, err := inbox.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeRunBegin, ev.MessageType())
	ev, err = inbox.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"All"}, ev.EventPath())
}

func TestDuplicateAgentIDIsRejected(t *testing.T) {
	f := setup(t, Options{})
	f.dial(t, `{"type":"connected","agentId":"a"}`)
	f.waitAgent(t, "a", true)

	dup := f.dial(t, `{"type":"connected","agentId":"a"}`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := dup.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))

	err = f.errs.wait(t)
	assert.True(t, bterrors.IsCode(err, bterrors.ErrCodeProtocolViolation))

	_, ok := f.manager.Get("a")
	assert.True(t, ok, "the first connection is unaffected")
}

func TestMalformedHandshakeIsViolation(t *testing.T) {
	f := setup(t, Options{})
	ws := f.dial(t, `{"type":"lane:begin","testRunId":"r1","path":["All"]}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := ws.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))

	err = f.errs.wait(t)
	assert.True(t, bterrors.IsCode(err, bterrors.ErrCodeProtocolViolation))
	assert.Empty(t, f.manager.IDs())
}

func TestHandshakeTimeout(t *testing.T) {
	f := setup(t, Options{HandshakeTimeout: 50 * time.Millisecond})
	ws := f.dial(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := ws.Read(ctx)
	require.Error(t, err)

	err = f.errs.wait(t)
	assert.True(t, bterrors.IsCode(err, bterrors.ErrCodeProtocolViolation))
}

func TestUnknownFrameClosesConnection(t *testing.T) {
	f := setup(t, Options{})
	ws := f.dial(t, `{"type":"connected","agentId":"a"}`)
	f.waitAgent(t, "a", true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"type":"bogus","testRunId":"r1"}`)))
	_, _, err := ws.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))

	err = f.errs.wait(t)
	assert.True(t, bterrors.IsCode(err, bterrors.ErrCodeProtocolViolation))
	f.waitAgent(t, "a", false)
}

func TestCleanCloseRemovesAgentSilently(t *testing.T) {
	f := setup(t, Options{})
	ws := f.dial(t, `{"type":"connected","agentId":"a"}`)
	f.waitAgent(t, "a", true)
	c, _ := f.manager.Get("a")
	inbox := c.Subscribe()

	require.NoError(t, ws.Close(websocket.StatusNormalClosure, "bye"))
	f.waitAgent(t, "a", false)

	<-c.Done()
	assert.NoError(t, c.Err())
	_, err := inbox.Next(context.Background())
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Zero(t, f.errs.count())
}

func TestUnexpectedDisconnectIsReported(t *testing.T) {
	f := setup(t, Options{})
	ws := f.dial(t, `{"type":"connected","agentId":"a"}`)
	f.waitAgent(t, "a", true)
	c, _ := f.manager.Get("a")
	inbox := c.Subscribe()

	require.NoError(t, ws.Close(websocket.StatusInternalError, "crashed"))

	err := f.errs.wait(t)
	assert.True(t, bterrors.IsCode(err, bterrors.ErrCodeUnexpectedDisconnect))
	f.waitAgent(t, "a", false)

	_, err = inbox.Next(context.Background())
	assert.True(t, bterrors.IsCode(err, bterrors.ErrCodeUnexpectedDisconnect))
	assert.Error(t, c.Send(context.Background(), &protocol.RunCommand{TestRunID: "r1", Tree: &protocol.Node{}}))
}

func TestHolderCloseIsClean(t *testing.T) {
	f := setup(t, Options{})
	ws := f.dial(t, `{"type":"connected","agentId":"a"}`)
	f.waitAgent(t, "a", true)
	c, _ := f.manager.Get("a")

	c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := ws.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))

	<-c.Done()
	f.waitAgent(t, "a", false)
	assert.NoError(t, c.Err())
	assert.Zero(t, f.errs.count())
}

func TestHaltingManagerClosesEverySocket(t *testing.T) {
	f := setup(t, Options{})
	a := f.dial(t, `{"type":"connected","agentId":"a"}`)
	b := f.dial(t, `{"type":"connected","agentId":"b"}`)
	f.waitAgent(t, "a", true)
	f.waitAgent(t, "b", true)

	f.root.Halt()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, ws := range []*websocket.Conn{a, b} {
		_, _, err := ws.Read(ctx)
		assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
	}
	require.NoError(t, f.root.Wait(ctx))
	assert.Empty(t, f.manager.IDs())
}

func TestConnectionLimit(t *testing.T) {
	f := setup(t, Options{MaxConnections: 1})
	f.dial(t, `{"type":"connected","agentId":"a"}`)
	f.waitAgent(t, "a", true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, f.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
}

func TestConnLimiterAcquireRelease(t *testing.T) {
	limiter := newConnLimiter(2)
	require.True(t, limiter.Acquire())
	require.True(t, limiter.Acquire())
	require.False(t, limiter.Acquire())

	limiter.Release()
	require.True(t, limiter.Acquire())
	limiter.Release()
	limiter.Release()

	var nilLimiter *connLimiter
	assert.True(t, nilLimiter.Acquire())
	nilLimiter.Release()
	assert.Nil(t, newConnLimiter(0))
}
