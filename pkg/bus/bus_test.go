package bus

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newBus(t *testing.T) *MemoryBus {
	t.Helper()
	b := NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func collect(t *testing.T, b *MemoryBus, pattern string) <-chan *Message {
	t.Helper()
	received := make(chan *Message, 1024)
	_, err := b.Subscribe(context.Background(), pattern, func(msg *Message) []byte {
		received <- msg
		return nil
	})
	require.NoError(t, err)
	return received
}

func next(t *testing.T, ch <-chan *Message) *Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func TestPublishReachesRunSubscribers(t *testing.T) {
	b := newBus(t)
	exact := collect(t, b, "bigtest.run.r1.agent_1")
	all := collect(t, b, SubjectRunPrefix+".>")

	require.NoError(t, b.Publish(context.Background(), RunSubject("r1", "agent.1"), []byte("hello")))

	assert.Equal(t, "hello", string(next(t, exact).Data))
	msg := next(t, all)
	assert.Equal(t, "bigtest.run.r1.agent_1", msg.Subject)
}

func TestSlowSubscriberKeepsEveryEventInOrder(t *testing.T) {
	b := newBus(t)
	release := make(chan struct{})
	received := make(chan string, 1024)
	_, err := b.Subscribe(context.Background(), "bigtest.run.>", func(msg *Message) []byte {
		<-release
		received <- string(msg.Data)
		return nil
	})
	require.NoError(t, err)

	const n = 600
	for i := range n {
		require.NoError(t, b.Publish(context.Background(), RunSubject("r1", "x"), fmt.Appendf(nil, "%d", i)))
	}
	close(release)
	for i := range n {
		select {
		case got := <-received:
			require.Equal(t, fmt.Sprint(i), got)
		case <-time.After(time.Second):
			t.Fatalf("message %d never arrived", i)
		}
	}
}

func TestRequestReply(t *testing.T) {
	b := newBus(t)
	_, err := b.Subscribe(context.Background(), SubjectRunRequest, func(msg *Message) []byte {
		return append([]byte("run: "), msg.Data...)
	})
	require.NoError(t, err)

	reply, err := b.Request(context.Background(), SubjectRunRequest, []byte("hello"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "run: hello", string(reply))
}

func TestRequestErrors(t *testing.T) {
	b := newBus(t)

	_, err := b.Request(context.Background(), "nobody", []byte("hello"), 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoResponders)

	_, err = b.Subscribe(context.Background(), "silent", func(*Message) []byte { return nil })
	require.NoError(t, err)
	_, err = b.Request(context.Background(), "silent", nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Request(ctx, "silent", nil, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnsubscribe(t *testing.T) {
	b := newBus(t)
	var received atomic.Int32
	sub, err := b.Subscribe(context.Background(), "test", func(*Message) []byte {
		received.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "test", sub.Subject())

	require.NoError(t, b.Publish(context.Background(), "test", []byte("1")))
	require.Eventually(t, func() bool { return received.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish(context.Background(), "test", []byte("2")))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), received.Load())
	assert.Zero(t, b.subscriptions())
}

func TestContextEndsSubscription(t *testing.T) {
	b := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := b.Subscribe(ctx, "test", func(*Message) []byte { return nil })
	require.NoError(t, err)
	cancel()

	assert.Eventually(t, func() bool { return b.subscriptions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"foo", "foo", true},
		{"foo", "bar", false},
		{"foo.*", "foo.bar", true},
		{"foo.*", "foo.bar.baz", false},
		{"foo.>", "foo.bar.baz", true},
		{"foo.>", "foo", false},
		{"*.bar", "foo.bar", true},
		{"bigtest.run.*.*", "bigtest.run.01HZ.agent_1", true},
		{"bigtest.run.*", "bigtest.run", false},
		{"bigtest.run", "bigtest.run.r1", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.subject, func(t *testing.T) {
			assert.Equal(t, tt.want, matchSubject(tt.pattern, tt.subject))
		})
	}
}

func TestRunSubjectTokens(t *testing.T) {
	assert.Equal(t, "bigtest.run.r1.agent_7", RunSubject("r1", "agent.7"))
	assert.Equal(t, "_", Token(""))
	assert.Equal(t, "a_b_c_d", Token("a*b>c d"))
}

func TestClosedBus(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Close())

	ctx := context.Background()
	assert.ErrorIs(t, b.Publish(ctx, "test", []byte("data")), ErrClosed)
	_, err := b.Subscribe(ctx, "test", nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = b.Request(ctx, "test", nil, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Close(), ErrClosed)
}

func TestOpen(t *testing.T) {
	b, err := Open(DefaultConfig())
	require.NoError(t, err)
	assert.IsType(t, &MemoryBus{}, b)
	require.NoError(t, b.Close())

	cfg := DefaultConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.Timeout = 100 * time.Millisecond
	_, err = Open(cfg)
	assert.ErrorContains(t, err, "nats connect")
}
