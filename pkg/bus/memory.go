package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/bigtest/pkg/stream"
)

// MemoryBus is an in-process MessageBus. Every subscription drains its own
// unbounded queue on one goroutine, so a slow handler delays only itself and
// never loses run events.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[uint64]*memorySubscription
	nextID uint64
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[uint64]*memorySubscription)}
}

func (b *MemoryBus) Publish(_ context.Context, subject string, data []byte) error {
	_, err := b.deliver(&Message{Subject: subject, Data: data})
	return err
}

// deliver queues msg on every matching subscription and reports how many
// there were.
func (b *MemoryBus) deliver(msg *Message) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, sub := range b.subs {
		if matchSubject(sub.subject, msg.Subject) && sub.queue.Push(msg) {
			n++
		}
	}
	return n, nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	sub := &memorySubscription{
		id:      b.nextID,
		subject: subject,
		queue:   stream.NewQueue[*Message](),
		bus:     b,
	}
	b.subs[sub.id] = sub
	go sub.drain(ctx, handler)
	return sub, nil
}

func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	replies := make(chan []byte, 1)
	inbox, err := b.Subscribe(ctx, "_INBOX."+ulid.Make().String(), func(msg *Message) []byte {
		select {
		case replies <- msg.Data:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer inbox.Unsubscribe()

	n, err := b.deliver(&Message{Subject: subject, Data: data, ReplyTo: inbox.Subject()})
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNoResponders
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replies:
		return reply, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.queue.Close()
		delete(b.subs, id)
	}
	return nil
}

// subscriptions reports the number of live subscriptions.
func (b *MemoryBus) subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

type memorySubscription struct {
	id      uint64
	subject string
	queue   *stream.Queue[*Message]
	bus     *MemoryBus
}

func (s *memorySubscription) Subject() string { return s.subject }

func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.queue.Close()
	return nil
}

// drain runs handler for each queued message until the subscription is
// closed or ctx ends. Messages queued before Unsubscribe are dropped.
func (s *memorySubscription) drain(ctx context.Context, handler MessageHandler) {
	defer s.Unsubscribe()
	for {
		msg, err := s.queue.Next(ctx)
		if err != nil {
			return
		}
		if s.queue.Closed() {
			return
		}
		if reply := handler(msg); reply != nil && msg.ReplyTo != "" {
			_, _ = s.bus.deliver(&Message{Subject: msg.ReplyTo, Data: reply})
		}
	}
}

// matchSubject reports whether subject matches pattern. "*" stands for one
// token and a final ">" for one or more.
func matchSubject(pattern, subject string) bool {
	for {
		p, pRest, pMore := strings.Cut(pattern, ".")
		if p == ">" && !pMore {
			return subject != ""
		}
		s, sRest, sMore := strings.Cut(subject, ".")
		if p != "*" && p != s {
			return false
		}
		if !pMore || !sMore {
			return pMore == sMore
		}
		pattern, subject = pRest, sRest
	}
}
