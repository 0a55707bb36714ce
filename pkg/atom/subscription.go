package atom

import (
	"context"
	"errors"

	"github.com/odvcencio/bigtest/pkg/stream"
)

// ErrSubscriptionClosed is returned by Next after Close or an Atom reset.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Subscription yields the de-duplicated sequence of values of an Atom or Slice.
// Consecutive equal values are dropped, and the first emission is dropped when
// it equals the value the container was constructed with.
type Subscription struct {
	atom    *Atom
	path    Path
	initial any
	last    any
	emitted bool
	queue   *stream.Queue[any]
}

func newSubscription(a *Atom, path Path, initial, last any) *Subscription {
	return &Subscription{
		atom:    a,
		path:    path,
		initial: initial,
		last:    last,
		queue:   stream.NewQueue[any](),
	}
}

// offer is called with the Atom locked for every new snapshot.
func (s *Subscription) offer(root any) {
	v, _ := getIn(root, s.path)
	if Equal(v, s.last) {
		return
	}
	s.last = v
	if !s.emitted && Equal(v, s.initial) {
		return
	}
	s.emitted = true
	s.queue.Push(v)
}

// Next blocks for the next value.
func (s *Subscription) Next(ctx context.Context) (any, error) {
	v, err := s.queue.Next(ctx)
	if errors.Is(err, stream.ErrClosed) {
		return nil, ErrSubscriptionClosed
	}
	return v, err
}

// Close stops delivery. Values already produced remain readable.
func (s *Subscription) Close() {
	s.atom.unregister(s)
}
