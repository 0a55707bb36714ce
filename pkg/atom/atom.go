// Package atom provides a reactive state container holding one immutable
// snapshot, plus path-addressed Slices that read and write through to it.
//
// Snapshots are JSON-like trees (see ValueOf). Every mutation replaces the
// whole snapshot under the Atom's lock, and subscribers are offered the new
// snapshot before the mutating call returns, so no reader sees a torn value.
package atom

import (
	"context"
	"sync"
)

// Atom is the single source of truth for one orchestrator run.
type Atom struct {
	mu      sync.Mutex
	initial any
	current any
	subs    map[*Subscription]struct{}
}

// New creates an Atom holding initial.
func New(initial any) *Atom {
	return &Atom{
		initial: initial,
		current: initial,
		subs:    make(map[*Subscription]struct{}),
	}
}

// Get returns the current snapshot. Callers must not mutate it.
func (a *Atom) Get() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Set replaces the snapshot.
func (a *Atom) Set(v any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replace(v)
}

// Update replaces the snapshot with fn(current). fn runs under the Atom's
// lock and must not call back into the Atom.
func (a *Atom) Update(fn func(current any) any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replace(fn(a.current))
}

// Slice returns a view of the value at path.
func (a *Atom) Slice(path ...Segment) *Slice {
	return newSlice(a, Path(path).Append())
}

// Subscribe returns a subscription to every subsequent snapshot.
func (a *Atom) Subscribe() *Subscription {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.register(nil, a.initial)
}

// Once returns the first current or future snapshot satisfying pred.
func (a *Atom) Once(ctx context.Context, pred func(any) bool) (any, error) {
	return a.once(ctx, nil, a.initial, pred)
}

// Reset discards the snapshot and every existing subscription. The new
// snapshot is init(initial, current), or the original initial value when
// init is nil. Subscriptions created afterwards see only later changes.
func (a *Atom) Reset(init func(initial, current any) any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for sub := range a.subs {
		sub.queue.Close()
	}
	a.subs = make(map[*Subscription]struct{})
	if init == nil {
		a.current = a.initial
		return
	}
	a.current = init(a.initial, a.current)
}

// update applies a fallible transformation; the snapshot is untouched on error.
func (a *Atom) update(fn func(current any) (any, error)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	next, err := fn(a.current)
	if err != nil {
		return err
	}
	a.replace(next)
	return nil
}

// replace installs v and offers it to subscribers; callers hold a.mu.
func (a *Atom) replace(v any) {
	a.current = v
	for sub := range a.subs {
		sub.offer(v)
	}
}

// register adds a subscription scoped to path; callers hold a.mu.
func (a *Atom) register(path Path, initial any) *Subscription {
	last, _ := getIn(a.current, path)
	sub := newSubscription(a, path, initial, last)
	a.subs[sub] = struct{}{}
	return sub
}

func (a *Atom) unregister(sub *Subscription) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.subs[sub]; ok {
		delete(a.subs, sub)
	}
	sub.queue.Close()
}

// once checks the current value and subscribes in one critical section, so
// no change can slip between the check and the subscription.
func (a *Atom) once(ctx context.Context, path Path, initial any, pred func(any) bool) (any, error) {
	a.mu.Lock()
	v, _ := getIn(a.current, path)
	if pred(v) {
		a.mu.Unlock()
		return v, nil
	}
	sub := a.register(path, initial)
	a.mu.Unlock()
	defer sub.Close()

	for {
		v, err := sub.Next(ctx)
		if err != nil {
			return nil, err
		}
		if pred(v) {
			return v, nil
		}
	}
}
