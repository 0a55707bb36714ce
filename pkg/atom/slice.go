package atom

import (
	"context"
	"errors"
	"fmt"
)

// Slice is a read/write view of the value at a path inside an Atom. It holds
// no data of its own; every call goes through the Atom's current snapshot.
type Slice struct {
	atom    *Atom
	path    Path
	initial any
}

func newSlice(a *Atom, path Path) *Slice {
	initial, _ := getIn(a.Get(), path)
	return &Slice{atom: a, path: path, initial: initial}
}

// Path returns a copy of the slice's path.
func (s *Slice) Path() Path {
	return s.path.Append()
}

// Get returns the value at the path, or nil when it does not exist.
func (s *Slice) Get() any {
	v, _ := getIn(s.atom.Get(), s.path)
	return v
}

// Lookup is Get with an existence flag.
func (s *Slice) Lookup() (any, bool) {
	return getIn(s.atom.Get(), s.path)
}

// Set writes v at the path, materializing missing intermediate containers.
func (s *Slice) Set(v any) error {
	return s.atom.update(func(root any) (any, error) {
		return setIn(root, s.path, v)
	})
}

// Update writes fn(current) at the path. fn runs under the Atom's lock.
func (s *Slice) Update(fn func(current any) any) error {
	return s.atom.update(func(root any) (any, error) {
		current, _ := getIn(root, s.path)
		return setIn(root, s.path, fn(current))
	})
}

// ErrNotFound is returned by Modify when nothing exists at the path.
var ErrNotFound = errors.New("no value at path")

// Modify replaces the existing value at the path with fn's result. The
// snapshot is untouched when the path is absent or fn fails.
func (s *Slice) Modify(fn func(current any) (any, error)) error {
	return s.atom.update(func(root any) (any, error) {
		current, ok := getIn(root, s.path)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
		}
		next, err := fn(current)
		if err != nil {
			return nil, err
		}
		return setIn(root, s.path, next)
	})
}

// Remove deletes the value at the path: a map key is deleted, a sequence
// element is filtered out. Removing the root or a missing path does nothing.
func (s *Slice) Remove() {
	if len(s.path) == 0 {
		return
	}
	s.atom.mu.Lock()
	defer s.atom.mu.Unlock()
	next, changed := removeIn(s.atom.current, s.path)
	if changed {
		s.atom.replace(next)
	}
}

// Slice returns a view further down this slice's path.
func (s *Slice) Slice(path ...Segment) *Slice {
	return newSlice(s.atom, s.path.Append(path...))
}

// Subscribe returns a subscription to the values at the path.
func (s *Slice) Subscribe() *Subscription {
	s.atom.mu.Lock()
	defer s.atom.mu.Unlock()
	return s.atom.register(s.path, s.initial)
}

// Once returns the first current or future value at the path satisfying pred.
func (s *Slice) Once(ctx context.Context, pred func(any) bool) (any, error) {
	return s.atom.once(ctx, s.path, s.initial, pred)
}
