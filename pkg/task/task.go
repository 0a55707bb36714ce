// Package task provides structured concurrency: a tree of goroutines where
// a parent's exit halts its children, and registered cleanups run exactly
// once on every exit path.
package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

// ErrHalted is the cause attached to tasks stopped from the outside.
var ErrHalted = errors.New("task halted")

// Func is the body of a task.
type Func func(t *Task) error

// Task is one node of the task tree.
type Task struct {
	name   string
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	cleanups []func()
	failure  error
	closing  bool
	finished bool
	err      error

	children sync.WaitGroup
	done     chan struct{}
}

// SpawnOption configures a child task.
type SpawnOption func(*spawnConfig)

type spawnConfig struct {
	onError func(error)
}

// WithErrorHandler consumes the child's error instead of failing the parent.
func WithErrorHandler(fn func(error)) SpawnOption {
	return func(c *spawnConfig) {
		c.onError = fn
	}
}

func newTask(parent context.Context, name string) *Task {
	ctx, cancel := context.WithCancelCause(parent)
	return &Task{
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Run executes fn as a root task and blocks until it and all of its
// descendants have exited.
func Run(ctx context.Context, name string, fn Func) error {
	t := newTask(ctx, name)
	t.run(fn)
	return t.err
}

// Start executes fn as a root task in the background.
func Start(ctx context.Context, name string, fn Func) *Task {
	t := newTask(ctx, name)
	go t.run(fn)
	return t
}

// Name returns the task's name.
func (t *Task) Name() string { return t.name }

// Context is canceled when the task exits, is halted, or a child fails.
func (t *Task) Context() context.Context { return t.ctx }

// Done is closed after the task, its children and its cleanups finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task's result once Done is closed.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Halt cancels the task and, through its context, every descendant.
func (t *Task) Halt() {
	t.cancel(ErrHalted)
}

// Ensure registers fn to run when the task exits. Cleanups run in reverse
// registration order after all children have stopped. Registering on a
// finished task runs fn immediately.
func (t *Task) Ensure(fn func()) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		fn()
		return
	}
	t.cleanups = append(t.cleanups, fn)
	t.mu.Unlock()
}

// Spawn starts fn as a child. The child is halted when t exits. Unless a
// WithErrorHandler option is given, a child error fails t.
func (t *Task) Spawn(name string, fn Func, opts ...SpawnOption) *Task {
	var cfg spawnConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	child := newTask(t.ctx, t.name+"/"+name)
	t.mu.Lock()
	if t.closing {
		// the parent is exiting; the child starts already halted
		t.mu.Unlock()
		go child.run(fn)
		return child
	}
	t.children.Add(1)
	t.mu.Unlock()
	go func() {
		defer t.children.Done()
		child.run(fn)
		err := child.Err()
		if err == nil || errors.Is(err, ErrHalted) {
			return
		}
		if cfg.onError != nil {
			cfg.onError(err)
			return
		}
		t.fail(err)
	}()
	return child
}

func (t *Task) fail(err error) {
	t.mu.Lock()
	if t.failure == nil {
		t.failure = err
	}
	t.mu.Unlock()
	t.cancel(err)
}

func (t *Task) run(fn Func) {
	defer close(t.done)

	err := call(fn, t)
	halted := errors.Is(context.Cause(t.ctx), ErrHalted)
	t.cancel(ErrHalted)
	t.mu.Lock()
	t.closing = true
	t.mu.Unlock()
	t.children.Wait()

	t.mu.Lock()
	t.finished = true
	cleanups := t.cleanups
	t.cleanups = nil
	t.mu.Unlock()
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.failure != nil:
		t.err = t.failure
	case halted && errors.Is(err, context.Canceled):
		t.err = ErrHalted
	default:
		t.err = err
	}
}

func call(fn Func, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v\n%s", t.name, r, debug.Stack())
		}
	}()
	return fn(t)
}
