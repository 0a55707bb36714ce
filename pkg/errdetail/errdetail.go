// Package errdetail serializes Go errors into protocol.ErrorDetails for
// reporting across the agent boundary.
package errdetail

import (
	"fmt"
	"reflect"

	bterrors "github.com/odvcencio/bigtest/pkg/errors"
	"github.com/odvcencio/bigtest/pkg/protocol"
)

// Resolver maps a raw stack frame to original source coordinates.
type Resolver interface {
	Resolve(frame protocol.Frame) (protocol.Frame, error)
}

// StackTracer is implemented by errors that carry their own stack.
type StackTracer interface {
	StackFrames() []bterrors.Frame
}

// PanicError wraps a value recovered from a panicking step or assertion.
type PanicError struct {
	Value any
	Stack []bterrors.Frame
}

// Recovered builds a PanicError for v, capturing the stack of the caller.
// Call it from the deferred function that recovered the panic.
func Recovered(v any) *PanicError {
	if err, ok := v.(*PanicError); ok {
		return err
	}
	return &PanicError{Value: v, Stack: bterrors.Callers(1)}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes a panicked error value.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

func (e *PanicError) StackFrames() []bterrors.Frame { return e.Stack }

// Serialize converts err into ErrorDetails. Frames that r cannot resolve
// are reported raw; a nil resolver reports every frame raw.
func Serialize(err error, r Resolver) *protocol.ErrorDetails {
	if err == nil {
		return nil
	}
	details := &protocol.ErrorDetails{
		Name:    nameOf(err),
		Message: err.Error(),
		Stack:   []protocol.Frame{},
	}
	for _, f := range stackOf(err) {
		raw := protocol.Frame{Name: f.Function, FileName: f.File, Line: f.Line}
		if r != nil {
			if resolved, rerr := r.Resolve(raw); rerr == nil {
				details.Stack = append(details.Stack, resolved)
				continue
			}
		}
		details.Stack = append(details.Stack, raw)
	}
	return details
}

func stackOf(err error) []bterrors.Frame {
	for e := err; e != nil; {
		if st, ok := e.(StackTracer); ok {
			return st.StackFrames()
		}
		if be, ok := e.(*bterrors.Error); ok {
			return be.Stack
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return nil
}

func nameOf(err error) string {
	switch e := err.(type) {
	case *bterrors.Error:
		return string(e.Code)
	case *PanicError:
		return "Panic"
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Name() {
	case "", "errorString", "wrapError", "wrapErrors", "joinError":
		return "Error"
	}
	return t.Name()
}
