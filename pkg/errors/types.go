package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"maps"
	"runtime"
	"slices"
	"strings"
)

// ErrorCode classifies an Error for callers and HTTP status mapping.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigParse   ErrorCode = "CONFIG_PARSE"
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Manifest errors
	ErrCodeManifestLoad    ErrorCode = "MANIFEST_LOAD"
	ErrCodeManifestInvalid ErrorCode = "MANIFEST_INVALID"

	// Agent connection errors
	ErrCodeProtocolViolation    ErrorCode = "PROTOCOL_VIOLATION"
	ErrCodeUnexpectedDisconnect ErrorCode = "UNEXPECTED_DISCONNECT"
	ErrCodeAgentNotFound        ErrorCode = "AGENT_NOT_FOUND"

	// Run errors
	ErrCodeRunFailed   ErrorCode = "RUN_FAILED"
	ErrCodeRunNotFound ErrorCode = "RUN_NOT_FOUND"

	// Generic errors
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// Error is a coded error carrying structured context and the stack of the
// call that created it.
type Error struct {
	Code       ErrorCode
	Message    string
	Underlying error
	Context    map[string]any
	Stack      []Frame
}

// Frame is one captured call site.
type Frame struct {
	Function string
	File     string
	Line     int
}

func newError(code ErrorCode, message string, underlying error) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Underlying: underlying,
		Context:    make(map[string]any),
		Stack:      captureStack(3),
	}
}

func New(code ErrorCode, message string) *Error {
	return newError(code, message, nil)
}

func Newf(code ErrorCode, format string, args ...any) *Error {
	return newError(code, fmt.Sprintf(format, args...), nil)
}

// Wrap returns nil when err is nil.
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return newError(code, message, err)
}

func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Error renders "[CODE] message {k: v, ...}: underlying" with context keys
// sorted.
func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Code, e.Message)
	if len(e.Context) > 0 {
		sb.WriteString(" {")
		for i, k := range slices.Sorted(maps.Keys(e.Context)) {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s: %v", k, e.Context[k])
		}
		sb.WriteString("}")
	}
	if e.Underlying != nil {
		fmt.Fprintf(&sb, ": %v", e.Underlying)
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// Is matches another *Error with the same code, so sentinel values built
// with New can be compared with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// Format prints the captured stack after the message for %+v.
func (e *Error) Format(s fmt.State, verb rune) {
	switch {
	case verb == 'v' && s.Flag('+'):
		io.WriteString(s, e.Error())
		for _, f := range e.Stack {
			fmt.Fprintf(s, "\n\t%s\n\t\t%s:%d", f.Function, f.File, f.Line)
		}
	case verb == 'q':
		fmt.Fprintf(s, "%q", e.Error())
	default:
		io.WriteString(s, e.Error())
	}
}

// Callers captures the stack of the caller, skipping skip frames above it.
func Callers(skip int) []Frame {
	return captureStack(skip + 2)
}

func captureStack(skip int) []Frame {
	var pcs [32]uintptr
	n := runtime.Callers(skip+1, pcs[:])
	frames := make([]Frame, 0, n)
	iter := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := iter.Next()
		if fr.Function != "" {
			frames = append(frames, Frame{Function: fr.Function, File: fr.File, Line: fr.Line})
		}
		if !more {
			return frames
		}
	}
}

// As finds the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode checks if any error in the chain has a specific error code
func IsCode(err error, code ErrorCode) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	e, ok := As(err)
	if !ok {
		return ErrCodeInternal
	}

	return e.Code
}

// StackOf returns the stack captured by the first *Error in err's chain.
func StackOf(err error) []Frame {
	if e, ok := As(err); ok {
		return e.Stack
	}
	return nil
}
