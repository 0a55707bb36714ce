package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeAgentNotFound, "agent a1 not found")

	if err == nil {
		t.Fatal("New should return non-nil error")
	}

	if err.Code != ErrCodeAgentNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeAgentNotFound)
	}

	if err.Message != "agent a1 not found" {
		t.Errorf("Message = %v, want 'agent a1 not found'", err.Message)
	}

	if err.Underlying != nil {
		t.Error("Underlying should be nil for New error")
	}

	if len(err.Stack) == 0 {
		t.Fatal("Stack should be captured")
	}

	if !strings.Contains(err.Stack[0].Function, "TestNew") {
		t.Errorf("first frame = %q, want the caller of New", err.Stack[0].Function)
	}
}

func TestWrap(t *testing.T) {
	underlying := errors.New("read: connection reset")
	err := Wrap(underlying, ErrCodeUnexpectedDisconnect, "agent connection dropped")

	if err == nil {
		t.Fatal("Wrap should return non-nil error")
	}

	if err.Underlying != underlying {
		t.Error("Underlying should be preserved")
	}

	if !errors.Is(err, underlying) {
		t.Error("errors.Is should see the underlying error")
	}

	if !strings.Contains(err.Error(), "connection reset") {
		t.Error("Error string should include underlying error")
	}
}

func TestWrap_Nil(t *testing.T) {
	if err := Wrap(nil, ErrCodeInternal, "test"); err != nil {
		t.Error("Wrap of nil should return nil")
	}
}

func TestWithContext(t *testing.T) {
	err := New(ErrCodeProtocolViolation, "unexpected frame").
		WithContext("agentId", "agent.3").
		WithContext("tag", "bogus")

	if err.Context["agentId"] != "agent.3" {
		t.Error("Context should contain 'agentId' key")
	}

	want := "[PROTOCOL_VIOLATION] unexpected frame {agentId: agent.3, tag: bogus}"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestIsCodeThroughWrapping(t *testing.T) {
	base := New(ErrCodeRunFailed, "lane failed")
	wrapped := fmt.Errorf("scheduler: %w", base)

	if !IsCode(wrapped, ErrCodeRunFailed) {
		t.Error("IsCode should walk the chain")
	}
	if IsCode(wrapped, ErrCodeInternal) {
		t.Error("IsCode should not match a different code")
	}
	if GetCode(wrapped) != ErrCodeRunFailed {
		t.Errorf("GetCode = %v", GetCode(wrapped))
	}
	if GetCode(errors.New("plain")) != ErrCodeInternal {
		t.Error("plain errors should map to INTERNAL")
	}
	if GetCode(nil) != "" {
		t.Error("nil should have no code")
	}
}

func TestIsMatchesCode(t *testing.T) {
	err := Wrap(errors.New("eof"), ErrCodeUnexpectedDisconnect, "closed")
	if !errors.Is(err, &Error{Code: ErrCodeUnexpectedDisconnect}) {
		t.Error("errors.Is should match by code")
	}
	if errors.Is(err, &Error{Code: ErrCodeProtocolViolation}) {
		t.Error("errors.Is should not match other codes")
	}
}

func TestFormatPrintsStack(t *testing.T) {
	err := New(ErrCodeInternal, "boom")
	if got := fmt.Sprintf("%v", err); got != "[INTERNAL] boom" {
		t.Errorf("%%v = %q", got)
	}
	trace := fmt.Sprintf("%+v", err)
	if !strings.HasPrefix(trace, "[INTERNAL] boom\n\t") {
		t.Errorf("unexpected trace header: %q", trace)
	}
	if !strings.Contains(trace, "types_test.go") {
		t.Error("trace should reference the calling file")
	}
	if len(StackOf(fmt.Errorf("x: %w", err))) != len(err.Stack) {
		t.Error("StackOf should return the captured stack")
	}
}

func TestCallers(t *testing.T) {
	frames := Callers(0)
	if len(frames) == 0 || !strings.Contains(frames[0].Function, "TestCallers") {
		t.Fatalf("Callers(0) should start at the caller, got %+v", frames)
	}
}
