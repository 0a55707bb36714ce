// Package protocol defines the JSON frames exchanged between the orchestrator,
// its agents, and query clients. Every frame carries a "type" tag; decoding
// rejects tags that are not part of the protocol.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	bterrors "github.com/odvcencio/bigtest/pkg/errors"
)

// Type is the discriminator carried in every frame's "type" field.
type Type string

const (
	TypeConnected        Type = "connected"
	TypeRun              Type = "run"
	TypeRunBegin         Type = "run:begin"
	TypeRunEnd           Type = "run:end"
	TypeLaneBegin        Type = "lane:begin"
	TypeLaneEnd          Type = "lane:end"
	TypeTestRunning      Type = "test:running"
	TypeStepRunning      Type = "step:running"
	TypeAssertionRunning Type = "assertion:running"
	TypeStepResult       Type = "step:result"
	TypeAssertionResult  Type = "assertion:result"
)

// Status is the state of a result node, step or assertion.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusOK          Status = "ok"
	StatusFailed      Status = "failed"
	StatusDisregarded Status = "disregarded"
)

// Terminal reports whether s is a final outcome.
func (s Status) Terminal() bool {
	return s == StatusOK || s == StatusFailed || s == StatusDisregarded
}

// Message is any protocol frame.
type Message interface {
	MessageType() Type
}

// Event is a frame an agent emits while executing a test run.
type Event interface {
	Message
	RunID() string
	EventPath() []string
}

// Connected is the handshake frame an agent sends first.
type Connected struct {
	Type    Type           `json:"type"`
	AgentID string         `json:"agentId,omitempty"`
	Data    map[string]any `json:"data"`
}

// RunCommand instructs an agent to execute one lane of a manifest.
type RunCommand struct {
	Type        Type     `json:"type"`
	TestRunID   string   `json:"testRunId"`
	AgentID     string   `json:"agentId"`
	Tree        *Node    `json:"tree,omitempty"`
	ManifestURL string   `json:"manifestUrl,omitempty"`
	AppURL      string   `json:"appUrl,omitempty"`
	StepTimeout int64    `json:"stepTimeout"`
	Lane        []string `json:"lane"`
	LaneIndex   int      `json:"laneIndex"`
	LaneCount   int      `json:"laneCount"`
	Convergence *Polling `json:"convergence,omitempty"`
}

// Polling tunes eventually/always checks for a run. Durations are in
// milliseconds; zero fields keep the agent's own settings.
type Polling struct {
	Interval       int64   `json:"interval,omitempty"`
	AlwaysFraction float64 `json:"alwaysFraction,omitempty"`
	AlwaysMin      int64   `json:"alwaysMin,omitempty"`
}

// RunBegin marks the start of an agent's participation in a run.
type RunBegin struct {
	Type      Type   `json:"type"`
	TestRunID string `json:"testRunId"`
}

// RunEnd closes a run on the agent and carries collected artifacts.
type RunEnd struct {
	Type      Type           `json:"type"`
	TestRunID string         `json:"testRunId"`
	Status    Status         `json:"status,omitempty"`
	Artifacts map[string]any `json:"artifacts,omitempty"`
}

// LaneBegin opens the bracket of a lane.
type LaneBegin struct {
	Type      Type     `json:"type"`
	TestRunID string   `json:"testRunId"`
	Path      []string `json:"path"`
}

// LaneEnd closes the bracket of a lane.
type LaneEnd struct {
	Type      Type     `json:"type"`
	TestRunID string   `json:"testRunId"`
	Path      []string `json:"path"`
}

// Running reports that a test, step or assertion started.
type Running struct {
	Type      Type     `json:"type"`
	TestRunID string   `json:"testRunId"`
	Path      []string `json:"path"`
}

// Result reports the outcome of a step or an assertion.
type Result struct {
	Type      Type              `json:"type"`
	TestRunID string            `json:"testRunId"`
	Path      []string          `json:"path"`
	Status    Status            `json:"status"`
	Timeout   bool              `json:"timeout,omitempty"`
	Error     *ErrorDetails     `json:"error,omitempty"`
	LogEvents []json.RawMessage `json:"logEvents,omitempty"`
}

// ErrorDetails is an error serialized for the wire.
type ErrorDetails struct {
	Name    string  `json:"name"`
	Message string  `json:"message"`
	Stack   []Frame `json:"stack"`
}

// Frame is one resolved (or raw) stack frame.
type Frame struct {
	Name     string `json:"name,omitempty"`
	FileName string `json:"fileName"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Code     string `json:"code,omitempty"`
	Source   string `json:"source,omitempty"`
}

// Node is the wire shape of a manifest tree: descriptions only, no code.
type Node struct {
	Description string  `json:"description" yaml:"description"`
	Steps       []Entry `json:"steps,omitempty" yaml:"steps,omitempty"`
	Assertions  []Entry `json:"assertions,omitempty" yaml:"assertions,omitempty"`
	Children    []*Node `json:"children,omitempty" yaml:"children,omitempty"`
}

// Entry describes a step or an assertion of a Node.
type Entry struct {
	Description string `json:"description" yaml:"description"`
	Mode        string `json:"mode,omitempty" yaml:"mode,omitempty"`
}

func (m *Connected) MessageType() Type  { return TypeConnected }
func (m *RunCommand) MessageType() Type { return TypeRun }
func (m *RunBegin) MessageType() Type   { return TypeRunBegin }
func (m *RunEnd) MessageType() Type     { return TypeRunEnd }
func (m *LaneBegin) MessageType() Type  { return TypeLaneBegin }
func (m *LaneEnd) MessageType() Type    { return TypeLaneEnd }
func (m *Running) MessageType() Type    { return m.Type }
func (m *Result) MessageType() Type     { return m.Type }

func (m *RunBegin) RunID() string  { return m.TestRunID }
func (m *RunEnd) RunID() string    { return m.TestRunID }
func (m *LaneBegin) RunID() string { return m.TestRunID }
func (m *LaneEnd) RunID() string   { return m.TestRunID }
func (m *Running) RunID() string   { return m.TestRunID }
func (m *Result) RunID() string    { return m.TestRunID }

func (m *RunBegin) EventPath() []string  { return nil }
func (m *RunEnd) EventPath() []string    { return nil }
func (m *LaneBegin) EventPath() []string { return m.Path }
func (m *LaneEnd) EventPath() []string   { return m.Path }
func (m *Running) EventPath() []string   { return m.Path }
func (m *Result) EventPath() []string    { return m.Path }

// NewRunning builds a test:running, step:running or assertion:running frame.
func NewRunning(t Type, runID string, path []string) *Running {
	return &Running{Type: t, TestRunID: runID, Path: path}
}

// NewResult builds a step:result or assertion:result frame.
func NewResult(t Type, runID string, path []string, status Status) *Result {
	return &Result{Type: t, TestRunID: runID, Path: path, Status: status}
}

// Encode marshals m, stamping its type tag.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case *Connected:
		v.Type = TypeConnected
	case *RunCommand:
		v.Type = TypeRun
	case *RunBegin:
		v.Type = TypeRunBegin
	case *RunEnd:
		v.Type = TypeRunEnd
	case *LaneBegin:
		v.Type = TypeLaneBegin
	case *LaneEnd:
		v.Type = TypeLaneEnd
	case *Running, *Result:
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", m)
	}
	return json.Marshal(m)
}

type envelope struct {
	Type Type `json:"type"`
}

func violation(format string, args ...any) *bterrors.Error {
	return bterrors.Newf(bterrors.ErrCodeProtocolViolation, format, args...)
}

func peekType(data []byte) (Type, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", bterrors.Wrap(err, bterrors.ErrCodeProtocolViolation, "malformed frame")
	}
	if env.Type == "" {
		return "", violation("frame has no type")
	}
	return env.Type, nil
}

func decodeFrame(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(dst); err != nil {
		return bterrors.Wrap(err, bterrors.ErrCodeProtocolViolation, "malformed frame")
	}
	return nil
}

// DecodeHandshake decodes the first frame of an agent connection. Anything
// but a connected frame is a protocol violation.
func DecodeHandshake(data []byte) (*Connected, error) {
	t, err := peekType(data)
	if err != nil {
		return nil, err
	}
	if t != TypeConnected {
		return nil, violation("expected %q handshake, got %q", TypeConnected, t)
	}
	var c Connected
	if err := decodeFrame(data, &c); err != nil {
		return nil, err
	}
	if c.Data == nil {
		c.Data = map[string]any{}
	}
	return &c, nil
}

// DecodeEvent decodes a frame an agent sent after its handshake.
func DecodeEvent(data []byte) (Event, error) {
	t, err := peekType(data)
	if err != nil {
		return nil, err
	}

	var ev Event
	switch t {
	case TypeRunBegin:
		ev = &RunBegin{}
	case TypeRunEnd:
		ev = &RunEnd{}
	case TypeLaneBegin:
		ev = &LaneBegin{}
	case TypeLaneEnd:
		ev = &LaneEnd{}
	case TypeTestRunning, TypeStepRunning, TypeAssertionRunning:
		ev = &Running{}
	case TypeStepResult, TypeAssertionResult:
		ev = &Result{}
	default:
		return nil, violation("unknown event type %q", t)
	}
	if err := decodeFrame(data, ev); err != nil {
		return nil, err
	}
	if ev.RunID() == "" {
		return nil, violation("%s frame without testRunId", t)
	}

	switch v := ev.(type) {
	case *RunEnd:
		if v.Status != "" && v.Status != StatusOK && v.Status != StatusFailed {
			return nil, violation("run:end with status %q", v.Status)
		}
	case *LaneBegin, *LaneEnd, *Running:
		if len(ev.EventPath()) == 0 {
			return nil, violation("%s frame without path", t)
		}
	case *Result:
		if len(v.Path) == 0 {
			return nil, violation("%s frame without path", t)
		}
		if v.Status != StatusOK && v.Status != StatusFailed {
			return nil, violation("%s with status %q", t, v.Status)
		}
	}
	return ev, nil
}

// DecodeCommand decodes a frame the orchestrator sent to an agent.
func DecodeCommand(data []byte) (*RunCommand, error) {
	t, err := peekType(data)
	if err != nil {
		return nil, err
	}
	if t != TypeRun {
		return nil, violation("unknown command type %q", t)
	}
	var cmd RunCommand
	if err := decodeFrame(data, &cmd); err != nil {
		return nil, err
	}
	if cmd.TestRunID == "" {
		return nil, violation("run command without testRunId")
	}
	if cmd.Tree == nil && cmd.ManifestURL == "" {
		return nil, violation("run command without tree or manifestUrl")
	}
	return &cmd, nil
}
