package state

import (
	"github.com/odvcencio/bigtest/pkg/atom"
	"github.com/odvcencio/bigtest/pkg/protocol"
)

// Top-level keys of the orchestrator Atom.
const (
	KeyAgents   = "agents"
	KeyManifest = "manifest"
	KeyTestRuns = "testRuns"
)

// Initial returns the orchestrator's initial snapshot.
func Initial() map[string]any {
	return map[string]any{
		KeyAgents:   map[string]any{},
		KeyManifest: nil,
		KeyTestRuns: map[string]any{},
	}
}

// New creates an Atom holding the initial snapshot.
func New() *atom.Atom {
	return atom.New(Initial())
}

func AgentPath(id string) atom.Path { return atom.Keys(KeyAgents, id) }

func RunPath(id string) atom.Path { return atom.Keys(KeyTestRuns, id) }

func AgentRunPath(runID, agentID string) atom.Path {
	return atom.Keys(KeyTestRuns, runID, "agents", agentID)
}

// PutAgent publishes rec under agents.<id>.
func PutAgent(a *atom.Atom, rec AgentRecord) error {
	v, err := atom.ValueOf(rec)
	if err != nil {
		return err
	}
	return a.Slice(AgentPath(rec.AgentID)...).Set(v)
}

// RemoveAgent deletes agents.<id>.
func RemoveAgent(a *atom.Atom, id string) {
	a.Slice(AgentPath(id)...).Remove()
}

// HasAgent reports whether id is registered.
func HasAgent(a *atom.Atom, id string) bool {
	_, ok := a.Slice(AgentPath(id)...).Lookup()
	return ok
}

// SetManifest replaces the current manifest tree.
func SetManifest(a *atom.Atom, tree *protocol.Node) error {
	v, err := atom.ValueOf(tree)
	if err != nil {
		return err
	}
	return a.Slice(atom.Key(KeyManifest)).Set(v)
}

// Manifest returns the current manifest tree, if any.
func Manifest(a *atom.Atom) (*protocol.Node, error) {
	v := a.Slice(atom.Key(KeyManifest)).Get()
	if v == nil {
		return nil, nil
	}
	var tree protocol.Node
	if err := atom.Decode(v, &tree); err != nil {
		return nil, err
	}
	return &tree, nil
}

// PutRun writes run under testRuns.<id>.
func PutRun(a *atom.Atom, run *TestRun) error {
	v, err := atom.ValueOf(run)
	if err != nil {
		return err
	}
	return a.Slice(RunPath(run.TestRunID)...).Set(v)
}

// GetRun reads testRuns.<id>.
func GetRun(a *atom.Atom, id string) (*TestRun, bool, error) {
	v, ok := a.Slice(RunPath(id)...).Lookup()
	if !ok || v == nil {
		return nil, false, nil
	}
	var run TestRun
	if err := atom.Decode(v, &run); err != nil {
		return nil, true, err
	}
	return &run, true, nil
}

// GetAgentRun reads testRuns.<runId>.agents.<agentId>.
func GetAgentRun(a *atom.Atom, runID, agentID string) (*AgentRun, bool, error) {
	v, ok := a.Slice(AgentRunPath(runID, agentID)...).Lookup()
	if !ok || v == nil {
		return nil, false, nil
	}
	var run AgentRun
	if err := atom.Decode(v, &run); err != nil {
		return nil, true, err
	}
	return &run, true, nil
}

// UpdateRun applies fn to testRuns.<id> under the Atom's lock.
func UpdateRun(a *atom.Atom, id string, fn func(*TestRun) error) error {
	return a.Slice(RunPath(id)...).Modify(func(v any) (any, error) {
		var run TestRun
		if err := atom.Decode(v, &run); err != nil {
			return nil, err
		}
		if err := fn(&run); err != nil {
			return nil, err
		}
		return atom.ValueOf(&run)
	})
}

// UpdateAgentRun applies fn to testRuns.<runId>.agents.<agentId> under the
// Atom's lock.
func UpdateAgentRun(a *atom.Atom, runID, agentID string, fn func(*AgentRun) error) error {
	return a.Slice(AgentRunPath(runID, agentID)...).Modify(func(v any) (any, error) {
		var run AgentRun
		if err := atom.Decode(v, &run); err != nil {
			return nil, err
		}
		if err := fn(&run); err != nil {
			return nil, err
		}
		return atom.ValueOf(&run)
	})
}

// ResetRuns resets the Atom, keeping connected agents and the manifest and
// dropping every test run.
func ResetRuns(a *atom.Atom) {
	a.Reset(func(_, current any) any {
		next := Initial()
		if m, ok := current.(map[string]any); ok {
			if agents, ok := m[KeyAgents]; ok && agents != nil {
				next[KeyAgents] = agents
			}
			next[KeyManifest] = m[KeyManifest]
		}
		return next
	})
}
