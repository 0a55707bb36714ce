// Package state defines the shape of the orchestrator's Atom and folds
// agent events into per-agent result trees.
package state

import (
	"encoding/json"
	"time"

	"github.com/odvcencio/bigtest/pkg/protocol"
)

// AgentRecord is stored under agents.<id> while an agent is connected.
type AgentRecord struct {
	AgentID     string         `json:"agentId"`
	Data        map[string]any `json:"data"`
	ConnectedAt time.Time      `json:"connectedAt"`
	Status      string         `json:"status"`
}

// Entry is the result of one step or assertion.
type Entry struct {
	Description string                 `json:"description"`
	Path        []string               `json:"path"`
	Status      protocol.Status        `json:"status"`
	Timeout     bool                   `json:"timeout,omitempty"`
	Error       *protocol.ErrorDetails `json:"error,omitempty"`
	LogEvents   []json.RawMessage      `json:"logEvents,omitempty"`
}

// Node mirrors a manifest node with results.
type Node struct {
	Description string          `json:"description"`
	Path        []string        `json:"path"`
	Status      protocol.Status `json:"status"`
	Timeout     bool            `json:"timeout,omitempty"`
	Steps       []*Entry        `json:"steps"`
	Assertions  []*Entry        `json:"assertions"`
	Children    []*Node         `json:"children"`
}

// LaneResult is the outcome of one lane on one agent.
type LaneResult struct {
	Path    []string        `json:"path"`
	Status  protocol.Status `json:"status"`
	Timeout bool            `json:"timeout,omitempty"`
}

// AgentRun is one agent's share of a test run.
type AgentRun struct {
	AgentID   string          `json:"agentId"`
	Status    protocol.Status `json:"status"`
	Result    *Node           `json:"result"`
	Lanes     []*LaneResult   `json:"lanes"`
	Artifacts map[string]any  `json:"artifacts,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// TestRun is stored under testRuns.<id>.
type TestRun struct {
	TestRunID   string               `json:"testRunId"`
	Status      protocol.Status      `json:"status"`
	StartedAt   time.Time            `json:"startedAt"`
	FinishedAt  *time.Time           `json:"finishedAt,omitempty"`
	ManifestURL string               `json:"manifestUrl,omitempty"`
	Tree        *protocol.Node       `json:"tree"`
	Agents      map[string]*AgentRun `json:"agents"`
}
