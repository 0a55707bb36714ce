package state

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/odvcencio/bigtest/pkg/protocol"
)

// Skeleton builds a pending result tree mirroring tree.
func Skeleton(tree *protocol.Node) *Node {
	return skeleton(tree, nil)
}

func skeleton(n *protocol.Node, parent []string) *Node {
	if n == nil {
		return nil
	}
	path := appendPath(parent, n.Description)
	out := &Node{
		Description: n.Description,
		Path:        path,
		Status:      protocol.StatusPending,
		Steps:       make([]*Entry, 0, len(n.Steps)),
		Assertions:  make([]*Entry, 0, len(n.Assertions)),
		Children:    make([]*Node, 0, len(n.Children)),
	}
	for i, s := range n.Steps {
		out.Steps = append(out.Steps, &Entry{
			Description: s.Description,
			Path:        appendPath(path, EntryKey(i, s.Description)),
			Status:      protocol.StatusPending,
		})
	}
	for i, a := range n.Assertions {
		out.Assertions = append(out.Assertions, &Entry{
			Description: a.Description,
			Path:        appendPath(path, EntryKey(i, a.Description)),
			Status:      protocol.StatusPending,
		})
	}
	for _, c := range n.Children {
		out.Children = append(out.Children, skeleton(c, path))
	}
	return out
}

// EntryKey is the final path segment of a step or assertion.
func EntryKey(i int, desc string) string {
	return strconv.Itoa(i) + ":" + desc
}

// NewAgentRun creates the pending record of agentID for tree.
func NewAgentRun(agentID string, tree *protocol.Node, lanes [][]string) *AgentRun {
	run := &AgentRun{
		AgentID: agentID,
		Status:  protocol.StatusPending,
		Result:  Skeleton(tree),
		Lanes:   make([]*LaneResult, 0, len(lanes)),
	}
	for _, l := range lanes {
		run.Lanes = append(run.Lanes, &LaneResult{Path: slices.Clone(l), Status: protocol.StatusPending})
	}
	return run
}

// Find returns the node addressed by path, which starts at the root.
func (n *Node) Find(path []string) *Node {
	if n == nil || len(path) == 0 || path[0] != n.Description {
		return nil
	}
	cur := n
	for _, desc := range path[1:] {
		var next *Node
		for _, c := range cur.Children {
			if c.Description == desc {
				next = c
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

// entry resolves the node path plus "<index>:<description>" key of a step
// or assertion event.
func (n *Node) entry(path []string, assertions bool) (*Node, *Entry, error) {
	if len(path) < 2 {
		return nil, nil, fmt.Errorf("entry path %v too short", path)
	}
	node := n.Find(path[:len(path)-1])
	if node == nil {
		return nil, nil, fmt.Errorf("no node at %v", path[:len(path)-1])
	}
	key := path[len(path)-1]
	idxStr, desc, ok := strings.Cut(key, ":")
	if !ok {
		return nil, nil, fmt.Errorf("entry key %q has no index", key)
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return nil, nil, fmt.Errorf("entry key %q: %w", key, err)
	}
	list := node.Steps
	if assertions {
		list = node.Assertions
	}
	if idx < 0 || idx >= len(list) || list[idx].Description != desc {
		return nil, nil, fmt.Errorf("no entry %q under %v", key, node.Path)
	}
	return node, list[idx], nil
}

// Lane returns the lane result for path.
func (r *AgentRun) Lane(path []string) *LaneResult {
	for _, l := range r.Lanes {
		if slices.Equal(l.Path, path) {
			return l
		}
	}
	return nil
}

// Apply folds ev into the agent run. A node or entry already in a terminal
// status is never moved back to running; results overwrite (last write wins).
func (r *AgentRun) Apply(ev protocol.Event) error {
	switch e := ev.(type) {
	case *protocol.RunBegin:
		if !r.Status.Terminal() {
			r.Status = protocol.StatusRunning
		}
	case *protocol.RunEnd:
		if e.Artifacts != nil {
			r.Artifacts = e.Artifacts
		}
	case *protocol.LaneBegin:
		lane := r.Lane(e.Path)
		if lane == nil {
			return fmt.Errorf("unknown lane %v", e.Path)
		}
		if !lane.Status.Terminal() {
			lane.Status = protocol.StatusRunning
			lane.Timeout = false
		}
		if !r.Status.Terminal() {
			r.Status = protocol.StatusRunning
		}
	case *protocol.LaneEnd:
		lane := r.Lane(e.Path)
		if lane == nil {
			return fmt.Errorf("unknown lane %v", e.Path)
		}
		r.closeLane(lane, false)
	case *protocol.Running:
		return r.applyRunning(e)
	case *protocol.Result:
		return r.applyResult(e)
	default:
		return fmt.Errorf("unexpected event %T", ev)
	}
	return nil
}

func (r *AgentRun) applyRunning(e *protocol.Running) error {
	if e.Type == protocol.TypeTestRunning {
		node := r.Result.Find(e.Path)
		if node == nil {
			return fmt.Errorf("no node at %v", e.Path)
		}
		if !node.Status.Terminal() {
			node.Status = protocol.StatusRunning
		}
		return nil
	}
	node, entry, err := r.Result.entry(e.Path, e.Type == protocol.TypeAssertionRunning)
	if err != nil {
		return err
	}
	if !entry.Status.Terminal() {
		entry.Status = protocol.StatusRunning
	}
	if !node.Status.Terminal() {
		node.Status = protocol.StatusRunning
	}
	return nil
}

func (r *AgentRun) applyResult(e *protocol.Result) error {
	_, entry, err := r.Result.entry(e.Path, e.Type == protocol.TypeAssertionResult)
	if err != nil {
		return err
	}
	entry.Status = e.Status
	entry.Timeout = e.Timeout
	entry.Error = e.Error
	entry.LogEvents = e.LogEvents
	Aggregate(r.Result)
	return nil
}

// TimeoutLane records that lane missed its begin/end bracket.
func (r *AgentRun) TimeoutLane(path []string) {
	lane := r.Lane(path)
	if lane == nil {
		return
	}
	r.closeLane(lane, true)
}

// AbortLane settles a lane cut short by a disconnect or cancellation. The
// lane fails without the timeout flag.
func (r *AgentRun) AbortLane(path []string) {
	lane := r.Lane(path)
	if lane == nil {
		return
	}
	r.closeLane(lane, false)
	lane.Status = protocol.StatusFailed
}

// closeLane settles the entries along a finished lane and records its
// outcome. Entries that never ran are disregarded; on timeout, entries
// left running are failed.
func (r *AgentRun) closeLane(lane *LaneResult, timedOut bool) {
	failed := timedOut
	var leaf *Node
	for i := range lane.Path {
		node := r.Result.Find(lane.Path[:i+1])
		if node == nil {
			break
		}
		leaf = node
		for _, list := range [][]*Entry{node.Steps, node.Assertions} {
			for _, e := range list {
				switch e.Status {
				case protocol.StatusPending:
					e.Status = protocol.StatusDisregarded
				case protocol.StatusRunning:
					e.Status = protocol.StatusFailed
					e.Timeout = timedOut
					failed = true
				case protocol.StatusFailed:
					failed = true
				}
			}
		}
	}
	if leaf == nil || leaf.Status == protocol.StatusPending {
		failed = true
	}
	if timedOut && leaf != nil {
		leaf.Timeout = true
	}

	lane.Timeout = timedOut
	lane.Status = protocol.StatusOK
	if failed {
		lane.Status = protocol.StatusFailed
	}
	Aggregate(r.Result)
}

// Finish settles the agent run: nodes never reached are disregarded and
// the status is ok only if every lane passed.
func (r *AgentRun) Finish(errMsg string) {
	disregardUnreached(r.Result)
	Aggregate(r.Result)
	r.Error = errMsg
	r.Status = protocol.StatusOK
	if errMsg != "" {
		r.Status = protocol.StatusFailed
	}
	for _, l := range r.Lanes {
		if l.Status != protocol.StatusOK {
			r.Status = protocol.StatusFailed
		}
	}
	if r.Result != nil && r.Result.Status == protocol.StatusFailed {
		r.Status = protocol.StatusFailed
	}
}

func disregardUnreached(n *Node) {
	if n == nil {
		return
	}
	for _, c := range n.Children {
		disregardUnreached(c)
	}
	for _, list := range [][]*Entry{n.Steps, n.Assertions} {
		for _, e := range list {
			if !e.Status.Terminal() {
				e.Status = protocol.StatusDisregarded
			}
		}
	}
	if n.Status == protocol.StatusPending {
		n.Status = protocol.StatusDisregarded
	}
}

// Aggregate recomputes node statuses bottom-up: a node is failed if it
// timed out or any own entry or child failed, ok once every entry and
// child settled without failure, and otherwise keeps its progress status.
func Aggregate(n *Node) protocol.Status {
	if n == nil {
		return protocol.StatusPending
	}
	failed := n.Timeout
	settled := true
	for _, c := range n.Children {
		switch Aggregate(c) {
		case protocol.StatusFailed:
			failed = true
		case protocol.StatusOK, protocol.StatusDisregarded:
		default:
			settled = false
		}
	}
	for _, list := range [][]*Entry{n.Steps, n.Assertions} {
		for _, e := range list {
			switch e.Status {
			case protocol.StatusFailed:
				failed = true
			case protocol.StatusOK, protocol.StatusDisregarded:
			default:
				settled = false
			}
		}
	}

	switch {
	case failed:
		n.Status = protocol.StatusFailed
	case n.Status == protocol.StatusPending || n.Status == protocol.StatusDisregarded:
		// never reached
	case settled:
		n.Status = protocol.StatusOK
	default:
		n.Status = protocol.StatusRunning
	}
	return n.Status
}

// Summarize sets the run status: ok if every agent is ok, else failed.
func Summarize(run *TestRun) protocol.Status {
	status := protocol.StatusOK
	if len(run.Agents) == 0 {
		status = protocol.StatusFailed
	}
	for _, a := range run.Agents {
		if a.Status != protocol.StatusOK {
			status = protocol.StatusFailed
		}
	}
	run.Status = status
	return status
}

func appendPath(parent []string, seg string) []string {
	out := make([]string, 0, len(parent)+1)
	out = append(out, parent...)
	return append(out, seg)
}
