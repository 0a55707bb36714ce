// Package manifest holds the test tree executed by agents: the executable
// form with step and assertion code, and the wire form sent in run commands.
package manifest

import (
	"context"
	"fmt"
	"maps"

	"github.com/odvcencio/bigtest/pkg/convergence"
	"github.com/odvcencio/bigtest/pkg/protocol"
)

// Context is the value threaded through the steps and assertions of a lane.
type Context map[string]any

// Merge returns a copy of c with more's keys laid over it.
func (c Context) Merge(more Context) Context {
	out := make(Context, len(c)+len(more))
	maps.Copy(out, c)
	maps.Copy(out, more)
	return out
}

// Action is the body of a step. A non-nil returned Context is merged into
// the lane context.
type Action func(ctx context.Context, c Context) (Context, error)

// Check is the body of an assertion.
type Check func(ctx context.Context, c Context) error

// Step is one sequential action of a test node.
type Step struct {
	Description string
	Action      Action
	// Mode, when set, polls Action with convergence until it succeeds
	// (eventually) or for the whole timeout (always).
	Mode string
}

// Assertion is one check of a test node, run concurrently with its siblings.
type Assertion struct {
	Description string
	Check       Check
	Mode        string
}

// Test is a node of the executable manifest.
type Test struct {
	Description string
	Steps       []Step
	Assertions  []Assertion
	Children    []*Test
}

// Validate reports nil actions, unknown convergence modes and sibling
// tests sharing a description.
func (t *Test) Validate() error {
	if t == nil {
		return fmt.Errorf("manifest: nil test")
	}
	for i, s := range t.Steps {
		if s.Action == nil {
			return fmt.Errorf("manifest: %q step %d (%s) has no action", t.Description, i, s.Description)
		}
		if _, err := parseMode(s.Mode); err != nil {
			return fmt.Errorf("manifest: %q step %d: %w", t.Description, i, err)
		}
	}
	for i, a := range t.Assertions {
		if a.Check == nil {
			return fmt.Errorf("manifest: %q assertion %d (%s) has no check", t.Description, i, a.Description)
		}
		if _, err := parseMode(a.Mode); err != nil {
			return fmt.Errorf("manifest: %q assertion %d: %w", t.Description, i, err)
		}
	}
	seen := make(map[string]bool, len(t.Children))
	for _, c := range t.Children {
		if err := c.Validate(); err != nil {
			return err
		}
		if seen[c.Description] {
			return fmt.Errorf("manifest: %q has two children described %q", t.Description, c.Description)
		}
		seen[c.Description] = true
	}
	return nil
}

// Child returns the first child described as desc.
func (t *Test) Child(desc string) *Test {
	for _, c := range t.Children {
		if c.Description == desc {
			return c
		}
	}
	return nil
}

// Describe converts the executable tree to its wire form.
func Describe(t *Test) *protocol.Node {
	if t == nil {
		return nil
	}
	n := &protocol.Node{Description: t.Description}
	for _, s := range t.Steps {
		n.Steps = append(n.Steps, protocol.Entry{Description: s.Description, Mode: s.Mode})
	}
	for _, a := range t.Assertions {
		n.Assertions = append(n.Assertions, protocol.Entry{Description: a.Description, Mode: a.Mode})
	}
	for _, c := range t.Children {
		n.Children = append(n.Children, Describe(c))
	}
	return n
}

// Lanes returns every root-to-leaf path of descriptions, depth first, in
// sibling order. Each lane starts with the root description.
func Lanes(root *protocol.Node) [][]string {
	if root == nil {
		return nil
	}
	var lanes [][]string
	var walk func(n *protocol.Node, prefix []string)
	walk = func(n *protocol.Node, prefix []string) {
		path := append(append([]string(nil), prefix...), n.Description)
		if len(n.Children) == 0 {
			lanes = append(lanes, path)
			return
		}
		for _, c := range n.Children {
			walk(c, path)
		}
	}
	walk(root, nil)
	return lanes
}

// Find returns the node addressed by path, which starts at the root.
func Find(root *protocol.Node, path []string) *protocol.Node {
	if root == nil || len(path) == 0 || root.Description != path[0] {
		return nil
	}
	n := root
	for _, desc := range path[1:] {
		var next *protocol.Node
		for _, c := range n.Children {
			if c.Description == desc {
				next = c
				break
			}
		}
		if next == nil {
			return nil
		}
		n = next
	}
	return n
}

// ParseMode resolves a step or assertion mode. The empty mode means a
// single invocation; ok is false in that case.
func ParseMode(s string) (mode convergence.Mode, ok bool, err error) {
	if s == "" {
		return convergence.ModeEventually, false, nil
	}
	mode, err = parseMode(s)
	return mode, err == nil, err
}

func parseMode(s string) (convergence.Mode, error) {
	if s == "" {
		return convergence.ModeEventually, nil
	}
	return convergence.ParseMode(s)
}
