package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/odvcencio/bigtest/pkg/atom"
)

// Evaluator answers a query against one snapshot of the orchestrator Atom.
// The snapshot must not be mutated.
type Evaluator interface {
	Evaluate(query json.RawMessage, snapshot any) (any, []error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(query json.RawMessage, snapshot any) (any, []error)

func (f EvaluatorFunc) Evaluate(query json.RawMessage, snapshot any) (any, []error) {
	return f(query, snapshot)
}

// PathQuery is the object form understood by PathEvaluator.
type PathQuery struct {
	// Path is a dotted path with optional [n] indexes, e.g.
	// "testRuns.r1.agents". Keys holding dots are quoted in brackets, as in
	// agents["agent.1"]. Empty selects the whole snapshot.
	Path string `json:"path"`
	// Fields, when set, keeps only these keys of the selected object, or
	// of every object in the selected sequence.
	Fields []string `json:"fields,omitempty"`
	// Each applies Fields to every value of the selected object instead of
	// the object itself.
	Each bool `json:"each,omitempty"`
}

// PathEvaluator selects a sub-tree of the snapshot. A query is either a
// JSON string holding a path or a PathQuery object. A path that does not
// exist yields null data.
type PathEvaluator struct{}

func (PathEvaluator) Evaluate(query json.RawMessage, snapshot any) (any, []error) {
	q, err := ParseQuery(query)
	if err != nil {
		return nil, []error{err}
	}
	p, err := atom.ParsePath(q.Path)
	if err != nil {
		return nil, []error{err}
	}
	v, ok := atom.Lookup(snapshot, p)
	if !ok {
		return nil, nil
	}
	if len(q.Fields) == 0 {
		return v, nil
	}
	return project(v, q.Fields, q.Each), nil
}

// ParseQuery decodes either query form.
func ParseQuery(query json.RawMessage) (PathQuery, error) {
	trimmed := bytes.TrimSpace(query)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return PathQuery{}, nil
	}
	switch trimmed[0] {
	case '"':
		var path string
		if err := json.Unmarshal(trimmed, &path); err != nil {
			return PathQuery{}, fmt.Errorf("invalid query: %w", err)
		}
		return PathQuery{Path: path}, nil
	case '{':
		var q PathQuery
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&q); err != nil {
			return PathQuery{}, fmt.Errorf("invalid query: %w", err)
		}
		return q, nil
	default:
		return PathQuery{}, fmt.Errorf("invalid query: expected a path string or an object, got %s", trimmed)
	}
}

func project(v any, fields []string, each bool) any {
	switch c := v.(type) {
	case map[string]any:
		if !each {
			return pick(c, fields)
		}
		out := make(map[string]any, len(c))
		for k, item := range c {
			out[k] = project(item, fields, false)
		}
		return out
	case []any:
		out := make([]any, len(c))
		for i, item := range c {
			out[i] = project(item, fields, false)
		}
		return out
	default:
		return v
	}
}

func pick(m map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := m[f]; ok {
			out[f] = v
		}
	}
	return out
}
