package atom

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrPathMismatch is returned when a write would have to change a sequence
// into a map (or a scalar into a container) to reach its target.
var ErrPathMismatch = errors.New("path does not match value shape")

// Segment is one step of a Path: a map key or a sequence index.
type Segment struct {
	key     string
	index   int
	isIndex bool
}

// Key addresses a map entry.
func Key(k string) Segment { return Segment{key: k} }

// Index addresses a sequence element.
func Index(i int) Segment { return Segment{index: i, isIndex: true} }

// IsIndex reports whether the segment addresses a sequence element.
func (s Segment) IsIndex() bool { return s.isIndex }

func (s Segment) String() string {
	if s.isIndex {
		return "[" + strconv.Itoa(s.index) + "]"
	}
	return s.key
}

func (s Segment) mapKey() string {
	if s.isIndex {
		return strconv.Itoa(s.index)
	}
	return s.key
}

func (s Segment) sliceIndex() (int, bool) {
	if s.isIndex {
		return s.index, s.index >= 0
	}
	i, err := strconv.Atoi(s.key)
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// Path is an ordered list of segments from the root of a value.
type Path []Segment

// Keys builds a path of map keys.
func Keys(keys ...string) Path {
	p := make(Path, len(keys))
	for i, k := range keys {
		p[i] = Key(k)
	}
	return p
}

// Append returns a new path with more segments; p is not modified.
func (p Path) Append(more ...Segment) Path {
	out := make(Path, 0, len(p)+len(more))
	out = append(out, p...)
	return append(out, more...)
}

func (p Path) String() string {
	var sb strings.Builder
	for i, seg := range p {
		switch {
		case seg.isIndex:
			sb.WriteString(seg.String())
		case seg.key == "" || strings.ContainsAny(seg.key, ".[]\""):
			sb.WriteString("[" + strconv.Quote(seg.key) + "]")
		default:
			if i > 0 {
				sb.WriteByte('.')
			}
			sb.WriteString(seg.key)
		}
	}
	return sb.String()
}

// ParsePath parses "a.b[2].c". A key holding dots or brackets is written
// quoted in brackets: agents["agent.1"].status.
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Path{}, nil
	}
	var p Path
	rest := s
	for {
		end := strings.IndexAny(rest, ".[")
		if end < 0 {
			end = len(rest)
		}
		name := rest[:end]
		rest = rest[end:]
		if name != "" {
			p = append(p, Key(name))
		}
		seen := name != ""
		for strings.HasPrefix(rest, "[") {
			seg, n, err := parseBracket(rest)
			if err != nil {
				return nil, fmt.Errorf("%w in path %q", err, s)
			}
			p = append(p, seg)
			rest = rest[n:]
			seen = true
		}
		if !seen {
			return nil, fmt.Errorf("empty segment in path %q", s)
		}
		if rest == "" {
			return p, nil
		}
		if rest[0] != '.' {
			return nil, fmt.Errorf("malformed index in path %q", s)
		}
		rest = rest[1:]
	}
}

// parseBracket reads one [n] or ["key"] group at the start of s and reports
// how many bytes it used.
func parseBracket(s string) (Segment, int, error) {
	if strings.HasPrefix(s, `["`) {
		quoted, err := strconv.QuotedPrefix(s[1:])
		if err != nil {
			return Segment{}, 0, errors.New("malformed quoted key")
		}
		n := 1 + len(quoted)
		if n >= len(s) || s[n] != ']' {
			return Segment{}, 0, errors.New("unterminated key")
		}
		key, err := strconv.Unquote(quoted)
		if err != nil {
			return Segment{}, 0, errors.New("malformed quoted key")
		}
		return Key(key), n + 1, nil
	}
	end := strings.IndexByte(s, ']')
	if end < 0 {
		return Segment{}, 0, errors.New("unterminated index")
	}
	i, err := strconv.Atoi(s[1:end])
	if err != nil || i < 0 {
		return Segment{}, 0, fmt.Errorf("invalid index %q", s[1:end])
	}
	return Index(i), end + 1, nil
}

// Lookup reads the value at p within root.
func Lookup(root any, p Path) (any, bool) {
	return getIn(root, p)
}

func getIn(node any, p Path) (any, bool) {
	for _, seg := range p {
		switch c := node.(type) {
		case map[string]any:
			v, ok := c[seg.mapKey()]
			if !ok {
				return nil, false
			}
			node = v
		case []any:
			i, ok := seg.sliceIndex()
			if !ok || i >= len(c) {
				return nil, false
			}
			node = c[i]
		default:
			return nil, false
		}
	}
	return node, true
}

// setIn returns a copy of node with x placed at p. Only containers along p are
// copied; everything else is shared with node.
func setIn(node any, p Path, x any) (any, error) {
	if len(p) == 0 {
		return x, nil
	}
	seg, rest := p[0], p[1:]

	if node == nil {
		if seg.isIndex {
			node = []any{}
		} else {
			node = map[string]any{}
		}
	}

	switch c := node.(type) {
	case map[string]any:
		key := seg.mapKey()
		child, err := setIn(c[key], rest, x)
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(c)+1)
		for k, v := range c {
			out[k] = v
		}
		out[key] = child
		return out, nil
	case []any:
		i, ok := seg.sliceIndex()
		if !ok {
			return nil, fmt.Errorf("%w: key %q addresses a sequence", ErrPathMismatch, seg.key)
		}
		var existing any
		if i < len(c) {
			existing = c[i]
		}
		child, err := setIn(existing, rest, x)
		if err != nil {
			return nil, err
		}
		size := len(c)
		if i >= size {
			size = i + 1
		}
		out := make([]any, size)
		copy(out, c)
		out[i] = child
		return out, nil
	default:
		return nil, fmt.Errorf("%w: cannot descend into %T at %q", ErrPathMismatch, node, seg.String())
	}
}

// removeIn returns node without the value at p. changed is false when the
// path does not exist, in which case node is returned untouched.
func removeIn(node any, p Path) (any, bool) {
	if len(p) == 0 {
		return node, false
	}
	seg, rest := p[0], p[1:]

	switch c := node.(type) {
	case map[string]any:
		key := seg.mapKey()
		v, ok := c[key]
		if !ok {
			return node, false
		}
		out := make(map[string]any, len(c))
		for k, existing := range c {
			out[k] = existing
		}
		if len(rest) == 0 {
			delete(out, key)
			return out, true
		}
		child, changed := removeIn(v, rest)
		if !changed {
			return node, false
		}
		out[key] = child
		return out, true
	case []any:
		i, ok := seg.sliceIndex()
		if !ok || i >= len(c) {
			return node, false
		}
		if len(rest) == 0 {
			out := make([]any, 0, len(c)-1)
			out = append(out, c[:i]...)
			return append(out, c[i+1:]...), true
		}
		child, changed := removeIn(c[i], rest)
		if !changed {
			return node, false
		}
		out := make([]any, len(c))
		copy(out, c)
		out[i] = child
		return out, true
	default:
		return node, false
	}
}
