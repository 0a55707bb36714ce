package atom

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/google/go-cmp/cmp"
)

// ValueOf converts any JSON-marshalable value into the tree form stored in an
// Atom: map[string]any, []any, string, float64, bool or nil.
func ValueOf(x any) (any, error) {
	switch x.(type) {
	case nil, string, float64, bool:
		return x, nil
	}
	data, err := json.Marshal(x)
	if err != nil {
		return nil, fmt.Errorf("atom value: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("atom value: %w", err)
	}
	return out, nil
}

// MustValueOf is ValueOf for values known to be marshalable.
func MustValueOf(x any) any {
	v, err := ValueOf(x)
	if err != nil {
		panic(err)
	}
	return v
}

// Decode converts a tree value into out, which must be a pointer.
func Decode(v any, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("atom decode: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("atom decode: %w", err)
	}
	return nil
}

var exportAll = cmp.Exporter(func(reflect.Type) bool { return true })

// Equal reports deep structural equality of two values.
func Equal(a, b any) bool {
	return cmp.Equal(a, b, exportAll)
}
