package store

import (
	"sort"

	"github.com/goccy/go-json"
)

// Snapshot is an immutable copy of the value at a path.
type Snapshot struct {
	Path  string
	value any
}

// NewSnapshot wraps a normalised value. Callers must not mutate value afterwards.
func NewSnapshot(path string, value any) Snapshot {
	return Snapshot{Path: path, value: value}
}

func (s Snapshot) Exists() bool {
	return s.value != nil
}

// Value returns the raw JSON-shaped value (map[string]any, []any, string,
// float64, bool or nil).
func (s Snapshot) Value() any {
	return s.value
}

// Key returns the last segment of the snapshot path.
func (s Snapshot) Key() string {
	return Base(s.Path)
}

// Decode unmarshals the value into v the way a JSON document would.
func (s Snapshot) Decode(v any) error {
	b, err := json.Marshal(s.value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Child returns the snapshot of a direct child.
func (s Snapshot) Child(name string) Snapshot {
	m, _ := s.value.(map[string]any)
	return Snapshot{Path: Join(s.Path, name), value: m[name]}
}

// Children returns the direct children ordered by key.
func (s Snapshot) Children() []Snapshot {
	m, ok := s.value.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, Snapshot{Path: Join(s.Path, k), value: m[k]})
	}
	return out
}

// Normalize converts any JSON-marshalable value into the generic shape stored
// in the tree. Empty objects collapse to nil, matching deletion semantics.
func Normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return prune(out), nil
}

// prune drops nil members and empty objects.
func prune(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, child := range m {
		child = prune(child)
		if child == nil {
			delete(m, k)
			continue
		}
		m[k] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// Clone deep-copies a normalised value.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = Clone(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = Clone(child)
		}
		return out
	default:
		return v
	}
}
