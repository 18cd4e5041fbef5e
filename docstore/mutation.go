package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// Op is a field-level transform.
type Op int

// Field transforms. Every backend compiles these to its own atomic primitive.
const (
	OpSet Op = iota
	OpDelete
	OpArrayUnion
	OpArrayRemove
	OpServerTimestamp
)

// Mutation changes one field, addressed by a path of map keys. Keys are taken
// literally, so follower tokens can be used as keys without escaping.
type Mutation struct {
	Path   []string
	Op     Op
	Value  any
	Values []any
}

// SetField replaces the value at path.
func SetField(value any, path ...string) Mutation {
	return Mutation{Path: path, Op: OpSet, Value: value}
}

// DeleteField removes the key at path.
func DeleteField(path ...string) Mutation {
	return Mutation{Path: path, Op: OpDelete}
}

// ArrayUnion adds values missing from the array at field.
func ArrayUnion(field string, values ...any) Mutation {
	return Mutation{Path: []string{field}, Op: OpArrayUnion, Values: values}
}

// ArrayRemove removes every occurrence of values from the array at field.
func ArrayRemove(field string, values ...any) Mutation {
	return Mutation{Path: []string{field}, Op: OpArrayRemove, Values: values}
}

// ServerTimestamp sets the field to the commit time.
func ServerTimestamp(path ...string) Mutation {
	return Mutation{Path: path, Op: OpServerTimestamp}
}

// normalize converts v to its JSON data model (maps, slices, strings, float64, bool).
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return out, nil
}

func normalizeDoc(v any) (map[string]any, error) {
	n, err := normalize(v)
	if err != nil {
		return nil, err
	}
	doc, ok := n.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("document must encode as an object, got %T", n)
	}
	return doc, nil
}

// applyMutations applies field transforms to a JSON-model document in place.
func applyMutations(doc map[string]any, muts []Mutation, now time.Time) error {
	for _, m := range muts {
		if len(m.Path) == 0 {
			return fmt.Errorf("mutation has empty path")
		}
		if m.Op == OpDelete {
			deleteAt(doc, m.Path)
			continue
		}

		parent, err := parentOf(doc, m.Path)
		if err != nil {
			return err
		}
		leaf := m.Path[len(m.Path)-1]

		switch m.Op {
		case OpSet:
			v, err := normalize(m.Value)
			if err != nil {
				return err
			}
			parent[leaf] = v
		case OpServerTimestamp:
			parent[leaf] = now.UTC().Format(time.RFC3339Nano)
		case OpArrayUnion:
			arr, _ := parent[leaf].([]any)
			for _, raw := range m.Values {
				v, err := normalize(raw)
				if err != nil {
					return err
				}
				if !containsValue(arr, v) {
					arr = append(arr, v)
				}
			}
			if arr == nil {
				arr = []any{}
			}
			parent[leaf] = arr
		case OpArrayRemove:
			arr, _ := parent[leaf].([]any)
			kept := make([]any, 0, len(arr))
			for _, existing := range arr {
				drop := false
				for _, raw := range m.Values {
					v, err := normalize(raw)
					if err != nil {
						return err
					}
					if reflect.DeepEqual(existing, v) {
						drop = true
						break
					}
				}
				if !drop {
					kept = append(kept, existing)
				}
			}
			parent[leaf] = kept
		default:
			return fmt.Errorf("unknown mutation op %d", m.Op)
		}
	}
	return nil
}

// parentOf walks path[:len-1], creating maps as needed.
func parentOf(doc map[string]any, path []string) (map[string]any, error) {
	cur := doc
	for _, key := range path[:len(path)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			if cur[key] != nil {
				return nil, fmt.Errorf("field %q is not a map", key)
			}
			next = make(map[string]any)
			cur[key] = next
		}
		cur = next
	}
	return cur, nil
}

func deleteAt(doc map[string]any, path []string) {
	cur := doc
	for _, key := range path[:len(path)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, path[len(path)-1])
}

func containsValue(arr []any, v any) bool {
	for _, existing := range arr {
		if reflect.DeepEqual(existing, v) {
			return true
		}
	}
	return false
}

// jsonSnapshot is a Snapshot over a JSON-model document.
type jsonSnapshot struct {
	data   map[string]any
	exists bool
}

func (s *jsonSnapshot) Exists() bool {
	return s.exists
}

func (s *jsonSnapshot) DataTo(v any) error {
	if !s.exists {
		return ErrNotFound
	}
	b, err := json.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}
