package bt

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// DecodeYAML reads a BT-DSL document authored as YAML. Authors and the
// external reasoner may submit either YAML or JSON; both normalize into
// the same DSL value, so tree hashes are format-independent.
func DecodeYAML(b []byte) (DSL, error) {
	var d DSL
	if err := yaml.Unmarshal(b, &d); err != nil {
		return DSL{}, fmt.Errorf("decode bt-dsl yaml: %w", err)
	}
	normalizeAnyMaps(&d.Root)
	return d, nil
}

// DecodeJSON reads a BT-DSL document authored as JSON.
func DecodeJSON(b []byte) (DSL, error) {
	var d DSL
	if err := json.Unmarshal(b, &d); err != nil {
		return DSL{}, fmt.Errorf("decode bt-dsl json: %w", err)
	}
	return d, nil
}

// normalizeAnyMaps rewrites the map[any]any values yaml.v3 can produce in
// nested args/params into map[string]any, so hashing and schema checks see
// one canonical shape regardless of source format.
func normalizeAnyMaps(n *Node) {
	if n == nil {
		return
	}
	n.Args = normalizeMap(n.Args)
	if n.Condition != nil {
		n.Condition.Params = normalizeMap(n.Condition.Params)
	}
	for i := range n.Children {
		normalizeAnyMaps(&n.Children[i])
	}
	normalizeAnyMaps(n.Child)
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeMap(t)
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
