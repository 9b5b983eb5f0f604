package bt

import "github.com/kilroy-control/plane/internal/leaf"

// FactoryAdapter exposes a leaf.Registry as a compile-time LeafFactory,
// used by Parse to resolve leafName references and inline argument
// defaults.
type FactoryAdapter struct {
	Registry *leaf.Registry
}

func (a FactoryAdapter) Resolve(name string) (map[string]any, bool) {
	if a.Registry == nil {
		return nil, false
	}
	l := a.Registry.GetLeaf(name, "")
	if l == nil {
		return nil, false
	}
	defaults := map[string]any{}
	if props, ok := l.InputSchema["properties"].(map[string]any); ok {
		for k, v := range props {
			if m, ok := v.(map[string]any); ok {
				if def, ok := m["default"]; ok {
					defaults[k] = def
				}
			}
		}
	}
	return defaults, true
}

// ResolverAdapter exposes a leaf.Registry as a run-time LeafResolver, used
// by the Interpreter to dispatch Leaf nodes to an actual leaf.Leaf.Run
type ResolverAdapter struct {
	Registry *leaf.Registry
}

func (a ResolverAdapter) Resolve(name string) *leaf.Leaf {
	if a.Registry == nil {
		return nil
	}
	return a.Registry.GetLeaf(name, "")
}
