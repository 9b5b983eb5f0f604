// Package bt implements the behavior-tree DSL parser/compiler and the
// tree interpreter. Documents validate against a closed grammar, compile
// into a canonical node graph, and are content-hashed with blake3 so
// logically identical trees share one identity.
package bt

import "fmt"

// NodeType enumerates the closed set of BT-DSL node variants.
type NodeType string

const (
	NodeLeaf                NodeType = "Leaf"
	NodeSequence            NodeType = "Sequence"
	NodeSelector            NodeType = "Selector"
	NodeRepeatUntil         NodeType = "Repeat.Until"
	NodeDecoratorTimeout    NodeType = "Decorator.Timeout"
	NodeDecoratorFailOnTrue NodeType = "Decorator.FailOnTrue"
)

var validNodeTypes = map[NodeType]bool{
	NodeLeaf:                true,
	NodeSequence:            true,
	NodeSelector:            true,
	NodeRepeatUntil:         true,
	NodeDecoratorTimeout:    true,
	NodeDecoratorFailOnTrue: true,
}

// Condition is a named predicate with parameters, resolved via a condition
// registry external to the core.
type Condition struct {
	Name   string         `json:"name" yaml:"name"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Node is one node of the input DSL document, a discriminated union keyed
// by Type. Only the fields relevant to Type are populated; Parse checks
// that each type's required fields are present and ignores fields that
// belong to other types.
type Node struct {
	Type NodeType `json:"type" yaml:"type"`

	// Leaf
	LeafName string         `json:"leafName,omitempty" yaml:"leafName,omitempty"`
	Args     map[string]any `json:"args,omitempty" yaml:"args,omitempty"`

	// Sequence / Selector
	Children []Node `json:"children,omitempty" yaml:"children,omitempty"`

	// Repeat.Until
	Child         *Node      `json:"child,omitempty" yaml:"child,omitempty"`
	Condition     *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	MaxIterations int        `json:"maxIterations,omitempty" yaml:"maxIterations,omitempty"`

	// Decorator.Timeout
	TimeoutMs int `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
}

// Metadata is the document-level header, excluded from the tree hash
type Metadata struct {
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// DSL is the full input document: metadata plus a root node.
type DSL struct {
	Metadata Metadata `json:"metadata" yaml:"metadata"`
	Root     Node     `json:"root" yaml:"root"`
}

// LeafFactory resolves a leaf name to its declared input schema defaults,
// used to (a) check that every Leaf.leafName reference is known and (b)
// inline argument defaults during compilation.
type LeafFactory interface {
	// Resolve returns ok=false if name is unknown.
	Resolve(name string) (defaults map[string]any, ok bool)
}

// MapLeafFactory is a simple in-memory LeafFactory, convenient for tests.
// A leaf.Registry is adapted by FactoryAdapter in bt/registry_adapter.go.
type MapLeafFactory map[string]map[string]any

func (m MapLeafFactory) Resolve(name string) (map[string]any, bool) {
	d, ok := m[name]
	return d, ok
}

func (t NodeType) validate() error {
	if !validNodeTypes[t] {
		return fmt.Errorf("must be equal to constant")
	}
	return nil
}
