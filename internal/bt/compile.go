package bt

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// CompiledNode is the normalized node graph produced by compilation. It
// mirrors Node's shape but with leaf argument defaults already inlined and
// structure already validated.
type CompiledNode struct {
	Type NodeType

	LeafName string
	Args     map[string]any

	Children []*CompiledNode

	Child         *CompiledNode
	Condition     *Condition
	MaxIterations int

	TimeoutMs int
}

// CompiledTree is a parsed, validated, content-hashed behavior tree ready
// for execution by the interpreter.
type CompiledTree struct {
	Metadata Metadata
	Root     *CompiledNode
	TreeHash string
}

// ParseResult is the outcome of Parse: either a compiled tree plus hash, or
// a list of human-readable errors.
type ParseResult struct {
	Valid    bool
	Compiled *CompiledTree
	TreeHash string
	Errors   []string
}

// Parse validates dsl against the fixed grammar, resolves every leaf
// reference against factory, compiles a canonical node graph, and computes
// its tree hash.
func Parse(dsl DSL, factory LeafFactory) ParseResult {
	var errs []string

	if err := dsl.Root.Type.validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := structuralValidate(dsl.Root); err != nil {
		errs = append(errs, err.Error())
	}

	missing := collectMissingLeaves(dsl.Root, factory)
	if len(missing) > 0 {
		errs = append(errs, fmt.Sprintf("Missing leaves: %s", strings.Join(missing, ",")))
	}

	if len(errs) > 0 {
		return ParseResult{Valid: false, Errors: errs}
	}

	compiledRoot := compileNode(dsl.Root, factory)
	hash := computeTreeHash(compiledRoot)
	tree := &CompiledTree{Metadata: dsl.Metadata, Root: compiledRoot, TreeHash: hash}
	return ParseResult{Valid: true, Compiled: tree, TreeHash: hash}
}

// structuralValidate recursively enforces the closed per-type required
// field set.
func structuralValidate(n Node) error {
	if err := n.Type.validate(); err != nil {
		return err
	}
	switch n.Type {
	case NodeLeaf:
		if strings.TrimSpace(n.LeafName) == "" {
			return fmt.Errorf("Leaf node requires leafName")
		}
	case NodeSequence, NodeSelector:
		if len(n.Children) == 0 {
			return fmt.Errorf("%s node requires at least one child", n.Type)
		}
		for i := range n.Children {
			if err := structuralValidate(n.Children[i]); err != nil {
				return err
			}
		}
	case NodeRepeatUntil:
		if n.Child == nil {
			return fmt.Errorf("Repeat.Until node requires child")
		}
		if n.Condition == nil || strings.TrimSpace(n.Condition.Name) == "" {
			return fmt.Errorf("Repeat.Until node requires condition")
		}
		if n.MaxIterations <= 0 {
			return fmt.Errorf("Repeat.Until node requires maxIterations > 0")
		}
		if err := structuralValidate(*n.Child); err != nil {
			return err
		}
	case NodeDecoratorTimeout:
		if n.Child == nil {
			return fmt.Errorf("Decorator.Timeout node requires child")
		}
		if n.TimeoutMs <= 0 {
			return fmt.Errorf("Decorator.Timeout node requires timeoutMs > 0")
		}
		if err := structuralValidate(*n.Child); err != nil {
			return err
		}
	case NodeDecoratorFailOnTrue:
		if n.Child == nil {
			return fmt.Errorf("Decorator.FailOnTrue node requires child")
		}
		if n.Condition == nil || strings.TrimSpace(n.Condition.Name) == "" {
			return fmt.Errorf("Decorator.FailOnTrue node requires condition")
		}
		if err := structuralValidate(*n.Child); err != nil {
			return err
		}
	}
	return nil
}

func collectMissingLeaves(n Node, factory LeafFactory) []string {
	var missing []string
	var walk func(n Node)
	seen := map[string]bool{}
	walk = func(n Node) {
		switch n.Type {
		case NodeLeaf:
			if factory != nil {
				if _, ok := factory.Resolve(n.LeafName); !ok {
					if !seen[n.LeafName] {
						seen[n.LeafName] = true
						missing = append(missing, n.LeafName)
					}
				}
			}
		case NodeSequence, NodeSelector:
			for _, c := range n.Children {
				walk(c)
			}
		case NodeRepeatUntil, NodeDecoratorTimeout, NodeDecoratorFailOnTrue:
			if n.Child != nil {
				walk(*n.Child)
			}
		}
	}
	walk(n)
	sort.Strings(missing)
	return missing
}

func compileNode(n Node, factory LeafFactory) *CompiledNode {
	cn := &CompiledNode{
		Type:          n.Type,
		LeafName:      n.LeafName,
		MaxIterations: n.MaxIterations,
		TimeoutMs:     n.TimeoutMs,
		Condition:     n.Condition,
	}
	switch n.Type {
	case NodeLeaf:
		cn.Args = inlineDefaults(n.Args, n.LeafName, factory)
	case NodeSequence, NodeSelector:
		for _, c := range n.Children {
			cn.Children = append(cn.Children, compileNode(c, factory))
		}
	case NodeRepeatUntil, NodeDecoratorTimeout, NodeDecoratorFailOnTrue:
		if n.Child != nil {
			cn.Child = compileNode(*n.Child, factory)
		}
	}
	return cn
}

func inlineDefaults(args map[string]any, leafName string, factory LeafFactory) map[string]any {
	out := map[string]any{}
	if factory != nil {
		if defaults, ok := factory.Resolve(leafName); ok {
			for k, v := range defaults {
				out[k] = v
			}
		}
	}
	for k, v := range args {
		out[k] = v
	}
	return out
}

// computeTreeHash canonicalizes the compiled graph by recursively
// serializing each node's type, its per-type fields, its args with sorted
// keys and its children's serializations in order, and digesting with
// blake3. name/description never enter this
// computation because CompiledNode carries neither.
func computeTreeHash(n *CompiledNode) string {
	h := blake3.New()
	writeNodeCanonical(h, n)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)
}

type hashWriter interface {
	Write(p []byte) (int, error)
}

func writeNodeCanonical(w hashWriter, n *CompiledNode) {
	if n == nil {
		_, _ = w.Write([]byte("nil;"))
		return
	}
	_, _ = w.Write([]byte("type:" + string(n.Type) + ";"))
	switch n.Type {
	case NodeLeaf:
		_, _ = w.Write([]byte("leaf:" + n.LeafName + ";args:"))
		writeArgsCanonical(w, n.Args)
	case NodeSequence, NodeSelector:
		_, _ = w.Write([]byte(fmt.Sprintf("children:%d;", len(n.Children))))
		for _, c := range n.Children {
			writeNodeCanonical(w, c)
		}
	case NodeRepeatUntil:
		_, _ = w.Write([]byte(fmt.Sprintf("maxIter:%d;cond:%s;", n.MaxIterations, canonicalCondition(n.Condition))))
		writeNodeCanonical(w, n.Child)
	case NodeDecoratorTimeout:
		_, _ = w.Write([]byte(fmt.Sprintf("timeout:%d;", n.TimeoutMs)))
		writeNodeCanonical(w, n.Child)
	case NodeDecoratorFailOnTrue:
		_, _ = w.Write([]byte(fmt.Sprintf("cond:%s;", canonicalCondition(n.Condition))))
		writeNodeCanonical(w, n.Child)
	}
	_, _ = w.Write([]byte(";end;"))
}

func canonicalCondition(c *Condition) string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteString(":")
	keys := make([]string, 0, len(c.Params))
	for k := range c.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, c.Params[k])
	}
	return b.String()
}

func writeArgsCanonical(w hashWriter, args map[string]any) {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s=%v;", k, args[k])
	}
}
