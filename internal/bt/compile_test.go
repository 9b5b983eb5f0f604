package bt

import "testing"

func okFactory() LeafFactory {
	return MapLeafFactory{
		"dig":  {},
		"move": {},
	}
}

func TestParse_UnknownNodeType(t *testing.T) {
	dsl := DSL{Root: Node{Type: "Bogus"}}
	res := Parse(dsl, okFactory())
	if res.Valid {
		t.Fatalf("expected invalid")
	}
	if len(res.Errors) == 0 || res.Errors[0] != "must be equal to constant" {
		t.Fatalf("got %v", res.Errors)
	}
}

func TestParse_MissingLeaves(t *testing.T) {
	dsl := DSL{Root: Node{Type: NodeLeaf, LeafName: "unknown_leaf"}}
	res := Parse(dsl, okFactory())
	if res.Valid {
		t.Fatalf("expected invalid")
	}
	found := false
	for _, e := range res.Errors {
		if e == "Missing leaves: unknown_leaf" {
			found = true
		}
	}
	if !found {
		t.Fatalf("got %v", res.Errors)
	}
}

func TestParse_Success(t *testing.T) {
	dsl := DSL{
		Metadata: Metadata{Name: "dig-down", Version: "1.0.0"},
		Root: Node{
			Type: NodeSequence,
			Children: []Node{
				{Type: NodeLeaf, LeafName: "move", Args: map[string]any{"dir": "down"}},
				{Type: NodeLeaf, LeafName: "dig"},
			},
		},
	}
	res := Parse(dsl, okFactory())
	if !res.Valid {
		t.Fatalf("expected valid, errors: %v", res.Errors)
	}
	if res.TreeHash == "" {
		t.Fatalf("expected non-empty tree hash")
	}
}

func TestTreeHash_NameIndependent(t *testing.T) {
	mk := func(name string) DSL {
		return DSL{
			Metadata: Metadata{Name: name, Description: "desc " + name},
			Root: Node{
				Type: NodeSequence,
				Children: []Node{
					{Type: NodeLeaf, LeafName: "move", Args: map[string]any{"dir": "down"}},
				},
			},
		}
	}
	r1 := Parse(mk("author-a"), okFactory())
	r2 := Parse(mk("author-b"), okFactory())
	if !r1.Valid || !r2.Valid {
		t.Fatalf("expected valid trees")
	}
	if r1.TreeHash != r2.TreeHash {
		t.Fatalf("expected equal hashes, got %s vs %s", r1.TreeHash, r2.TreeHash)
	}
}

func TestTreeHash_ArgsChangeHash(t *testing.T) {
	mk := func(dir string) DSL {
		return DSL{
			Root: Node{Type: NodeLeaf, LeafName: "move", Args: map[string]any{"dir": dir}},
		}
	}
	r1 := Parse(mk("down"), okFactory())
	r2 := Parse(mk("up"), okFactory())
	if r1.TreeHash == r2.TreeHash {
		t.Fatalf("expected different hashes for different args")
	}
}

func TestTreeHash_SequenceVsSelectorDiffer(t *testing.T) {
	child := Node{Type: NodeLeaf, LeafName: "move"}
	seq := DSL{Root: Node{Type: NodeSequence, Children: []Node{child}}}
	sel := DSL{Root: Node{Type: NodeSelector, Children: []Node{child}}}
	r1 := Parse(seq, okFactory())
	r2 := Parse(sel, okFactory())
	if r1.TreeHash == r2.TreeHash {
		t.Fatalf("expected Sequence and Selector to hash differently")
	}
}

func TestParse_RepeatUntilRequiresConditionAndMax(t *testing.T) {
	dsl := DSL{Root: Node{
		Type:  NodeRepeatUntil,
		Child: &Node{Type: NodeLeaf, LeafName: "dig"},
	}}
	res := Parse(dsl, okFactory())
	if res.Valid {
		t.Fatalf("expected invalid without condition/maxIterations")
	}
}

func TestParse_IsPure(t *testing.T) {
	dsl := DSL{Root: Node{Type: NodeLeaf, LeafName: "move", Args: map[string]any{"a": 1}}}
	r1 := Parse(dsl, okFactory())
	r2 := Parse(dsl, okFactory())
	if r1.TreeHash != r2.TreeHash {
		t.Fatalf("parse is not pure: %s vs %s", r1.TreeHash, r2.TreeHash)
	}
}
