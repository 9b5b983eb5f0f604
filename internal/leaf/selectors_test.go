package leaf

import "testing"

func TestMatchesPermission(t *testing.T) {
	cases := []struct {
		pattern string
		perm    Permission
		want    bool
	}{
		{"container.*", PermContainerRead, true},
		{"container.*", PermContainerWrite, true},
		{"container.*", PermMovement, false},
		{"*", PermDig, true},
		{"movement", PermMovement, true},
		{"movement", PermSense, false},
	}
	for _, c := range cases {
		if got := MatchesPermission(c.pattern, c.perm); got != c.want {
			t.Errorf("MatchesPermission(%q, %q) = %v, want %v", c.pattern, c.perm, got, c.want)
		}
	}
}

func TestLeavesWithPermission(t *testing.T) {
	r := NewRegistry()
	mk := func(name string, perms ...Permission) *Leaf {
		return &Leaf{Name: name, Version: "1.0.0", Permissions: perms,
			Run: func(Context, map[string]any) LeafResult { return LeafResult{} }}
	}
	for _, l := range []*Leaf{
		mk("open_chest", PermContainerRead),
		mk("stash_items", PermContainerWrite, PermSense),
		mk("walk", PermMovement),
	} {
		if res := r.RegisterLeaf(l, nil); !res.OK {
			t.Fatalf("register %s: %s", l.Name, res.Error)
		}
	}

	got := r.LeavesWithPermission("container.*")
	if len(got) != 2 {
		t.Fatalf("got %d leaves, want 2", len(got))
	}
	if got[0].Name != "open_chest" || got[1].Name != "stash_items" {
		t.Fatalf("got %s,%s", got[0].Name, got[1].Name)
	}
}
