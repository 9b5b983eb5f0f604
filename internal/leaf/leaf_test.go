package leaf

import (
	"context"
	"testing"
)

type fakeCtx struct {
	context.Context
	now int64
}

func (f fakeCtx) Now() int64 { return f.now }
func (f fakeCtx) Abort() <-chan struct{} { return nil }

func newFakeCtx() Context {
	return fakeCtx{Context: context.Background(), now: 1000}
}

func validLeaf(name, version string) *Leaf {
	return &Leaf{
		Name:        name,
		Version:     version,
		Description: "test leaf",
		Permissions: []Permission{PermMovement},
		TimeoutMs:   1000,
		Retries:     1,
		Run: func(ctx Context, args map[string]any) LeafResult {
			return Success(map[string]any{"ok": true}, Metrics{})
		},
	}
}

func TestRegisterLeaf_RejectsMissingName(t *testing.T) {
	r := NewRegistry()
	res := r.RegisterLeaf(&Leaf{Version: "1.0.0", Run: func(Context, map[string]any) LeafResult { return LeafResult{} }}, nil)
	if res.OK || res.Error != "must have a valid name" {
		t.Fatalf("got %+v", res)
	}
}

func TestRegisterLeaf_RejectsInvalidVersion(t *testing.T) {
	r := NewRegistry()
	l := validLeaf("move", "not-semver")
	res := r.RegisterLeaf(l, nil)
	if res.OK || res.Error != "must have a valid version" {
		t.Fatalf("got %+v", res)
	}
}

func TestRegisterLeaf_RejectsInvalidPermission(t *testing.T) {
	r := NewRegistry()
	l := validLeaf("move", "1.0.0")
	l.Permissions = []Permission{"fly"}
	res := r.RegisterLeaf(l, nil)
	if res.OK || res.Error != "invalid permission: fly" {
		t.Fatalf("got %+v", res)
	}
}

func TestRegisterLeaf_RejectsMissingRun(t *testing.T) {
	r := NewRegistry()
	l := validLeaf("move", "1.0.0")
	l.Run = nil
	res := r.RegisterLeaf(l, nil)
	if res.OK || res.Error != "must have a run function" {
		t.Fatalf("got %+v", res)
	}
}

func TestRegisterLeaf_DuplicateVersionRejected(t *testing.T) {
	r := NewRegistry()
	l := validLeaf("move", "1.0.0")
	if res := r.RegisterLeaf(l, nil); !res.OK {
		t.Fatalf("first register failed: %+v", res)
	}
	res := r.RegisterLeaf(validLeaf("move", "1.0.0"), nil)
	if res.OK || res.Error != "version_exists" {
		t.Fatalf("got %+v", res)
	}
}

func TestGetLeaf_LatestVersion(t *testing.T) {
	r := NewRegistry()
	r.RegisterLeaf(validLeaf("move", "1.0.0"), nil)
	r.RegisterLeaf(validLeaf("move", "1.2.0"), nil)
	r.RegisterLeaf(validLeaf("move", "1.10.0"), nil)
	got := r.GetLeaf("move", "")
	if got == nil || got.Version != "1.10.0" {
		t.Fatalf("expected 1.10.0, got %+v", got)
	}
}

func TestGetLeaf_ExplicitVersion(t *testing.T) {
	r := NewRegistry()
	r.RegisterLeaf(validLeaf("move", "1.0.0"), nil)
	r.RegisterLeaf(validLeaf("move", "2.0.0"), nil)
	got := r.GetLeaf("move", "1.0.0")
	if got == nil || got.Version != "1.0.0" {
		t.Fatalf("expected 1.0.0, got %+v", got)
	}
}

func TestClear_AllowsReregistration(t *testing.T) {
	r := NewRegistry()
	r.RegisterLeaf(validLeaf("move", "1.0.0"), nil)
	r.Clear()
	res := r.RegisterLeaf(validLeaf("move", "1.0.0"), nil)
	if !res.OK {
		t.Fatalf("expected success after clear, got %+v", res)
	}
	if len(r.ListNames()) != 1 {
		t.Fatalf("expected 1 name, got %v", r.ListNames())
	}
}

func TestRun_SuccessAndFailureShapes(t *testing.T) {
	l := validLeaf("move", "1.0.0")
	ctx := newFakeCtx()
	res := l.Run(ctx, map[string]any{})
	if !res.Success {
		t.Fatalf("expected success")
	}

	f := Failure(ErrPathUnreachable, true, "blocked by lava", Metrics{DurationMs: 5})
	if f.Success || f.Err.Code != ErrPathUnreachable || !f.Err.Retryable {
		t.Fatalf("got %+v", f)
	}
}

func TestInputSchemaValidation(t *testing.T) {
	r := NewRegistry()
	l := validLeaf("equip", "1.0.0")
	l.InputSchema = map[string]any{
		"type":     "object",
		"required": []string{"item"},
		"properties": map[string]any{
			"item": map[string]any{"type": "string"},
		},
	}
	res := r.RegisterLeaf(l, nil)
	if !res.OK {
		t.Fatalf("register failed: %+v", res)
	}
	stored := r.GetLeaf("equip", "1.0.0")
	if err := stored.ValidateInput(map[string]any{}); err == nil {
		t.Fatalf("expected validation error for missing required field")
	}
	if err := stored.ValidateInput(map[string]any{"item": "pickaxe"}); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestPostconditionFailed_CodeShape(t *testing.T) {
	if PostconditionFailed("equip_tool") != "postcondition_failed:equip_tool" {
		t.Fatalf("unexpected code: %s", PostconditionFailed("equip_tool"))
	}
}
