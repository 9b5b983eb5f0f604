package executor

import (
	"context"
	"reflect"
	"testing"

	"github.com/kilroy-control/plane/internal/blockedreason"
	"github.com/kilroy-control/plane/internal/bt"
	"github.com/kilroy-control/plane/internal/leaf"
	"github.com/kilroy-control/plane/internal/reasoner"
	"github.com/kilroy-control/plane/internal/task"
)

type testCtx struct {
	context.Context
	now int64
}

func (c testCtx) Now() int64 { return c.now }
func (c testCtx) Abort() <-chan struct{} { return nil }

func newTestCtx(now int64) leaf.Context {
	return testCtx{Context: context.Background(), now: now}
}

func newTestLeaf(name string, run leaf.RunFunc) *leaf.Leaf {
	return &leaf.Leaf{Name: name, Version: "1.0.0", Run: run}
}

func newExecutorFixture() (*Executor, *leaf.Registry, *task.Store) {
	leaves := leaf.NewRegistry()
	store := task.NewStore()
	ex := NewExecutor(store, blockedreason.NewRegistry(), bt.ResolverAdapter{Registry: leaves}, &reasoner.Stub{})
	return ex, leaves, store
}

func TestTick_NoTasks_EmitsBlocked(t *testing.T) {
	ex, _, _ := newExecutorFixture()
	res := ex.Tick(context.Background(), newTestCtx(0), 0)
	if res.Decision != DecisionEmittedBlocked {
		t.Fatalf("got %+v", res)
	}
}

func TestTick_PendingPlanningOnly_Suppresses(t *testing.T) {
	ex, _, store := newExecutorFixture()
	store.Put(&task.Task{ID: "t1", Status: task.StatusPendingPlanning, Metadata: task.Metadata{BlockedReason: "blocked_awaiting_reasoner"}})
	res := ex.Tick(context.Background(), newTestCtx(0), 0)
	if res.Decision != DecisionSuppressedPendingPlanning {
		t.Fatalf("got %+v", res)
	}
}

func TestTick_InFlight_Suppresses(t *testing.T) {
	ex, _, _ := newExecutorFixture()
	ex.MarkInFlight()
	res := ex.Tick(context.Background(), newTestCtx(0), 0)
	if res.Decision != DecisionSuppressedInFlight {
		t.Fatalf("got %+v", res)
	}
}

func TestTick_LeaseCooldown_Suppresses(t *testing.T) {
	ex, leaves, store := newExecutorFixture()
	ex.LeaseCooldownMs = 1000
	leaves.RegisterLeaf(newTestLeaf("move", func(ctx leaf.Context, args map[string]any) leaf.LeafResult {
		return leaf.Success(nil, leaf.Metrics{})
	}), nil)
	store.Put(&task.Task{ID: "t1", Status: task.StatusActive, Steps: []task.Step{{Order: 0, Meta: task.StepMeta{Leaf: "move"}}}})

	if res := ex.Tick(context.Background(), newTestCtx(0), 0); res.Decision != DecisionEmittedExecutable {
		t.Fatalf("expected first dispatch to execute, got %+v", res)
	}
	if res := ex.Tick(context.Background(), newTestCtx(0), 100); res.Decision != DecisionSuppressedLeaseCooldown {
		t.Fatalf("expected cooldown suppression, got %+v", res)
	}
}

func TestTick_SuccessfulStep_CompletesTask(t *testing.T) {
	ex, leaves, store := newExecutorFixture()
	leaves.RegisterLeaf(newTestLeaf("move", func(ctx leaf.Context, args map[string]any) leaf.LeafResult {
		return leaf.Success(nil, leaf.Metrics{})
	}), nil)
	store.Put(&task.Task{ID: "t1", Status: task.StatusActive, Steps: []task.Step{{Order: 0, Meta: task.StepMeta{Leaf: "move"}}}})

	res := ex.Tick(context.Background(), newTestCtx(0), 0)
	if res.Decision != DecisionEmittedExecutable {
		t.Fatalf("got %+v", res)
	}
	got := store.Get("t1")
	if got.Status != task.StatusCompleted || !got.Steps[0].Done {
		t.Fatalf("expected task completed, got %+v", got)
	}
}

func TestTick_RetryableFailure_SchedulesBackoff(t *testing.T) {
	ex, leaves, store := newExecutorFixture()
	leaves.RegisterLeaf(newTestLeaf("move", func(ctx leaf.Context, args map[string]any) leaf.LeafResult {
		return leaf.Failure(leaf.ErrPathUnreachable, true, "blocked", leaf.Metrics{})
	}), nil)
	store.Put(&task.Task{ID: "t1", Status: task.StatusActive, Steps: []task.Step{{Order: 0, Meta: task.StepMeta{Leaf: "move"}}}})

	res := ex.Tick(context.Background(), newTestCtx(0), 0)
	if res.Decision != DecisionEmittedExecutable || res.FailureCode != string(leaf.ErrPathUnreachable) {
		t.Fatalf("got %+v", res)
	}
	got := store.Get("t1")
	if got.Metadata.RetryCount != 1 || got.Metadata.NextEligibleAt == 0 {
		t.Fatalf("expected backoff scheduled, got %+v", got.Metadata)
	}
	if got.Status == task.StatusFailed {
		t.Fatalf("task should not be failed yet")
	}
}

func TestTick_RetryableFailure_ExhaustsIntoMaxRetriesExceeded(t *testing.T) {
	ex, leaves, store := newExecutorFixture()
	leaves.RegisterLeaf(newTestLeaf("move", func(ctx leaf.Context, args map[string]any) leaf.LeafResult {
		return leaf.Failure(leaf.ErrPathUnreachable, true, "blocked", leaf.Metrics{})
	}), nil)
	store.Put(&task.Task{ID: "t1", Status: task.StatusActive, Metadata: task.Metadata{MaxRetries: 2, RetryCount: 2}, Steps: []task.Step{{Order: 0, Meta: task.StepMeta{Leaf: "move"}}}})

	ex.Tick(context.Background(), newTestCtx(0), 0)
	got := store.Get("t1")
	if got.Status != task.StatusFailed || got.Metadata.FailureReason != "max_retries_exceeded" {
		t.Fatalf("got %+v", got)
	}
}

func TestTick_NonRetryableFailure_FailsImmediately(t *testing.T) {
	ex, leaves, store := newExecutorFixture()
	leaves.RegisterLeaf(newTestLeaf("equip", func(ctx leaf.Context, args map[string]any) leaf.LeafResult {
		return leaf.Failure(leaf.ErrInventoryMissingItem, false, "no pickaxe", leaf.Metrics{})
	}), nil)
	store.Put(&task.Task{ID: "t1", Status: task.StatusActive, Steps: []task.Step{{Order: 0, Meta: task.StepMeta{Leaf: "equip"}}}})

	ex.Tick(context.Background(), newTestCtx(0), 0)
	got := store.Get("t1")
	if got.Status != task.StatusFailed || got.Metadata.FailureReason != string(leaf.ErrInventoryMissingItem) {
		t.Fatalf("got %+v", got)
	}
}

func TestTick_PostconditionFailure_IsNonRetryable(t *testing.T) {
	ex, leaves, store := newExecutorFixture()
	leaves.RegisterLeaf(newTestLeaf("equip", func(ctx leaf.Context, args map[string]any) leaf.LeafResult {
		return leaf.Success(map[string]any{"equipped": "shovel"}, leaf.Metrics{})
	}), nil)
	ex.Postconditions["equip"] = func(ctx leaf.Context, args map[string]any, result any) error {
		return errPostconditionMismatch
	}
	store.Put(&task.Task{ID: "t1", Status: task.StatusActive, Steps: []task.Step{{Order: 0, Meta: task.StepMeta{Leaf: "equip"}}}})

	res := ex.Tick(context.Background(), newTestCtx(0), 0)
	if res.FailureCode != "postcondition_failed:equip" {
		t.Fatalf("got %+v", res)
	}
	got := store.Get("t1")
	if got.Status != task.StatusFailed {
		t.Fatalf("expected postcondition failure to fail the task immediately, got %+v", got)
	}
}

func TestTick_UnknownLeaf_EmitsError(t *testing.T) {
	ex, _, store := newExecutorFixture()
	store.Put(&task.Task{ID: "t1", Status: task.StatusActive, Steps: []task.Step{{Order: 0, Meta: task.StepMeta{Leaf: "nonexistent"}}}})
	res := ex.Tick(context.Background(), newTestCtx(0), 0)
	if res.Decision != DecisionEmittedError {
		t.Fatalf("got %+v", res)
	}
}

func TestTick_LoopBreaker_TripsOnRecurrence(t *testing.T) {
	ex, leaves, store := newExecutorFixture()
	ex.LoopBreaker = NewLoopBreaker(3, 100_000)
	leaves.RegisterLeaf(newTestLeaf("move", func(ctx leaf.Context, args map[string]any) leaf.LeafResult {
		return leaf.Failure(leaf.ErrPathUnreachable, true, "blocked", leaf.Metrics{})
	}), nil)
	store.Put(&task.Task{ID: "t1", Status: task.StatusActive, Metadata: task.Metadata{MaxRetries: 10}, Steps: []task.Step{{Order: 0, Meta: task.StepMeta{Leaf: "move"}}}})

	var last TickResult
	for i := 0; i < 3; i++ {
		got := store.Get("t1")
		got.Metadata.NextEligibleAt = 0 // force eligibility despite backoff, for this test
		last = ex.Tick(context.Background(), newTestCtx(int64(i)), int64(i))
	}
	if !last.LoopBreakerTripped || last.Decision != DecisionEmittedBlocked {
		t.Fatalf("expected loop breaker to trip on the 3rd recurrence, got %+v", last)
	}
	got := store.Get("t1")
	if got.Metadata.BlockedReason != "blocked_infra_error_tripped" {
		t.Fatalf("got %+v", got.Metadata)
	}
}

func TestTick_HourlyDispatchCap_Suppresses(t *testing.T) {
	ex, leaves, store := newExecutorFixture()
	ex.HourlyDispatchCap = 1
	leaves.RegisterLeaf(newTestLeaf("move", func(ctx leaf.Context, args map[string]any) leaf.LeafResult {
		return leaf.Success(nil, leaf.Metrics{})
	}), nil)
	store.Put(&task.Task{ID: "t1", Status: task.StatusActive, Steps: []task.Step{
		{Order: 0, Meta: task.StepMeta{Leaf: "move"}},
		{Order: 1, Meta: task.StepMeta{Leaf: "move"}},
	}})

	if res := ex.Tick(context.Background(), newTestCtx(0), 0); res.Decision != DecisionEmittedExecutable {
		t.Fatalf("expected first dispatch, got %+v", res)
	}
	if res := ex.Tick(context.Background(), newTestCtx(0), 10); res.Decision != DecisionSuppressedHourlyCap {
		t.Fatalf("expected hourly cap suppression, got %+v", res)
	}
}

func TestTTLEvaluation_AutoFailsBeforeDispatch(t *testing.T) {
	ex, _, store := newExecutorFixture()
	store.Put(&task.Task{ID: "t1", Status: task.StatusActive, Metadata: task.Metadata{BlockedReason: "blocked_missing_digest", BlockedAt: 0}})
	ex.Tick(context.Background(), newTestCtx(31_000), 31_000)
	got := store.Get("t1")
	if got.Status != task.StatusFailed || got.Metadata.FailureReason != "blocked-ttl-exceeded:blocked_missing_digest" {
		t.Fatalf("got %+v", got)
	}
}

func TestGoldenRunReport_RoundTrips(t *testing.T) {
	r := NewGoldenRunReport(42, TickResult{
		Decision:             DecisionEmittedExecutable,
		TaskID:               "t1",
		LeafName:             "move",
		ExpansionStatus:      "noop",
		Verification:         "verified",
		LoopBreakerEvaluated: true,
	})
	b, err := r.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeGoldenRunReport(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, r) {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, r)
	}
	if got.Task.TaskID != "t1" || got.Expansion.Status != "noop" {
		t.Fatalf("nested sections lost: %+v", got)
	}
	if len(got.Execution.DispatchedSteps) != 1 || !got.Execution.DispatchedSteps[0].Result.Success {
		t.Fatalf("dispatched steps = %+v", got.Execution.DispatchedSteps)
	}
	if got.Execution.Verification == nil || got.Execution.Verification.Status != "verified" {
		t.Fatalf("verification = %+v", got.Execution.Verification)
	}
	if got.IdleEpisode {
		t.Fatalf("a dispatching round is not an idle episode")
	}
}

func TestMemoryReportSink_Accumulates(t *testing.T) {
	sink := &MemoryReportSink{}
	sink.Emit(NewGoldenRunReport(0, TickResult{Decision: DecisionEmittedBlocked}))
	sink.Emit(NewGoldenRunReport(1, TickResult{Decision: DecisionSuppressedInFlight}))
	if len(sink.Reports) != 2 {
		t.Fatalf("got %d reports", len(sink.Reports))
	}
}

func TestAllDecisionCodes_EmissionAndSuppressionAreDisjoint(t *testing.T) {
	for _, c := range AllDecisionCodes() {
		if IsEmission(c) == IsSuppression(c) {
			t.Fatalf("%s: expected exactly one of emission/suppression", c)
		}
	}
}

type staticError string

func (e staticError) Error() string { return string(e) }

const errPostconditionMismatch = staticError("postcondition mismatch")
