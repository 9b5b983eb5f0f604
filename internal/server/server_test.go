package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kilroy-control/plane/internal/blockedreason"
	"github.com/kilroy-control/plane/internal/bt"
	"github.com/kilroy-control/plane/internal/executor"
	"github.com/kilroy-control/plane/internal/leaf"
	"github.com/kilroy-control/plane/internal/reasoner"
	"github.com/kilroy-control/plane/internal/registry"
	"github.com/kilroy-control/plane/internal/task"
)

type testHarness struct {
	srv  *httptest.Server
	core Core
	now  int64
	sink *executor.MemoryReportSink
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	t.Setenv("STERLING_INTENT_RESOLVE", "1")

	h := &testHarness{now: 1_000_000, sink: &executor.MemoryReportSink{}}

	leaves := leaf.NewRegistry()
	res := leaves.RegisterLeaf(&leaf.Leaf{
		Name: "noop", Version: "1.0.0",
		Run: func(ctx leaf.Context, args map[string]any) leaf.LeafResult {
			return leaf.Success(map[string]any{"ok": true}, leaf.Metrics{})
		},
	}, nil)
	if !res.OK {
		t.Fatalf("register noop: %s", res.Error)
	}

	factory := bt.FactoryAdapter{Registry: leaves}
	options := registry.NewRegistry(leaves, factory)
	stub := &reasoner.Stub{
		ExpandFunc: func(ctx context.Context, req reasoner.ExpansionRequest) (reasoner.ExpansionResult, error) {
			return reasoner.ExpansionResult{OK: true, Steps: []reasoner.StepPlan{
				{Leaf: "noop", Args: map[string]any{}, Executable: true},
			}}, nil
		},
	}
	flow := registry.NewDynamicFlow(options, stub)
	tasks := task.NewStore()
	reasons := blockedreason.NewRegistry()
	exec := executor.NewExecutor(tasks, reasons, bt.ResolverAdapter{Registry: leaves}, stub)
	interp := bt.NewInterpreter(bt.ResolverAdapter{Registry: leaves}, bt.NewConditionRegistry())

	h.core = Core{
		Leaves:  leaves,
		Options: options,
		Flow:    flow,
		Tasks:   tasks,
		Exec:    exec,
		Interp:  interp,
		Reasons: reasons,
		Reports: h.sink,
		Clock:   func() int64 { return h.now },
	}
	s := New(Config{Addr: ":0"}, h.core)
	h.srv = httptest.NewServer(s.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *testHarness) registerOption(t *testing.T, name string) string {
	t.Helper()
	dsl := bt.DSL{
		Metadata: bt.Metadata{Name: name, Version: "1.0.0"},
		Root:     bt.Node{Type: bt.NodeLeaf, LeafName: "noop"},
	}
	res := h.core.Options.RegisterOption(dsl, leaf.Provenance{Author: "test"},
		registry.ShadowConfig{PromotionThreshold: 0.8, MaxShadowRuns: 10, AutoRetirementThreshold: 0.3})
	if !res.OK {
		t.Fatalf("register option: %s", res.Error)
	}
	return res.ID
}

func (h *testHarness) post(t *testing.T, path string, body any) (*http.Response, []byte) {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(h.srv.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func (h *testHarness) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(h.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestRunOption_Success(t *testing.T) {
	h := newHarness(t)
	id := h.registerOption(t, "probe")

	resp, body := h.post(t, "/run-option", RunOptionRequest{OptionID: id})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var out RunOptionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Success {
		t.Fatalf("run failed: %+v", out.Error)
	}

	// A shadow option's run feeds its stats.
	stats, ok := h.core.Options.GetShadowStats(id)
	if !ok || stats.TotalRuns != 1 || stats.Successes != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRunOption_UnknownIs404(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.post(t, "/run-option", RunOptionRequest{OptionID: "nope@1.0.0"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}

func TestRunOption_QuotaExhaustedIs429(t *testing.T) {
	h := newHarness(t)
	id := h.registerOption(t, "limited")
	h.core.Options.SetQuota(id, 1, 3_600_000, h.now)

	if resp, _ := h.post(t, "/run-option", RunOptionRequest{OptionID: id}); resp.StatusCode != http.StatusOK {
		t.Fatalf("first run should pass, got %d", resp.StatusCode)
	}
	if resp, _ := h.post(t, "/run-option", RunOptionRequest{OptionID: id}); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second run should hit quota, got %d", resp.StatusCode)
	}
}

func TestCancel_UnknownRunIs404(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.post(t, "/cancel", CancelRequest{RunID: "missing"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}

func TestCancel_FinishedRunReportsNotCancelled(t *testing.T) {
	h := newHarness(t)
	id := h.registerOption(t, "probe")
	_, _ = h.post(t, "/run-option", RunOptionRequest{OptionID: id, Options: RunOptions{RunID: "run-1"}})

	resp, body := h.post(t, "/cancel", CancelRequest{RunID: "run-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var out CancelResponse
	_ = json.Unmarshal(body, &out)
	if !out.Success || out.Cancelled {
		t.Fatalf("got %+v, want success and not cancelled", out)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)

	resp, body := h.post(t, "/task", CreateTaskRequest{Type: "gather", Description: "gather logs", Priority: 5})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create task: %d %s", resp.StatusCode, body)
	}
	var created CreateTaskResponse
	_ = json.Unmarshal(body, &created)
	if created.Status != string(task.StatusPendingPlanning) {
		t.Fatalf("new task status = %s", created.Status)
	}

	// One tick: the expansion sweep lowers the task, then dispatch runs it.
	resp, body = h.post(t, "/execute", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute: %d %s", resp.StatusCode, body)
	}
	var tick TickResponse
	_ = json.Unmarshal(body, &tick)
	if len(tick.Decisions) != 1 || tick.Decisions[0] != string(executor.DecisionEmittedExecutable) {
		t.Fatalf("decisions = %v", tick.Decisions)
	}

	resp, body = h.get(t, "/task-stats/"+created.TaskID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("task-stats: %d %s", resp.StatusCode, body)
	}
	var stats TaskStatsResponse
	_ = json.Unmarshal(body, &stats)
	if stats.Stats.StepsTotal != 1 || stats.Stats.StepsDone != 1 {
		t.Fatalf("stats = %+v", stats.Stats)
	}
	if stats.ShouldAbandon {
		t.Fatalf("completed task should not be abandoned")
	}

	// Every tick produced a golden-run report.
	if len(h.sink.Reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(h.sink.Reports))
	}
}

func TestGoalCreatesEveryTask(t *testing.T) {
	h := newHarness(t)
	resp, body := h.post(t, "/goal", CreateGoalRequest{
		Name: "shelter",
		Tasks: []CreateTaskRequest{
			{Type: "gather", Description: "gather wood"},
			{Type: "build", Description: "build walls"},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create goal: %d %s", resp.StatusCode, body)
	}
	var out CreateGoalResponse
	_ = json.Unmarshal(body, &out)
	if len(out.TaskIDs) != 2 {
		t.Fatalf("task ids = %v", out.TaskIDs)
	}

	_, body = h.get(t, "/state")
	var state StateResponse
	_ = json.Unmarshal(body, &state)
	if state.TaskCounts[string(task.StatusPendingPlanning)] != 2 {
		t.Fatalf("state = %+v", state)
	}
}

func TestStateIncludesIdleDecisions(t *testing.T) {
	h := newHarness(t)
	_, _ = h.post(t, "/execute", nil)

	_, body := h.get(t, "/state")
	var state StateResponse
	_ = json.Unmarshal(body, &state)
	if len(state.IdleDecisions) != 1 {
		t.Fatalf("idle decisions = %v", state.IdleDecisions)
	}
	code := executor.DecisionCode(state.IdleDecisions[0])
	if !executor.IsEmission(code) && !executor.IsSuppression(code) {
		t.Fatalf("decision %q outside the closed vocabulary", code)
	}
}

func TestActiveRunsEmptyAfterSynchronousRun(t *testing.T) {
	h := newHarness(t)
	id := h.registerOption(t, "probe")
	_, _ = h.post(t, "/run-option", RunOptionRequest{OptionID: id})

	_, body := h.get(t, "/active-runs")
	var out ActiveRunsResponse
	_ = json.Unmarshal(body, &out)
	if len(out.ActiveRuns) != 0 {
		t.Fatalf("active runs = %v", out.ActiveRuns)
	}
}
