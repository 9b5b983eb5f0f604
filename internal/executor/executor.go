package executor

import (
	"context"

	"github.com/kilroy-control/plane/internal/blockedreason"
	"github.com/kilroy-control/plane/internal/bt"
	"github.com/kilroy-control/plane/internal/leaf"
	"github.com/kilroy-control/plane/internal/obslog"
	"github.com/kilroy-control/plane/internal/reasoner"
	"github.com/kilroy-control/plane/internal/task"
)

// PostconditionFunc samples actuator state after a leaf's Run and reports
// whether the intended effect actually occurred. A nil error means the
// postcondition held.
type PostconditionFunc func(ctx leaf.Context, args map[string]any, result any) error

// TickResult is one executor tick's full outcome, suitable for folding
// into a GoldenRunReport.
type TickResult struct {
	Decision             DecisionCode
	TaskID               string
	LeafName             string
	FailureCode          string
	Err                  error
	LoopBreakerEvaluated bool
	LoopBreakerTripped   bool

	// ExpansionStatus summarizes the tick's expansion sweep:
	// "expanded", "retried", "exhausted", or "noop".
	ExpansionStatus string
	// Verification reports the postcondition check of the dispatched
	// step: "verified", "skipped" (no probe configured), or "failed".
	// Empty when nothing was dispatched.
	Verification string
	// LoopEpisodes lists the (task, leaf, code) triples that tripped the
	// breaker this tick.
	LoopEpisodes []string
}

// Executor runs the per-tick pipeline: TTL evaluation, expansion retry,
// eligible-task selection and dispatch, postcondition check, and
// decision-code accounting. It owns no goroutine pool; every state
// transition happens on the caller's single dispatch path.
type Executor struct {
	Tasks    *task.Store
	Reasons  *blockedreason.Registry
	Leaves   bt.LeafResolver
	Reasoner reasoner.Client
	Log      *obslog.Logger

	// Postconditions maps a leaf name to the state check that must pass
	// after a successful Run.
	Postconditions map[string]PostconditionFunc

	LoopBreaker *LoopBreaker

	// OnStepFailure is invoked for every failed step before retry/backoff
	// classification. The dynamic skill-creation flow hangs off this hook:
	// it counts consecutive failures per task and may solicit a new option
	// from the reasoner.
	OnStepFailure func(taskID, leafName, code string, nowMs int64)

	// DefaultBlockTTLMs is handed to EvaluateTaskBlockState for reasons
	// whose policy is TTLPolicy{Default: true}.
	DefaultBlockTTLMs int64
	// MaxExpansionPerTick bounds the expansion-retry sweep.
	MaxExpansionPerTick int

	// HourlyDispatchCap bounds executable dispatches per fixed one-hour
	// window, which opens at the first dispatch attempt after the previous
	// window ends; 0 disables the cap.
	HourlyDispatchCap int
	// LeaseCooldownMs is the minimum gap enforced between two dispatches.
	LeaseCooldownMs int64

	inFlight           bool
	cooldownUntilMs    int64
	dispatchWindowMs   int64
	dispatchWindowSet  bool
	dispatchesThisHour int
}

func NewExecutor(tasks *task.Store, reasons *blockedreason.Registry, leaves bt.LeafResolver, r reasoner.Client) *Executor {
	return &Executor{
		Tasks:               tasks,
		Reasons:             reasons,
		Leaves:              leaves,
		Reasoner:            r,
		Postconditions:      map[string]PostconditionFunc{},
		LoopBreaker:         NewLoopBreaker(3, 10*60_000),
		DefaultBlockTTLMs:   0,
		MaxExpansionPerTick: 3,
		HourlyDispatchCap:   0,
		LeaseCooldownMs:     0,
	}
}

// MarkInFlight/ClearInFlight let an async caller (e.g. an HTTP handler
// streaming a run) tell the governor a dispatch is already outstanding, so
// a concurrent tick is suppressed rather than double-dispatching.
func (e *Executor) MarkInFlight()  { e.inFlight = true }
func (e *Executor) ClearInFlight() { e.inFlight = false }

// Tick runs exactly one pass of the ordered pipeline and returns the
// single decision code that classifies it.
func (e *Executor) Tick(ctx context.Context, lctx leaf.Context, now int64) TickResult {
	// 1. TTL evaluation of all blocked tasks.
	for _, t := range e.Tasks.WithBlockedReason() {
		st := task.EvaluateTaskBlockState(e.Reasons, t, now, e.DefaultBlockTTLMs)
		if st.ShouldFail {
			t.Fail(st.FailReason, now)
			e.logInfo("task auto-failed on blocked TTL", map[string]any{"task_id": t.ID, "reason": st.FailReason})
		}
	}

	// 2. Expansion retry (bounded per-tick budget).
	sweep := task.RetryExpansion(ctx, e.Reasons, e.Reasoner, e.Tasks, now, e.MaxExpansionPerTick)
	for _, id := range sweep.Exhausted {
		e.logWarn("expansion retries exhausted", map[string]any{"task_id": id})
	}
	expansion := expansionStatus(sweep)

	// Governor gates, evaluated before dispatch attempts.
	if e.inFlight {
		return TickResult{Decision: DecisionSuppressedInFlight, ExpansionStatus: expansion}
	}
	if e.LeaseCooldownMs > 0 && now < e.cooldownUntilMs {
		return TickResult{Decision: DecisionSuppressedLeaseCooldown, ExpansionStatus: expansion}
	}

	// 3. Eligible-task selection and dispatch.
	candidate := e.Tasks.HighestPriorityEligible(now)
	if candidate == nil {
		if len(e.Tasks.PendingPlanning()) > 0 {
			return TickResult{Decision: DecisionSuppressedPendingPlanning, ExpansionStatus: expansion}
		}
		return TickResult{Decision: DecisionEmittedBlocked, ExpansionStatus: expansion}
	}

	if e.HourlyDispatchCap > 0 {
		if !e.dispatchWindowSet || now >= e.dispatchWindowMs+3_600_000 {
			e.dispatchWindowMs = now
			e.dispatchWindowSet = true
			e.dispatchesThisHour = 0
		}
		if e.dispatchesThisHour >= e.HourlyDispatchCap {
			return TickResult{Decision: DecisionSuppressedHourlyCap, ExpansionStatus: expansion}
		}
	}

	result := e.dispatchStep(lctx, candidate, now)
	result.ExpansionStatus = expansion
	e.dispatchesThisHour++
	if e.LeaseCooldownMs > 0 {
		e.cooldownUntilMs = now + e.LeaseCooldownMs
	}
	return result
}

func expansionStatus(sweep task.ExpansionSweepResult) string {
	switch {
	case len(sweep.Expanded) > 0:
		return "expanded"
	case len(sweep.Exhausted) > 0:
		return "exhausted"
	case len(sweep.Retried) > 0:
		return "retried"
	default:
		return "noop"
	}
}

// dispatchStep resolves the next step's leaf, runs it with input/output
// schema checks, classifies the outcome, and applies the resulting
// task-state transition.
func (e *Executor) dispatchStep(lctx leaf.Context, t *task.Task, now int64) TickResult {
	step := t.NextStep()
	if step == nil {
		t.Status = task.StatusCompleted
		t.Progress = 1
		t.Metadata.UpdatedAt = now
		return TickResult{Decision: DecisionEmittedExecutable, TaskID: t.ID}
	}

	base := TickResult{TaskID: t.ID, LeafName: step.Meta.Leaf}

	l := e.Leaves.Resolve(step.Meta.Leaf)
	if l == nil {
		return TickResult{Decision: DecisionEmittedError, TaskID: t.ID, LeafName: step.Meta.Leaf, Err: errUnknownLeaf(step.Meta.Leaf)}
	}
	if err := l.ValidateInput(step.Meta.Args); err != nil {
		return TickResult{Decision: DecisionEmittedError, TaskID: t.ID, LeafName: step.Meta.Leaf, Err: err}
	}

	res := l.Run(lctx, step.Meta.Args)
	if res.Success {
		if err := l.ValidateOutput(res.Result); err != nil {
			base.Verification = "failed"
			return e.applyNonRetryable(t, step, string(leaf.PostconditionFailed(step.Meta.Leaf)), now, base)
		}
		if pc, ok := e.Postconditions[step.Meta.Leaf]; ok {
			if err := pc(lctx, step.Meta.Args, res.Result); err != nil {
				base.Verification = "failed"
				return e.applyNonRetryable(t, step, string(leaf.PostconditionFailed(step.Meta.Leaf)), now, base)
			}
			base.Verification = "verified"
		} else {
			base.Verification = "skipped"
		}
		step.Done = true
		t.Metadata.RetryCount = 0
		advanceProgress(t)
		t.Metadata.UpdatedAt = now
		e.LoopBreaker.Reset(t.ID, step.Meta.Leaf, "")
		base.Decision = DecisionEmittedExecutable
		return base
	}

	code := string(leaf.ErrUnknown)
	retryable := false
	if res.Err != nil {
		code = string(res.Err.Code)
		retryable = res.Err.Retryable
	}
	base.FailureCode = code

	if e.OnStepFailure != nil {
		e.OnStepFailure(t.ID, step.Meta.Leaf, code, now)
	}

	if e.LoopBreaker.Record(t.ID, step.Meta.Leaf, code, now) {
		base.LoopBreakerEvaluated = true
		base.LoopBreakerTripped = true
		base.LoopEpisodes = append(base.LoopEpisodes, t.ID+"/"+step.Meta.Leaf+"/"+code)
		t.Metadata.BlockedReason = "blocked_infra_error_tripped"
		t.Metadata.BlockedAt = now
		t.Metadata.NextEligibleAt = 0
		base.Decision = DecisionEmittedBlocked
		return base
	}
	base.LoopBreakerEvaluated = true

	if !retryable {
		return e.applyNonRetryable(t, step, code, now, base)
	}

	maxRetries := t.Metadata.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if t.Metadata.RetryCount >= maxRetries {
		t.Fail("max_retries_exceeded", now)
		base.Decision = DecisionEmittedExecutable
		return base
	}
	t.Metadata.RetryCount++
	t.Metadata.NextEligibleAt = now + task.BackoffDelayMs(t.Metadata.RetryCount-1)
	t.Metadata.UpdatedAt = now
	base.Decision = DecisionEmittedExecutable
	return base
}

func (e *Executor) applyNonRetryable(t *task.Task, step *task.Step, code string, now int64, base TickResult) TickResult {
	t.Fail(code, now)
	base.FailureCode = code
	base.Decision = DecisionEmittedExecutable
	return base
}

func advanceProgress(t *task.Task) {
	if len(t.Steps) == 0 {
		return
	}
	done := 0
	for _, s := range t.Steps {
		if s.Done {
			done++
		}
	}
	t.Progress = float64(done) / float64(len(t.Steps))
	if done == len(t.Steps) {
		t.Status = task.StatusCompleted
	} else {
		t.Status = task.StatusInProgress
	}
}

func (e *Executor) logInfo(msg string, fields map[string]any) {
	if e.Log != nil {
		e.Log.Info(msg, fields)
	}
}

func (e *Executor) logWarn(msg string, fields map[string]any) {
	if e.Log != nil {
		e.Log.Warn(msg, fields)
	}
}

type unknownLeafError struct{ name string }

func (e unknownLeafError) Error() string { return "leaf not found: " + e.name }

func errUnknownLeaf(name string) error { return unknownLeafError{name: name} }
