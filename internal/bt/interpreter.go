package bt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kilroy-control/plane/internal/leaf"
)

// Status is the internal per-node result. RUNNING is only ever observed
// inside the interpreter loop; Execute's externally observable result is
// always terminal.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusRunning
)

// ConditionEvaluator resolves a named Condition against the running
// execution's context; concrete predicates are registered externally.
type ConditionEvaluator interface {
	Evaluate(c *Condition, ctx leaf.Context) (bool, error)
}

// LeafResolver looks up a runnable leaf.Leaf by name for execution (as
// distinct from LeafFactory, which only resolves compile-time defaults).
type LeafResolver interface {
	Resolve(name string) *leaf.Leaf
}

// ExecMetrics accumulates across one tree execution.
type ExecMetrics struct {
	LeafExecutions int
	NodesVisited   int
	DurationMs     int64
}

// ExecResult is Execute's terminal, externally observable result.
type ExecResult struct {
	Status  Status // StatusSuccess or StatusFailure only
	Err     *leaf.ResultError
	Metrics ExecMetrics
}

// Interpreter executes CompiledTrees.
type Interpreter struct {
	Leaves     LeafResolver
	Conditions ConditionEvaluator
}

func NewInterpreter(leaves LeafResolver, conditions ConditionEvaluator) *Interpreter {
	return &Interpreter{Leaves: leaves, Conditions: conditions}
}

// execState carries the one abort signal per top-level execution: a
// single token unifies external cancel and decorator timeouts.
type execState struct {
	ctx        leaf.Context // merged-signal context handed to leaves and conditions
	abort      chan struct{}
	cancelOnce sync.Once
	metrics    *ExecMetrics
}

// execContext rebinds a leaf.Context's cancellation surface to the
// execution's merged abort channel, so a leaf observing either Abort()
// or Done() sees decorator timeouts as well as external cancellation.
type execContext struct {
	leaf.Context
	abort chan struct{}
}

func (c execContext) Abort() <-chan struct{} { return c.abort }
func (c execContext) Done() <-chan struct{}  { return c.abort }
func (c execContext) Err() error {
	select {
	case <-c.abort:
		return context.Canceled
	default:
		return nil
	}
}

// cancel trips the abort signal exactly once, no matter how many timeout
// decorators and external cancels race for it.
func (s *execState) cancel() {
	s.cancelOnce.Do(func() { close(s.abort) })
}

func (s *execState) aborted() bool {
	select {
	case <-s.abort:
		return true
	default:
		return false
	}
}

// Execute runs compiled against the given leaf context and returns a
// terminal result.
func (in *Interpreter) Execute(compiled *CompiledTree, ctx leaf.Context) ExecResult {
	start := time.Now()
	abort := make(chan struct{})
	st := &execState{
		ctx:     execContext{Context: ctx, abort: abort},
		abort:   abort,
		metrics: &ExecMetrics{},
	}

	// Bridge an externally-cancellable leaf.Context into our local abort
	// channel so timeouts and external cancellation use the same signal.
	go func() {
		select {
		case <-ctx.Abort():
			st.cancel()
		case <-st.abort:
		}
	}()

	status, err := in.run(compiled.Root, st)
	st.metrics.DurationMs = time.Since(start).Milliseconds()

	// Release the bridge goroutine; the signal is spent either way once
	// the tree has a terminal result.
	st.cancel()

	final := StatusSuccess
	if status != StatusSuccess {
		final = StatusFailure
	}
	return ExecResult{Status: final, Err: err, Metrics: *st.metrics}
}

func (in *Interpreter) run(n *CompiledNode, st *execState) (Status, *leaf.ResultError) {
	if st.aborted() {
		return StatusFailure, &leaf.ResultError{Code: leaf.ErrAborted, Retryable: false, Detail: "aborted before node execution"}
	}
	st.metrics.NodesVisited++

	switch n.Type {
	case NodeLeaf:
		return in.runLeaf(n, st)
	case NodeSequence:
		return in.runSequence(n, st)
	case NodeSelector:
		return in.runSelector(n, st)
	case NodeRepeatUntil:
		return in.runRepeatUntil(n, st)
	case NodeDecoratorTimeout:
		return in.runTimeout(n, st)
	case NodeDecoratorFailOnTrue:
		return in.runFailOnTrue(n, st)
	default:
		return StatusFailure, &leaf.ResultError{Code: leaf.ErrUnknown, Retryable: false, Detail: fmt.Sprintf("unknown node type %q", n.Type)}
	}
}

func (in *Interpreter) runLeaf(n *CompiledNode, st *execState) (Status, *leaf.ResultError) {
	if in.Leaves == nil {
		return StatusFailure, &leaf.ResultError{Code: leaf.ErrUnknown, Retryable: false, Detail: "no leaf resolver configured"}
	}
	l := in.Leaves.Resolve(n.LeafName)
	if l == nil {
		return StatusFailure, &leaf.ResultError{Code: leaf.ErrUnknown, Retryable: false, Detail: "leaf not found: " + n.LeafName}
	}
	st.metrics.LeafExecutions++
	res := l.Run(st.ctx, n.Args)
	if res.Success {
		return StatusSuccess, nil
	}
	return StatusFailure, res.Err
}

// Sequence: run children in order; stop at first FAILURE.
func (in *Interpreter) runSequence(n *CompiledNode, st *execState) (Status, *leaf.ResultError) {
	for _, c := range n.Children {
		status, err := in.run(c, st)
		if status != StatusSuccess {
			return StatusFailure, err
		}
	}
	return StatusSuccess, nil
}

// Selector: run children in order; stop at first SUCCESS.
func (in *Interpreter) runSelector(n *CompiledNode, st *execState) (Status, *leaf.ResultError) {
	var lastErr *leaf.ResultError
	for _, c := range n.Children {
		status, err := in.run(c, st)
		if status == StatusSuccess {
			return StatusSuccess, nil
		}
		lastErr = err
	}
	return StatusFailure, lastErr
}

// Repeat.Until: re-evaluate condition before each iteration; stop SUCCESS
// when condition holds or child succeeds. A failed child iteration leaves
// the loop running; it stops FAILURE at maxIterations, on a condition
// evaluation error, or when the execution is aborted.
func (in *Interpreter) runRepeatUntil(n *CompiledNode, st *execState) (Status, *leaf.ResultError) {
	for i := 0; i < n.MaxIterations; i++ {
		if st.aborted() {
			return StatusFailure, &leaf.ResultError{Code: leaf.ErrAborted, Retryable: false}
		}
		if in.Conditions != nil && n.Condition != nil {
			ok, err := in.Conditions.Evaluate(n.Condition, st.ctx)
			if err != nil {
				return StatusFailure, &leaf.ResultError{Code: leaf.ErrUnknown, Retryable: false, Detail: err.Error()}
			}
			if ok {
				return StatusSuccess, nil
			}
		}
		status, cErr := in.run(n.Child, st)
		if status == StatusSuccess {
			return StatusSuccess, nil
		}
		if status == StatusFailure {
			// condition still unmet and child failed this iteration;
			// keep looping until maxIterations, but a hard abort
			// short-circuits immediately.
			if cErr != nil && cErr.Code == leaf.ErrAborted {
				return StatusFailure, cErr
			}
		}
	}
	return StatusFailure, &leaf.ResultError{Code: leaf.ErrUnknown, Retryable: false, Detail: "maxIterations reached"}
}

// Decorator.Timeout: race child against timeoutMs; on elapse, trip the
// abort signal and return FAILURE with a "Timeout" detail.
func (in *Interpreter) runTimeout(n *CompiledNode, st *execState) (Status, *leaf.ResultError) {
	done := make(chan struct{})
	var status Status
	var err *leaf.ResultError
	go func() {
		status, err = in.run(n.Child, st)
		close(done)
	}()

	select {
	case <-done:
		return status, err
	case <-time.After(time.Duration(n.TimeoutMs) * time.Millisecond):
		st.cancel()
		<-done // cooperative leaves return promptly once aborted
		return StatusFailure, &leaf.ResultError{Code: leaf.ErrAborted, Retryable: false, Detail: fmt.Sprintf("Timeout after %dms", n.TimeoutMs)}
	}
}

// Decorator.FailOnTrue: run child; if condition becomes true at any check
// point, force FAILURE. The condition is sampled once before and once
// after the child runs, the two check points a cooperative node can
// observe without mid-node suspension.
func (in *Interpreter) runFailOnTrue(n *CompiledNode, st *execState) (Status, *leaf.ResultError) {
	if in.Conditions != nil && n.Condition != nil {
		if ok, err := in.Conditions.Evaluate(n.Condition, st.ctx); err == nil && ok {
			return StatusFailure, &leaf.ResultError{Code: leaf.ErrUnknown, Retryable: false, Detail: "condition became true: " + n.Condition.Name}
		}
	}
	status, cErr := in.run(n.Child, st)
	if in.Conditions != nil && n.Condition != nil {
		if ok, err := in.Conditions.Evaluate(n.Condition, st.ctx); err == nil && ok {
			return StatusFailure, &leaf.ResultError{Code: leaf.ErrUnknown, Retryable: false, Detail: "condition became true: " + n.Condition.Name}
		}
	}
	return status, cErr
}
