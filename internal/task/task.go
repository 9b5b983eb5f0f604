// Package task implements the task lifecycle: task creation, eligibility,
// expansion retry with backoff, and TTL auto-fail driven by the
// blocked-reason registry.
package task

import (
	"fmt"
	"sort"

	"github.com/kilroy-control/plane/internal/blockedreason"
	"github.com/oklog/ulid/v2"
)

// Status is the task's lifecycle state.
type Status string

const (
	StatusPending         Status = "pending"
	StatusPendingPlanning Status = "pending_planning"
	StatusActive          Status = "active"
	StatusInProgress      Status = "in_progress"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
	StatusAbandoned       Status = "abandoned"
)

var eligibleStatuses = map[Status]bool{
	StatusPending:    true,
	StatusActive:     true,
	StatusInProgress: true,
}

// StepMeta is the executable payload attached to a task step.
type StepMeta struct {
	Leaf       string
	Args       map[string]any
	Executable bool
}

// Step is one ordered unit of task execution.
type Step struct {
	Done  bool
	Order int
	Meta  StepMeta
}

// Metadata carries the lifecycle bookkeeping fields.
type Metadata struct {
	CreatedAt  int64
	UpdatedAt  int64
	RetryCount int
	MaxRetries int

	BlockedReason         string
	BlockedAt             int64
	NextEligibleAt        int64
	OriginalBlockedReason string

	ExpansionRetryCount int
	ReasonerArtifact    any
	ValidationErrors    []string

	// FailureReason is written on every terminal failure, whether from the
	// TTL auto-fail path ("blocked-ttl-exceeded:<reason>") or the runtime
	// retry/backoff path ("max_retries_exceeded" or a non-retryable leaf
	// error code).
	FailureReason string
}

// Task is the control plane's unit of work.
type Task struct {
	ID          string
	Title       string
	Description string
	Type        string
	Priority    int
	Urgency     int
	Progress    float64

	Status Status
	Steps  []Step

	Metadata Metadata
}

// NewID mints a ULID-based task ID: sortable, unique, filesystem-safe.
func NewID() string {
	return ulid.Make().String()
}

// IsTaskEligible is the dispatch eligibility predicate. Both
// blocked-reason and backoff gate independently; either alone is
// sufficient to make a task ineligible.
func IsTaskEligible(t *Task, now int64) bool {
	if t == nil {
		return false
	}
	if !eligibleStatuses[t.Status] {
		return false
	}
	if t.Status == StatusPending && len(t.Steps) == 0 {
		return false
	}
	if t.Metadata.BlockedReason != "" {
		return false
	}
	if t.Metadata.NextEligibleAt != 0 && now < t.Metadata.NextEligibleAt {
		return false
	}
	return true
}

// Fail transitions t to a terminal failed state, recording reason on
// Metadata.FailureReason.
func (t *Task) Fail(reason string, now int64) {
	t.Status = StatusFailed
	t.Metadata.FailureReason = reason
	t.Metadata.UpdatedAt = now
}

// NextStep returns the lowest-Order step not yet done, or nil when every
// step is complete.
func (t *Task) NextStep() *Step {
	var next *Step
	for i := range t.Steps {
		if t.Steps[i].Done {
			continue
		}
		if next == nil || t.Steps[i].Order < next.Order {
			next = &t.Steps[i]
		}
	}
	return next
}

// BlockState is the outcome of evaluating a task's TTL against the
// blocked-reason registry.
type BlockState struct {
	ShouldFail bool
	FailReason string
}

const defaultTTLMs = 120_000

// EvaluateTaskBlockState resolves a blocked task's TTL state. It never mutates t;
// callers apply the resulting BlockState.
func EvaluateTaskBlockState(reasons *blockedreason.Registry, t *Task, now int64, defaultTtlMs int64) BlockState {
	if defaultTtlMs <= 0 {
		defaultTtlMs = defaultTTLMs
	}
	if t == nil || t.Metadata.BlockedReason == "" {
		return BlockState{}
	}
	policy := reasons.TTLPolicyFor(t.Metadata.BlockedReason)
	if policy.Exempt {
		return BlockState{}
	}
	ttl := defaultTtlMs
	if !policy.Default {
		ttl = policy.Ms
	}
	if now-t.Metadata.BlockedAt > ttl {
		return BlockState{
			ShouldFail: true,
			FailReason: fmt.Sprintf("blocked-ttl-exceeded:%s", t.Metadata.BlockedReason),
		}
	}
	return BlockState{}
}

// MaxExpansionRetries bounds the expansion retry scheduler.
const MaxExpansionRetries = 6

// BackoffDelayMs computes the exponential retry backoff
// min(30000 * 2^retryCount, 300000), jitter-free for determinism.
func BackoffDelayMs(retryCount int) int64 {
	const (
		initialMs = 30_000
		capMs     = 300_000
	)
	if retryCount < 0 {
		retryCount = 0
	}
	delay := int64(initialMs)
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= capMs {
			delay = capMs
			break
		}
	}
	if delay > capMs {
		delay = capMs
	}
	return delay
}

// Store is the process-wide task store, owned by the lifecycle and
// borrowed read-only by the executor during dispatch. Introduced via
// composition at process start, never as a package-level singleton.
type Store struct {
	tasks map[string]*Task
}

func NewStore() *Store {
	return &Store{tasks: map[string]*Task{}}
}

func (s *Store) Put(t *Task) {
	if s.tasks == nil {
		s.tasks = map[string]*Task{}
	}
	s.tasks[t.ID] = t
}

func (s *Store) Get(id string) *Task {
	return s.tasks[id]
}

func (s *Store) Delete(id string) {
	delete(s.tasks, id)
}

// All returns every task, sorted by ID for deterministic iteration.
func (s *Store) All() []*Task {
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) WithBlockedReason() []*Task {
	var out []*Task
	for _, t := range s.All() {
		if t.Metadata.BlockedReason != "" {
			out = append(out, t)
		}
	}
	return out
}

// HighestPriorityEligible selects the highest-priority eligible task,
// breaking ties by ID for determinism.
func (s *Store) HighestPriorityEligible(now int64) *Task {
	var best *Task
	for _, t := range s.All() {
		if !IsTaskEligible(t, now) {
			continue
		}
		if best == nil || t.Priority > best.Priority || (t.Priority == best.Priority && t.ID < best.ID) {
			best = t
		}
	}
	return best
}

func (s *Store) PendingPlanning() []*Task {
	var out []*Task
	for _, t := range s.All() {
		if t.Status == StatusPendingPlanning {
			out = append(out, t)
		}
	}
	return out
}
