package server

import "time"

// RunOptionRequest is the POST /run-option and POST /run-option/stream
// request body.
type RunOptionRequest struct {
	OptionID string         `json:"option_id"`
	Args     map[string]any `json:"args,omitempty"`
	Options  RunOptions     `json:"options,omitempty"`
}

// RunOptions tunes one option run.
type RunOptions struct {
	// TimeoutMs bounds the whole run; 0 means no outer bound beyond the
	// tree's own Decorator.Timeout nodes.
	TimeoutMs int `json:"timeout_ms,omitempty"`
	// RunID is optional; a ULID is generated when empty.
	RunID string `json:"run_id,omitempty"`
}

// RunOptionResponse is the POST /run-option response.
type RunOptionResponse struct {
	Success   bool      `json:"success"`
	Result    any       `json:"result,omitempty"`
	Error     *RunError `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RunError mirrors the leaf error taxonomy verbatim so clients can switch
// on Code.
type RunError struct {
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
	Detail    string `json:"detail,omitempty"`
}

// CancelRequest is the POST /cancel body.
type CancelRequest struct {
	RunID string `json:"run_id"`
}

// CancelResponse is the POST /cancel response.
type CancelResponse struct {
	Success   bool `json:"success"`
	Cancelled bool `json:"cancelled"`
}

// ActiveRun is one entry of GET /active-runs.
type ActiveRun struct {
	RunID     string    `json:"run_id"`
	OptionID  string    `json:"option_id"`
	StartedAt time.Time `json:"started_at"`
}

// ActiveRunsResponse is the GET /active-runs response.
type ActiveRunsResponse struct {
	ActiveRuns []ActiveRun `json:"activeRuns"`
}

// StateResponse is the GET /state combined snapshot.
type StateResponse struct {
	TaskCounts    map[string]int `json:"task_counts"`
	ActiveRuns    int            `json:"active_runs"`
	ActiveOptions int            `json:"active_options"`
	IdleDecisions []string       `json:"idle_decisions"`
}

// CreateTaskRequest is the POST /task body.
type CreateTaskRequest struct {
	Type        string         `json:"type"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description"`
	Priority    int            `json:"priority,omitempty"`
	Urgency     int            `json:"urgency,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Goal        string         `json:"goal,omitempty"`
}

// CreateTaskResponse is the POST /task response.
type CreateTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// CreateGoalRequest is the POST /goal body: a named bundle of tasks.
type CreateGoalRequest struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Tasks       []CreateTaskRequest `json:"tasks"`
}

// CreateGoalResponse is the POST /goal response.
type CreateGoalResponse struct {
	Goal    string   `json:"goal"`
	TaskIDs []string `json:"task_ids"`
}

// TaskStats is the stats half of GET /task-stats/{taskId}.
type TaskStats struct {
	Status              string  `json:"status"`
	Progress            float64 `json:"progress"`
	RetryCount          int     `json:"retry_count"`
	ExpansionRetryCount int     `json:"expansion_retry_count"`
	BlockedReason       string  `json:"blocked_reason,omitempty"`
	FailureReason       string  `json:"failure_reason,omitempty"`
	StepsTotal          int     `json:"steps_total"`
	StepsDone           int     `json:"steps_done"`
}

// TaskStatsResponse is the GET /task-stats/{taskId} response.
type TaskStatsResponse struct {
	Stats         TaskStats `json:"stats"`
	ShouldAbandon bool      `json:"shouldAbandon"`
}

// TickResponse is the POST /execute and POST /autonomous response.
type TickResponse struct {
	Decisions []string `json:"decisions"`
	Ticks     int      `json:"ticks"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
