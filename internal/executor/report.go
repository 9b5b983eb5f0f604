package executor

import (
	"github.com/vmihailenco/msgpack/v5"
)

// ExpansionReport is the expansion half of a golden-run report.
type ExpansionReport struct {
	Status string `msgpack:"status"`
}

// TaskReport identifies the task the round acted on.
type TaskReport struct {
	TaskID string `msgpack:"task_id"`
}

// DispatchedStep records one dispatched step's outcome.
type DispatchedStep struct {
	Leaf   string     `msgpack:"leaf"`
	Result StepResult `msgpack:"result"`
}

// StepResult carries per-step diagnostics.
type StepResult struct {
	Success         bool   `msgpack:"success"`
	ToolDiagnostics string `msgpack:"tool_diagnostics,omitempty"`
}

// VerificationReport records the postcondition check's outcome:
// verified, skipped, or failed.
type VerificationReport struct {
	Status string `msgpack:"status"`
}

// ExecutionReport groups the dispatch section of a report.
type ExecutionReport struct {
	DispatchedSteps []DispatchedStep    `msgpack:"dispatched_steps,omitempty"`
	Verification    *VerificationReport `msgpack:"verification,omitempty"`
}

// GoldenRunReport is the structured audit of one idle-to-dispatch round.
// It is never required for correctness; a process may run with no
// ReportSink configured.
type GoldenRunReport struct {
	TickMs               int64           `msgpack:"tick_ms"`
	IdleEpisode          bool            `msgpack:"idle_episode"`
	Decision             DecisionCode    `msgpack:"decision"`
	Expansion            ExpansionReport `msgpack:"expansion"`
	Task                 TaskReport      `msgpack:"task"`
	Execution            ExecutionReport `msgpack:"execution"`
	FailureCode          string          `msgpack:"failure_code,omitempty"`
	LoopBreakerEvaluated bool            `msgpack:"loop_breaker_evaluated"`
	LoopEpisodes         []string        `msgpack:"loop_episodes,omitempty"`

	// TaskID and LeafName duplicate the nested sections for consumers
	// that only index on flat keys.
	TaskID   string `msgpack:"task_id,omitempty"`
	LeafName string `msgpack:"leaf_name,omitempty"`
}

// NewGoldenRunReport folds one TickResult into its report shape.
func NewGoldenRunReport(tickMs int64, r TickResult) GoldenRunReport {
	report := GoldenRunReport{
		TickMs:               tickMs,
		IdleEpisode:          IsSuppression(r.Decision) || r.Decision == DecisionEmittedBlocked,
		Decision:             r.Decision,
		Expansion:            ExpansionReport{Status: r.ExpansionStatus},
		Task:                 TaskReport{TaskID: r.TaskID},
		FailureCode:          r.FailureCode,
		LoopBreakerEvaluated: r.LoopBreakerEvaluated,
		LoopEpisodes:         append([]string(nil), r.LoopEpisodes...),
		TaskID:               r.TaskID,
		LeafName:             r.LeafName,
	}
	if r.LeafName != "" {
		diag := ""
		if r.Err != nil {
			diag = r.Err.Error()
		} else if r.FailureCode != "" {
			diag = r.FailureCode
		}
		report.Execution.DispatchedSteps = []DispatchedStep{{
			Leaf:   r.LeafName,
			Result: StepResult{Success: r.FailureCode == "" && r.Err == nil, ToolDiagnostics: diag},
		}}
	}
	if r.Verification != "" {
		report.Execution.Verification = &VerificationReport{Status: r.Verification}
	}
	return report
}

// Encode serializes the report to msgpack bytes for an external sink.
func (r GoldenRunReport) Encode() ([]byte, error) {
	return msgpack.Marshal(r)
}

// DecodeGoldenRunReport reverses Encode, for a sink's consumer side or for
// tests asserting round-trip fidelity.
func DecodeGoldenRunReport(b []byte) (GoldenRunReport, error) {
	var r GoldenRunReport
	err := msgpack.Unmarshal(b, &r)
	return r, err
}

// ReportSink receives golden-run reports. Persistence and transport are
// external collaborators; the core only emits.
type ReportSink interface {
	Emit(report GoldenRunReport) error
}

// MemoryReportSink accumulates reports in-process, useful for tests and
// for a process too small to warrant an external sink.
type MemoryReportSink struct {
	Reports []GoldenRunReport
}

func (s *MemoryReportSink) Emit(report GoldenRunReport) error {
	s.Reports = append(s.Reports, report)
	return nil
}
