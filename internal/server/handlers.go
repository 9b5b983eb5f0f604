package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/kilroy-control/plane/internal/bt"
	"github.com/kilroy-control/plane/internal/executor"
	"github.com/kilroy-control/plane/internal/registry"
	"github.com/kilroy-control/plane/internal/task"
	"github.com/oklog/ulid/v2"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, details string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Details: details})
}

// handleRunOption executes an option synchronously and returns its terminal
// result. Shadow-state options still run (their outcomes feed promotion
// statistics); retired options are refused.
func (s *Server) handleRunOption(w http.ResponseWriter, r *http.Request) {
	var req RunOptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	rs, status, err := s.startRun(req)
	if err != nil {
		writeError(w, status, err.Error(), "")
		return
	}
	s.executeRun(r.Context(), rs, req)

	res, runErr := rs.Result()
	resp := RunOptionResponse{Timestamp: time.Now().UTC()}
	switch {
	case runErr != nil:
		resp.Error = &RunError{Code: "aborted", Detail: runErr.Error()}
	case res.Status == bt.StatusSuccess:
		resp.Success = true
		resp.Result = map[string]any{
			"leaf_executions": res.Metrics.LeafExecutions,
			"nodes_visited":   res.Metrics.NodesVisited,
			"duration_ms":     res.Metrics.DurationMs,
		}
	case res.Err != nil:
		resp.Error = &RunError{Code: string(res.Err.Code), Retryable: res.Err.Retryable, Detail: res.Err.Detail}
	default:
		resp.Error = &RunError{Code: "unknown"}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRunOptionStream executes an option while streaming
// {type: status|complete|error} events over SSE.
func (s *Server) handleRunOptionStream(w http.ResponseWriter, r *http.Request) {
	var req RunOptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	rs, status, err := s.startRun(req)
	if err != nil {
		writeError(w, status, err.Error(), "")
		return
	}

	go func() {
		rs.Broadcaster.Send(RunEvent{
			Type: "status",
			Data: map[string]any{"run_id": rs.RunID, "option_id": rs.OptionID, "state": "running"},
		})
		stopTicks := make(chan struct{})
		go func() {
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-stopTicks:
					return
				case t := <-ticker.C:
					rs.Broadcaster.Send(RunEvent{
						Type: "tick",
						Data: map[string]any{"run_id": rs.RunID, "at": t.UTC().Format(time.RFC3339Nano)},
					})
				}
			}
		}()
		s.executeRun(context.Background(), rs, req)
		close(stopTicks)
		res, runErr := rs.Result()
		switch {
		case runErr != nil:
			rs.Broadcaster.Send(RunEvent{Type: "error", Data: map[string]any{"detail": runErr.Error()}})
		case res.Status == bt.StatusSuccess:
			rs.Broadcaster.Send(RunEvent{
				Type: "complete",
				Data: map[string]any{"success": true, "leaf_executions": res.Metrics.LeafExecutions},
			})
		default:
			data := map[string]any{"success": false}
			if res.Err != nil {
				data["code"] = string(res.Err.Code)
				data["detail"] = res.Err.Detail
			}
			rs.Broadcaster.Send(RunEvent{Type: "error", Data: data})
		}
		rs.Broadcaster.Close()
	}()

	WriteSSE(w, r, rs.Broadcaster)
}

// startRun validates the request against the option registry and registers
// a RunState, without executing yet.
func (s *Server) startRun(req RunOptionRequest) (*RunState, int, error) {
	if req.OptionID == "" {
		return nil, http.StatusBadRequest, fmt.Errorf("option_id is required")
	}
	opt := s.core.Options.GetOption(req.OptionID)
	if opt == nil {
		return nil, http.StatusNotFound, fmt.Errorf("unknown option: %s", req.OptionID)
	}
	if opt.State == registry.StateRetired {
		return nil, http.StatusConflict, fmt.Errorf("option %s is retired", req.OptionID)
	}
	if !s.core.Options.CheckQuota(req.OptionID, s.now()) {
		return nil, http.StatusTooManyRequests, fmt.Errorf("quota exhausted for option %s", req.OptionID)
	}

	runID := req.Options.RunID
	if runID == "" {
		runID = ulid.Make().String()
	}
	rs := &RunState{
		RunID:       runID,
		OptionID:    req.OptionID,
		Broadcaster: NewBroadcaster(),
		StartedAt:   time.Now().UTC(),
	}
	if err := s.registry.Register(runID, rs); err != nil {
		return nil, http.StatusConflict, err
	}
	return rs, 0, nil
}

// executeRun runs the option's compiled tree to completion, recording the
// shadow-run outcome when the option is still in shadow state.
func (s *Server) executeRun(parent context.Context, rs *RunState, req RunOptionRequest) {
	opt := s.core.Options.GetOption(rs.OptionID)

	ctx, cancel := context.WithCancelCause(parent)
	rs.Cancel = cancel
	defer cancel(nil)
	if req.Options.TimeoutMs > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, time.Duration(req.Options.TimeoutMs)*time.Millisecond)
		defer tcancel()
	}

	lctx := s.core.LeafContext(ctx)
	res := s.core.Interp.Execute(opt.Compiled, lctx)
	rs.SetResult(&res, context.Cause(ctx))

	if opt.State == registry.StateShadow {
		_ = s.core.Options.RecordShadowRun(rs.OptionID, res.Status == bt.StatusSuccess, s.now())
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	rs, ok := s.registry.Get(req.RunID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown run: "+req.RunID, "")
		return
	}
	cancelled := false
	if !rs.Done() && rs.Cancel != nil {
		rs.Cancel(fmt.Errorf("cancelled by caller"))
		cancelled = true
	}
	writeJSON(w, http.StatusOK, CancelResponse{Success: true, Cancelled: cancelled})
}

func (s *Server) handleActiveRuns(w http.ResponseWriter, r *http.Request) {
	out := []ActiveRun{}
	for _, rs := range s.registry.Active() {
		out = append(out, ActiveRun{RunID: rs.RunID, OptionID: rs.OptionID, StartedAt: rs.StartedAt})
	}
	writeJSON(w, http.StatusOK, ActiveRunsResponse{ActiveRuns: out})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.coreMu.Lock()
	counts := map[string]int{}
	for _, t := range s.core.Tasks.All() {
		counts[string(t.Status)]++
	}
	registered := len(s.core.Options.OptionIDsMatching("*@*"))
	decisions := append([]string{}, s.recentDecisions...)
	s.coreMu.Unlock()

	writeJSON(w, http.StatusOK, StateResponse{
		TaskCounts:    counts,
		ActiveRuns:    len(s.registry.Active()),
		ActiveOptions: registered,
		IdleDecisions: decisions,
	})
}

// handleCreateTask ingests a new task. It starts in pending_planning,
// blocked on the reasoner, so the expansion retry sweep will lower it into
// steps. When intent resolution is disabled by env, the task is blocked
// with the fixed-TTL contract-broken reason instead.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Description == "" {
		writeError(w, http.StatusBadRequest, "description is required", "")
		return
	}

	s.coreMu.Lock()
	t := s.newTask(req)
	s.core.Tasks.Put(t)
	s.coreMu.Unlock()

	writeJSON(w, http.StatusOK, CreateTaskResponse{TaskID: t.ID, Status: string(t.Status)})
}

func (s *Server) newTask(req CreateTaskRequest) *task.Task {
	now := s.now()
	title := req.Title
	if title == "" {
		title = req.Description
	}
	t := &task.Task{
		ID:          task.NewID(),
		Title:       title,
		Description: req.Description,
		Type:        req.Type,
		Priority:    req.Priority,
		Urgency:     req.Urgency,
		Status:      task.StatusPendingPlanning,
		Metadata:    task.Metadata{CreatedAt: now, UpdatedAt: now},
	}
	if task.IntentResolveEnabled(os.Getenv) {
		t.Metadata.BlockedReason = "blocked_awaiting_reasoner"
		t.Metadata.BlockedAt = now
	} else {
		task.BlockIntentResolutionDisabled(t, now)
	}
	return t
}

func (s *Server) handleCreateGoal(w http.ResponseWriter, r *http.Request) {
	var req CreateGoalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Name == "" || len(req.Tasks) == 0 {
		writeError(w, http.StatusBadRequest, "goal requires a name and at least one task", "")
		return
	}

	s.coreMu.Lock()
	ids := make([]string, 0, len(req.Tasks))
	for _, tr := range req.Tasks {
		tr.Goal = req.Name
		t := s.newTask(tr)
		s.core.Tasks.Put(t)
		ids = append(ids, t.ID)
	}
	s.coreMu.Unlock()

	writeJSON(w, http.StatusOK, CreateGoalResponse{Goal: req.Name, TaskIDs: ids})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("taskId")

	s.coreMu.Lock()
	t := s.core.Tasks.Get(id)
	s.coreMu.Unlock()
	if t == nil {
		writeError(w, http.StatusNotFound, "unknown task: "+id, "")
		return
	}

	done := 0
	for _, st := range t.Steps {
		if st.Done {
			done++
		}
	}
	stats := TaskStats{
		Status:              string(t.Status),
		Progress:            t.Progress,
		RetryCount:          t.Metadata.RetryCount,
		ExpansionRetryCount: t.Metadata.ExpansionRetryCount,
		BlockedReason:       t.Metadata.BlockedReason,
		FailureReason:       t.Metadata.FailureReason,
		StepsTotal:          len(t.Steps),
		StepsDone:           done,
	}
	abandon := t.Status == task.StatusFailed ||
		t.Status == task.StatusAbandoned ||
		t.Metadata.BlockedReason == "expansion_retries_exhausted"
	writeJSON(w, http.StatusOK, TaskStatsResponse{Stats: stats, ShouldAbandon: abandon})
}

// handleExecute runs exactly one executor tick.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	decision := s.tick(r.Context())
	writeJSON(w, http.StatusOK, TickResponse{Decisions: []string{decision}, Ticks: 1})
}

// handleAutonomous runs ticks until nothing more is dispatched or the tick
// budget is spent.
func (s *Server) handleAutonomous(w http.ResponseWriter, r *http.Request) {
	const maxTicks = 32
	var decisions []string
	for i := 0; i < maxTicks; i++ {
		d := s.tick(r.Context())
		decisions = append(decisions, d)
		if executor.DecisionCode(d) != executor.DecisionEmittedExecutable {
			break
		}
	}
	writeJSON(w, http.StatusOK, TickResponse{Decisions: decisions, Ticks: len(decisions)})
}

// tick serializes one executor pass through the server's core mutex: the
// process-wide stores are mutated only on this central path.
func (s *Server) tick(ctx context.Context) string {
	s.coreMu.Lock()
	defer s.coreMu.Unlock()
	now := s.now()
	res := s.core.Exec.Tick(ctx, s.core.LeafContext(ctx), now)
	s.recordDecision(string(res.Decision))
	if s.core.Reports != nil {
		_ = s.core.Reports.Emit(executor.NewGoldenRunReport(now, res))
	}
	return string(res.Decision)
}

const decisionHistoryLimit = 64

func (s *Server) recordDecision(code string) {
	s.recentDecisions = append(s.recentDecisions, code)
	if len(s.recentDecisions) > decisionHistoryLimit {
		s.recentDecisions = s.recentDecisions[len(s.recentDecisions)-decisionHistoryLimit:]
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) now() int64 {
	if s.core.Clock != nil {
		return s.core.Clock()
	}
	return time.Now().UnixMilli()
}
