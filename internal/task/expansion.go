package task

import (
	"context"

	"github.com/kilroy-control/plane/internal/blockedreason"
	"github.com/kilroy-control/plane/internal/reasoner"
)

// ExpansionSweepResult summarizes one scheduler tick's worth of retries,
// for callers that want to log or test the sweep.
type ExpansionSweepResult struct {
	Attempted int
	Expanded  []string // task IDs that were successfully expanded
	Retried   []string // task IDs that failed again and got a new backoff
	Exhausted []string // task IDs that hit MaxExpansionRetries this tick
}

// RetryExpansion runs the expansion-retry scheduler for one tick. It
// selects pending_planning tasks whose blocked reason is transient and
// whose backoff has elapsed, attempts to lower each via the
// reasoner, and applies exponential backoff on repeated failure.
//
// maxPerTick bounds the per-tick budget; pass 0 to use the default of 3.
func RetryExpansion(ctx context.Context, reasons *blockedreason.Registry, client reasoner.Client, store *Store, now int64, maxPerTick int) ExpansionSweepResult {
	if maxPerTick <= 0 {
		maxPerTick = 3
	}
	var result ExpansionSweepResult

	transient := reasons.Transient()
	for _, t := range store.PendingPlanning() {
		if result.Attempted >= maxPerTick {
			break
		}
		if t.Metadata.BlockedReason == "" || !transient[t.Metadata.BlockedReason] {
			continue
		}
		if t.Metadata.NextEligibleAt != 0 && now < t.Metadata.NextEligibleAt {
			continue
		}
		if t.Metadata.ExpansionRetryCount >= MaxExpansionRetries {
			continue
		}

		result.Attempted++
		res, err := client.Expand(ctx, reasoner.ExpansionRequest{
			TaskID:      t.ID,
			Title:       t.Title,
			Description: t.Description,
			Type:        t.Type,
		})
		if err == nil && res.OK {
			applyExpansionSuccess(t, res, now)
			result.Expanded = append(result.Expanded, t.ID)
			continue
		}

		rawReason := res.BlockedReason
		if rawReason == "" && err != nil {
			rawReason = err.Error()
		}
		if rawReason == "" {
			rawReason = "blocked_executor_error"
		}
		norm := reasons.Normalize(rawReason)
		t.Metadata.ExpansionRetryCount++

		if t.Metadata.ExpansionRetryCount >= MaxExpansionRetries {
			t.Metadata.BlockedReason = "expansion_retries_exhausted"
			t.Metadata.OriginalBlockedReason = norm.OriginalReason
			t.Metadata.BlockedAt = now
			t.Metadata.NextEligibleAt = 0
			result.Exhausted = append(result.Exhausted, t.ID)
			continue
		}

		t.Metadata.BlockedReason = norm.Reason
		t.Metadata.OriginalBlockedReason = norm.OriginalReason
		t.Metadata.BlockedAt = now
		t.Metadata.NextEligibleAt = now + BackoffDelayMs(t.Metadata.ExpansionRetryCount-1)
		result.Retried = append(result.Retried, t.ID)
	}
	return result
}

func applyExpansionSuccess(t *Task, res reasoner.ExpansionResult, now int64) {
	t.Steps = make([]Step, 0, len(res.Steps))
	for i, sp := range res.Steps {
		t.Steps = append(t.Steps, Step{
			Order: i,
			Meta:  StepMeta{Leaf: sp.Leaf, Args: sp.Args, Executable: sp.Executable},
		})
	}
	t.Metadata.BlockedReason = ""
	t.Metadata.BlockedAt = 0
	t.Metadata.NextEligibleAt = 0
	t.Metadata.OriginalBlockedReason = ""
	t.Metadata.UpdatedAt = now
	t.Status = StatusPending
}

// IntentResolveEnabled reads the STERLING_INTENT_RESOLVE flag: when
// disabled, expansion retry is skipped entirely and pending tasks are
// blocked with a fixed-TTL contract-broken reason.
func IntentResolveEnabled(env func(string) string) bool {
	v := env("STERLING_INTENT_RESOLVE")
	return v == "1"
}

// BlockIntentResolutionDisabled marks t as blocked when
// STERLING_INTENT_RESOLVE=0.
func BlockIntentResolutionDisabled(t *Task, now int64) {
	t.Metadata.BlockedReason = "blocked_intent_resolution_disabled"
	t.Metadata.BlockedAt = now
	t.Metadata.NextEligibleAt = 0
}
