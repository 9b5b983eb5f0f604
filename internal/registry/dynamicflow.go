package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kilroy-control/plane/internal/bt"
	"github.com/kilroy-control/plane/internal/leaf"
	"github.com/kilroy-control/plane/internal/reasoner"
)

// ImpasseState tracks consecutive task-level failures, partitioned
// strictly by taskID.
type ImpasseState struct {
	ConsecutiveFailures int
	LastFailureAtMs     int64
	LastProposalAtMs    int64
	ProposalsThisHour   int

	// A zero timestamp is a legitimate clock reading under an injected
	// test clock, so "ever happened" is tracked separately.
	hasFailure        bool
	hasProposal       bool
	hourWindowStartMs int64
	hourWindowSet     bool
}

// ImpasseResult is the outcome of checkImpasse.
type ImpasseResult struct {
	IsImpasse bool
	Reason    string
}

// ProposalRecord is one entry of a task's proposal history.
type ProposalRecord struct {
	Proposal *reasoner.ProposalArtifact
	Outcome  string
	AtMs     int64
}

// DynamicFlow implements the dynamic skill-creation flow on top
// of a Registry: impasse detection, debounce, hourly rate limiting, and
// proposal ingestion via an abstract reasoner.Client.
type DynamicFlow struct {
	mu sync.Mutex

	Registry *Registry
	Reasoner reasoner.Client

	// FailureThreshold is the consecutive-failure count that triggers an
	// impasse.
	FailureThreshold int
	// TimeWindowMs bounds how recent consecutive failures must be to
	// still count toward the same impasse.
	TimeWindowMs int64
	// DebounceMs suppresses re-triggering after a proposal was made
	DebounceMs int64
	// HourlyProposalCap is the per-hour rate limit on proposals
	HourlyProposalCap int

	impasse map[string]*ImpasseState
	history map[string][]ProposalRecord
}

func NewDynamicFlow(reg *Registry, client reasoner.Client) *DynamicFlow {
	return &DynamicFlow{
		Registry:          reg,
		Reasoner:          client,
		FailureThreshold:  3,
		TimeWindowMs:      5 * 60_000,
		DebounceMs:        10 * 60_000,
		HourlyProposalCap: 6,
		impasse:           map[string]*ImpasseState{},
		history:           map[string][]ProposalRecord{},
	}
}

// CheckImpasse records one failure for taskID and reports whether the
// consecutive-failure threshold has been crossed.
func (d *DynamicFlow) CheckImpasse(taskID string, nowMs int64) ImpasseResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.impasse[taskID]
	if !ok {
		st = &ImpasseState{}
		d.impasse[taskID] = st
	}

	if st.hasFailure && nowMs-st.LastFailureAtMs > d.TimeWindowMs {
		st.ConsecutiveFailures = 0
	}
	st.ConsecutiveFailures++
	st.LastFailureAtMs = nowMs
	st.hasFailure = true

	if st.ConsecutiveFailures < d.FailureThreshold {
		return ImpasseResult{}
	}
	if st.hasProposal && nowMs < st.LastProposalAtMs+d.DebounceMs {
		return ImpasseResult{}
	}
	return ImpasseResult{IsImpasse: true, Reason: fmt.Sprintf("%d consecutive failures within %dms", st.ConsecutiveFailures, d.TimeWindowMs)}
}

// RequestOptionProposal invokes the external reasoner for taskID, honoring
// debounce and the hourly rate cap. Returns nil when
// suppressed by either gate.
func (d *DynamicFlow) RequestOptionProposal(ctx context.Context, taskID string, in reasoner.ProposalInput, nowMs int64) (*reasoner.ProposalArtifact, error) {
	d.mu.Lock()
	st, ok := d.impasse[taskID]
	if !ok {
		st = &ImpasseState{}
		d.impasse[taskID] = st
	}
	if !st.hourWindowSet || nowMs >= st.hourWindowStartMs+3_600_000 {
		st.hourWindowStartMs = nowMs
		st.hourWindowSet = true
		st.ProposalsThisHour = 0
	}
	if st.ProposalsThisHour >= d.HourlyProposalCap {
		d.mu.Unlock()
		return nil, nil
	}
	if st.hasProposal && nowMs < st.LastProposalAtMs+d.DebounceMs {
		d.mu.Unlock()
		return nil, nil
	}
	d.mu.Unlock()

	proposal, err := d.Reasoner.Propose(ctx, in)
	if err != nil {
		return nil, err
	}
	if proposal == nil {
		return nil, nil
	}

	d.mu.Lock()
	st.LastProposalAtMs = nowMs
	st.hasProposal = true
	st.ProposalsThisHour++
	d.history[taskID] = append(d.history[taskID], ProposalRecord{Proposal: proposal, AtMs: nowMs})
	d.mu.Unlock()

	return proposal, nil
}

// RegisterProposedOption compiles the proposal's BT-DSL and inserts it
// into the registry in shadow mode.
func (d *DynamicFlow) RegisterProposedOption(proposal *reasoner.ProposalArtifact, author string, nowMs int64) RegisterResult {
	if proposal == nil {
		return RegisterResult{Error: "nil proposal"}
	}
	dsl, err := coerceDSL(proposal.BTDsl)
	if err != nil {
		return RegisterResult{Error: err.Error()}
	}
	prov := leaf.Provenance{
		Author:    author,
		CreatedAt: nowMs,
		Metadata: map[string]any{
			"confidence":             proposal.Confidence,
			"estimated_success_rate": proposal.EstimatedSuccessRate,
			"reasoning":              proposal.Reasoning,
		},
	}
	cfg := ShadowConfig{PromotionThreshold: 0.8, MaxShadowRuns: 10, AutoRetirementThreshold: 0.3}
	return d.Registry.RegisterOption(dsl, prov, cfg)
}

// coerceDSL accepts either an in-process bt.DSL or the decoded-JSON map an
// RPC reasoner binding produces.
func coerceDSL(v any) (bt.DSL, error) {
	switch d := v.(type) {
	case bt.DSL:
		return d, nil
	case map[string]any:
		raw, err := json.Marshal(d)
		if err != nil {
			return bt.DSL{}, fmt.Errorf("proposal.BTDsl: %w", err)
		}
		return bt.DecodeJSON(raw)
	default:
		return bt.DSL{}, fmt.Errorf("proposal.BTDsl has unsupported type %T", v)
	}
}

// EvaluateRetirement delegates to the Registry.
func (d *DynamicFlow) EvaluateRetirement(optionID string, nowMs int64) RetirementResult {
	return d.Registry.EvaluateRetirement(optionID, nowMs)
}

// GetProposalHistory returns taskID's recorded proposals.
func (d *DynamicFlow) GetProposalHistory(taskID string) []ProposalRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ProposalRecord, len(d.history[taskID]))
	copy(out, d.history[taskID])
	return out
}
