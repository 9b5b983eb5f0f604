// Package blockedreason is the control plane's single source of truth for
// the blocked-reason taxonomy: classification, TTL policy, and
// normalization of unknown reasons. One table drives every derived
// predicate, so the transient and contract-broken sets cannot drift
// apart.
package blockedreason

import (
	"fmt"
	"strings"
)

// Classification is the taxonomy's top-level category for a blocked reason.
type Classification string

const (
	Transient      Classification = "transient"
	ContractBroken Classification = "contract_broken"
	Terminal       Classification = "terminal"
	Executor       Classification = "executor"
)

// TTLPolicy is either "exempt", "default", or a positive number of
// milliseconds, modeled as a tagged value rather than a bare int so that
// "default" and "exempt" can't be confused with 0ms.
type TTLPolicy struct {
	Exempt  bool
	Default bool
	Ms      int64 // valid only when !Exempt && !Default
}

func Exempt() TTLPolicy { return TTLPolicy{Exempt: true} }
func Default() TTLPolicy { return TTLPolicy{Default: true} }
func Fixed(ms int64) TTLPolicy {
	if ms <= 0 {
		panic(fmt.Sprintf("blockedreason: fixed TTL must be positive, got %d", ms))
	}
	return TTLPolicy{Ms: ms}
}

// Entry is one row of the blocked-reason registry.
type Entry struct {
	Classification Classification
	TTLPolicy      TTLPolicy
	Description    string
}

// Registry is the taxonomy table plus its derived sets. It must be
// internally consistent: every transient reason has an exempt TTL policy,
// every contract-broken reason has a positive numeric TTL, and no reason
// appears in both derived sets (terminal and executor reasons are in
// neither).
type Registry struct {
	entries map[string]Entry
}

// NewRegistry builds the control plane's built-in taxonomy. Callers may
// add further reasons with Register, e.g. for domain-specific executor
// reasons such as a circuit breaker or a shadow/live toggle.
func NewRegistry() *Registry {
	r := &Registry{entries: map[string]Entry{}}
	for reason, e := range builtins {
		r.entries[reason] = e
	}
	return r
}

var builtins = map[string]Entry{
	"blocked_executor_unavailable": {
		Classification: Transient,
		TTLPolicy:      Exempt(),
		Description:    "the executor backing this task is temporarily unavailable",
	},
	"blocked_executor_error": {
		Classification: Transient,
		TTLPolicy:      Exempt(),
		Description:    "an unrecognized, unprefixed blocked reason normalized to this transient fallback",
	},
	"blocked_awaiting_reasoner": {
		Classification: Transient,
		TTLPolicy:      Exempt(),
		Description:    "waiting on the external reasoner to lower this task into steps",
	},
	"blocked_missing_digest": {
		Classification: ContractBroken,
		TTLPolicy:      Fixed(30_000),
		Description:    "required content digest was absent from the task contract",
	},
	"blocked_invalid_steps_bundle": {
		Classification: ContractBroken,
		TTLPolicy:      Fixed(30_000),
		Description:    "an unrecognized blocked_* reason normalized to this contract-broken fallback",
	},
	"blocked_schema_violation": {
		Classification: ContractBroken,
		TTLPolicy:      Fixed(60_000),
		Description:    "task metadata or steps violated their declared schema",
	},
	"expansion_retries_exhausted": {
		Classification: Terminal,
		TTLPolicy:      Exempt(),
		Description:    "expansion retry budget exhausted; task will not be retried again",
	},
	"blocked_intent_resolution_disabled": {
		Classification: ContractBroken,
		TTLPolicy:      Fixed(60_000),
		Description:    "STERLING_INTENT_RESOLVE=0; expansion retry is disabled for this process",
	},
	"blocked_infra_error_tripped": {
		Classification: Executor,
		TTLPolicy:      Exempt(),
		Description:    "loop breaker tripped after repeated (task, leaf, failure_code) recurrence",
	},
	"blocked_prereqs_unmet": {
		Classification: Executor,
		TTLPolicy:      Default(),
		Description:    "task prerequisites are not yet satisfied; managed by a domain-specific prereq subsystem",
	},
	"blocked_shadow_mode": {
		Classification: Executor,
		TTLPolicy:      Exempt(),
		Description:    "task routed to a shadow-mode option; live execution is gated",
	},
}

// Register adds or overwrites a reason entry.
func (r *Registry) Register(reason string, e Entry) {
	if r.entries == nil {
		r.entries = map[string]Entry{}
	}
	r.entries[reason] = e
}

func (r *Registry) Lookup(reason string) (Entry, bool) {
	e, ok := r.entries[reason]
	return e, ok
}

// TTLPolicyFor resolves a reason's TTL policy, defaulting to Default() for
// unregistered reasons (callers should normalize first via Normalize).
func (r *Registry) TTLPolicyFor(reason string) TTLPolicy {
	if e, ok := r.entries[reason]; ok {
		return e.TTLPolicy
	}
	return Default()
}

// Transient returns the derived set of transient reasons.
func (r *Registry) Transient() map[string]bool {
	return r.derivedSet(Transient)
}

// ContractBroken returns the derived set of contract-broken reasons.
func (r *Registry) ContractBroken() map[string]bool {
	return r.derivedSet(ContractBroken)
}

func (r *Registry) derivedSet(c Classification) map[string]bool {
	out := map[string]bool{}
	for reason, e := range r.entries {
		if e.Classification == c {
			out[reason] = true
		}
	}
	return out
}

// CheckInvariants validates that every entry has a consistent
// classification/TTL pairing and an exit path. It is meant
// to run from tests, not from the hot path.
func (r *Registry) CheckInvariants() []string {
	var problems []string
	for reason, e := range r.entries {
		switch e.Classification {
		case Transient:
			if !e.TTLPolicy.Exempt {
				problems = append(problems, fmt.Sprintf("%s: transient reason must have exempt TTL policy", reason))
			}
		case ContractBroken:
			if e.TTLPolicy.Exempt || e.TTLPolicy.Default || e.TTLPolicy.Ms <= 0 {
				problems = append(problems, fmt.Sprintf("%s: contract_broken reason must have a positive numeric TTL", reason))
			}
		case Terminal:
			if !e.TTLPolicy.Exempt {
				problems = append(problems, fmt.Sprintf("%s: terminal reason must have exempt TTL policy", reason))
			}
		case Executor:
			if !(e.TTLPolicy.Exempt || e.TTLPolicy.Default) {
				problems = append(problems, fmt.Sprintf("%s: executor reason must be exempt or default", reason))
			}
		default:
			problems = append(problems, fmt.Sprintf("%s: unknown classification %q", reason, e.Classification))
		}
	}
	return problems
}

// NormalizeResult is normalizeBlockedReason's return shape.
type NormalizeResult struct {
	Reason         string
	OriginalReason string
}

// Normalize maps a raw blocked reason into the registry's known taxonomy.
// Known reasons pass through unchanged. Unknown reasons prefixed with
// "blocked_" map to the contract-broken fallback (fast-fail); unknown,
// unprefixed reasons map to the transient fallback.
func (r *Registry) Normalize(raw string) NormalizeResult {
	raw = strings.TrimSpace(raw)
	if _, ok := r.entries[raw]; ok {
		return NormalizeResult{Reason: raw}
	}
	if strings.HasPrefix(raw, "blocked_") {
		return NormalizeResult{Reason: "blocked_invalid_steps_bundle", OriginalReason: raw}
	}
	return NormalizeResult{Reason: "blocked_executor_error", OriginalReason: raw}
}
