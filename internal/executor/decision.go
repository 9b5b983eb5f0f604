// Package executor implements the reactive executor and idle governor:
// the per-tick TTL/expansion/dispatch pipeline, the governor's
// decision-code accounting, and the loop breaker.
package executor

// DecisionCode is the idle governor's per-tick classification. Every tick
// emits exactly one, and the emission/suppression sets are disjoint.
type DecisionCode string

const (
	DecisionEmittedExecutable DecisionCode = "emitted_executable"
	DecisionEmittedBlocked    DecisionCode = "emitted_blocked"
	DecisionEmittedError      DecisionCode = "emitted_error"

	DecisionSuppressedInFlight        DecisionCode = "suppressed_in_flight"
	DecisionSuppressedLeaseCooldown   DecisionCode = "suppressed_lease_cooldown"
	DecisionSuppressedHourlyCap       DecisionCode = "suppressed_hourly_cap"
	DecisionSuppressedPendingPlanning DecisionCode = "suppressed_pending_planning"
)

var emissionCodes = map[DecisionCode]bool{
	DecisionEmittedExecutable: true,
	DecisionEmittedBlocked:    true,
	DecisionEmittedError:      true,
}

var suppressionCodes = map[DecisionCode]bool{
	DecisionSuppressedInFlight:        true,
	DecisionSuppressedLeaseCooldown:   true,
	DecisionSuppressedHourlyCap:       true,
	DecisionSuppressedPendingPlanning: true,
}

// IsEmission reports whether code belongs to the emission set.
func IsEmission(c DecisionCode) bool { return emissionCodes[c] }

// IsSuppression reports whether code belongs to the suppression set.
func IsSuppression(c DecisionCode) bool { return suppressionCodes[c] }

// AllDecisionCodes lists the closed vocabulary, for tests that assert
// disjointness and completeness.
func AllDecisionCodes() []DecisionCode {
	return []DecisionCode{
		DecisionEmittedExecutable, DecisionEmittedBlocked, DecisionEmittedError,
		DecisionSuppressedInFlight, DecisionSuppressedLeaseCooldown,
		DecisionSuppressedHourlyCap, DecisionSuppressedPendingPlanning,
	}
}
