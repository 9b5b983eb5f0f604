// Package registry implements the enhanced registry: shadow-run
// governance over proposed options/skills, quotas, promotion,
// auto-retirement, and the dynamic skill-creation flow (impasse
// detection, debounce, proposal ingestion).
package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/kilroy-control/plane/internal/bt"
	"github.com/kilroy-control/plane/internal/leaf"
	"github.com/oklog/ulid/v2"
)

// OptionState is an option/skill's governance lifecycle state.
type OptionState string

const (
	StateShadow  OptionState = "shadow"
	StateActive  OptionState = "active"
	StateRetired OptionState = "retired"
)

// ShadowConfig governs promotion/retirement thresholds for one option
type ShadowConfig struct {
	PromotionThreshold      float64
	MaxShadowRuns           int
	AutoRetirementThreshold float64
}

// ShadowStats accumulates shadow-run outcomes for one option.
type ShadowStats struct {
	TotalRuns  int
	Successes  int
	Failures   int
	LastRunMs  int64
	HasLastRun bool
}

func (s ShadowStats) SuccessRate() float64 {
	if s.TotalRuns == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.TotalRuns)
}

// Option is a registered skill: a compiled behavior tree plus governance
// metadata.
type Option struct {
	ID           string // name@version
	BTDsl        bt.DSL
	Compiled     *bt.CompiledTree
	Provenance   leaf.Provenance
	ShadowConfig ShadowConfig
	State        OptionState

	Stats ShadowStats

	retiredAtFirstEligibleMs int64 // first tick the retirement condition held; 0 = not yet held
}

// Quota is a token-bucket rate limit keyed by option ID.
type Quota struct {
	Limit       int
	WindowMs    int64
	Tokens      int
	WindowStart int64
}

// RegisterResult is the outcome of registerOption.
type RegisterResult struct {
	OK    bool
	ID    string
	Error string
}

// Registry owns options and their shadow stats/quotas. It delegates leaf
// registration to an underlying leaf.Registry.
type Registry struct {
	mu sync.RWMutex

	Leaves *leaf.Registry

	options map[string]*Option
	quotas  map[string]*Quota

	leafFactory bt.LeafFactory

	// RetirementGraceMs is the grace period applied before auto-retirement
	// takes effect once the retirement condition is first observed
	RetirementGraceMs int64

	// MinRunsBeforeRetirement is the run-count floor for auto-retirement
	MinRunsBeforeRetirement int
}

func NewRegistry(leaves *leaf.Registry, leafFactory bt.LeafFactory) *Registry {
	return &Registry{
		Leaves:                  leaves,
		options:                 map[string]*Option{},
		quotas:                  map[string]*Quota{},
		leafFactory:             leafFactory,
		RetirementGraceMs:       0,
		MinRunsBeforeRetirement: 5,
	}
}

// RegisterLeaf delegates to the underlying leaf registry and records
// provenance.
func (r *Registry) RegisterLeaf(l *leaf.Leaf, prov leaf.Provenance) RegisterResult {
	res := r.Leaves.RegisterLeaf(l, &prov)
	if !res.OK {
		return RegisterResult{Error: res.Error}
	}
	return RegisterResult{OK: true, ID: res.ID}
}

// RegisterOption parses and compiles btDsl, then stores the new option in
// shadow state.
func (r *Registry) RegisterOption(dsl bt.DSL, prov leaf.Provenance, cfg ShadowConfig) RegisterResult {
	name := strings.TrimSpace(dsl.Metadata.Name)
	version := strings.TrimSpace(dsl.Metadata.Version)
	if name == "" || version == "" {
		return RegisterResult{Error: "option requires metadata.name and metadata.version"}
	}
	if cfg.PromotionThreshold < 0 || cfg.PromotionThreshold > 1 {
		return RegisterResult{Error: "promotionThreshold must be within [0,1]"}
	}
	if cfg.AutoRetirementThreshold < 0 || cfg.AutoRetirementThreshold > 1 {
		return RegisterResult{Error: "autoRetirementThreshold must be within [0,1]"}
	}

	parsed := bt.Parse(dsl, r.leafFactory)
	if !parsed.Valid {
		return RegisterResult{Error: strings.Join(parsed.Errors, "; ")}
	}

	id := name + "@" + version
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.options[id]; exists {
		return RegisterResult{Error: "option_exists"}
	}
	r.options[id] = &Option{
		ID:           id,
		BTDsl:        dsl,
		Compiled:     parsed.Compiled,
		Provenance:   prov,
		ShadowConfig: cfg,
		State:        StateShadow,
	}
	return RegisterResult{OK: true, ID: id}
}

func (r *Registry) GetOption(id string) *Option {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.options[id]
}

// RecordShadowRun increments an option's counters and evaluates promotion
func (r *Registry) RecordShadowRun(id string, success bool, nowMs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	opt, ok := r.options[id]
	if !ok {
		return fmt.Errorf("unknown option: %s", id)
	}
	opt.Stats.TotalRuns++
	if success {
		opt.Stats.Successes++
	} else {
		opt.Stats.Failures++
	}
	opt.Stats.LastRunMs = nowMs
	opt.Stats.HasLastRun = true

	r.maybePromote(opt)
	return nil
}

func (r *Registry) maybePromote(opt *Option) {
	if opt.State != StateShadow {
		return
	}
	if opt.Stats.TotalRuns >= opt.ShadowConfig.MaxShadowRuns &&
		opt.Stats.SuccessRate() >= opt.ShadowConfig.PromotionThreshold {
		opt.State = StateActive
	}
}

// GetShadowStats returns a copy of the option's shadow stats.
func (r *Registry) GetShadowStats(id string) (ShadowStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	opt, ok := r.options[id]
	if !ok {
		return ShadowStats{}, false
	}
	return opt.Stats, true
}

// SetQuota installs a token-bucket quota for an option.
func (r *Registry) SetQuota(id string, limit int, windowMs int64, nowMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quotas[id] = &Quota{Limit: limit, WindowMs: windowMs, Tokens: limit, WindowStart: nowMs}
}

// CheckQuota consumes one token if available, refilling the window when
// now >= windowStart + windowMs.
// Options with no configured quota are always allowed.
func (r *Registry) CheckQuota(id string, nowMs int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quotas[id]
	if !ok {
		return true
	}
	if nowMs >= q.WindowStart+q.WindowMs {
		q.WindowStart = nowMs
		q.Tokens = q.Limit
	}
	if q.Tokens <= 0 {
		return false
	}
	q.Tokens--
	return true
}

// RetirementResult is the outcome of evaluateRetirement.
type RetirementResult struct {
	ShouldRetire bool
	TotalRuns    int
	Reason       string
}

// EvaluateRetirement checks whether an active/shadow option should be
// auto-retired: totalRuns >= MinRunsBeforeRetirement AND successRate <=
// autoRetirementThreshold AND the grace period has elapsed since the
// condition was first observed.
func (r *Registry) EvaluateRetirement(id string, nowMs int64) RetirementResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	opt, ok := r.options[id]
	if !ok {
		return RetirementResult{}
	}
	if opt.State == StateRetired {
		return RetirementResult{TotalRuns: opt.Stats.TotalRuns}
	}

	eligible := opt.Stats.TotalRuns >= r.MinRunsBeforeRetirement &&
		opt.Stats.SuccessRate() <= opt.ShadowConfig.AutoRetirementThreshold

	if !eligible {
		opt.retiredAtFirstEligibleMs = 0
		return RetirementResult{TotalRuns: opt.Stats.TotalRuns}
	}
	if opt.retiredAtFirstEligibleMs == 0 {
		opt.retiredAtFirstEligibleMs = nowMs
	}
	if nowMs-opt.retiredAtFirstEligibleMs < r.RetirementGraceMs {
		return RetirementResult{TotalRuns: opt.Stats.TotalRuns}
	}

	opt.State = StateRetired
	return RetirementResult{
		ShouldRetire: true,
		TotalRuns:    opt.Stats.TotalRuns,
		Reason:       fmt.Sprintf("success rate %.2f <= auto-retirement threshold %.2f over %d runs", opt.Stats.SuccessRate(), opt.ShadowConfig.AutoRetirementThreshold, opt.Stats.TotalRuns),
	}
}

func NewOptionID() string { return ulid.Make().String() }
