package bt

import (
	"fmt"
	"sync"

	"github.com/kilroy-control/plane/internal/leaf"
)

// Predicate evaluates a named condition's params against the live leaf
// context. Concrete predicates (line-of-sight, inventory-has, time-of-day)
// are bindings to the external world and are registered by the process,
// not the core.
type Predicate func(params map[string]any, ctx leaf.Context) (bool, error)

// ConditionRegistry is a process-wide table of named predicates keyed by
// condition name.
type ConditionRegistry struct {
	mu         sync.RWMutex
	predicates map[string]Predicate
}

func NewConditionRegistry() *ConditionRegistry {
	return &ConditionRegistry{predicates: map[string]Predicate{}}
}

func (r *ConditionRegistry) Register(name string, p Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.predicates == nil {
		r.predicates = map[string]Predicate{}
	}
	r.predicates[name] = p
}

// Evaluate implements ConditionEvaluator.
func (r *ConditionRegistry) Evaluate(c *Condition, ctx leaf.Context) (bool, error) {
	if c == nil {
		return true, nil
	}
	r.mu.RLock()
	p, ok := r.predicates[c.Name]
	r.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("unknown condition: %s", c.Name)
	}
	return p(c.Params, ctx)
}
