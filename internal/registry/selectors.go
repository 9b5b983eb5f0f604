package registry

import (
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// OptionIDsMatching returns the IDs of registered options whose
// "name@version" ID matches a glob pattern, sorted. Quota and retirement
// policy is commonly written against families of options ("craft-*@*")
// rather than one ID at a time.
func (r *Registry) OptionIDsMatching(pattern string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id := range r.options {
		if ok, err := doublestar.Match(pattern, id); err == nil && ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// SetQuotaForPattern installs the same token-bucket quota on every option
// matching pattern and returns how many options were covered.
func (r *Registry) SetQuotaForPattern(pattern string, limit int, windowMs, nowMs int64) int {
	ids := r.OptionIDsMatching(pattern)
	for _, id := range ids {
		r.SetQuota(id, limit, windowMs, nowMs)
	}
	return len(ids)
}
