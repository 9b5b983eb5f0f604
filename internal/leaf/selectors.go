package leaf

import (
	"github.com/bmatcuk/doublestar/v4"
)

// MatchesPermission reports whether a dotted permission matches a glob
// pattern such as "container.*" or "*". Permission strings never contain
// a path separator, so a single "*" spans the whole name and "x.*"
// constrains the prefix.
func MatchesPermission(pattern string, p Permission) bool {
	ok, err := doublestar.Match(pattern, string(p))
	return err == nil && ok
}

// LeavesWithPermission returns every registered leaf holding at least one
// permission matching pattern, in ListLeaves order. Governance tooling
// uses this to audit, e.g., everything that can write containers.
func (r *Registry) LeavesWithPermission(pattern string) []*Leaf {
	var out []*Leaf
	for _, l := range r.ListLeaves() {
		for _, p := range l.Permissions {
			if MatchesPermission(pattern, p) {
				out = append(out, l)
				break
			}
		}
	}
	return out
}
