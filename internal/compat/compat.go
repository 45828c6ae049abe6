// Package compat implements the knowledge-compatibility oracle: whether one
// player's cumulative seen set covers another player's comparison set.
package compat

import "github.com/AttilaZsamboki/cineio/internal/domain"

// CanSatisfy reports whether every entry in the target's comparison set
// matches an entry in the observer's seen set. Deterministic, no side
// effects; the two directions of an encounter are evaluated independently.
func CanSatisfy(observer domain.SeenSet, comparison []domain.Movie) bool {
	for _, m := range comparison {
		if !observer.Contains(m) {
			return false
		}
	}
	return true
}

// Missing returns the comparison entries not covered by the observer's seen
// set, in comparison-set order. Used only for user-facing feedback.
func Missing(observer domain.SeenSet, comparison []domain.Movie) []domain.Movie {
	var out []domain.Movie
	for _, m := range comparison {
		if !observer.Contains(m) {
			out = append(out, m)
		}
	}
	return out
}

// MissingTitles is Missing truncated to limit and reduced to display titles.
func MissingTitles(observer domain.SeenSet, comparison []domain.Movie, limit int) []string {
	missing := Missing(observer, comparison)
	if limit > 0 && len(missing) > limit {
		missing = missing[:limit]
	}
	titles := make([]string, len(missing))
	for i, m := range missing {
		titles[i] = m.Title
	}
	return titles
}
