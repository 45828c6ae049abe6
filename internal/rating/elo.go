// Package rating implements the paired-comparison rating update applied to
// both participants of a resolved encounter.
package rating

import "math"

// Outcome is the actual result from one participant's perspective.
type Outcome float64

const (
	Win  Outcome = 1
	Loss Outcome = 0
)

// Expected returns the expected score of self against opponent.
func Expected(self, opponent int) float64 {
	return 1 / (1 + math.Pow(10, float64(opponent-self)/400))
}

// Update returns self's new rating after a result against opponent. Both
// participants must be updated from each other's pre-update rating. The
// result is clamped to floor.
func Update(self, opponent int, outcome Outcome, k, floor int) int {
	next := self + int(math.Round(float64(k)*(float64(outcome)-Expected(self, opponent))))
	if next < floor {
		next = floor
	}
	return next
}
