package domain

import "time"

// OrbKind determines an orb's point value, radius and requirement size.
type OrbKind string

const (
	OrbSingle OrbKind = "single"
	OrbBundle OrbKind = "bundle"
	OrbList   OrbKind = "list"
	OrbBoss   OrbKind = "boss"
)

// OrbSpec holds the fixed per-kind parameters.
type OrbSpec struct {
	Points int
	Radius float64
	// Weight in the spawn draw; single is the common case, boss the
	// rarest.
	Weight int
	// MinTitles/MaxTitles bound the requirement sample size.
	MinTitles int
	MaxTitles int
}

// OrbSpecs is the fixed kind table.
var OrbSpecs = map[OrbKind]OrbSpec{
	OrbSingle: {Points: 10, Radius: 14, Weight: 60, MinTitles: 1, MaxTitles: 1},
	OrbBundle: {Points: 40, Radius: 20, Weight: 25, MinTitles: 3, MaxTitles: 5},
	OrbList:   {Points: 120, Radius: 28, Weight: 12, MinTitles: 8, MaxTitles: 12},
	OrbBoss:   {Points: 300, Radius: 36, Weight: 3, MinTitles: 1, MaxTitles: 1},
}

// Orb is a consumable world object gating a point reward behind a
// "seen all of these titles" requirement. Position is fixed at spawn.
type Orb struct {
	ID        string    `json:"id"`
	Kind      OrbKind   `json:"kind"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Points    int       `json:"points"`
	Radius    float64   `json:"radius"`
	Required  []Movie   `json:"required"`
	SpawnedAt time.Time `json:"spawned_at"`
}
