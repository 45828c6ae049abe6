package domain

import "time"

// Player is a connected user's in-session avatar. Owned exclusively by one
// session; at most one record per (session, user) pair. Rejoining refreshes
// ConnID instead of duplicating the record.
type Player struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`

	// ConnID is the ephemeral connection reference. Empty means
	// disconnected but not removed; the record persists for rejoin and
	// final statistics.
	ConnID string `json:"-"`
	Alive  bool   `json:"alive"`

	X float64 `json:"x"`
	Y float64 `json:"y"`

	Size   int `json:"size"`
	Points int `json:"points"`
	Rating int `json:"rating"`

	Absorptions   int `json:"absorptions"`
	AbsorbedCount int `json:"absorbed_count"`

	SpawnProtectedUntil time.Time `json:"spawn_protected_until"`
	BattleHaltUntil     time.Time `json:"battle_halt_until"`
	BattleCooldownUntil time.Time `json:"battle_cooldown_until"`
	LastActive          time.Time `json:"-"`

	JoinedAt time.Time `json:"-"`
}

// SpawnProtected reports whether the player is still inside the immunity
// window.
func (p *Player) SpawnProtected(now time.Time) bool {
	return now.Before(p.SpawnProtectedUntil)
}

// Halted reports whether movement commands are currently ignored.
func (p *Player) Halted(now time.Time) bool {
	return now.Before(p.BattleHaltUntil)
}

// OnCooldown reports whether the player is inside the post-encounter grace
// period.
func (p *Player) OnCooldown(now time.Time) bool {
	return now.Before(p.BattleCooldownUntil)
}

// Connected reports whether the player has a live connection.
func (p *Player) Connected() bool {
	return p.Alive && p.ConnID != ""
}

// Radius is half the player's circle diameter; Size is the diameter.
func (p *Player) Radius() float64 {
	return float64(p.Size) / 2
}

// EncounterOutcome carries the changed fields of one encounter participant,
// persisted field-scoped rather than as a whole-record rewrite.
type EncounterOutcome struct {
	UserID      string
	Points      int
	Size        int
	Absorptions int
	Absorbed    int
	Rating      int
}

// PublicState is the broadcastable view of a player.
type PublicState struct {
	UserID        string  `json:"user_id"`
	DisplayName   string  `json:"display_name"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	Size          int     `json:"size"`
	Points        int     `json:"points"`
	Absorptions   int     `json:"absorptions"`
	AbsorbedCount int     `json:"absorbed_count"`
	Alive         bool    `json:"alive"`
}

// Public returns the broadcastable view.
func (p *Player) Public() PublicState {
	return PublicState{
		UserID:        p.UserID,
		DisplayName:   p.DisplayName,
		X:             p.X,
		Y:             p.Y,
		Size:          p.Size,
		Points:        p.Points,
		Absorptions:   p.Absorptions,
		AbsorbedCount: p.AbsorbedCount,
		Alive:         p.Alive,
	}
}
