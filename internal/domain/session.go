package domain

import "time"

// SessionStatus is the lifecycle state. Transitions only move forward:
// waiting -> active -> ended.
type SessionStatus string

const (
	SessionWaiting SessionStatus = "waiting"
	SessionActive  SessionStatus = "active"
	SessionEnded   SessionStatus = "ended"
)

// Settings carries every numeric policy the engine applies. A session stores
// its own copy so per-session overrides survive restarts.
type Settings struct {
	WorldWidth  float64 `yaml:"world_width" json:"world_width"`
	WorldHeight float64 `yaml:"world_height" json:"world_height"`

	StartSize int `yaml:"start_size" json:"start_size"`
	MinSize   int `yaml:"min_size" json:"min_size"`

	SpawnProtection time.Duration `yaml:"spawn_protection" json:"spawn_protection"`
	BattleHalt      time.Duration `yaml:"battle_halt" json:"battle_halt"`
	BattleCooldown  time.Duration `yaml:"battle_cooldown" json:"battle_cooldown"`
	// WinnerCooldown is keyed by (user, session) and limits how fast one
	// player can chain absorptions across different opponents.
	WinnerCooldown time.Duration `yaml:"winner_cooldown" json:"winner_cooldown"`

	WinPoints  int `yaml:"win_points" json:"win_points"`
	LossPoints int `yaml:"loss_points" json:"loss_points"`
	// GrowthFraction of WinPoints is added to the winner's size;
	// ShrinkFraction of LossPoints is removed from the loser's size.
	GrowthFraction float64 `yaml:"growth_fraction" json:"growth_fraction"`
	ShrinkFraction float64 `yaml:"shrink_fraction" json:"shrink_fraction"`

	OrbInterval time.Duration `yaml:"orb_interval" json:"orb_interval"`
	OrbCap      int           `yaml:"orb_cap" json:"orb_cap"`
	OrbFloor    int           `yaml:"orb_floor" json:"orb_floor"`
	// OrbCheckInterval throttles the per-player orb-consumption check
	// independently of movement event rate.
	OrbCheckInterval time.Duration `yaml:"orb_check_interval" json:"orb_check_interval"`
	// OrbFailNotice rate-limits the per (player, orb) requirement-unmet
	// notice.
	OrbFailNotice time.Duration `yaml:"orb_fail_notice" json:"orb_fail_notice"`
	// OrbSizeFraction of an orb's points is added to the consumer's size.
	OrbSizeFraction float64 `yaml:"orb_size_fraction" json:"orb_size_fraction"`

	SpawnSafeDistance float64 `yaml:"spawn_safe_distance" json:"spawn_safe_distance"`
	SpawnAttempts     int     `yaml:"spawn_attempts" json:"spawn_attempts"`

	MissingListLimit int `yaml:"missing_list_limit" json:"missing_list_limit"`

	SeenCacheTTL time.Duration `yaml:"seen_cache_ttl" json:"seen_cache_ttl"`

	DurationDays  int           `yaml:"duration_days" json:"duration_days"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`

	EloK     int `yaml:"elo_k" json:"elo_k"`
	EloFloor int `yaml:"elo_floor" json:"elo_floor"`
	// EloStart is the rating assigned to a player with no history.
	EloStart int `yaml:"elo_start" json:"elo_start"`

	// DuelSampleSize is the size of the rotating comparison sample used
	// when an encounter resolves into the optional quiz duel.
	DuelSampleSize int `yaml:"duel_sample_size" json:"duel_sample_size"`
}

// ApplyDefaults fills zero-valued fields.
func (s *Settings) ApplyDefaults() {
	if s.WorldWidth == 0 {
		s.WorldWidth = 2000
	}
	if s.WorldHeight == 0 {
		s.WorldHeight = 2000
	}
	if s.StartSize == 0 {
		s.StartSize = 20
	}
	if s.MinSize == 0 {
		s.MinSize = 10
	}
	if s.SpawnProtection == 0 {
		s.SpawnProtection = 10 * time.Second
	}
	if s.BattleHalt == 0 {
		s.BattleHalt = 3 * time.Second
	}
	if s.BattleCooldown == 0 {
		s.BattleCooldown = 30 * time.Second
	}
	if s.WinnerCooldown == 0 {
		s.WinnerCooldown = 60 * time.Second
	}
	if s.WinPoints == 0 {
		s.WinPoints = 100
	}
	if s.LossPoints == 0 {
		s.LossPoints = 40
	}
	if s.GrowthFraction == 0 {
		s.GrowthFraction = 0.1
	}
	if s.ShrinkFraction == 0 {
		s.ShrinkFraction = 0.05
	}
	if s.OrbInterval == 0 {
		s.OrbInterval = 20 * time.Second
	}
	if s.OrbCap == 0 {
		s.OrbCap = 30
	}
	if s.OrbFloor == 0 {
		s.OrbFloor = 10
	}
	if s.OrbCheckInterval == 0 {
		s.OrbCheckInterval = 200 * time.Millisecond
	}
	if s.OrbFailNotice == 0 {
		s.OrbFailNotice = 5 * time.Second
	}
	if s.OrbSizeFraction == 0 {
		s.OrbSizeFraction = 0.1
	}
	if s.SpawnSafeDistance == 0 {
		s.SpawnSafeDistance = 200
	}
	if s.SpawnAttempts == 0 {
		s.SpawnAttempts = 20
	}
	if s.MissingListLimit == 0 {
		s.MissingListLimit = 5
	}
	if s.SeenCacheTTL == 0 {
		s.SeenCacheTTL = 10 * time.Second
	}
	if s.DurationDays == 0 {
		s.DurationDays = 7
	}
	if s.SweepInterval == 0 {
		s.SweepInterval = 1 * time.Minute
	}
	if s.EloK == 0 {
		s.EloK = 32
	}
	if s.EloFloor == 0 {
		s.EloFloor = 100
	}
	if s.EloStart == 0 {
		s.EloStart = 1000
	}
	if s.DuelSampleSize == 0 {
		s.DuelSampleSize = 10
	}
}

// DefaultSettings returns a Settings with every default applied.
func DefaultSettings() Settings {
	var s Settings
	s.ApplyDefaults()
	return s
}

// Duration returns the session's wall-clock lifetime budget.
func (s *Settings) Duration() time.Duration {
	return time.Duration(s.DurationDays) * 24 * time.Hour
}

// Winner summarizes the session outcome, set once at end.
type Winner struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Size        int    `json:"size"`
	Absorptions int    `json:"absorptions"`
}

// SessionRecord is the persisted shape of a session.
type SessionRecord struct {
	ID        string        `json:"id"`
	Status    SessionStatus `json:"status"`
	Settings  Settings      `json:"settings"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	EndedAt   time.Time     `json:"ended_at,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	Winner    *Winner       `json:"winner,omitempty"`
}

// CreateSessionRequest is the API payload for provisioning a session.
// Zero-valued settings fields fall back to server defaults.
type CreateSessionRequest struct {
	SessionID string   `json:"session_id"`
	Settings  Settings `json:"settings"`
}

// Expired reports whether an active session's time budget has elapsed.
func (r *SessionRecord) Expired(now time.Time) bool {
	if r.Status != SessionActive || r.StartedAt.IsZero() {
		return false
	}
	return now.Sub(r.StartedAt) > r.Settings.Duration()
}

// UserStats is the cross-session per-user aggregate.
type UserStats struct {
	UserID          string        `json:"user_id"`
	GamesPlayed     int           `json:"games_played"`
	TotalPoints     int           `json:"total_points"`
	Absorptions     int           `json:"absorptions"`
	Absorbed        int           `json:"absorbed"`
	Rating          int           `json:"rating"`
	LongestSurvival time.Duration `json:"longest_survival"`
}
