// Package protocol defines the wire messages exchanged with clients. The
// engine emits Events; the transport serializes them. Inbound messages are
// limited to join, move and leave.
package protocol

import (
	"time"

	"github.com/AttilaZsamboki/cineio/internal/domain"
)

// Outbound event types
const (
	EventJoined            = "joined"
	EventPeerJoined        = "peer_joined"
	EventPeerMoved         = "peer_moved"
	EventPeerLeft          = "peer_left"
	EventEncounterStarted  = "encounter_started"
	EventEncounterStale    = "encounter_stalemate"
	EventEncounterResolved = "encounter_resolved"
	EventDuelOffered       = "duel_offered"
	EventYouLost           = "you_lost"
	EventOrbSpawned        = "orb_spawned"
	EventOrbConsumed       = "orb_consumed"
	EventOrbRemoved        = "orb_removed"
	EventOrbFailed         = "orb_consumption_failed"
	EventSessionEnded      = "session_ended"
	EventError             = "error"
)

// Inbound message types
const (
	MessageJoin  = "join"
	MessageMove  = "move"
	MessageLeave = "leave"
)

// Event is the outbound envelope.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an envelope.
func NewEvent(eventType string, data any) Event {
	return Event{Type: eventType, Data: data, Timestamp: time.Now()}
}

// ClientMessage is the inbound envelope.
type ClientMessage struct {
	Type        string  `json:"type"`
	SessionID   string  `json:"session_id,omitempty"`
	UserID      string  `json:"user_id,omitempty"`
	DisplayName string  `json:"display_name,omitempty"`
	X           float64 `json:"x,omitempty"`
	Y           float64 `json:"y,omitempty"`
}

// Joined is sent to a player on successful join: their own state, the world
// parameters and the current orb snapshot.
type Joined struct {
	You         domain.PublicState   `json:"you"`
	WorldWidth  float64              `json:"world_width"`
	WorldHeight float64              `json:"world_height"`
	Settings    domain.Settings      `json:"settings"`
	Players     []domain.PublicState `json:"players"`
	Orbs        []domain.Orb         `json:"orbs"`
}

// PeerMoved carries a position delta for one player.
type PeerMoved struct {
	UserID string  `json:"user_id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// PeerLeft announces a disconnect.
type PeerLeft struct {
	UserID string `json:"user_id"`
	ConnID string `json:"conn_id"`
}

// EncounterStarted tells a participant an encounter began so the client can
// suppress local movement prediction until HaltUntil.
type EncounterStarted struct {
	OpponentName string    `json:"opponent_name"`
	HaltUntil    time.Time `json:"halt_until"`
}

// EncounterStalemate carries the opponent's missing-title feedback when
// neither side can absorb the other.
type EncounterStalemate struct {
	OpponentName  string   `json:"opponent_name"`
	MissingTitles []string `json:"missing_titles"`
}

// EncounterResolved is broadcast to the whole session after a win.
type EncounterResolved struct {
	Winner domain.PublicState `json:"winner"`
	Loser  domain.PublicState `json:"loser"`
}

// DuelOffered is sent to both sides when each can absorb the other; the quiz
// duel itself runs outside this engine.
type DuelOffered struct {
	OpponentID   string `json:"opponent_id"`
	OpponentName string `json:"opponent_name"`
	SampleSize   int    `json:"sample_size"`
	// Sample is the rotating slice of the opponent's comparison set the
	// duel draws its questions from.
	Sample []domain.Movie `json:"sample,omitempty"`
}

// YouLost is the private notice to an absorbed player.
type YouLost struct {
	AbsorberName string `json:"absorber_name"`
	RatingDelta  int    `json:"rating_delta"`
}

// OrbConsumed confirms a credit to the consumer.
type OrbConsumed struct {
	Orb       domain.Orb `json:"orb"`
	NewPoints int        `json:"new_points"`
	NewSize   int        `json:"new_size"`
}

// OrbRemoved is broadcast when an orb leaves the pool.
type OrbRemoved struct {
	OrbID string `json:"orb_id"`
}

// OrbFailed reports an unmet requirement, rate-limited per (player, orb).
type OrbFailed struct {
	Orb           domain.Orb `json:"orb"`
	MissingTitles []string   `json:"missing_titles"`
}

// SessionEnded carries the final standings.
type SessionEnded struct {
	Winner    *domain.Winner       `json:"winner,omitempty"`
	Standings []domain.PublicState `json:"standings"`
}

// ErrorEvent surfaces a transport or session error to one connection.
type ErrorEvent struct {
	Message string `json:"message"`
}
