// Package engine implements the authoritative session engine: per-session
// player and orb state, the movement/encounter pipeline, orb spawning and
// consumption, and the session lifecycle.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/AttilaZsamboki/cineio/internal/domain"
	"github.com/AttilaZsamboki/cineio/internal/kafka"
	"github.com/AttilaZsamboki/cineio/internal/protocol"
)

// Conn is one client connection as seen by the engine. Send must not block
// the caller; the websocket client buffers and drops on overflow.
type Conn interface {
	ID() string
	Send(event protocol.Event)
	Close() error
}

// Store is the persistence surface. Updates are field-scoped: each method
// writes exactly the changed fields of the affected record.
type Store interface {
	CreateSession(ctx context.Context, rec domain.SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error)
	ListActiveSessions(ctx context.Context) ([]domain.SessionRecord, error)
	ActivateSession(ctx context.Context, sessionID string, startedAt time.Time) error
	EndSession(ctx context.Context, sessionID string, winner *domain.Winner, endedAt time.Time) error

	UpsertPlayer(ctx context.Context, sessionID string, p *domain.Player) error
	GetSessionPlayers(ctx context.Context, sessionID string) ([]domain.Player, error)
	UpdatePlayerPosition(ctx context.Context, sessionID, userID string, x, y float64) error
	UpdatePlayerAlive(ctx context.Context, sessionID, userID string, alive bool) error
	ApplyEncounter(ctx context.Context, sessionID string, winner, loser domain.EncounterOutcome) error

	InsertOrb(ctx context.Context, sessionID string, orb domain.Orb) error
	GetSessionOrbs(ctx context.Context, sessionID string) ([]domain.Orb, error)
	ConsumeOrb(ctx context.Context, sessionID, orbID, userID string, newPoints, newSize int) error
	DeleteSessionOrbs(ctx context.Context, sessionID string) error

	RecordSessionResult(ctx context.Context, userID string, points, absorptions, absorbed, ratingValue int, survival time.Duration) error
	GetUserRating(ctx context.Context, userID string) (int, error)
}

// Profiles is the user-profile collaborator.
type Profiles interface {
	SeenSet(ctx context.Context, userID string) (domain.SeenSet, error)
	ComparisonSet(ctx context.Context, userID string) ([]domain.Movie, error)
	DuelSample(ctx context.Context, userID string, size int, now time.Time) ([]domain.Movie, error)
}

// Limiter provides the short-lived coordination keys: winner cooldowns and
// failure-notice rate limits.
type Limiter interface {
	AcquireWinnerCooldown(ctx context.Context, sessionID, userID string, ttl time.Duration) (bool, error)
	AllowOrbFailNotice(ctx context.Context, sessionID, userID, orbID string, ttl time.Duration) (bool, error)
}

// Publisher emits the engine's event stream for external consumers.
type Publisher interface {
	Publish(event kafka.GameEvent)
}

// session is the in-memory authority for one session.
type session struct {
	mu  sync.Mutex
	rec domain.SessionRecord
	// players keyed by user id; the record outlives disconnects.
	players map[string]*domain.Player
	orbs    map[string]*domain.Orb
	conns   map[string]Conn

	spawnStop chan struct{}
	spawnOnce sync.Once
}

// Engine exposes the session operations {join, move, leave, end} and owns
// the per-session background spawners plus the lifecycle sweep.
type Engine struct {
	defaults domain.Settings
	store    Store
	profiles Profiles
	limits   Limiter
	events   Publisher
	registry *Registry
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session

	// now is swappable for tests.
	now func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates the engine. events may be nil when Kafka is disabled.
func New(defaults domain.Settings, store Store, profiles Profiles, limits Limiter, events Publisher, registry *Registry, logger *slog.Logger) *Engine {
	return &Engine{
		defaults: defaults,
		store:    store,
		profiles: profiles,
		limits:   limits,
		events:   events,
		registry: registry,
		logger:   logger,
		sessions: make(map[string]*session),
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Registry returns the connection registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

func (e *Engine) publish(event kafka.GameEvent) {
	if e.events != nil {
		e.events.Publish(event)
	}
}

// CreateSession provisions a new session in waiting state. Zero-valued
// override fields fall back to the engine defaults.
func (e *Engine) CreateSession(ctx context.Context, sessionID string, overrides domain.Settings) (*domain.SessionRecord, error) {
	if sessionID == "" {
		return nil, domain.ErrInvalidSession
	}
	settings := overrides
	if settings.WorldWidth == 0 {
		settings.WorldWidth = e.defaults.WorldWidth
	}
	if settings.WorldHeight == 0 {
		settings.WorldHeight = e.defaults.WorldHeight
	}
	if settings.DurationDays == 0 {
		settings.DurationDays = e.defaults.DurationDays
	}
	settings.ApplyDefaults()

	rec := domain.SessionRecord{
		ID:        sessionID,
		Status:    domain.SessionWaiting,
		Settings:  settings,
		CreatedAt: e.now(),
	}
	if err := e.store.CreateSession(ctx, rec); err != nil {
		return nil, err
	}
	e.logger.Info("session created", "session_id", sessionID, "duration_days", settings.DurationDays)
	return &rec, nil
}

// GetSession returns the persisted session record.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	return e.store.GetSession(ctx, sessionID)
}

// SessionState is a read snapshot of one session: record, standings and
// the current orb pool.
type SessionState struct {
	Session domain.SessionRecord `json:"session"`
	Players []domain.PublicState `json:"players"`
	Orbs    []domain.Orb         `json:"orbs"`
}

// State snapshots a session for read-side consumers. The in-memory session
// is the authority when loaded; otherwise the persisted state is returned
// as-is.
func (e *Engine) State(ctx context.Context, sessionID string) (*SessionState, error) {
	e.mu.RLock()
	s, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if ok {
		s.mu.Lock()
		state := &SessionState{
			Session: s.rec,
			Players: s.publicPlayersLocked(),
			Orbs:    s.orbSnapshotLocked(),
		}
		s.mu.Unlock()
		return state, nil
	}

	rec, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	players, err := e.store.GetSessionPlayers(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	orbs, err := e.store.GetSessionOrbs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	state := &SessionState{Session: *rec, Orbs: orbs}
	sort.Slice(players, func(i, j int) bool { return players[i].UserID < players[j].UserID })
	for _, p := range players {
		state.Players = append(state.Players, p.Public())
	}
	return state, nil
}

// getOrLoad returns the in-memory session, loading it from the store on
// first touch (recovery after restart).
func (e *Engine) getOrLoad(ctx context.Context, sessionID string) (*session, error) {
	e.mu.RLock()
	s, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if ok {
		return s, nil
	}

	rec, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.Status == domain.SessionEnded {
		return nil, domain.ErrSessionEnded
	}

	players, err := e.store.GetSessionPlayers(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session players: %w", err)
	}
	orbs, err := e.store.GetSessionOrbs(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session orbs: %w", err)
	}

	loaded := &session{
		rec:       *rec,
		players:   make(map[string]*domain.Player, len(players)),
		orbs:      make(map[string]*domain.Orb, len(orbs)),
		conns:     make(map[string]Conn),
		spawnStop: make(chan struct{}),
	}
	for i := range players {
		p := players[i]
		// Nobody is connected after a load.
		p.ConnID = ""
		p.Alive = false
		loaded.players[p.UserID] = &p
	}
	for i := range orbs {
		o := orbs[i]
		loaded.orbs[o.ID] = &o
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.sessions[sessionID]; ok {
		return existing, nil
	}
	e.sessions[sessionID] = loaded
	e.logger.Info("session loaded", "session_id", sessionID,
		"players", len(loaded.players), "orbs", len(loaded.orbs))
	return loaded, nil
}

// Join registers a connection into a session, spawning or reviving the
// player record.
func (e *Engine) Join(ctx context.Context, conn Conn, sessionID, userID, displayName string) error {
	s, err := e.getOrLoad(ctx, sessionID)
	if err != nil {
		return err
	}
	now := e.now()

	// Lazy expiry check before admitting anyone.
	if e.maybeExpire(ctx, s, now) {
		return domain.ErrSessionEnded
	}

	s.mu.Lock()
	if s.rec.Status == domain.SessionEnded {
		s.mu.Unlock()
		return domain.ErrSessionEnded
	}

	p, rejoin := s.players[userID]
	var replaced Conn
	if rejoin {
		// Rejoin reuses the record: refresh the connection reference,
		// keep the position. Any previous transport for this user is
		// superseded and must stop driving the player.
		if old, ok := s.conns[userID]; ok && old.ID() != conn.ID() {
			replaced = old
		}
		p.ConnID = conn.ID()
		p.Alive = true
		p.DisplayName = displayName
	} else {
		x, y := e.spawnPosition(s)
		p = &domain.Player{
			UserID:      userID,
			DisplayName: displayName,
			ConnID:      conn.ID(),
			Alive:       true,
			X:           x,
			Y:           y,
			Size:        s.rec.Settings.StartSize,
			Rating:      e.loadRating(ctx, userID),
			JoinedAt:    now,
		}
		s.players[userID] = p
	}
	p.SpawnProtectedUntil = now.Add(s.rec.Settings.SpawnProtection)
	p.LastActive = now

	activated := false
	if s.rec.Status == domain.SessionWaiting {
		s.rec.Status = domain.SessionActive
		s.rec.StartedAt = now
		activated = true
	}
	s.conns[userID] = conn

	joined := protocol.Joined{
		You:         p.Public(),
		WorldWidth:  s.rec.Settings.WorldWidth,
		WorldHeight: s.rec.Settings.WorldHeight,
		Settings:    s.rec.Settings,
		Players:     s.publicPlayersLocked(),
		Orbs:        s.orbSnapshotLocked(),
	}
	public := p.Public()
	s.mu.Unlock()

	if err := e.store.UpsertPlayer(ctx, sessionID, p); err != nil {
		e.logger.Error("failed to persist player join", "session_id", sessionID, "user_id", userID, "error", err)
	}
	if activated {
		if err := e.store.ActivateSession(ctx, sessionID, now); err != nil {
			e.logger.Error("failed to persist session activation", "session_id", sessionID, "error", err)
		}
	}

	if replaced != nil {
		e.registry.Unregister(replaced.ID())
		if err := replaced.Close(); err != nil {
			e.logger.Debug("failed to close replaced connection",
				"conn_id", replaced.ID(), "user_id", userID, "error", err)
		}
	}
	e.registry.Register(conn.ID(), sessionID, userID)

	conn.Send(protocol.NewEvent(protocol.EventJoined, joined))
	e.broadcast(s, protocol.NewEvent(protocol.EventPeerJoined, public), userID)

	e.startSpawner(ctx, s)

	e.logger.Info("player joined", "session_id", sessionID, "user_id", userID, "rejoin", rejoin)
	return nil
}

// loadRating returns the user's persisted rating or the configured start.
func (e *Engine) loadRating(ctx context.Context, userID string) int {
	value, err := e.store.GetUserRating(ctx, userID)
	if err != nil {
		e.logger.Warn("failed to load rating", "user_id", userID, "error", err)
	}
	if value == 0 {
		return e.defaults.EloStart
	}
	return value
}

// spawnPosition rejection-samples a coordinate keeping the new player at
// least the safety distance from every connected player, falling back to a
// fully random spot when the attempt budget runs out. Caller holds s.mu.
func (e *Engine) spawnPosition(s *session) (float64, float64) {
	st := s.rec.Settings
	for attempt := 0; attempt < st.SpawnAttempts; attempt++ {
		x := rand.Float64() * st.WorldWidth
		y := rand.Float64() * st.WorldHeight
		safe := true
		for _, other := range s.players {
			if !other.Connected() {
				continue
			}
			if dist(x, y, other.X, other.Y) < st.SpawnSafeDistance {
				safe = false
				break
			}
		}
		if safe {
			return x, y
		}
	}
	return rand.Float64() * st.WorldWidth, rand.Float64() * st.WorldHeight
}

// Leave tears down a connection: the binding goes away and the player record
// is marked not alive but kept for rejoin and final statistics. A dropped
// connection routes through the same path.
func (e *Engine) Leave(ctx context.Context, connID string) {
	sessionID, userID, ok := e.registry.Unregister(connID)
	if !ok {
		return
	}

	e.mu.RLock()
	s, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	s.mu.Lock()
	p, ok := s.players[userID]
	if ok && p.ConnID == connID {
		p.ConnID = ""
		p.Alive = false
		delete(s.conns, userID)
	} else {
		// A newer connection already replaced this one.
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	if err := e.store.UpdatePlayerAlive(ctx, sessionID, userID, false); err != nil {
		e.logger.Warn("failed to persist leave", "session_id", sessionID, "user_id", userID, "error", err)
	}

	e.broadcast(s, protocol.NewEvent(protocol.EventPeerLeft, protocol.PeerLeft{
		UserID: userID,
		ConnID: connID,
	}), userID)

	e.logger.Info("player left", "session_id", sessionID, "user_id", userID)
}

// broadcast sends an event to every connected player except the listed ones.
func (e *Engine) broadcast(s *session, event protocol.Event, except ...string) {
	s.mu.Lock()
	conns := make([]Conn, 0, len(s.conns))
	for userID, conn := range s.conns {
		skip := false
		for _, ex := range except {
			if userID == ex {
				skip = true
				break
			}
		}
		if !skip {
			conns = append(conns, conn)
		}
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Send(event)
	}
}

// sendTo delivers an event to one player if connected.
func (e *Engine) sendTo(s *session, userID string, event protocol.Event) {
	s.mu.Lock()
	conn, ok := s.conns[userID]
	s.mu.Unlock()
	if ok {
		conn.Send(event)
	}
}

// publicPlayersLocked snapshots player public state. Caller holds s.mu.
func (s *session) publicPlayersLocked() []domain.PublicState {
	out := make([]domain.PublicState, 0, len(s.players))
	for _, id := range s.scanOrderLocked() {
		out = append(out, s.players[id].Public())
	}
	return out
}

// orbSnapshotLocked snapshots the orb pool. Caller holds s.mu.
func (s *session) orbSnapshotLocked() []domain.Orb {
	out := make([]domain.Orb, 0, len(s.orbs))
	for _, o := range s.orbs {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// scanOrderLocked is the session-list order used for encounter candidate
// scans and tie-breaks: sorted user id, fixed and testable. Caller holds
// s.mu.
func (s *session) scanOrderLocked() []string {
	ids := make([]string, 0, len(s.players))
	for id := range s.players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func dist(x1, y1, x2, y2 float64) float64 {
	dx := x1 - x2
	dy := y1 - y2
	return math.Sqrt(dx*dx + dy*dy)
}
