package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/AttilaZsamboki/cineio/internal/domain"
	"github.com/AttilaZsamboki/cineio/internal/kafka"
	"github.com/AttilaZsamboki/cineio/internal/protocol"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []protocol.Event
	closed bool
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(event protocol.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) ofType(eventType string) []protocol.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Event
	for _, e := range f.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type sessionResult struct {
	userID      string
	points      int
	absorptions int
	absorbed    int
	rating      int
	survival    time.Duration
}

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]domain.SessionRecord
	players  map[string]map[string]domain.Player
	orbs     map[string]map[string]domain.Orb
	ratings  map[string]int
	results  []sessionResult

	encounters [][2]domain.EncounterOutcome

	insertOrbErr  error
	consumeOrbErr error
	positionErr   error

	// insertOrbHook runs before an insert lands, outside the store lock.
	insertOrbHook func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]domain.SessionRecord),
		players:  make(map[string]map[string]domain.Player),
		orbs:     make(map[string]map[string]domain.Orb),
		ratings:  make(map[string]int),
	}
}

func (f *fakeStore) CreateSession(_ context.Context, rec domain.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[rec.ID]; ok {
		return domain.ErrSessionExists
	}
	f.sessions[rec.ID] = rec
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, sessionID string) (*domain.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return &rec, nil
}

func (f *fakeStore) ListActiveSessions(_ context.Context) ([]domain.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.SessionRecord
	for _, rec := range f.sessions {
		if rec.Status == domain.SessionActive {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeStore) ActivateSession(_ context.Context, sessionID string, startedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.sessions[sessionID]
	rec.Status = domain.SessionActive
	rec.StartedAt = startedAt
	f.sessions[sessionID] = rec
	return nil
}

func (f *fakeStore) EndSession(_ context.Context, sessionID string, winner *domain.Winner, endedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.sessions[sessionID]
	rec.Status = domain.SessionEnded
	rec.EndedAt = endedAt
	rec.Winner = winner
	f.sessions[sessionID] = rec
	return nil
}

func (f *fakeStore) UpsertPlayer(_ context.Context, sessionID string, p *domain.Player) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.players[sessionID] == nil {
		f.players[sessionID] = make(map[string]domain.Player)
	}
	f.players[sessionID][p.UserID] = *p
	return nil
}

func (f *fakeStore) GetSessionPlayers(_ context.Context, sessionID string) ([]domain.Player, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Player
	for _, p := range f.players[sessionID] {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) UpdatePlayerPosition(_ context.Context, sessionID, userID string, x, y float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.positionErr != nil {
		return f.positionErr
	}
	if p, ok := f.players[sessionID][userID]; ok {
		p.X, p.Y = x, y
		f.players[sessionID][userID] = p
	}
	return nil
}

func (f *fakeStore) UpdatePlayerAlive(_ context.Context, sessionID, userID string, alive bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.players[sessionID][userID]; ok {
		p.Alive = alive
		f.players[sessionID][userID] = p
	}
	return nil
}

func (f *fakeStore) ApplyEncounter(_ context.Context, sessionID string, winner, loser domain.EncounterOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.encounters = append(f.encounters, [2]domain.EncounterOutcome{winner, loser})
	for _, out := range []domain.EncounterOutcome{winner, loser} {
		if p, ok := f.players[sessionID][out.UserID]; ok {
			p.Points = out.Points
			p.Size = out.Size
			p.Absorptions = out.Absorptions
			p.AbsorbedCount = out.Absorbed
			p.Rating = out.Rating
			f.players[sessionID][out.UserID] = p
		}
	}
	return nil
}

func (f *fakeStore) InsertOrb(_ context.Context, sessionID string, orb domain.Orb) error {
	f.mu.Lock()
	hook := f.insertOrbHook
	insertErr := f.insertOrbErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if insertErr != nil {
		return insertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orbs[sessionID] == nil {
		f.orbs[sessionID] = make(map[string]domain.Orb)
	}
	f.orbs[sessionID][orb.ID] = orb
	return nil
}

func (f *fakeStore) GetSessionOrbs(_ context.Context, sessionID string) ([]domain.Orb, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Orb
	for _, o := range f.orbs[sessionID] {
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeStore) ConsumeOrb(_ context.Context, sessionID, orbID, userID string, newPoints, newSize int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumeOrbErr != nil {
		return f.consumeOrbErr
	}
	if _, ok := f.orbs[sessionID][orbID]; !ok {
		return domain.ErrOrbNotFound
	}
	delete(f.orbs[sessionID], orbID)
	if p, ok := f.players[sessionID][userID]; ok {
		p.Points = newPoints
		p.Size = newSize
		f.players[sessionID][userID] = p
	}
	return nil
}

func (f *fakeStore) DeleteSessionOrbs(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.orbs, sessionID)
	return nil
}

func (f *fakeStore) RecordSessionResult(_ context.Context, userID string, points, absorptions, absorbed, ratingValue int, survival time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, sessionResult{
		userID:      userID,
		points:      points,
		absorptions: absorptions,
		absorbed:    absorbed,
		rating:      ratingValue,
		survival:    survival,
	})
	return nil
}

func (f *fakeStore) GetUserRating(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ratings[userID], nil
}

type fakeProfiles struct {
	mu   sync.Mutex
	seen map[string][]domain.Movie
	comp map[string][]domain.Movie
	err  error
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{
		seen: make(map[string][]domain.Movie),
		comp: make(map[string][]domain.Movie),
	}
}

func (f *fakeProfiles) SeenSet(_ context.Context, userID string) (domain.SeenSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return domain.NewSeenSet(f.seen[userID]), nil
}

func (f *fakeProfiles) ComparisonSet(_ context.Context, userID string) ([]domain.Movie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.comp[userID], nil
}

func (f *fakeProfiles) DuelSample(_ context.Context, userID string, size int, _ time.Time) ([]domain.Movie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.comp[userID]
	if len(list) > size {
		list = list[:size]
	}
	return list, nil
}

type fakeLimiter struct {
	mu            sync.Mutex
	winnerBlocked bool
	noticeBlocked bool
	winnerCalls   int
}

func (f *fakeLimiter) AcquireWinnerCooldown(_ context.Context, _, _ string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.winnerCalls++
	return !f.winnerBlocked, nil
}

func (f *fakeLimiter) AllowOrbFailNotice(_ context.Context, _, _, _ string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.noticeBlocked, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []kafka.GameEvent
}

func (f *fakePublisher) Publish(event kafka.GameEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakePublisher) ofType(eventType string) []kafka.GameEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []kafka.GameEvent
	for _, e := range f.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	engine   *Engine
	store    *fakeStore
	profiles *fakeProfiles
	limits   *fakeLimiter
	events   *fakePublisher
	clock    *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newFakeStore()
	// The spawner draws random orbs; tests place orbs explicitly instead.
	store.insertOrbErr = errors.New("orb spawn disabled")
	env := &testEnv{
		store:    store,
		profiles: newFakeProfiles(),
		limits:   &fakeLimiter{},
		events:   &fakePublisher{},
		clock:    &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.engine = New(domain.DefaultSettings(), env.store, env.profiles, env.limits, env.events, NewRegistry(), logger)
	env.engine.now = env.clock.Now
	return env
}

func (env *testEnv) createSession(t *testing.T, sessionID string) {
	t.Helper()
	if _, err := env.engine.CreateSession(context.Background(), sessionID, domain.Settings{}); err != nil {
		t.Fatalf("create session: %v", err)
	}
}

func (env *testEnv) join(t *testing.T, sessionID, userID string) *fakeConn {
	t.Helper()
	conn := &fakeConn{id: "conn-" + userID}
	if err := env.engine.Join(context.Background(), conn, sessionID, userID, "name-"+userID); err != nil {
		t.Fatalf("join %s: %v", userID, err)
	}
	return conn
}

// place pins a player's position directly so overlap scenarios are exact.
func (env *testEnv) place(t *testing.T, sessionID, userID string, x, y float64) {
	t.Helper()
	s := env.session(t, sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[userID]
	if !ok {
		t.Fatalf("player %s not in session %s", userID, sessionID)
	}
	p.X, p.Y = x, y
}

func (env *testEnv) session(t *testing.T, sessionID string) *session {
	t.Helper()
	env.engine.mu.RLock()
	defer env.engine.mu.RUnlock()
	s, ok := env.engine.sessions[sessionID]
	if !ok {
		t.Fatalf("session %s not loaded", sessionID)
	}
	return s
}

func (env *testEnv) player(t *testing.T, sessionID, userID string) domain.Player {
	t.Helper()
	s := env.session(t, sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[userID]
	if !ok {
		t.Fatalf("player %s not in session %s", userID, sessionID)
	}
	return *p
}

func TestJoinSpawnsPlayerAndActivatesSession(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, "s1")

	c1 := env.join(t, "s1", "u1")

	joinedEvents := c1.ofType(protocol.EventJoined)
	if len(joinedEvents) != 1 {
		t.Fatalf("got %d joined events, want 1", len(joinedEvents))
	}
	joined := joinedEvents[0].Data.(protocol.Joined)
	if joined.You.UserID != "u1" || joined.You.Size != 20 {
		t.Fatalf("unexpected joined payload: %+v", joined.You)
	}
	if joined.WorldWidth != 2000 || joined.WorldHeight != 2000 {
		t.Fatalf("world bounds missing: %v x %v", joined.WorldWidth, joined.WorldHeight)
	}

	rec, err := env.engine.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec.Status != domain.SessionActive {
		t.Fatalf("first join should activate, status = %s", rec.Status)
	}

	p := env.player(t, "s1", "u1")
	if !p.SpawnProtected(env.clock.Now()) {
		t.Fatalf("fresh spawn should be protected")
	}
	if p.Rating != 1000 {
		t.Fatalf("rating = %d, want start rating 1000", p.Rating)
	}
}

func TestJoinBroadcastsPeerJoined(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, "s1")

	c1 := env.join(t, "s1", "u1")
	env.join(t, "s1", "u2")

	peers := c1.ofType(protocol.EventPeerJoined)
	if len(peers) != 1 {
		t.Fatalf("got %d peer_joined events, want 1", len(peers))
	}
	if peers[0].Data.(domain.PublicState).UserID != "u2" {
		t.Fatalf("unexpected peer: %+v", peers[0].Data)
	}
}

func TestRejoinKeepsRecord(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, "s1")

	env.join(t, "s1", "u1")
	env.place(t, "s1", "u1", 700, 800)

	// Give the player some progress, then drop the connection.
	s := env.session(t, "s1")
	s.mu.Lock()
	s.players["u1"].Points = 150
	s.mu.Unlock()

	env.engine.Leave(context.Background(), "conn-u1")
	if env.player(t, "s1", "u1").Alive {
		t.Fatalf("player should be marked not alive after leave")
	}

	conn := &fakeConn{id: "conn-u1-second"}
	if err := env.engine.Join(context.Background(), conn, "s1", "u1", "name-u1"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	p := env.player(t, "s1", "u1")
	if !p.Alive || p.ConnID != "conn-u1-second" {
		t.Fatalf("rejoin did not revive the record: %+v", p)
	}
	if p.X != 700 || p.Y != 800 || p.Points != 150 {
		t.Fatalf("rejoin lost progress: pos=(%v,%v) points=%d", p.X, p.Y, p.Points)
	}
}

func TestLeaveBroadcastsAndKeepsRecord(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, "s1")

	env.join(t, "s1", "u1")
	c2 := env.join(t, "s1", "u2")

	env.engine.Leave(context.Background(), "conn-u1")

	left := c2.ofType(protocol.EventPeerLeft)
	if len(left) != 1 {
		t.Fatalf("got %d peer_left events, want 1", len(left))
	}
	if left[0].Data.(protocol.PeerLeft).UserID != "u1" {
		t.Fatalf("unexpected peer_left payload: %+v", left[0].Data)
	}

	// The record stays for rejoin and final statistics.
	if _, ok := env.session(t, "s1").players["u1"]; !ok {
		t.Fatalf("player record removed on leave")
	}
}

func TestRejoinSupersedesOldConnection(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, "s1")

	c1 := env.join(t, "s1", "u1")
	env.place(t, "s1", "u1", 700, 800)

	second := &fakeConn{id: "conn-u1-second"}
	if err := env.engine.Join(context.Background(), second, "s1", "u1", "name-u1"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	if !c1.isClosed() {
		t.Fatalf("replaced connection was not closed")
	}
	if _, _, ok := env.engine.registry.Lookup("conn-u1"); ok {
		t.Fatalf("replaced connection still bound in the registry")
	}

	// The stale transport must not drive the player, even if its binding
	// somehow survives.
	env.engine.registry.Register("conn-u1", "s1", "u1")
	env.engine.Move(context.Background(), "conn-u1", 900, 900)

	p := env.player(t, "s1", "u1")
	if p.X != 700 || p.Y != 800 {
		t.Fatalf("stale connection moved the player to (%v, %v)", p.X, p.Y)
	}

	env.engine.Move(context.Background(), "conn-u1-second", 900, 900)
	if p := env.player(t, "s1", "u1"); p.X != 900 || p.Y != 900 {
		t.Fatalf("replacement connection cannot move the player: (%v, %v)", p.X, p.Y)
	}
}

func TestStaleLeaveDoesNotKillNewConnection(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, "s1")

	env.join(t, "s1", "u1")
	second := &fakeConn{id: "conn-u1-second"}
	if err := env.engine.Join(context.Background(), second, "s1", "u1", "name-u1"); err != nil {
		t.Fatalf("second join: %v", err)
	}

	// The old transport reports its disconnect after the replacement
	// connection has taken over.
	env.engine.Leave(context.Background(), "conn-u1")

	p := env.player(t, "s1", "u1")
	if !p.Alive || p.ConnID != "conn-u1-second" {
		t.Fatalf("stale leave tore down the new connection: %+v", p)
	}
}

func TestJoinEndedSessionRejected(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, "s1")
	env.join(t, "s1", "u1")

	if err := env.engine.EndSession(context.Background(), "s1"); err != nil {
		t.Fatalf("end session: %v", err)
	}

	conn := &fakeConn{id: "conn-u2"}
	err := env.engine.Join(context.Background(), conn, "s1", "u2", "name-u2")
	if !errors.Is(err, domain.ErrSessionEnded) {
		t.Fatalf("join after end = %v, want ErrSessionEnded", err)
	}
}

func TestJoinUnknownSession(t *testing.T) {
	env := newTestEnv(t)

	conn := &fakeConn{id: "conn-u1"}
	err := env.engine.Join(context.Background(), conn, "missing", "u1", "name")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("join unknown session = %v, want ErrSessionNotFound", err)
	}
}

func TestCreateSessionDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, "s1")

	_, err := env.engine.CreateSession(context.Background(), "s1", domain.Settings{})
	if !errors.Is(err, domain.ErrSessionExists) {
		t.Fatalf("duplicate create = %v, want ErrSessionExists", err)
	}

	if _, err := env.engine.CreateSession(context.Background(), "", domain.Settings{}); !errors.Is(err, domain.ErrInvalidSession) {
		t.Fatalf("empty id = %v, want ErrInvalidSession", err)
	}
}

func TestSessionLoadedFromStoreMarksEveryoneDisconnected(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, "s1")
	env.join(t, "s1", "u1")

	// Simulate a restart: drop the in-memory session, keep the store.
	env.engine.mu.Lock()
	delete(env.engine.sessions, "s1")
	env.engine.mu.Unlock()

	// The next join reloads the session from the store.
	env.join(t, "s1", "u2")

	p := env.player(t, "s1", "u1")
	if p.Connected() {
		t.Fatalf("reloaded player should not carry a stale connection: %+v", p)
	}
	p2 := env.player(t, "s1", "u2")
	if !p2.Connected() {
		t.Fatalf("joining player should be connected")
	}
}
