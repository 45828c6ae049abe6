package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/AttilaZsamboki/cineio/internal/compat"
	"github.com/AttilaZsamboki/cineio/internal/domain"
	"github.com/AttilaZsamboki/cineio/internal/kafka"
	"github.com/AttilaZsamboki/cineio/internal/protocol"
)

// orbKindOrder fixes the iteration order of the weighted draw.
var orbKindOrder = []domain.OrbKind{domain.OrbSingle, domain.OrbBundle, domain.OrbList, domain.OrbBoss}

// orbScan checks the mover's current position against the orb pool. Bounded
// to the configured rate per player and guarded against overlapping checks;
// at most one orb is consumed per movement tick.
func (e *Engine) orbScan(ctx context.Context, s *session, sessionID, userID string) {
	s.mu.Lock()
	st := s.rec.Settings
	s.mu.Unlock()

	now := e.now()
	if !e.registry.AllowOrbCheck(sessionID, userID, st.OrbCheckInterval, now) {
		return
	}
	if !e.registry.BeginOrbCheck(sessionID, userID) {
		return
	}
	defer e.registry.EndOrbCheck(sessionID, userID)

	s.mu.Lock()
	p, ok := s.players[userID]
	if !ok || !p.Alive {
		s.mu.Unlock()
		return
	}
	var target *domain.Orb
	for _, orb := range s.orbSnapshotLocked() {
		if dist(p.X, p.Y, orb.X, orb.Y) <= p.Radius()+orb.Radius {
			o := orb
			target = &o
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return
	}

	seen, err := e.profiles.SeenSet(ctx, userID)
	if err != nil {
		e.logger.Warn("failed to load seen set for orb check", "user_id", userID, "error", err)
		return
	}

	if !compat.CanSatisfy(seen, target.Required) {
		allowed, err := e.limits.AllowOrbFailNotice(ctx, sessionID, userID, target.ID, st.OrbFailNotice)
		if err != nil {
			e.logger.Warn("orb notice rate limit failed", "user_id", userID, "error", err)
			return
		}
		if allowed {
			e.sendTo(s, userID, protocol.NewEvent(protocol.EventOrbFailed, protocol.OrbFailed{
				Orb:           *target,
				MissingTitles: compat.MissingTitles(seen, target.Required, st.MissingListLimit),
			}))
		}
		return
	}

	e.consumeOrb(ctx, s, sessionID, userID, target.ID)
}

// consumeOrb performs the atomic consume-and-credit transition. The orb
// leaves the in-memory pool before the persistence call so a concurrent
// duplicate event cannot see it; the persisted DELETE's row count is the
// cross-process guard.
func (e *Engine) consumeOrb(ctx context.Context, s *session, sessionID, userID, orbID string) {
	s.mu.Lock()
	orb, ok := s.orbs[orbID]
	p := s.players[userID]
	if !ok || p == nil {
		s.mu.Unlock()
		return
	}
	st := s.rec.Settings
	taken := *orb
	delete(s.orbs, orbID)
	newPoints := p.Points + taken.Points
	newSize := p.Size + int(float64(taken.Points)*st.OrbSizeFraction)
	s.mu.Unlock()

	if err := e.store.ConsumeOrb(ctx, sessionID, orbID, userID, newPoints, newSize); err != nil {
		if !errors.Is(err, domain.ErrOrbNotFound) {
			// Put the orb back; the event is dropped and the next
			// movement tick retries.
			s.mu.Lock()
			s.orbs[orbID] = &taken
			s.mu.Unlock()
			e.logger.Error("failed to persist orb consumption", "session_id", sessionID,
				"user_id", userID, "orb_id", orbID, "error", err)
		}
		return
	}

	s.mu.Lock()
	p.Points = newPoints
	p.Size = newSize
	s.mu.Unlock()

	e.broadcast(s, protocol.NewEvent(protocol.EventOrbRemoved, protocol.OrbRemoved{OrbID: orbID}), userID)
	e.sendTo(s, userID, protocol.NewEvent(protocol.EventOrbConsumed, protocol.OrbConsumed{
		Orb:       taken,
		NewPoints: newPoints,
		NewSize:   newSize,
	}))

	e.publish(kafka.GameEvent{
		Type:      kafka.EventOrbConsumed,
		SessionID: sessionID,
		UserID:    userID,
		Data:      protocol.OrbConsumed{Orb: taken, NewPoints: newPoints, NewSize: newSize},
	})
}

// startSpawner launches the per-session orb spawn task exactly once. The
// pool is pre-seeded to the floor count in one batch before the ticker takes
// over; the task stops when the session ends.
func (e *Engine) startSpawner(ctx context.Context, s *session) {
	s.spawnOnce.Do(func() {
		s.mu.Lock()
		sessionID := s.rec.ID
		st := s.rec.Settings
		missing := st.OrbFloor - len(s.orbs)
		s.mu.Unlock()

		for i := 0; i < missing; i++ {
			e.spawnOrb(ctx, s, sessionID)
		}

		go func() {
			ticker := time.NewTicker(st.OrbInterval)
			defer ticker.Stop()
			for {
				select {
				case <-e.stopCh:
					return
				case <-s.spawnStop:
					return
				case <-ticker.C:
					e.spawnOrb(context.Background(), s, sessionID)
				}
			}
		}()
		e.logger.Info("orb spawner started", "session_id", sessionID, "interval", st.OrbInterval)
	})
}

// spawnOrb adds one orb unless the pool is at capacity or no connected
// player contributes any comparison-relevant titles.
func (e *Engine) spawnOrb(ctx context.Context, s *session, sessionID string) {
	s.mu.Lock()
	st := s.rec.Settings
	if s.rec.Status == domain.SessionEnded || len(s.orbs) >= st.OrbCap {
		s.mu.Unlock()
		return
	}
	connected := make([]string, 0, len(s.conns))
	for userID := range s.conns {
		connected = append(connected, userID)
	}
	s.mu.Unlock()

	if len(connected) == 0 {
		return
	}

	kind := e.drawOrbKind()
	required := e.assembleRequirement(ctx, kind, connected)
	if len(required) == 0 {
		return
	}

	spec := domain.OrbSpecs[kind]
	orb := domain.Orb{
		ID:        uuid.New().String(),
		Kind:      kind,
		X:         rand.Float64() * st.WorldWidth,
		Y:         rand.Float64() * st.WorldHeight,
		Points:    spec.Points,
		Radius:    spec.Radius,
		Required:  required,
		SpawnedAt: e.now(),
	}

	if err := e.store.InsertOrb(ctx, sessionID, orb); err != nil {
		e.logger.Error("failed to persist orb", "session_id", sessionID, "kind", kind, "error", err)
		return
	}

	s.mu.Lock()
	if s.rec.Status == domain.SessionEnded {
		// The end transition won the race; its orb cleanup may have
		// already run, so clear the row this insert just landed.
		s.mu.Unlock()
		if err := e.store.DeleteSessionOrbs(ctx, sessionID); err != nil {
			e.logger.Warn("failed to clear orb spawned during session end",
				"session_id", sessionID, "error", err)
		}
		return
	}
	o := orb
	s.orbs[orb.ID] = &o
	s.mu.Unlock()

	e.broadcast(s, protocol.NewEvent(protocol.EventOrbSpawned, orb))
}

// drawOrbKind picks a kind by weight; boss is the rarest, single the common
// case.
func (e *Engine) drawOrbKind() domain.OrbKind {
	total := 0
	for _, kind := range orbKindOrder {
		total += domain.OrbSpecs[kind].Weight
	}
	draw := rand.IntN(total)
	for _, kind := range orbKindOrder {
		draw -= domain.OrbSpecs[kind].Weight
		if draw < 0 {
			return kind
		}
	}
	return domain.OrbSingle
}

// assembleRequirement samples the required-movie list from the union of
// connected players' comparison sets, deduplicated by canonical key. Boss
// orbs get the single title the fewest current players have already seen.
func (e *Engine) assembleRequirement(ctx context.Context, kind domain.OrbKind, connected []string) []domain.Movie {
	var union []domain.Movie
	for _, userID := range connected {
		comp, err := e.profiles.ComparisonSet(ctx, userID)
		if err != nil {
			e.logger.Warn("failed to load comparison set for spawn", "user_id", userID, "error", err)
			continue
		}
		union = append(union, comp...)
	}
	union = domain.DedupeMovies(union)
	if len(union) == 0 {
		return nil
	}

	if kind == domain.OrbBoss {
		return []domain.Movie{e.rarestTitle(ctx, union, connected)}
	}

	spec := domain.OrbSpecs[kind]
	n := spec.MinTitles
	if spec.MaxTitles > spec.MinTitles {
		n += rand.IntN(spec.MaxTitles - spec.MinTitles + 1)
	}
	if n > len(union) {
		n = len(union)
	}
	rand.Shuffle(len(union), func(i, j int) {
		union[i], union[j] = union[j], union[i]
	})
	return union[:n]
}

// rarestTitle returns the union entry seen by the fewest connected players,
// minimizing overlap with what current players have already logged.
func (e *Engine) rarestTitle(ctx context.Context, union []domain.Movie, connected []string) domain.Movie {
	seenSets := make([]domain.SeenSet, 0, len(connected))
	for _, userID := range connected {
		seen, err := e.profiles.SeenSet(ctx, userID)
		if err != nil {
			continue
		}
		seenSets = append(seenSets, seen)
	}

	best := union[0]
	bestCount := len(seenSets) + 1
	for _, m := range union {
		count := 0
		for _, seen := range seenSets {
			if seen.Contains(m) {
				count++
			}
		}
		if count < bestCount {
			best = m
			bestCount = count
		}
	}
	return best
}
