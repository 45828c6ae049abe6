package engine

import (
	"context"
	"time"

	"github.com/AttilaZsamboki/cineio/internal/compat"
	"github.com/AttilaZsamboki/cineio/internal/kafka"
	"github.com/AttilaZsamboki/cineio/internal/protocol"
	"github.com/AttilaZsamboki/cineio/internal/rating"

	"github.com/AttilaZsamboki/cineio/internal/domain"
)

// Move processes one movement event for the given connection. Unknown or
// superseded connections, dead players and halted players are ignored
// silently; routine
// overlaps blocked by protection or cooldown never surface as errors.
func (e *Engine) Move(ctx context.Context, connID string, x, y float64) {
	sessionID, userID, ok := e.registry.Lookup(connID)
	if !ok {
		return
	}

	e.mu.RLock()
	s, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	now := e.now()
	if e.maybeExpire(ctx, s, now) {
		return
	}

	s.mu.Lock()
	p, ok := s.players[userID]
	if !ok || !p.Alive || p.ConnID != connID || p.Halted(now) {
		s.mu.Unlock()
		return
	}
	st := s.rec.Settings
	x = clamp(x, 0, st.WorldWidth)
	y = clamp(y, 0, st.WorldHeight)
	s.mu.Unlock()

	// Persist just the position delta before mutating the authoritative
	// state; a failed write drops the event.
	if err := e.store.UpdatePlayerPosition(ctx, sessionID, userID, x, y); err != nil {
		e.logger.Warn("failed to persist position", "session_id", sessionID, "user_id", userID, "error", err)
		return
	}

	s.mu.Lock()
	p.X = x
	p.Y = y
	p.LastActive = now
	protected := p.SpawnProtected(now)
	s.mu.Unlock()

	if !protected {
		e.encounterScan(ctx, s, sessionID, userID, now)
	}

	e.orbScan(ctx, s, sessionID, userID)

	e.broadcast(s, protocol.NewEvent(protocol.EventPeerMoved, protocol.PeerMoved{
		UserID: userID,
		X:      x,
		Y:      y,
	}), userID)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// encounterScan looks for the first overlapping candidate in session-list
// order and resolves exactly one encounter per movement tick.
func (e *Engine) encounterScan(ctx context.Context, s *session, sessionID, moverID string, now time.Time) {
	s.mu.Lock()
	mover, ok := s.players[moverID]
	if !ok || mover.OnCooldown(now) || mover.Halted(now) || mover.SpawnProtected(now) {
		s.mu.Unlock()
		return
	}

	var opponent *domain.Player
	for _, id := range s.scanOrderLocked() {
		if id == moverID {
			continue
		}
		cand := s.players[id]
		if !cand.Connected() || cand.SpawnProtected(now) || cand.Halted(now) || cand.OnCooldown(now) {
			continue
		}
		if dist(mover.X, mover.Y, cand.X, cand.Y) <= (float64(mover.Size)+float64(cand.Size))/2 {
			opponent = cand
			break
		}
	}
	if opponent == nil {
		s.mu.Unlock()
		return
	}

	// Halting both immediately makes every concurrent event for either
	// participant a no-op while the outcome is being determined.
	st := s.rec.Settings
	haltUntil := now.Add(st.BattleHalt)
	mover.BattleHaltUntil = haltUntil
	opponent.BattleHaltUntil = haltUntil
	moverName := mover.DisplayName
	opponentName := opponent.DisplayName
	opponentID := opponent.UserID
	s.mu.Unlock()

	e.sendTo(s, moverID, protocol.NewEvent(protocol.EventEncounterStarted, protocol.EncounterStarted{
		OpponentName: opponentName,
		HaltUntil:    haltUntil,
	}))
	e.sendTo(s, opponentID, protocol.NewEvent(protocol.EventEncounterStarted, protocol.EncounterStarted{
		OpponentName: moverName,
		HaltUntil:    haltUntil,
	}))

	e.resolveEncounter(ctx, s, sessionID, moverID, opponentID, now)
}

// resolveEncounter evaluates compatibility both directions and applies one of
// the three outcomes: stalemate, duel offer, or a win.
func (e *Engine) resolveEncounter(ctx context.Context, s *session, sessionID, moverID, opponentID string, now time.Time) {
	moverSeen, err := e.profiles.SeenSet(ctx, moverID)
	if err != nil {
		e.logger.Warn("failed to load seen set", "user_id", moverID, "error", err)
		return
	}
	opponentSeen, err := e.profiles.SeenSet(ctx, opponentID)
	if err != nil {
		e.logger.Warn("failed to load seen set", "user_id", opponentID, "error", err)
		return
	}
	moverComp, err := e.profiles.ComparisonSet(ctx, moverID)
	if err != nil {
		e.logger.Warn("failed to load comparison set", "user_id", moverID, "error", err)
		return
	}
	opponentComp, err := e.profiles.ComparisonSet(ctx, opponentID)
	if err != nil {
		e.logger.Warn("failed to load comparison set", "user_id", opponentID, "error", err)
		return
	}

	moverWins := compat.CanSatisfy(moverSeen, opponentComp)
	opponentWins := compat.CanSatisfy(opponentSeen, moverComp)

	s.mu.Lock()
	st := s.rec.Settings
	mover := s.players[moverID]
	opponent := s.players[opponentID]
	if mover == nil || opponent == nil {
		s.mu.Unlock()
		return
	}
	cooldownUntil := now.Add(st.BattleCooldown)
	mover.BattleCooldownUntil = cooldownUntil
	opponent.BattleCooldownUntil = cooldownUntil
	moverName := mover.DisplayName
	opponentName := opponent.DisplayName
	s.mu.Unlock()

	switch {
	case !moverWins && !opponentWins:
		// Stalemate: each side learns what it is missing.
		e.sendTo(s, moverID, protocol.NewEvent(protocol.EventEncounterStale, protocol.EncounterStalemate{
			OpponentName:  opponentName,
			MissingTitles: compat.MissingTitles(moverSeen, opponentComp, st.MissingListLimit),
		}))
		e.sendTo(s, opponentID, protocol.NewEvent(protocol.EventEncounterStale, protocol.EncounterStalemate{
			OpponentName:  moverName,
			MissingTitles: compat.MissingTitles(opponentSeen, moverComp, st.MissingListLimit),
		}))

	case moverWins && opponentWins:
		// Duel-eligible: offer the quiz duel to both sides; the duel
		// subsystem takes it from here. Each side gets the rotating
		// sample of the opponent's comparison set. A failed sample
		// load degrades to an offer without one.
		opponentSample, err := e.profiles.DuelSample(ctx, opponentID, st.DuelSampleSize, now)
		if err != nil {
			e.logger.Warn("failed to load duel sample", "user_id", opponentID, "error", err)
		}
		moverSample, err := e.profiles.DuelSample(ctx, moverID, st.DuelSampleSize, now)
		if err != nil {
			e.logger.Warn("failed to load duel sample", "user_id", moverID, "error", err)
		}
		e.sendTo(s, moverID, protocol.NewEvent(protocol.EventDuelOffered, protocol.DuelOffered{
			OpponentID:   opponentID,
			OpponentName: opponentName,
			SampleSize:   st.DuelSampleSize,
			Sample:       opponentSample,
		}))
		e.sendTo(s, opponentID, protocol.NewEvent(protocol.EventDuelOffered, protocol.DuelOffered{
			OpponentID:   moverID,
			OpponentName: moverName,
			SampleSize:   st.DuelSampleSize,
			Sample:       moverSample,
		}))

	case moverWins:
		e.applyWin(ctx, s, sessionID, moverID, opponentID, now)

	default:
		e.applyWin(ctx, s, sessionID, opponentID, moverID, now)
	}

	e.maybeExpire(ctx, s, e.now())
}

// applyWin transfers points and size, updates ratings and counters, persists
// both participants atomically and broadcasts the outcome.
func (e *Engine) applyWin(ctx context.Context, s *session, sessionID, winnerID, loserID string, now time.Time) {
	s.mu.Lock()
	st := s.rec.Settings
	s.mu.Unlock()

	acquired, err := e.limits.AcquireWinnerCooldown(ctx, sessionID, winnerID, st.WinnerCooldown)
	if err != nil {
		e.logger.Warn("winner cooldown check failed", "session_id", sessionID, "user_id", winnerID, "error", err)
		return
	}
	if !acquired {
		// Chaining absorptions faster than the configured interval is
		// blocked; the battle cooldown already set keeps this quiet.
		return
	}

	s.mu.Lock()
	winner := s.players[winnerID]
	loser := s.players[loserID]
	if winner == nil || loser == nil {
		s.mu.Unlock()
		return
	}

	winnerOut := domain.EncounterOutcome{
		UserID:      winnerID,
		Points:      winner.Points + st.WinPoints,
		Size:        winner.Size + int(float64(st.WinPoints)*st.GrowthFraction),
		Absorptions: winner.Absorptions + 1,
		Absorbed:    winner.AbsorbedCount,
		Rating:      rating.Update(winner.Rating, loser.Rating, rating.Win, st.EloK, st.EloFloor),
	}
	loserOut := domain.EncounterOutcome{
		UserID:      loserID,
		Points:      maxInt(0, loser.Points-st.LossPoints),
		Size:        maxInt(st.MinSize, loser.Size-int(float64(st.LossPoints)*st.ShrinkFraction)),
		Absorptions: loser.Absorptions,
		Absorbed:    loser.AbsorbedCount + 1,
		Rating:      rating.Update(loser.Rating, winner.Rating, rating.Loss, st.EloK, st.EloFloor),
	}
	winnerOldRating := winner.Rating
	loserOldRating := loser.Rating
	winnerName := winner.DisplayName
	s.mu.Unlock()

	if err := e.store.ApplyEncounter(ctx, sessionID, winnerOut, loserOut); err != nil {
		e.logger.Error("failed to persist encounter", "session_id", sessionID,
			"winner", winnerID, "loser", loserID, "error", err)
		return
	}

	s.mu.Lock()
	winner.Points = winnerOut.Points
	winner.Size = winnerOut.Size
	winner.Absorptions = winnerOut.Absorptions
	winner.Rating = winnerOut.Rating
	loser.Points = loserOut.Points
	loser.Size = loserOut.Size
	loser.AbsorbedCount = loserOut.Absorbed
	loser.Rating = loserOut.Rating
	winnerPublic := winner.Public()
	loserPublic := loser.Public()
	s.mu.Unlock()

	resolved := protocol.EncounterResolved{Winner: winnerPublic, Loser: loserPublic}
	e.broadcast(s, protocol.NewEvent(protocol.EventEncounterResolved, resolved))
	e.sendTo(s, loserID, protocol.NewEvent(protocol.EventYouLost, protocol.YouLost{
		AbsorberName: winnerName,
		RatingDelta:  loserOut.Rating - loserOldRating,
	}))

	e.publish(kafka.GameEvent{
		Type:      kafka.EventEncounterResolved,
		SessionID: sessionID,
		UserID:    winnerID,
		Data:      resolved,
		Timestamp: now,
	})
	e.publish(kafka.GameEvent{
		Type:      kafka.EventRatingUpdate,
		SessionID: sessionID,
		UserID:    winnerID,
		Data: kafka.RatingUpdate{
			UserID:    winnerID,
			OldRating: winnerOldRating,
			NewRating: winnerOut.Rating,
			Won:       true,
		},
		Timestamp: now,
	})
	e.publish(kafka.GameEvent{
		Type:      kafka.EventRatingUpdate,
		SessionID: sessionID,
		UserID:    loserID,
		Data: kafka.RatingUpdate{
			UserID:    loserID,
			OldRating: loserOldRating,
			NewRating: loserOut.Rating,
			Won:       false,
		},
		Timestamp: now,
	})
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
