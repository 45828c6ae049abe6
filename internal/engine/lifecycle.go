package engine

import (
	"context"
	"time"

	"github.com/AttilaZsamboki/cineio/internal/domain"
	"github.com/AttilaZsamboki/cineio/internal/kafka"
	"github.com/AttilaZsamboki/cineio/internal/protocol"
)

// maybeExpire ends the session if its wall-clock budget has elapsed.
// Returns true when the session is (now) ended. Sessions never end by
// player count; losers stay in the world.
func (e *Engine) maybeExpire(ctx context.Context, s *session, now time.Time) bool {
	s.mu.Lock()
	expired := s.rec.Expired(now)
	ended := s.rec.Status == domain.SessionEnded
	s.mu.Unlock()

	if ended {
		return true
	}
	if !expired {
		return false
	}
	e.endSession(ctx, s, now)
	return true
}

// EndSession force-ends a session regardless of remaining budget.
func (e *Engine) EndSession(ctx context.Context, sessionID string) error {
	s, err := e.getOrLoad(ctx, sessionID)
	if err != nil {
		return err
	}
	e.endSession(ctx, s, e.now())
	return nil
}

// endSession runs the ended transition once: winner selection, final stats,
// final standings broadcast, spawner shutdown and registry cleanup.
func (e *Engine) endSession(ctx context.Context, s *session, now time.Time) {
	s.mu.Lock()
	if s.rec.Status == domain.SessionEnded {
		s.mu.Unlock()
		return
	}
	s.rec.Status = domain.SessionEnded
	s.rec.EndedAt = now
	sessionID := s.rec.ID

	// Winner: the largest currently-connected player, ties broken by
	// session-list order.
	var winner *domain.Winner
	for _, id := range s.scanOrderLocked() {
		p := s.players[id]
		if !p.Connected() {
			continue
		}
		if winner == nil || p.Size > winner.Size {
			winner = &domain.Winner{
				UserID:      p.UserID,
				DisplayName: p.DisplayName,
				Size:        p.Size,
				Absorptions: p.Absorptions,
			}
		}
	}
	s.rec.Winner = winner

	standings := s.publicPlayersLocked()
	finals := make([]domain.Player, 0, len(s.players))
	for _, p := range s.players {
		finals = append(finals, *p)
	}
	close(s.spawnStop)
	s.mu.Unlock()

	if err := e.store.EndSession(ctx, sessionID, winner, now); err != nil {
		e.logger.Error("failed to persist session end", "session_id", sessionID, "error", err)
	}
	if err := e.store.DeleteSessionOrbs(ctx, sessionID); err != nil {
		e.logger.Warn("failed to clear session orbs", "session_id", sessionID, "error", err)
	}

	for _, p := range finals {
		survival := p.LastActive.Sub(p.JoinedAt)
		if p.Connected() {
			survival = now.Sub(p.JoinedAt)
		}
		if survival < 0 {
			survival = 0
		}
		if err := e.store.RecordSessionResult(ctx, p.UserID, p.Points, p.Absorptions, p.AbsorbedCount, p.Rating, survival); err != nil {
			e.logger.Warn("failed to record final stats", "session_id", sessionID, "user_id", p.UserID, "error", err)
		}
	}

	ended := protocol.SessionEnded{Winner: winner, Standings: standings}
	e.broadcast(s, protocol.NewEvent(protocol.EventSessionEnded, ended))
	e.publish(kafka.GameEvent{
		Type:      kafka.EventSessionEnded,
		SessionID: sessionID,
		Data:      ended,
		Timestamp: now,
	})

	e.registry.DropSession(sessionID)

	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()

	e.logger.Info("session ended", "session_id", sessionID,
		"winner", winnerID(winner), "players", len(finals))
}

func winnerID(w *domain.Winner) string {
	if w == nil {
		return ""
	}
	return w.UserID
}

// Run drives the periodic lifecycle sweep across all active sessions until
// the context is cancelled or Stop is called.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.defaults.SweepInterval)
	defer ticker.Stop()

	e.logger.Info("lifecycle sweep started", "interval", e.defaults.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

// Stop shuts down the sweep and every per-session spawner.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
	e.logger.Info("engine stopped")
}

// sweep expires loaded sessions and any persisted active session whose
// budget elapsed while nobody was touching it.
func (e *Engine) sweep(ctx context.Context) {
	now := e.now()

	e.mu.RLock()
	loaded := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		loaded = append(loaded, s)
	}
	e.mu.RUnlock()

	for _, s := range loaded {
		e.maybeExpire(ctx, s, now)
	}

	records, err := e.store.ListActiveSessions(ctx)
	if err != nil {
		e.logger.Error("failed to list active sessions for sweep", "error", err)
		return
	}
	for _, rec := range records {
		if !rec.Expired(now) {
			continue
		}
		s, err := e.getOrLoad(ctx, rec.ID)
		if err != nil {
			e.logger.Warn("failed to load expired session", "session_id", rec.ID, "error", err)
			continue
		}
		e.maybeExpire(ctx, s, now)
	}
}
