package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AttilaZsamboki/cineio/internal/config"
	"github.com/AttilaZsamboki/cineio/internal/domain"
)

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool returns the underlying connection pool
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(64) PRIMARY KEY,
			status VARCHAR(16) NOT NULL DEFAULT 'waiting',
			settings JSONB NOT NULL,
			winner JSONB,
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS session_players (
			session_id VARCHAR(64) NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			user_id VARCHAR(64) NOT NULL,
			display_name VARCHAR(255) NOT NULL,
			x DOUBLE PRECISION NOT NULL DEFAULT 0,
			y DOUBLE PRECISION NOT NULL DEFAULT 0,
			size INT NOT NULL,
			points INT NOT NULL DEFAULT 0,
			rating INT NOT NULL,
			absorptions INT NOT NULL DEFAULT 0,
			absorbed_count INT NOT NULL DEFAULT 0,
			alive BOOLEAN NOT NULL DEFAULT TRUE,
			joined_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS session_orbs (
			session_id VARCHAR(64) NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			orb_id VARCHAR(64) NOT NULL,
			kind VARCHAR(16) NOT NULL,
			x DOUBLE PRECISION NOT NULL,
			y DOUBLE PRECISION NOT NULL,
			points INT NOT NULL,
			radius DOUBLE PRECISION NOT NULL,
			required JSONB NOT NULL,
			spawned_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, orb_id)
		)`,
		`CREATE TABLE IF NOT EXISTS user_movies (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			title VARCHAR(512) NOT NULL,
			year INT NOT NULL,
			director VARCHAR(255),
			url VARCHAR(1024),
			stars INT NOT NULL DEFAULT 0,
			watched_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS user_stats (
			user_id VARCHAR(64) PRIMARY KEY,
			games_played INT NOT NULL DEFAULT 0,
			total_points BIGINT NOT NULL DEFAULT 0,
			absorptions INT NOT NULL DEFAULT 0,
			absorbed INT NOT NULL DEFAULT 0,
			rating INT NOT NULL DEFAULT 1000,
			longest_survival_seconds BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_user_movies_user ON user_movies(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_user_movies_stars ON user_movies(user_id, stars)`,
		`CREATE INDEX IF NOT EXISTS idx_user_stats_points ON user_stats(total_points DESC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// CreateSession stores a new session record
func (r *Repository) CreateSession(ctx context.Context, rec domain.SessionRecord) error {
	settingsJSON, err := json.Marshal(rec.Settings)
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}

	query := `
		INSERT INTO sessions (id, status, settings, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`
	result, err := r.pool.Exec(ctx, query, rec.ID, string(rec.Status), settingsJSON, time.Now())
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrSessionExists
	}
	return nil
}

// GetSession retrieves a session record by ID
func (r *Repository) GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	query := `
		SELECT id, status, settings, winner, started_at, ended_at, created_at
		FROM sessions
		WHERE id = $1
	`
	var (
		rec          domain.SessionRecord
		settingsJSON []byte
		winnerJSON   []byte
		startedAt    *time.Time
		endedAt      *time.Time
	)
	err := r.pool.QueryRow(ctx, query, sessionID).Scan(
		&rec.ID, &rec.Status, &settingsJSON, &winnerJSON, &startedAt, &endedAt, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("getting session: %w", err)
	}
	if err := json.Unmarshal(settingsJSON, &rec.Settings); err != nil {
		return nil, fmt.Errorf("unmarshaling settings: %w", err)
	}
	if winnerJSON != nil {
		if err := json.Unmarshal(winnerJSON, &rec.Winner); err != nil {
			return nil, fmt.Errorf("unmarshaling winner: %w", err)
		}
	}
	if startedAt != nil {
		rec.StartedAt = *startedAt
	}
	if endedAt != nil {
		rec.EndedAt = *endedAt
	}
	return &rec, nil
}

// ListActiveSessions retrieves all sessions still in waiting or active state
func (r *Repository) ListActiveSessions(ctx context.Context) ([]domain.SessionRecord, error) {
	query := `
		SELECT id, status, settings, started_at, created_at
		FROM sessions
		WHERE status IN ('waiting', 'active')
		ORDER BY created_at
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing active sessions: %w", err)
	}
	defer rows.Close()

	var recs []domain.SessionRecord
	for rows.Next() {
		var (
			rec          domain.SessionRecord
			settingsJSON []byte
			startedAt    *time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.Status, &settingsJSON, &startedAt, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		if err := json.Unmarshal(settingsJSON, &rec.Settings); err != nil {
			return nil, fmt.Errorf("unmarshaling settings: %w", err)
		}
		if startedAt != nil {
			rec.StartedAt = *startedAt
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// ActivateSession flips a waiting session to active and stamps its start
func (r *Repository) ActivateSession(ctx context.Context, sessionID string, startedAt time.Time) error {
	query := `
		UPDATE sessions SET status = 'active', started_at = $2
		WHERE id = $1 AND status = 'waiting'
	`
	_, err := r.pool.Exec(ctx, query, sessionID, startedAt)
	if err != nil {
		return fmt.Errorf("activating session: %w", err)
	}
	return nil
}

// EndSession marks a session ended and records the winner summary
func (r *Repository) EndSession(ctx context.Context, sessionID string, winner *domain.Winner, endedAt time.Time) error {
	var winnerJSON []byte
	if winner != nil {
		var err error
		winnerJSON, err = json.Marshal(winner)
		if err != nil {
			return fmt.Errorf("marshaling winner: %w", err)
		}
	}
	query := `
		UPDATE sessions SET status = 'ended', winner = $2, ended_at = $3
		WHERE id = $1 AND status <> 'ended'
	`
	_, err := r.pool.Exec(ctx, query, sessionID, winnerJSON, endedAt)
	if err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	return nil
}

// UpsertPlayer creates or refreshes the (session, user) player record
func (r *Repository) UpsertPlayer(ctx context.Context, sessionID string, p *domain.Player) error {
	query := `
		INSERT INTO session_players
			(session_id, user_id, display_name, x, y, size, points, rating, absorptions, absorbed_count, alive, joined_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, $11, $11)
		ON CONFLICT (session_id, user_id)
		DO UPDATE SET display_name = $3, alive = TRUE, updated_at = $11
	`
	_, err := r.pool.Exec(ctx, query,
		sessionID, p.UserID, p.DisplayName, p.X, p.Y, p.Size, p.Points, p.Rating,
		p.Absorptions, p.AbsorbedCount, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upserting player: %w", err)
	}
	return nil
}

// GetSessionPlayers loads all player records of a session
func (r *Repository) GetSessionPlayers(ctx context.Context, sessionID string) ([]domain.Player, error) {
	query := `
		SELECT user_id, display_name, x, y, size, points, rating, absorptions, absorbed_count, alive, joined_at
		FROM session_players
		WHERE session_id = $1
		ORDER BY user_id
	`
	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("getting session players: %w", err)
	}
	defer rows.Close()

	var players []domain.Player
	for rows.Next() {
		var p domain.Player
		if err := rows.Scan(
			&p.UserID, &p.DisplayName, &p.X, &p.Y, &p.Size, &p.Points, &p.Rating,
			&p.Absorptions, &p.AbsorbedCount, &p.Alive, &p.JoinedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning player: %w", err)
		}
		players = append(players, p)
	}
	return players, nil
}

// UpdatePlayerPosition persists just the position delta of one player
func (r *Repository) UpdatePlayerPosition(ctx context.Context, sessionID, userID string, x, y float64) error {
	query := `
		UPDATE session_players SET x = $3, y = $4, updated_at = $5
		WHERE session_id = $1 AND user_id = $2
	`
	result, err := r.pool.Exec(ctx, query, sessionID, userID, x, y, time.Now())
	if err != nil {
		return fmt.Errorf("updating player position: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrPlayerNotFound
	}
	return nil
}

// UpdatePlayerAlive persists just the alive flag of one player
func (r *Repository) UpdatePlayerAlive(ctx context.Context, sessionID, userID string, alive bool) error {
	query := `
		UPDATE session_players SET alive = $3, updated_at = $4
		WHERE session_id = $1 AND user_id = $2
	`
	result, err := r.pool.Exec(ctx, query, sessionID, userID, alive, time.Now())
	if err != nil {
		return fmt.Errorf("updating player alive: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrPlayerNotFound
	}
	return nil
}

// ApplyEncounter persists the changed fields of both participants in one
// transaction so a crash between the two updates cannot split the outcome.
func (r *Repository) ApplyEncounter(ctx context.Context, sessionID string, winner, loser domain.EncounterOutcome) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning encounter tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE session_players
		SET points = $3, size = $4, absorptions = $5, absorbed_count = $6, rating = $7, updated_at = $8
		WHERE session_id = $1 AND user_id = $2
	`
	now := time.Now()
	for _, o := range []domain.EncounterOutcome{winner, loser} {
		result, err := tx.Exec(ctx, query,
			sessionID, o.UserID, o.Points, o.Size, o.Absorptions, o.Absorbed, o.Rating, now,
		)
		if err != nil {
			return fmt.Errorf("applying encounter outcome: %w", err)
		}
		if result.RowsAffected() == 0 {
			return domain.ErrPlayerNotFound
		}
	}

	return tx.Commit(ctx)
}

// InsertOrb stores a spawned orb
func (r *Repository) InsertOrb(ctx context.Context, sessionID string, orb domain.Orb) error {
	requiredJSON, err := json.Marshal(orb.Required)
	if err != nil {
		return fmt.Errorf("marshaling orb requirement: %w", err)
	}
	query := `
		INSERT INTO session_orbs (session_id, orb_id, kind, x, y, points, radius, required, spawned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.pool.Exec(ctx, query,
		sessionID, orb.ID, string(orb.Kind), orb.X, orb.Y, orb.Points, orb.Radius, requiredJSON, orb.SpawnedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting orb: %w", err)
	}
	return nil
}

// GetSessionOrbs loads the orb pool of a session
func (r *Repository) GetSessionOrbs(ctx context.Context, sessionID string) ([]domain.Orb, error) {
	query := `
		SELECT orb_id, kind, x, y, points, radius, required, spawned_at
		FROM session_orbs
		WHERE session_id = $1
		ORDER BY spawned_at
	`
	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("getting session orbs: %w", err)
	}
	defer rows.Close()

	var orbs []domain.Orb
	for rows.Next() {
		var (
			orb          domain.Orb
			requiredJSON []byte
		)
		if err := rows.Scan(&orb.ID, &orb.Kind, &orb.X, &orb.Y, &orb.Points, &orb.Radius, &requiredJSON, &orb.SpawnedAt); err != nil {
			return nil, fmt.Errorf("scanning orb: %w", err)
		}
		if err := json.Unmarshal(requiredJSON, &orb.Required); err != nil {
			return nil, fmt.Errorf("unmarshaling orb requirement: %w", err)
		}
		orbs = append(orbs, orb)
	}
	return orbs, nil
}

// ConsumeOrb removes the orb and credits the consumer in one transaction.
// The DELETE's row count is the single-credit guard: a concurrent duplicate
// attempt finds zero rows and gets ErrOrbNotFound, never a second credit.
func (r *Repository) ConsumeOrb(ctx context.Context, sessionID, orbID, userID string, newPoints, newSize int) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning consume tx: %w", err)
	}
	defer tx.Rollback(ctx)

	del, err := tx.Exec(ctx, `DELETE FROM session_orbs WHERE session_id = $1 AND orb_id = $2`, sessionID, orbID)
	if err != nil {
		return fmt.Errorf("deleting orb: %w", err)
	}
	if del.RowsAffected() == 0 {
		return domain.ErrOrbNotFound
	}

	upd, err := tx.Exec(ctx, `
		UPDATE session_players SET points = $3, size = $4, updated_at = $5
		WHERE session_id = $1 AND user_id = $2
	`, sessionID, userID, newPoints, newSize, time.Now())
	if err != nil {
		return fmt.Errorf("crediting consumer: %w", err)
	}
	if upd.RowsAffected() == 0 {
		return domain.ErrPlayerNotFound
	}

	return tx.Commit(ctx)
}

// DeleteSessionOrbs clears the pool, used when a session ends
func (r *Repository) DeleteSessionOrbs(ctx context.Context, sessionID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM session_orbs WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting session orbs: %w", err)
	}
	return nil
}

// SeenMovies returns a user's cumulative seen set: everything watched plus
// every five-star title.
func (r *Repository) SeenMovies(ctx context.Context, userID string) ([]domain.Movie, error) {
	query := `
		SELECT title, year, COALESCE(director, ''), COALESCE(url, '')
		FROM user_movies
		WHERE user_id = $1
	`
	return r.queryMovies(ctx, query, userID)
}

// ComparisonMovies returns a user's designated comparison set: the full
// five-star list.
func (r *Repository) ComparisonMovies(ctx context.Context, userID string) ([]domain.Movie, error) {
	query := `
		SELECT title, year, COALESCE(director, ''), COALESCE(url, '')
		FROM user_movies
		WHERE user_id = $1 AND stars = 5
		ORDER BY id
	`
	return r.queryMovies(ctx, query, userID)
}

func (r *Repository) queryMovies(ctx context.Context, query string, args ...any) ([]domain.Movie, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying movies: %w", err)
	}
	defer rows.Close()

	var movies []domain.Movie
	for rows.Next() {
		var m domain.Movie
		if err := rows.Scan(&m.Title, &m.Year, &m.Director, &m.URL); err != nil {
			return nil, fmt.Errorf("scanning movie: %w", err)
		}
		movies = append(movies, m)
	}
	return movies, nil
}

// RecordSessionResult upserts one player's cross-session aggregates at
// session end.
func (r *Repository) RecordSessionResult(ctx context.Context, userID string, points, absorptions, absorbed, ratingValue int, survival time.Duration) error {
	query := `
		INSERT INTO user_stats (user_id, games_played, total_points, absorptions, absorbed, rating, longest_survival_seconds, updated_at)
		VALUES ($1, 1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id)
		DO UPDATE SET
			games_played = user_stats.games_played + 1,
			total_points = user_stats.total_points + $2,
			absorptions = user_stats.absorptions + $3,
			absorbed = user_stats.absorbed + $4,
			rating = $5,
			longest_survival_seconds = GREATEST(user_stats.longest_survival_seconds, $6),
			updated_at = $7
	`
	_, err := r.pool.Exec(ctx, query,
		userID, points, absorptions, absorbed, ratingValue, int64(survival.Seconds()), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("recording session result: %w", err)
	}
	return nil
}

// GetUserRating returns the user's persisted rating, or 0 when unknown
func (r *Repository) GetUserRating(ctx context.Context, userID string) (int, error) {
	var value int
	err := r.pool.QueryRow(ctx, `SELECT rating FROM user_stats WHERE user_id = $1`, userID).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("getting user rating: %w", err)
	}
	return value, nil
}

// GetUserStats returns a user's cross-session aggregate
func (r *Repository) GetUserStats(ctx context.Context, userID string) (*domain.UserStats, error) {
	query := `
		SELECT user_id, games_played, total_points, absorptions, absorbed, rating, longest_survival_seconds
		FROM user_stats
		WHERE user_id = $1
	`
	var (
		stats           domain.UserStats
		survivalSeconds int64
	)
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&stats.UserID, &stats.GamesPlayed, &stats.TotalPoints,
		&stats.Absorptions, &stats.Absorbed, &stats.Rating, &survivalSeconds,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPlayerNotFound
		}
		return nil, fmt.Errorf("getting user stats: %w", err)
	}
	stats.LongestSurvival = time.Duration(survivalSeconds) * time.Second
	return &stats, nil
}

// Leaderboard returns the global total-points ranking
func (r *Repository) Leaderboard(ctx context.Context, limit int) ([]domain.UserStats, error) {
	query := `
		SELECT user_id, games_played, total_points, absorptions, absorbed, rating, longest_survival_seconds
		FROM user_stats
		ORDER BY total_points DESC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []domain.UserStats
	for rows.Next() {
		var (
			stats           domain.UserStats
			survivalSeconds int64
		)
		if err := rows.Scan(
			&stats.UserID, &stats.GamesPlayed, &stats.TotalPoints,
			&stats.Absorptions, &stats.Absorbed, &stats.Rating, &survivalSeconds,
		); err != nil {
			return nil, fmt.Errorf("scanning leaderboard entry: %w", err)
		}
		stats.LongestSurvival = time.Duration(survivalSeconds) * time.Second
		entries = append(entries, stats)
	}
	return entries, nil
}
