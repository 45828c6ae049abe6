package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AttilaZsamboki/cineio/internal/config"
	"github.com/AttilaZsamboki/cineio/internal/domain"
)

// ErrCacheMiss is returned when a cached value is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Cache provides Redis-backed caching and short-lived coordination keys for
// the session engine: the seen-set cache, winner cooldowns and notice rate
// limits.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewCache creates a new Redis cache
func NewCache(cfg *config.RedisConfig, logger *slog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Cache{
		client: client,
		logger: logger,
	}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Client returns the underlying Redis client
func (c *Cache) Client() *redis.Client {
	return c.client
}

// seenKey returns the Redis key for a user's cached seen set
func (c *Cache) seenKey(userID string) string {
	return fmt.Sprintf("user:%s:seen", userID)
}

// comparisonKey returns the Redis key for a user's cached comparison set
func (c *Cache) comparisonKey(userID string) string {
	return fmt.Sprintf("user:%s:comparison", userID)
}

// winnerCooldownKey returns the Redis key for the per (user, session) winner
// cooldown
func (c *Cache) winnerCooldownKey(sessionID, userID string) string {
	return fmt.Sprintf("session:%s:wincd:%s", sessionID, userID)
}

// orbNoticeKey returns the Redis key rate-limiting the per (player, orb)
// failure notice
func (c *Cache) orbNoticeKey(sessionID, userID, orbID string) string {
	return fmt.Sprintf("session:%s:orbfail:%s:%s", sessionID, userID, orbID)
}

// GetSeenMovies returns the cached seen-set movie list, or ErrCacheMiss
func (c *Cache) GetSeenMovies(ctx context.Context, userID string) ([]domain.Movie, error) {
	return c.getMovies(ctx, c.seenKey(userID))
}

// SetSeenMovies caches the seen-set movie list with the given TTL
func (c *Cache) SetSeenMovies(ctx context.Context, userID string, movies []domain.Movie, ttl time.Duration) error {
	return c.setMovies(ctx, c.seenKey(userID), movies, ttl)
}

// GetComparisonMovies returns the cached comparison list, or ErrCacheMiss
func (c *Cache) GetComparisonMovies(ctx context.Context, userID string) ([]domain.Movie, error) {
	return c.getMovies(ctx, c.comparisonKey(userID))
}

// SetComparisonMovies caches the comparison list with the given TTL
func (c *Cache) SetComparisonMovies(ctx context.Context, userID string, movies []domain.Movie, ttl time.Duration) error {
	return c.setMovies(ctx, c.comparisonKey(userID), movies, ttl)
}

// InvalidateUser drops both cached movie lists for a user, called when a
// library update arrives so imports are picked up promptly
func (c *Cache) InvalidateUser(ctx context.Context, userID string) error {
	pipe := c.client.Pipeline()
	pipe.Del(ctx, c.seenKey(userID))
	pipe.Del(ctx, c.comparisonKey(userID))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("invalidating user cache: %w", err)
	}
	return nil
}

func (c *Cache) getMovies(ctx context.Context, key string) ([]domain.Movie, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("getting cached movies: %w", err)
	}
	var movies []domain.Movie
	if err := json.Unmarshal(data, &movies); err != nil {
		return nil, fmt.Errorf("unmarshaling cached movies: %w", err)
	}
	return movies, nil
}

func (c *Cache) setMovies(ctx context.Context, key string, movies []domain.Movie, ttl time.Duration) error {
	data, err := json.Marshal(movies)
	if err != nil {
		return fmt.Errorf("marshaling movies: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("caching movies: %w", err)
	}
	return nil
}

// AcquireWinnerCooldown atomically claims the per (user, session) winner
// cooldown. Returns false while a previous claim is still live, which caps
// absorption chaining even across different opponents.
func (c *Cache) AcquireWinnerCooldown(ctx context.Context, sessionID, userID string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.winnerCooldownKey(sessionID, userID), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring winner cooldown: %w", err)
	}
	return ok, nil
}

// AllowOrbFailNotice reports whether a requirement-unmet notice may be sent
// for this (player, orb) pair, claiming the rate-limit slot when it is free
func (c *Cache) AllowOrbFailNotice(ctx context.Context, sessionID, userID, orbID string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.orbNoticeKey(sessionID, userID, orbID), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("rate limiting orb notice: %w", err)
	}
	return ok, nil
}
