// Package profile exposes the user-profile collaborator the engine reads:
// cumulative seen sets and designated comparison sets, cached for a short TTL
// so every movement tick does not cost a persistence round-trip.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AttilaZsamboki/cineio/internal/domain"
	"github.com/AttilaZsamboki/cineio/internal/redis"
)

// MovieSource is the persistence surface the service reads through the cache.
type MovieSource interface {
	SeenMovies(ctx context.Context, userID string) ([]domain.Movie, error)
	ComparisonMovies(ctx context.Context, userID string) ([]domain.Movie, error)
}

// MovieCache is the short-lived cache in front of the source.
type MovieCache interface {
	GetSeenMovies(ctx context.Context, userID string) ([]domain.Movie, error)
	SetSeenMovies(ctx context.Context, userID string, movies []domain.Movie, ttl time.Duration) error
	GetComparisonMovies(ctx context.Context, userID string) ([]domain.Movie, error)
	SetComparisonMovies(ctx context.Context, userID string, movies []domain.Movie, ttl time.Duration) error
	InvalidateUser(ctx context.Context, userID string) error
}

// Service resolves seen and comparison sets for users.
type Service struct {
	source MovieSource
	cache  MovieCache
	ttl    time.Duration
	logger *slog.Logger
}

// NewService creates a profile service with the given cache TTL.
func NewService(source MovieSource, cache MovieCache, ttl time.Duration, logger *slog.Logger) *Service {
	return &Service{
		source: source,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
	}
}

// SeenSet returns the user's cumulative seen set (all watched plus all
// five-star titles), indexed by canonical keys.
func (s *Service) SeenSet(ctx context.Context, userID string) (domain.SeenSet, error) {
	movies, err := s.cache.GetSeenMovies(ctx, userID)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			// Degrade to the source on cache trouble.
			s.logger.Warn("seen-set cache read failed", "user_id", userID, "error", err)
		}
		movies, err = s.source.SeenMovies(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("loading seen movies: %w", err)
		}
		if cacheErr := s.cache.SetSeenMovies(ctx, userID, movies, s.ttl); cacheErr != nil {
			s.logger.Warn("seen-set cache write failed", "user_id", userID, "error", cacheErr)
		}
	}
	return domain.NewSeenSet(movies), nil
}

// ComparisonSet returns the user's full comparison list (their five-star
// list), deduplicated by canonical key.
func (s *Service) ComparisonSet(ctx context.Context, userID string) ([]domain.Movie, error) {
	movies, err := s.cache.GetComparisonMovies(ctx, userID)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			s.logger.Warn("comparison cache read failed", "user_id", userID, "error", err)
		}
		movies, err = s.source.ComparisonMovies(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("loading comparison movies: %w", err)
		}
		if cacheErr := s.cache.SetComparisonMovies(ctx, userID, movies, s.ttl); cacheErr != nil {
			s.logger.Warn("comparison cache write failed", "user_id", userID, "error", cacheErr)
		}
	}
	return domain.DedupeMovies(movies), nil
}

// DuelSample returns the reduced rotating sample used when an encounter
// resolves into the quiz duel. The window rotates hourly so repeat duels see
// fresh titles without the sample changing mid-duel.
func (s *Service) DuelSample(ctx context.Context, userID string, size int, now time.Time) ([]domain.Movie, error) {
	full, err := s.ComparisonSet(ctx, userID)
	if err != nil {
		return nil, err
	}
	return RotatingSample(full, size, now), nil
}

// RotatingSample selects size entries from list starting at a time-derived
// offset, wrapping around.
func RotatingSample(list []domain.Movie, size int, now time.Time) []domain.Movie {
	if len(list) <= size {
		return list
	}
	offset := int(now.Unix()/3600) % len(list)
	out := make([]domain.Movie, 0, size)
	for i := 0; i < size; i++ {
		out = append(out, list[(offset+i)%len(list)])
	}
	return out
}

// Invalidate drops a user's cached movie lists.
func (s *Service) Invalidate(ctx context.Context, userID string) {
	if err := s.cache.InvalidateUser(ctx, userID); err != nil {
		s.logger.Warn("cache invalidation failed", "user_id", userID, "error", err)
	}
}
