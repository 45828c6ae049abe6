package profile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/AttilaZsamboki/cineio/internal/domain"
	"github.com/AttilaZsamboki/cineio/internal/redis"
)

type fakeSource struct {
	seen map[string][]domain.Movie
	comp map[string][]domain.Movie

	seenCalls int
	compCalls int
	err       error
}

func (f *fakeSource) SeenMovies(_ context.Context, userID string) ([]domain.Movie, error) {
	f.seenCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.seen[userID], nil
}

func (f *fakeSource) ComparisonMovies(_ context.Context, userID string) ([]domain.Movie, error) {
	f.compCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.comp[userID], nil
}

type fakeCache struct {
	seen map[string][]domain.Movie
	comp map[string][]domain.Movie

	getErr       error
	setErr       error
	invalidated  []string
	seenSetCalls int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		seen: make(map[string][]domain.Movie),
		comp: make(map[string][]domain.Movie),
	}
}

func (f *fakeCache) GetSeenMovies(_ context.Context, userID string) ([]domain.Movie, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	movies, ok := f.seen[userID]
	if !ok {
		return nil, redis.ErrCacheMiss
	}
	return movies, nil
}

func (f *fakeCache) SetSeenMovies(_ context.Context, userID string, movies []domain.Movie, _ time.Duration) error {
	f.seenSetCalls++
	if f.setErr != nil {
		return f.setErr
	}
	f.seen[userID] = movies
	return nil
}

func (f *fakeCache) GetComparisonMovies(_ context.Context, userID string) ([]domain.Movie, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	movies, ok := f.comp[userID]
	if !ok {
		return nil, redis.ErrCacheMiss
	}
	return movies, nil
}

func (f *fakeCache) SetComparisonMovies(_ context.Context, userID string, movies []domain.Movie, _ time.Duration) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.comp[userID] = movies
	return nil
}

func (f *fakeCache) InvalidateUser(_ context.Context, userID string) error {
	f.invalidated = append(f.invalidated, userID)
	delete(f.seen, userID)
	delete(f.comp, userID)
	return nil
}

func movies(titles ...string) []domain.Movie {
	out := make([]domain.Movie, 0, len(titles))
	for _, title := range titles {
		out = append(out, domain.Movie{Title: title, Year: 2000})
	}
	return out
}

func newService(source *fakeSource, cache *fakeCache) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(source, cache, 10*time.Second, logger)
}

func TestSeenSetCachesSourceReads(t *testing.T) {
	source := &fakeSource{seen: map[string][]domain.Movie{"u1": movies("Alien", "Heat")}}
	cache := newFakeCache()
	svc := newService(source, cache)

	seen, err := svc.SeenSet(context.Background(), "u1")
	if err != nil {
		t.Fatalf("seen set: %v", err)
	}
	if !seen.Contains(domain.Movie{Title: "Alien", Year: 2000}) {
		t.Fatalf("seen set missing loaded title")
	}
	if source.seenCalls != 1 || cache.seenSetCalls != 1 {
		t.Fatalf("source=%d cacheSet=%d, want 1 and 1", source.seenCalls, cache.seenSetCalls)
	}

	if _, err := svc.SeenSet(context.Background(), "u1"); err != nil {
		t.Fatalf("cached seen set: %v", err)
	}
	if source.seenCalls != 1 {
		t.Fatalf("cache hit still went to the source (%d calls)", source.seenCalls)
	}
}

func TestSeenSetDegradesOnCacheError(t *testing.T) {
	source := &fakeSource{seen: map[string][]domain.Movie{"u1": movies("Alien")}}
	cache := newFakeCache()
	cache.getErr = errors.New("redis down")
	svc := newService(source, cache)

	seen, err := svc.SeenSet(context.Background(), "u1")
	if err != nil {
		t.Fatalf("cache trouble should fall through to the source: %v", err)
	}
	if !seen.Contains(domain.Movie{Title: "Alien", Year: 2000}) {
		t.Fatalf("degraded read lost the data")
	}
}

func TestSeenSetSourceFailure(t *testing.T) {
	source := &fakeSource{err: errors.New("db down")}
	svc := newService(source, newFakeCache())

	if _, err := svc.SeenSet(context.Background(), "u1"); err == nil {
		t.Fatalf("want error when both cache and source miss")
	}
}

func TestComparisonSetDeduplicates(t *testing.T) {
	source := &fakeSource{comp: map[string][]domain.Movie{
		"u1": {
			{Title: "Alien", Year: 1979},
			{Title: "ALIEN", Year: 1979},
			{Title: "Heat", Year: 1995},
		},
	}}
	svc := newService(source, newFakeCache())

	comp, err := svc.ComparisonSet(context.Background(), "u1")
	if err != nil {
		t.Fatalf("comparison set: %v", err)
	}
	if len(comp) != 2 {
		t.Fatalf("got %d titles after dedupe, want 2", len(comp))
	}
}

func TestInvalidateDropsCachedLists(t *testing.T) {
	source := &fakeSource{seen: map[string][]domain.Movie{"u1": movies("Alien")}}
	cache := newFakeCache()
	svc := newService(source, cache)

	if _, err := svc.SeenSet(context.Background(), "u1"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	svc.Invalidate(context.Background(), "u1")

	if len(cache.invalidated) != 1 || cache.invalidated[0] != "u1" {
		t.Fatalf("invalidated = %v", cache.invalidated)
	}
	if _, err := svc.SeenSet(context.Background(), "u1"); err != nil {
		t.Fatalf("reload after invalidate: %v", err)
	}
	if source.seenCalls != 2 {
		t.Fatalf("invalidate did not force a reload (%d source calls)", source.seenCalls)
	}
}

func TestRotatingSampleShortListReturnedWhole(t *testing.T) {
	list := movies("A", "B", "C")
	got := RotatingSample(list, 10, time.Now())
	if len(got) != 3 {
		t.Fatalf("short list should come back whole, got %d", len(got))
	}
}

func TestRotatingSampleWindowAndWraparound(t *testing.T) {
	list := movies("A", "B", "C", "D", "E")
	// 3 hours past epoch: offset = 3 % 5 = 3, so the window is D, E, A.
	now := time.Unix(3*3600, 0)

	got := RotatingSample(list, 3, now)
	want := []string{"D", "E", "A"}
	if len(got) != 3 {
		t.Fatalf("sample size %d, want 3", len(got))
	}
	for i, title := range want {
		if got[i].Title != title {
			t.Fatalf("sample[%d] = %q, want %q", i, got[i].Title, title)
		}
	}

	// The same hour gives the same window.
	again := RotatingSample(list, 3, now.Add(30*time.Minute))
	for i := range got {
		if got[i].Title != again[i].Title {
			t.Fatalf("sample changed within the hour")
		}
	}
}
