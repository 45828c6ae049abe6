package domain

import (
	"fmt"
	"strings"
	"unicode"
)

// Movie is a single title descriptor as stored in a user's library or an
// orb's requirement list.
type Movie struct {
	Title    string `json:"title"`
	Year     int    `json:"year"`
	Director string `json:"director,omitempty"`
	URL      string `json:"url,omitempty"`
}

// MovieKey is the canonical identity of a movie. Title matching across the
// import and manual-entry paths tolerates casing, spacing and punctuation
// differences; normalization happens here, once, and every comparison site
// works on keys.
type MovieKey string

// Key returns the canonical (title, year) key.
func (m Movie) Key() MovieKey {
	return MovieKey(fmt.Sprintf("%s|%d", normalizeTitle(m.Title), m.Year))
}

// URLKey returns the alternate URL-based key, or "" when the movie carries
// no URL.
func (m Movie) URLKey() MovieKey {
	if m.URL == "" {
		return ""
	}
	return MovieKey("url|" + strings.TrimRight(strings.ToLower(strings.TrimSpace(m.URL)), "/"))
}

func normalizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	prevSpace := false
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevSpace = false
		case unicode.IsSpace(r), r == '-', r == '_':
			if !prevSpace && b.Len() > 0 {
				b.WriteRune(' ')
				prevSpace = true
			}
		}
		// All other punctuation is dropped.
	}
	return strings.TrimSpace(b.String())
}

// SeenSet is the set of movies a user has watched or rated, indexed by both
// canonical keys.
type SeenSet map[MovieKey]struct{}

// NewSeenSet builds a SeenSet from a movie list.
func NewSeenSet(movies []Movie) SeenSet {
	s := make(SeenSet, len(movies)*2)
	for _, m := range movies {
		s.Add(m)
	}
	return s
}

// Add inserts both keys of a movie.
func (s SeenSet) Add(m Movie) {
	s[m.Key()] = struct{}{}
	if uk := m.URLKey(); uk != "" {
		s[uk] = struct{}{}
	}
}

// Contains reports whether the set covers m under either key.
func (s SeenSet) Contains(m Movie) bool {
	if _, ok := s[m.Key()]; ok {
		return true
	}
	if uk := m.URLKey(); uk != "" {
		if _, ok := s[uk]; ok {
			return true
		}
	}
	return false
}

// DedupeMovies collapses a movie list by canonical (title, year) key,
// preserving order of first appearance.
func DedupeMovies(movies []Movie) []Movie {
	seen := make(map[MovieKey]struct{}, len(movies))
	out := movies[:0:0]
	for _, m := range movies {
		k := m.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, m)
	}
	return out
}
