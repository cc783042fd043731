// Package ledger persists one compatibility score per unordered profile pair
// and answers ranked top-K lookups over them.
//
// Every record is keyed by its canonical pair (LowID < HighID), so scoring
// (a, b) and (b, a) always lands on the same record. Records are never
// removed when a profile is deactivated; lookups filter on Active instead.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/roomie/recommender/internal/profile"
)

var (
	// ErrInvalidPair is returned when both ids of a pair are equal.
	ErrInvalidPair = profile.ErrInvalidPair

	// ErrRecordNotFound is returned by Get when the pair has no score.
	ErrRecordNotFound = errors.New("ledger: record not found")
)

// Pair is an unordered pair of profile ids in canonical order.
type Pair struct {
	Low  int64
	High int64
}

// CanonicalPair orders a and b so that Low < High.
func CanonicalPair(a, b int64) (Pair, error) {
	if a == b {
		return Pair{}, ErrInvalidPair
	}
	if a > b {
		a, b = b, a
	}
	return Pair{Low: a, High: b}, nil
}

// Other returns the id paired with id.
func (p Pair) Other(id int64) int64 {
	if p.Low == id {
		return p.High
	}
	return p.Low
}

func (p Pair) String() string {
	return fmt.Sprintf("%d:%d", p.Low, p.High)
}

// Record is the stored score of one pair.
type Record struct {
	LowID      int64
	HighID     int64
	Score      float64
	ComputedAt time.Time
}

// Recommendation is one entry of a top-K result.
type Recommendation struct {
	Profile *profile.Profile
	Score   float64
}

// Ledger stores pair scores.
type Ledger interface {
	// Upsert stores score for the pair {a, b}, replacing any previous score
	// and timestamp. Both profiles must exist.
	Upsert(ctx context.Context, a, b int64, score float64) error

	// TopK returns up to k active profiles paired with id, highest score
	// first. Equal scores are ordered by profile id ascending.
	TopK(ctx context.Context, id int64, k int) ([]Recommendation, error)

	// Get returns the record for the pair {a, b} or ErrRecordNotFound.
	Get(ctx context.Context, a, b int64) (Record, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)
}

// ConstraintError reports an upsert that referenced a profile the store
// does not know. It unwraps to profile.ErrNotFound.
type ConstraintError struct {
	Pair Pair
	ID   int64 // offending id, 0 when the backend cannot tell which
}

func (e *ConstraintError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("ledger: pair %s references unknown profile %d", e.Pair, e.ID)
	}
	return fmt.Sprintf("ledger: pair %s references an unknown profile", e.Pair)
}

func (e *ConstraintError) Unwrap() error {
	return profile.ErrNotFound
}

// candidate is a scored neighbour before it is resolved to a profile.
type candidate struct {
	id    int64
	score float64
}

// checkExists returns a ConstraintError naming the first id of pair the
// store does not hold.
func checkExists(ctx context.Context, store profile.Store, pair Pair) error {
	for _, id := range []int64{pair.Low, pair.High} {
		ok, err := store.Exists(ctx, id)
		if err != nil {
			return fmt.Errorf("ledger: check profile %d: %w", id, err)
		}
		if !ok {
			return &ConstraintError{Pair: pair, ID: id}
		}
	}
	return nil
}

// resolve loads the profile behind each candidate, drops inactive or
// vanished ones, then orders and truncates to k.
func resolve(ctx context.Context, store profile.Store, cands []candidate, k int) ([]Recommendation, error) {
	out := make([]Recommendation, 0, len(cands))
	for _, c := range cands {
		p, err := store.Get(ctx, c.id)
		if errors.Is(err, profile.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ledger: resolve profile %d: %w", c.id, err)
		}
		if !p.Active {
			continue
		}
		out = append(out, Recommendation{Profile: p, Score: c.score})
	}

	SortRecommendations(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// SortRecommendations orders recs by score descending, then profile id ascending.
func SortRecommendations(recs []Recommendation) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Score != recs[j].Score {
			return recs[i].Score > recs[j].Score
		}
		return recs[i].Profile.ID < recs[j].Profile.ID
	})
}
