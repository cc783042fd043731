package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/roomie/recommender/internal/profile"
)

// MemoryLedger keeps records in a map. Profile existence and activity are
// checked against the given store.
type MemoryLedger struct {
	mu       sync.RWMutex
	records  map[Pair]Record
	profiles profile.Store
	now      func() time.Time
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger(profiles profile.Store) *MemoryLedger {
	return &MemoryLedger{
		records:  make(map[Pair]Record),
		profiles: profiles,
		now:      time.Now,
	}
}

// Upsert implements Ledger.
func (l *MemoryLedger) Upsert(ctx context.Context, a, b int64, score float64) error {
	pair, err := CanonicalPair(a, b)
	if err != nil {
		return err
	}
	if err := checkExists(ctx, l.profiles, pair); err != nil {
		return err
	}

	l.mu.Lock()
	l.records[pair] = Record{
		LowID:      pair.Low,
		HighID:     pair.High,
		Score:      score,
		ComputedAt: l.now().UTC(),
	}
	l.mu.Unlock()
	return nil
}

// TopK implements Ledger.
func (l *MemoryLedger) TopK(ctx context.Context, id int64, k int) ([]Recommendation, error) {
	if k <= 0 {
		return nil, nil
	}

	l.mu.RLock()
	var cands []candidate
	for pair, rec := range l.records {
		if pair.Low == id || pair.High == id {
			cands = append(cands, candidate{id: pair.Other(id), score: rec.Score})
		}
	}
	l.mu.RUnlock()

	return resolve(ctx, l.profiles, cands, k)
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, a, b int64) (Record, error) {
	pair, err := CanonicalPair(a, b)
	if err != nil {
		return Record{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[pair]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec, nil
}

// Count implements Ledger.
func (l *MemoryLedger) Count(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records), nil
}
