package recommend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/roomie/recommender/internal/ledger"
	"github.com/roomie/recommender/internal/messaging"
	"github.com/roomie/recommender/internal/metrics"
	"github.com/roomie/recommender/internal/profile"
	"github.com/roomie/recommender/internal/scoring"
)

// sumScorer scores a pair as the sum of its ids, which makes rankings easy
// to predict.
type sumScorer struct{}

func (sumScorer) Score(a, b *profile.Profile) (float64, error) {
	if a.ID == b.ID {
		return 0, scoring.ErrInvalidPair
	}
	return float64(a.ID + b.ID), nil
}

// faultyLedger fails upserts for selected pairs.
type faultyLedger struct {
	*ledger.MemoryLedger
	fail map[ledger.Pair]error
}

func (l *faultyLedger) Upsert(ctx context.Context, a, b int64, score float64) error {
	pair, err := ledger.CanonicalPair(a, b)
	if err != nil {
		return err
	}
	if err := l.fail[pair]; err != nil {
		return err
	}
	return l.MemoryLedger.Upsert(ctx, a, b, score)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []messaging.BatchCompleted
}

func (p *recordingPublisher) PublishBatchCompleted(evt messaging.BatchCompleted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

// seedProfiles stores n active profiles with ids 1..n.
func seedProfiles(store *profile.MemoryStore, n int) {
	for i := 1; i <= n; i++ {
		store.Put(profile.Profile{
			ID:          int64(i),
			Email:       fmt.Sprintf("user%d@example.com", i),
			Gender:      []string{"F", "M"}[i%2],
			MaxBudget:   float64(400 + 50*i),
			Cleanliness: 1 + i%5,
			Interests:   `["cine","viajes"]`,
			Active:      true,
		})
	}
}

func newTestRecommender(t *testing.T, n int, scorer PairScorer, workers int) (*Recommender, *profile.MemoryStore, *ledger.MemoryLedger) {
	t.Helper()
	store := profile.NewMemoryStore()
	seedProfiles(store, n)
	l := ledger.NewMemoryLedger(store)
	rec := New(store, l, scorer, Config{Workers: workers}, zerolog.Nop())
	return rec, store, l
}

func TestRecomputeAll_ScoresEveryPair(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			rec, _, l := newTestRecommender(t, 6, scoring.New(), workers)
			ctx := context.Background()

			res, err := rec.RecomputeAll(ctx)
			if err != nil {
				t.Fatalf("RecomputeAll() error: %v", err)
			}
			if res.Processed != 15 {
				t.Errorf("expected 15 processed, got %d", res.Processed)
			}
			if len(res.Failures) != 0 {
				t.Errorf("expected no failures, got %+v", res.Failures)
			}
			if res.Kind != metrics.RunBatch {
				t.Errorf("expected kind %q, got %q", metrics.RunBatch, res.Kind)
			}
			n, _ := l.Count(ctx)
			if n != 15 {
				t.Errorf("expected 15 distinct records, got %d", n)
			}

			// A second run replaces rather than adds.
			if _, err := rec.RecomputeAll(ctx); err != nil {
				t.Fatalf("second RecomputeAll() error: %v", err)
			}
			n, _ = l.Count(ctx)
			if n != 15 {
				t.Errorf("expected 15 records after rerun, got %d", n)
			}
		})
	}
}

func TestRecomputeAll_StoresScorerValue(t *testing.T) {
	rec, store, l := newTestRecommender(t, 3, scoring.New(), 2)
	ctx := context.Background()

	if _, err := rec.RecomputeAll(ctx); err != nil {
		t.Fatalf("RecomputeAll() error: %v", err)
	}

	a, _ := store.Get(ctx, 1)
	b, _ := store.Get(ctx, 3)
	want, _ := scoring.New().Score(a, b)
	got, err := l.Get(ctx, 3, 1)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Score != want {
		t.Errorf("expected stored score %v, got %v", want, got.Score)
	}
}

func TestRecomputeAll_SkipsInactive(t *testing.T) {
	rec, store, l := newTestRecommender(t, 5, sumScorer{}, 2)
	ctx := context.Background()
	store.Deactivate(ctx, 2, 4)

	res, err := rec.RecomputeAll(ctx)
	if err != nil {
		t.Fatalf("RecomputeAll() error: %v", err)
	}
	if res.Processed != 3 {
		t.Errorf("expected 3 pairs among 3 active profiles, got %d", res.Processed)
	}
	if _, err := l.Get(ctx, 1, 2); !errors.Is(err, ledger.ErrRecordNotFound) {
		t.Errorf("inactive profile should not be scored, got %v", err)
	}
}

func TestRecomputeAll_EmptyAndSingle(t *testing.T) {
	for _, n := range []int{0, 1} {
		rec, _, _ := newTestRecommender(t, n, sumScorer{}, 1)
		res, err := rec.RecomputeAll(context.Background())
		if err != nil {
			t.Fatalf("RecomputeAll() with %d profiles error: %v", n, err)
		}
		if res.Processed != 0 || len(res.Failures) != 0 {
			t.Errorf("%d profiles: expected empty result, got %+v", n, res)
		}
	}
}

func TestRecomputeAll_ReportsFailuresAndContinues(t *testing.T) {
	store := profile.NewMemoryStore()
	seedProfiles(store, 4)
	l := &faultyLedger{
		MemoryLedger: ledger.NewMemoryLedger(store),
		fail: map[ledger.Pair]error{
			{Low: 1, High: 3}: errors.New("connection reset"),
			{Low: 2, High: 4}: &ledger.ConstraintError{Pair: ledger.Pair{Low: 2, High: 4}, ID: 4},
		},
	}
	rec := New(store, l, sumScorer{}, Config{Workers: 3}, zerolog.Nop())

	storageBefore := testutil.ToFloat64(metrics.PairFailures.WithLabelValues(FailureStorage))

	res, err := rec.RecomputeAll(context.Background())
	if err != nil {
		t.Fatalf("RecomputeAll() error: %v", err)
	}
	if res.Processed != 4 {
		t.Errorf("expected 4 processed, got %d", res.Processed)
	}
	if len(res.Failures) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(res.Failures))
	}

	first, second := res.Failures[0], res.Failures[1]
	if first.LowID != 1 || first.HighID != 3 || first.Kind != FailureStorage {
		t.Errorf("unexpected first failure %+v", first)
	}
	if second.LowID != 2 || second.HighID != 4 || second.Kind != FailureUnknownProfile {
		t.Errorf("unexpected second failure %+v", second)
	}

	if got := testutil.ToFloat64(metrics.PairFailures.WithLabelValues(FailureStorage)) - storageBefore; got != 1 {
		t.Errorf("expected storage failure counter +1, got %v", got)
	}
}

func TestRecomputeAll_Cancelled(t *testing.T) {
	rec, _, _ := newTestRecommender(t, 4, sumScorer{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rec.RecomputeAll(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRecomputeAll_Metrics(t *testing.T) {
	rec, _, _ := newTestRecommender(t, 5, sumScorer{}, 2)
	before := testutil.ToFloat64(metrics.PairsScored.WithLabelValues(metrics.RunBatch))

	if _, err := rec.RecomputeAll(context.Background()); err != nil {
		t.Fatalf("RecomputeAll() error: %v", err)
	}

	if got := testutil.ToFloat64(metrics.PairsScored.WithLabelValues(metrics.RunBatch)) - before; got != 10 {
		t.Errorf("expected pairs scored +10, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.ActiveProfiles); got != 5 {
		t.Errorf("expected active profiles gauge 5, got %v", got)
	}
	if testutil.ToFloat64(metrics.LastBatchTimestamp) == 0 {
		t.Error("expected last batch timestamp to be set")
	}
}

func TestRecomputeForNewProfile(t *testing.T) {
	rec, store, l := newTestRecommender(t, 4, sumScorer{}, 2)
	ctx := context.Background()

	id, err := store.Create(ctx, profile.Profile{Email: "new@example.com", Active: true})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	res, err := rec.RecomputeForNewProfile(ctx, id)
	if err != nil {
		t.Fatalf("RecomputeForNewProfile() error: %v", err)
	}
	if res.Processed != 4 {
		t.Errorf("expected 4 processed, got %d", res.Processed)
	}
	if res.Kind != metrics.RunIncremental || res.ProfileID != id {
		t.Errorf("unexpected run identity kind=%q profile=%d", res.Kind, res.ProfileID)
	}

	for other := int64(1); other <= 4; other++ {
		got, err := l.Get(ctx, id, other)
		if err != nil {
			t.Errorf("pair (%d,%d) missing: %v", id, other, err)
			continue
		}
		if got.Score != float64(id+other) {
			t.Errorf("pair (%d,%d): expected %v, got %v", id, other, float64(id+other), got.Score)
		}
	}
	if n, _ := l.Count(ctx); n != 4 {
		t.Errorf("only pairs with the new profile should be stored, got %d records", n)
	}
}

func TestRecomputeForNewProfile_Unknown(t *testing.T) {
	rec, _, _ := newTestRecommender(t, 3, sumScorer{}, 1)

	_, err := rec.RecomputeForNewProfile(context.Background(), 99)
	if !errors.Is(err, profile.ErrNotFound) {
		t.Errorf("expected profile.ErrNotFound, got %v", err)
	}
}

func TestTopK(t *testing.T) {
	rec, store, _ := newTestRecommender(t, 8, sumScorer{}, 4)
	ctx := context.Background()
	if _, err := rec.RecomputeAll(ctx); err != nil {
		t.Fatalf("RecomputeAll() error: %v", err)
	}
	store.Deactivate(ctx, 7)

	// k <= 0 uses the default of 5.
	got, err := rec.TopK(ctx, 1, 0)
	if err != nil {
		t.Fatalf("TopK() error: %v", err)
	}
	want := []int64{8, 6, 5, 4, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %d recommendations, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].Profile.ID != id {
			t.Errorf("position %d: expected profile %d, got %d", i, id, got[i].Profile.ID)
		}
		if got[i].Score != float64(1+id) {
			t.Errorf("position %d: expected score %v, got %v", i, float64(1+id), got[i].Score)
		}
	}

	two, err := rec.TopK(ctx, 1, 2)
	if err != nil {
		t.Fatalf("TopK(2) error: %v", err)
	}
	if len(two) != 2 {
		t.Errorf("expected 2 recommendations, got %d", len(two))
	}
}

func TestTopK_Unknown(t *testing.T) {
	rec, _, _ := newTestRecommender(t, 2, sumScorer{}, 1)

	if _, err := rec.TopK(context.Background(), 42, 5); !errors.Is(err, profile.ErrNotFound) {
		t.Errorf("expected profile.ErrNotFound, got %v", err)
	}
}

func TestPublisherReceivesRunSummary(t *testing.T) {
	rec, store, _ := newTestRecommender(t, 3, sumScorer{}, 1)
	pub := &recordingPublisher{}
	rec.SetPublisher(pub)
	ctx := context.Background()

	batch, err := rec.RecomputeAll(ctx)
	if err != nil {
		t.Fatalf("RecomputeAll() error: %v", err)
	}
	id, _ := store.Create(ctx, profile.Profile{Email: "late@example.com", Active: true})
	if _, err := rec.RecomputeForNewProfile(ctx, id); err != nil {
		t.Fatalf("RecomputeForNewProfile() error: %v", err)
	}

	if len(pub.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(pub.events))
	}
	if pub.events[0].RunID != batch.RunID || pub.events[0].Kind != metrics.RunBatch || pub.events[0].Processed != 3 {
		t.Errorf("unexpected batch event %+v", pub.events[0])
	}
	if pub.events[1].Kind != metrics.RunIncremental || pub.events[1].ProfileID != id || pub.events[1].Processed != 3 {
		t.Errorf("unexpected incremental event %+v", pub.events[1])
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{scoring.ErrInvalidPair, FailureInvalidPair},
		{ledger.ErrInvalidPair, FailureInvalidPair},
		{&ledger.ConstraintError{}, FailureUnknownProfile},
		{fmt.Errorf("wrapped: %w", profile.ErrNotFound), FailureUnknownProfile},
		{errors.New("disk full"), FailureStorage},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
