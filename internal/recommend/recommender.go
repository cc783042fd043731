// Package recommend orchestrates scoring and the similarity ledger: full
// batch recomputation over all active profiles, incremental scoring of a
// single new profile, and ranked top-K retrieval.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/roomie/recommender/internal/ledger"
	"github.com/roomie/recommender/internal/messaging"
	"github.com/roomie/recommender/internal/metrics"
	"github.com/roomie/recommender/internal/profile"
	"github.com/roomie/recommender/internal/scoring"
)

// DefaultK is the number of recommendations returned when k <= 0.
const DefaultK = 5

// Failure kinds reported per pair.
const (
	FailureUnknownProfile = "unknown_profile"
	FailureInvalidPair    = "invalid_pair"
	FailureStorage        = "storage"
)

// PairScorer computes the compatibility of two profiles.
type PairScorer interface {
	Score(a, b *profile.Profile) (float64, error)
}

// explainer is implemented by scorers that can break a score into terms.
type explainer interface {
	Explain(a, b *profile.Profile) ([]scoring.Contribution, error)
}

// Publisher receives a summary after every run.
type Publisher interface {
	PublishBatchCompleted(evt messaging.BatchCompleted) error
}

// PairFailure is one pair that could not be scored or stored.
type PairFailure struct {
	LowID  int64
	HighID int64
	Kind   string
	Err    error
}

// BatchResult summarizes one recomputation run.
type BatchResult struct {
	RunID     uuid.UUID
	Kind      string // metrics.RunBatch or metrics.RunIncremental
	ProfileID int64  // set for incremental runs
	Processed int
	Failures  []PairFailure
	StartedAt time.Time
	Duration  time.Duration
}

// Config controls a Recommender.
type Config struct {
	// Workers bounds how many pairs are scored concurrently. 1 scores
	// pairs one after another in id order.
	Workers int

	// DefaultK is used by TopK when the caller passes k <= 0.
	DefaultK int
}

// DefaultConfig returns a Config using one worker per CPU.
func DefaultConfig() Config {
	return Config{
		Workers:  runtime.NumCPU(),
		DefaultK: DefaultK,
	}
}

// Recommender computes and serves compatibility recommendations.
type Recommender struct {
	store     profile.Store
	ledger    ledger.Ledger
	scorer    PairScorer
	publisher Publisher
	cfg       Config
	logger    zerolog.Logger
}

// New creates a Recommender. Zero config fields fall back to DefaultConfig.
func New(store profile.Store, l ledger.Ledger, scorer PairScorer, cfg Config, logger zerolog.Logger) *Recommender {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = def.DefaultK
	}
	return &Recommender{
		store:  store,
		ledger: l,
		scorer: scorer,
		cfg:    cfg,
		logger: logger.With().Str("component", "recommender").Logger(),
	}
}

// SetPublisher makes every finished run publish a BatchCompleted event.
func (r *Recommender) SetPublisher(p Publisher) {
	r.publisher = p
}

// RecomputeAll scores every pair of active profiles and stores the results.
// Pairs that fail are listed in the result; the run carries on. An error is
// returned only when the profiles cannot be read or ctx is done.
func (r *Recommender) RecomputeAll(ctx context.Context) (*BatchResult, error) {
	res := newResult(metrics.RunBatch, 0)

	profiles, err := r.store.ActiveProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("recommend: load active profiles: %w", err)
	}
	metrics.ActiveProfiles.Set(float64(len(profiles)))

	r.logger.Info().
		Str("run_id", res.RunID.String()).
		Int("profiles", len(profiles)).
		Int("pairs", len(profiles)*(len(profiles)-1)/2).
		Msg("batch started")

	if err := r.run(ctx, res, allPairs(profiles)); err != nil {
		return res, err
	}
	metrics.LastBatchTimestamp.SetToCurrentTime()
	return res, nil
}

// RecomputeForNewProfile scores profile id against every other active
// profile. An unknown id yields profile.ErrNotFound.
func (r *Recommender) RecomputeForNewProfile(ctx context.Context, id int64) (*BatchResult, error) {
	p, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("recommend: load profile %d: %w", id, err)
	}

	others, err := r.store.ActiveProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("recommend: load active profiles: %w", err)
	}

	res := newResult(metrics.RunIncremental, id)
	r.logger.Info().
		Str("run_id", res.RunID.String()).
		Int64("profile_id", id).
		Int("candidates", len(others)).
		Msg("incremental run started")

	if err := r.run(ctx, res, pairsWith(p, others)); err != nil {
		return res, err
	}
	return res, nil
}

// TopK returns up to k active profiles most compatible with id. k <= 0
// uses the configured default. An unknown id yields profile.ErrNotFound.
func (r *Recommender) TopK(ctx context.Context, id int64, k int) ([]ledger.Recommendation, error) {
	if k <= 0 {
		k = r.cfg.DefaultK
	}

	ok, err := r.store.Exists(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("recommend: check profile %d: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("recommend: profile %d: %w", id, profile.ErrNotFound)
	}

	recs, err := r.ledger.TopK(ctx, id, k)
	if err != nil {
		return nil, fmt.Errorf("recommend: top %d for %d: %w", k, id, err)
	}
	return recs, nil
}

func newResult(kind string, profileID int64) *BatchResult {
	return &BatchResult{
		RunID:     uuid.New(),
		Kind:      kind,
		ProfileID: profileID,
		StartedAt: time.Now(),
	}
}

// allPairs yields every (i, j) with i < j over profiles.
func allPairs(profiles []*profile.Profile) iter.Seq2[*profile.Profile, *profile.Profile] {
	return func(yield func(*profile.Profile, *profile.Profile) bool) {
		for i := 0; i < len(profiles); i++ {
			for j := i + 1; j < len(profiles); j++ {
				if !yield(profiles[i], profiles[j]) {
					return
				}
			}
		}
	}
}

// pairsWith yields p paired with every other profile.
func pairsWith(p *profile.Profile, others []*profile.Profile) iter.Seq2[*profile.Profile, *profile.Profile] {
	return func(yield func(*profile.Profile, *profile.Profile) bool) {
		for _, o := range others {
			if o.ID == p.ID {
				continue
			}
			if !yield(p, o) {
				return
			}
		}
	}
}

// run scores and stores every pair from seq on a bounded worker pool, then
// finalizes res. Each pair has its own canonical key, so workers never
// write the same record.
func (r *Recommender) run(ctx context.Context, res *BatchResult, seq iter.Seq2[*profile.Profile, *profile.Profile]) error {
	var (
		mu        sync.Mutex
		processed int
		failures  []PairFailure
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)

	for a, b := range seq {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			f := r.scorePair(gctx, a, b)
			mu.Lock()
			defer mu.Unlock()
			if f != nil {
				failures = append(failures, *f)
				return nil
			}
			processed++
			return nil
		})
	}
	_ = g.Wait() // workers report failures, never errors

	sort.Slice(failures, func(i, j int) bool {
		if failures[i].LowID != failures[j].LowID {
			return failures[i].LowID < failures[j].LowID
		}
		return failures[i].HighID < failures[j].HighID
	})
	res.Processed = processed
	res.Failures = failures
	res.Duration = time.Since(res.StartedAt)

	r.record(res)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("recommend: %s run %s interrupted: %w", res.Kind, res.RunID, err)
	}
	return nil
}

// scorePair scores one pair and upserts it, returning nil on success.
func (r *Recommender) scorePair(ctx context.Context, a, b *profile.Profile) *PairFailure {
	low, high := a.ID, b.ID
	if low > high {
		low, high = high, low
	}
	fail := func(kind string, err error) *PairFailure {
		metrics.PairFailures.WithLabelValues(kind).Inc()
		return &PairFailure{LowID: low, HighID: high, Kind: kind, Err: err}
	}

	score, err := r.scorer.Score(a, b)
	if err != nil {
		return fail(classify(err), err)
	}
	r.trace(a, b, score)

	if err := r.ledger.Upsert(ctx, a.ID, b.ID, score); err != nil {
		return fail(classify(err), err)
	}
	return nil
}

// classify maps a pair error to its failure kind.
func classify(err error) string {
	switch {
	case errors.Is(err, profile.ErrInvalidPair):
		return FailureInvalidPair
	case errors.Is(err, profile.ErrNotFound):
		return FailureUnknownProfile
	default:
		return FailureStorage
	}
}

// trace logs the per-term breakdown of a score at trace level.
func (r *Recommender) trace(a, b *profile.Profile, score float64) {
	e := r.logger.Trace()
	if !e.Enabled() {
		return
	}
	terms := zerolog.Dict()
	if ex, ok := r.scorer.(explainer); ok {
		if parts, err := ex.Explain(a, b); err == nil {
			for _, c := range parts {
				terms.Float64(c.Term, c.Value)
			}
		}
	}
	e.Int64("a", a.ID).Int64("b", b.ID).Float64("score", score).Dict("terms", terms).Msg("pair scored")
}

// record updates metrics, logs the run summary and publishes it.
func (r *Recommender) record(res *BatchResult) {
	metrics.PairsScored.WithLabelValues(res.Kind).Add(float64(res.Processed))
	metrics.RunDuration.WithLabelValues(res.Kind).Observe(res.Duration.Seconds())

	level := zerolog.InfoLevel
	if len(res.Failures) > 0 {
		level = zerolog.WarnLevel
	}
	ev := r.logger.WithLevel(level)
	if len(res.Failures) > 0 {
		ev = ev.AnErr("first_failure", res.Failures[0].Err)
	}
	ev.Str("run_id", res.RunID.String()).
		Str("kind", res.Kind).
		Int("processed", res.Processed).
		Int("failed", len(res.Failures)).
		Dur("duration", res.Duration).
		Msg("run finished")

	if r.publisher == nil {
		return
	}
	evt := messaging.BatchCompleted{
		RunID:      res.RunID,
		Kind:       res.Kind,
		ProfileID:  res.ProfileID,
		Processed:  res.Processed,
		Failed:     len(res.Failures),
		DurationMS: res.Duration.Milliseconds(),
	}
	if err := r.publisher.PublishBatchCompleted(evt); err != nil {
		r.logger.Warn().Err(err).Str("run_id", res.RunID.String()).Msg("publish run summary")
	}
}
