package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roomie/recommender/internal/profile"
)

// Redis layout:
//
//	sim:pair:<low>:<high>  hash {score, computed_at}
//	sim:by:<id>            sorted set, member = other id, score = pair score
//	sim:pairs              set of "<low>:<high>" for Count
const (
	// PairPrefix is the Redis key prefix for per-pair hashes.
	PairPrefix = "sim:pair:"

	// ByPrefix is the Redis key prefix for per-profile neighbour sets.
	ByPrefix = "sim:by:"

	// PairsKey indexes every stored pair.
	PairsKey = "sim:pairs"
)

// RedisLedger stores records in Redis. Profile existence and activity are
// checked against the given store, which remains the source of truth.
type RedisLedger struct {
	client   *redis.Client
	profiles profile.Store
}

var _ Ledger = (*RedisLedger)(nil)

// NewRedisLedger creates a ledger using the provided Redis client.
func NewRedisLedger(client *redis.Client, profiles profile.Store) *RedisLedger {
	return &RedisLedger{client: client, profiles: profiles}
}

type pairHash struct {
	Score      float64 `redis:"score"`
	ComputedAt int64   `redis:"computed_at"` // unix milliseconds
}

func pairKey(p Pair) string {
	return PairPrefix + p.String()
}

func byKey(id int64) string {
	return ByPrefix + strconv.FormatInt(id, 10)
}

// Upsert implements Ledger. The hash and both neighbour sets are written
// in one MULTI/EXEC so readers never see a half-updated pair.
func (l *RedisLedger) Upsert(ctx context.Context, a, b int64, score float64) error {
	pair, err := CanonicalPair(a, b)
	if err != nil {
		return err
	}
	if err := checkExists(ctx, l.profiles, pair); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, pairKey(pair), "score", score, "computed_at", now)
		pipe.ZAdd(ctx, byKey(pair.Low), redis.Z{Score: score, Member: pair.High})
		pipe.ZAdd(ctx, byKey(pair.High), redis.Z{Score: score, Member: pair.Low})
		pipe.SAdd(ctx, PairsKey, pair.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: upsert %s: %w", pair, err)
	}
	return nil
}

// TopK implements Ledger. Every neighbour is read because inactive ones
// are only known after resolving them against the profile store.
func (l *RedisLedger) TopK(ctx context.Context, id int64, k int) ([]Recommendation, error) {
	if k <= 0 {
		return nil, nil
	}

	zs, err := l.client.ZRevRangeWithScores(ctx, byKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: neighbours of %d: %w", id, err)
	}

	cands := make([]candidate, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		other, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		cands = append(cands, candidate{id: other, score: z.Score})
	}

	return resolve(ctx, l.profiles, cands, k)
}

// Get implements Ledger.
func (l *RedisLedger) Get(ctx context.Context, a, b int64) (Record, error) {
	pair, err := CanonicalPair(a, b)
	if err != nil {
		return Record{}, err
	}

	res := l.client.HGetAll(ctx, pairKey(pair))
	fields, err := res.Result()
	if err != nil {
		return Record{}, fmt.Errorf("ledger: get %s: %w", pair, err)
	}
	if len(fields) == 0 {
		return Record{}, ErrRecordNotFound
	}

	var h pairHash
	if err := res.Scan(&h); err != nil {
		return Record{}, fmt.Errorf("ledger: decode %s: %w", pair, err)
	}
	return Record{
		LowID:      pair.Low,
		HighID:     pair.High,
		Score:      h.Score,
		ComputedAt: time.UnixMilli(h.ComputedAt).UTC(),
	}, nil
}

// Count implements Ledger.
func (l *RedisLedger) Count(ctx context.Context) (int, error) {
	n, err := l.client.SCard(ctx, PairsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("ledger: count: %w", err)
	}
	return int(n), nil
}
