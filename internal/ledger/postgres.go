package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/roomie/recommender/internal/profile"
)

// pgForeignKeyViolation is the SQLSTATE raised when a referenced row is missing.
const pgForeignKeyViolation = "23503"

// PostgresLedger stores records in the similarities table. Foreign keys to
// profiles enforce that both ids exist.
type PostgresLedger struct {
	db       *sql.DB
	topKStmt string
}

var _ Ledger = (*PostgresLedger)(nil)

// NewPostgresLedger creates a ledger backed by the given database handle.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{
		db: db,
		topKStmt: `
		SELECT ` + strings.Join(profile.QualifiedColumns("p"), ", ") + `, s.score
		FROM (
			SELECT high_id AS other_id, score FROM similarities WHERE low_id = $1
			UNION ALL
			SELECT low_id AS other_id, score FROM similarities WHERE high_id = $1
		) s
		JOIN profiles p ON p.id = s.other_id
		WHERE p.active
		ORDER BY s.score DESC, p.id ASC
		LIMIT $2`,
	}
}

// Upsert implements Ledger.
func (l *PostgresLedger) Upsert(ctx context.Context, a, b int64, score float64) error {
	pair, err := CanonicalPair(a, b)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO similarities (low_id, high_id, score, computed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (low_id, high_id)
		DO UPDATE SET score = EXCLUDED.score, computed_at = EXCLUDED.computed_at`

	_, err = l.db.ExecContext(ctx, query, pair.Low, pair.High, score)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgForeignKeyViolation {
		return &ConstraintError{Pair: pair}
	}
	if err != nil {
		return fmt.Errorf("ledger: upsert %s: %w", pair, err)
	}
	return nil
}

// TopK implements Ledger.
func (l *PostgresLedger) TopK(ctx context.Context, id int64, k int) ([]Recommendation, error) {
	if k <= 0 {
		return nil, nil
	}

	rows, err := l.db.QueryContext(ctx, l.topKStmt, id, k)
	if err != nil {
		return nil, fmt.Errorf("ledger: query top %d for %d: %w", k, id, err)
	}
	defer rows.Close()

	out := make([]Recommendation, 0, k)
	for rows.Next() {
		var score float64
		p, err := profile.Scan(rows, &score)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan recommendation: %w", err)
		}
		out = append(out, Recommendation{Profile: p, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: rows iteration: %w", err)
	}
	return out, nil
}

// Get implements Ledger.
func (l *PostgresLedger) Get(ctx context.Context, a, b int64) (Record, error) {
	pair, err := CanonicalPair(a, b)
	if err != nil {
		return Record{}, err
	}

	const query = `
		SELECT score, computed_at
		FROM similarities
		WHERE low_id = $1 AND high_id = $2`

	rec := Record{LowID: pair.Low, HighID: pair.High}
	err = l.db.QueryRowContext(ctx, query, pair.Low, pair.High).Scan(&rec.Score, &rec.ComputedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("ledger: get %s: %w", pair, err)
	}
	return rec, nil
}

// Count implements Ledger.
func (l *PostgresLedger) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM similarities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger: count: %w", err)
	}
	return n, nil
}
