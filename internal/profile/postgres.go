package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

// pgUniqueViolation is the SQLSTATE raised for duplicate keys.
const pgUniqueViolation = "23505"

// Columns lists the profiles table columns in the order Scan expects.
var Columns = []string{
	"id", "name", "email", "phone",
	"social_handle", "birth_date", "gender", "occupation", "sports",
	"max_budget", "cleanliness", "work_schedule",
	"has_pet", "accepts_pet", "is_smoker", "accepts_smoker",
	"interests", "roommate_preferences",
	"registered_at", "updated_at", "active",
}

// QualifiedColumns returns Columns prefixed with a table alias.
func QualifiedColumns(alias string) []string {
	out := make([]string, len(Columns))
	for i, c := range Columns {
		out[i] = alias + "." + c
	}
	return out
}

// RowScanner is satisfied by *sql.Row and *sql.Rows.
type RowScanner interface {
	Scan(dest ...any) error
}

// Scan reads one profile laid out as Columns, followed by any extra
// destinations the caller selected after them.
func Scan(row RowScanner, extra ...any) (*Profile, error) {
	var p Profile
	var phone, handle, birth, gender, occupation, sports, schedule, interests, prefs sql.NullString
	var budget sql.NullFloat64
	var cleanliness sql.NullInt64
	var hasPet, acceptsPet, isSmoker, acceptsSmoker sql.NullBool
	var registeredAt, updatedAt sql.NullTime

	dest := []any{
		&p.ID, &p.Name, &p.Email, &phone,
		&handle, &birth, &gender, &occupation, &sports,
		&budget, &cleanliness, &schedule,
		&hasPet, &acceptsPet, &isSmoker, &acceptsSmoker,
		&interests, &prefs,
		&registeredAt, &updatedAt, &p.Active,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	p.Phone = phone.String
	p.SocialHandle = handle.String
	p.BirthDate = birth.String
	p.Gender = gender.String
	p.Occupation = occupation.String
	p.Sports = sports.String
	p.MaxBudget = budget.Float64
	p.Cleanliness = int(cleanliness.Int64)
	p.WorkSchedule = schedule.String
	p.HasPet = hasPet.Bool
	p.AcceptsPet = acceptsPet.Bool
	p.IsSmoker = isSmoker.Bool
	p.AcceptsSmoker = acceptsSmoker.Bool
	p.Interests = interests.String
	p.RoommatePreferences = prefs.String
	p.RegisteredAt = registeredAt.Time
	p.UpdatedAt = updatedAt.Time
	return &p, nil
}

// PostgresStore reads and writes profiles in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
	qb sq.StatementBuilderType
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db: db,
		qb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// ActiveProfiles implements Store.
func (s *PostgresStore) ActiveProfiles(ctx context.Context) ([]*Profile, error) {
	query, args, err := s.qb.Select(Columns...).
		From("profiles").
		Where(sq.Eq{"active": true}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("profile: build active query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("profile: query active: %w", err)
	}
	defer rows.Close()

	var out []*Profile
	for rows.Next() {
		p, err := Scan(rows)
		if err != nil {
			return nil, fmt.Errorf("profile: scan active: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profile: rows iteration: %w", err)
	}
	return out, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id int64) (*Profile, error) {
	query, args, err := s.qb.Select(Columns...).
		From("profiles").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("profile: build get query: %w", err)
	}

	p, err := Scan(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("profile: get %d: %w", id, err)
	}
	return p, nil
}

// Exists implements Store.
func (s *PostgresStore) Exists(ctx context.Context, id int64) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM profiles WHERE id = $1)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&ok); err != nil {
		return false, fmt.Errorf("profile: exists %d: %w", id, err)
	}
	return ok, nil
}

// EmailExists reports whether an email is already registered.
func (s *PostgresStore) EmailExists(ctx context.Context, email string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM profiles WHERE lower(email) = lower($1))`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, email).Scan(&ok); err != nil {
		return false, fmt.Errorf("profile: email exists: %w", err)
	}
	return ok, nil
}

// Create inserts a profile and returns its new id. A duplicate email
// yields ErrEmailExists.
func (s *PostgresStore) Create(ctx context.Context, p Profile) (int64, error) {
	now := time.Now().UTC()
	if p.RegisteredAt.IsZero() {
		p.RegisteredAt = now
	}

	query, args, err := s.qb.Insert("profiles").
		Columns(Columns[1:]...).
		Values(
			p.Name, p.Email, nullString(p.Phone),
			nullString(p.SocialHandle), nullString(p.BirthDate), nullString(p.Gender),
			nullString(p.Occupation), nullString(p.Sports),
			p.MaxBudget, nullCleanliness(p.Cleanliness), nullString(p.WorkSchedule),
			p.HasPet, p.AcceptsPet, p.IsSmoker, p.AcceptsSmoker,
			nullString(p.Interests), nullString(p.RoommatePreferences),
			p.RegisteredAt, now, p.Active,
		).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("profile: build insert: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
		return 0, ErrEmailExists
	}
	if err != nil {
		return 0, fmt.Errorf("profile: insert: %w", err)
	}
	return id, nil
}

// Deactivate marks the given profiles inactive and returns how many rows
// changed. Similarity rows are left in place; readers filter on active.
func (s *PostgresStore) Deactivate(ctx context.Context, ids ...int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query, args, err := s.qb.Update("profiles").
		Set("active", false).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": ids, "active": true}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("profile: build deactivate: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("profile: deactivate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("profile: deactivate rows affected: %w", err)
	}
	return int(n), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullCleanliness(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v != 0}
}
