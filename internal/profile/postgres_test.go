package profile_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/roomie/recommender/internal/database"
	"github.com/roomie/recommender/internal/profile"
	"github.com/roomie/recommender/internal/testinfra"
)

// newTestDB opens the test database, migrates it and empties both tables.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := testinfra.PostgresDSN(t)

	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE similarities, profiles RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return db
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	store := profile.NewPostgresStore(newTestDB(t))
	ctx := context.Background()

	in := profile.Profile{
		Name:                "Lucía",
		Email:               "lucia@example.com",
		BirthDate:           "1995-04-12",
		Gender:              "F",
		MaxBudget:           520,
		Cleanliness:         4,
		AcceptsPet:          true,
		Interests:           `["cine","viajes"]`,
		RoommatePreferences: `{"zona":"centro"}`,
		Active:              true,
	}
	id, err := store.Create(ctx, in)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.ID != id || got.Email != in.Email || got.MaxBudget != 520 || got.Cleanliness != 4 {
		t.Errorf("unexpected profile %+v", got)
	}
	if got.Phone != "" || got.SocialHandle != "" {
		t.Errorf("absent fields should read back empty, got phone=%q social=%q", got.Phone, got.SocialHandle)
	}
	if got.Interests != in.Interests || !got.AcceptsPet || !got.Active {
		t.Errorf("attributes not round-tripped: %+v", got)
	}
	if got.RegisteredAt.IsZero() {
		t.Error("RegisteredAt should be set on create")
	}
}

func TestPostgresStore_DuplicateEmail(t *testing.T) {
	store := profile.NewPostgresStore(newTestDB(t))
	ctx := context.Background()

	if _, err := store.Create(ctx, profile.Profile{Name: "a", Email: "dup@example.com", Active: true}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	_, err := store.Create(ctx, profile.Profile{Name: "b", Email: "DUP@example.com", Active: true})
	if !errors.Is(err, profile.ErrEmailExists) {
		t.Fatalf("expected ErrEmailExists, got %v", err)
	}

	ok, err := store.EmailExists(ctx, "Dup@Example.com")
	if err != nil {
		t.Fatalf("EmailExists() error: %v", err)
	}
	if !ok {
		t.Error("EmailExists should match case-insensitively")
	}
}

func TestPostgresStore_DeactivateAndActiveProfiles(t *testing.T) {
	store := profile.NewPostgresStore(newTestDB(t))
	ctx := context.Background()

	var ids []int64
	for _, email := range []string{"a@x.io", "b@x.io", "c@x.io", "d@x.io"} {
		id, err := store.Create(ctx, profile.Profile{Name: email, Email: email, Active: true})
		if err != nil {
			t.Fatalf("Create() error: %v", err)
		}
		ids = append(ids, id)
	}

	n, err := store.Deactivate(ctx, ids[1], ids[3], 9999)
	if err != nil {
		t.Fatalf("Deactivate() error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows changed, got %d", n)
	}
	if n, _ := store.Deactivate(ctx, ids[1]); n != 0 {
		t.Errorf("deactivating twice should change nothing, got %d", n)
	}

	active, err := store.ActiveProfiles(ctx)
	if err != nil {
		t.Fatalf("ActiveProfiles() error: %v", err)
	}
	if len(active) != 2 || active[0].ID != ids[0] || active[1].ID != ids[2] {
		t.Fatalf("unexpected active set %v", active)
	}

	ok, err := store.Exists(ctx, ids[1])
	if err != nil || !ok {
		t.Errorf("inactive profiles still exist, got ok=%v err=%v", ok, err)
	}
	if _, err := store.Get(ctx, 9999); !errors.Is(err, profile.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
