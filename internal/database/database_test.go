package database

import (
	"context"
	"strings"
	"testing"

	"github.com/roomie/recommender/internal/testinfra"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.DSN == "" {
		t.Error("expected a default DSN")
	}
	if cfg.MaxOpenConns < cfg.MaxIdleConns {
		t.Errorf("max open %d below max idle %d", cfg.MaxOpenConns, cfg.MaxIdleConns)
	}
}

func TestMigrations_Embedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		t.Fatalf("ReadDir() error: %v", err)
	}
	var up, down int
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			up++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			down++
		}
	}
	if up == 0 || up != down {
		t.Errorf("expected matching up/down migrations, got %d up and %d down", up, down)
	}
}

func TestMigrate(t *testing.T) {
	dsn := testinfra.PostgresDSN(t)

	ctx := context.Background()
	db, err := Open(ctx, Config{DSN: dsn})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	// A second run finds nothing to do.
	if err := Migrate(db); err != nil {
		t.Fatalf("second Migrate() error: %v", err)
	}

	v, dirty, err := Version(db)
	if err != nil {
		t.Fatalf("Version() error: %v", err)
	}
	if v < 1 || dirty {
		t.Errorf("Version() = %d, dirty=%v; want >= 1, clean", v, dirty)
	}

	for _, table := range []string{"profiles", "similarities"} {
		var ok bool
		err := db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, table).Scan(&ok)
		if err != nil || !ok {
			t.Errorf("table %s missing (err=%v)", table, err)
		}
	}
}
