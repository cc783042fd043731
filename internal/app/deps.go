// Package app opens the connections a recommender process needs and wires
// them into a Recommender. Both the service and the one-shot command use it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/roomie/recommender/internal/config"
	"github.com/roomie/recommender/internal/database"
	"github.com/roomie/recommender/internal/ledger"
	"github.com/roomie/recommender/internal/messaging"
	"github.com/roomie/recommender/internal/ops"
	"github.com/roomie/recommender/internal/profile"
	"github.com/roomie/recommender/internal/recommend"
	"github.com/roomie/recommender/internal/registration"
	"github.com/roomie/recommender/internal/scoring"
)

// Deps holds the opened connections. Redis and NATS are nil when the
// configuration does not use them.
type Deps struct {
	DB          *sql.DB
	Redis       *redis.Client
	NATS        *messaging.NATSClient
	Profiles    *profile.PostgresStore
	Ledger      ledger.Ledger
	Recommender *recommend.Recommender
}

// Open connects to Postgres (migrating when configured), the selected
// ledger backend and, when withNATS is set and NATS is enabled, the NATS
// server. On error everything opened so far is closed.
func Open(ctx context.Context, cfg *config.Config, withNATS bool, logger zerolog.Logger) (*Deps, error) {
	d := &Deps{}

	db, err := database.Open(ctx, database.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	d.DB = db

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			d.Close()
			return nil, fmt.Errorf("app: %w", err)
		}
		if v, dirty, err := database.Version(db); err == nil {
			logger.Info().Uint("version", v).Bool("dirty", dirty).Msg("schema migrated")
		}
	}

	d.Profiles = profile.NewPostgresStore(db)

	switch cfg.Ledger.Backend {
	case "postgres":
		d.Ledger = ledger.NewPostgresLedger(db)
	case "redis":
		d.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.ConnectTimeout)
		err := d.Redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("app: connect to redis: %w", err)
		}
		d.Ledger = ledger.NewRedisLedger(d.Redis, d.Profiles)
	case "memory":
		d.Ledger = ledger.NewMemoryLedger(d.Profiles)
	default:
		d.Close()
		return nil, fmt.Errorf("app: unknown ledger backend %q", cfg.Ledger.Backend)
	}

	d.Recommender = recommend.New(d.Profiles, d.Ledger, scoring.New(), recommend.Config{
		Workers:  cfg.Recommend.Workers,
		DefaultK: cfg.Recommend.DefaultK,
	}, logger)

	if withNATS && cfg.NATS.Enabled {
		nc, err := messaging.NewNATSClient(messaging.NATSConfig{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name,
			ReconnectWait: cfg.NATS.ReconnectWait,
			MaxReconnects: cfg.NATS.MaxReconnects,
			QueueGroup:    cfg.NATS.QueueGroup,
		}, logger)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("app: %w", err)
		}
		d.NATS = nc
		d.Recommender.SetPublisher(nc)
	}

	logger.Info().
		Str("ledger", cfg.Ledger.Backend).
		Bool("nats", d.NATS != nil).
		Int("workers", cfg.Recommend.Workers).
		Msg("dependencies ready")
	return d, nil
}

// EventSource returns the NATS client as a recommend.EventSource, or nil
// when NATS is disabled.
func (d *Deps) EventSource() recommend.EventSource {
	if d.NATS == nil {
		return nil
	}
	return d.NATS
}

// Registrar returns a registration front end over the profile store. When
// announce is set and NATS is connected, new profiles are published as
// profile.created for the running service to score; otherwise they are
// scored in-process.
func (d *Deps) Registrar(announce bool, logger zerolog.Logger) *registration.Registrar {
	var announcer registration.Announcer
	if announce && d.NATS != nil {
		announcer = d.NATS
	}
	return registration.New(d.Profiles, d.Recommender, announcer, logger)
}

// HealthChecks returns one readiness check per opened dependency.
func (d *Deps) HealthChecks() map[string]ops.Check {
	checks := map[string]ops.Check{
		"database": d.DB.PingContext,
	}
	if d.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return d.Redis.Ping(ctx).Err()
		}
	}
	if d.NATS != nil {
		checks["nats"] = func(context.Context) error {
			if !d.NATS.Connected() {
				return errors.New("not connected")
			}
			return nil
		}
	}
	return checks
}

// Close releases every opened connection.
func (d *Deps) Close() {
	if d.NATS != nil {
		d.NATS.Close()
	}
	if d.Redis != nil {
		_ = d.Redis.Close()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}
