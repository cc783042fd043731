package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/roomie/recommender/internal/app"
	"github.com/roomie/recommender/internal/config"
	"github.com/roomie/recommender/internal/logging"
	"github.com/roomie/recommender/internal/ops"
	"github.com/roomie/recommender/internal/recommend"
	"github.com/roomie/recommender/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New(logging.Config{})
		boot.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logger.Info().Msg("starting roommate recommender")

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("recommender exited")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, true, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	svc := recommend.NewService(deps.Recommender, deps.EventSource(), recommend.ServiceConfig{
		BatchOnStart:  cfg.Recommend.BatchOnStart,
		BatchInterval: cfg.Recommend.BatchInterval,
		RunTimeout:    cfg.Recommend.RunTimeout,
		EventBuffer:   cfg.Recommend.EventBuffer,
	}, logger)

	opsServer := &http.Server{
		Addr:              cfg.Ops.Addr,
		Handler:           ops.NewRouter(deps.HealthChecks(), logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	tree := supervisor.NewTree(logger, supervisor.TreeConfig{
		FailureThreshold: cfg.Supervisor.FailureThreshold,
		FailureDecay:     cfg.Supervisor.FailureDecay,
		FailureBackoff:   cfg.Supervisor.FailureBackoff,
		ShutdownTimeout:  cfg.Supervisor.ShutdownTimeout,
	})
	tree.AddWorker(svc)
	tree.AddOps(supervisor.NewHTTPServerService("ops-http", opsServer, cfg.Ops.ShutdownTimeout))

	logger.Info().
		Str("ops_addr", cfg.Ops.Addr).
		Str("ledger", cfg.Ledger.Backend).
		Msg("roommate recommender running")

	err = tree.Serve(ctx)

	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil {
		for _, u := range report {
			logger.Warn().Str("service", u.Name).Msg("service did not stop in time")
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
