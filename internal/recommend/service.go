package recommend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roomie/recommender/internal/messaging"
	"github.com/roomie/recommender/internal/metrics"
	"github.com/roomie/recommender/internal/profile"
)

// EventSource delivers raw profile.created payloads.
type EventSource interface {
	SubscribeProfileCreated(handler func(data []byte)) error
	UnsubscribeProfileCreated() error
}

// ServiceConfig holds configuration for the recommendation service.
type ServiceConfig struct {
	// BatchOnStart runs a full batch as soon as the service starts.
	BatchOnStart bool

	// BatchInterval is how often a full batch runs. Zero disables
	// periodic batches.
	BatchInterval time.Duration

	// RunTimeout bounds a single batch or incremental run.
	RunTimeout time.Duration

	// EventBuffer is how many profile.created events may wait while a
	// run is in progress. Events beyond it are dropped and picked up by
	// the next full batch.
	EventBuffer int
}

// DefaultServiceConfig returns production defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		BatchOnStart:  true,
		BatchInterval: time.Hour,
		RunTimeout:    30 * time.Minute,
		EventBuffer:   256,
	}
}

// Service runs periodic full batches and scores new profiles as their
// profile.created events arrive. Runs never overlap.
type Service struct {
	rec    *Recommender
	events EventSource
	cfg    ServiceConfig
	logger zerolog.Logger
	name   string

	runMu sync.Mutex
}

// NewService creates the service. events may be nil, in which case only
// periodic batches run.
func NewService(rec *Recommender, events EventSource, cfg ServiceConfig, logger zerolog.Logger) *Service {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultServiceConfig().RunTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultServiceConfig().EventBuffer
	}
	return &Service{
		rec:    rec,
		events: events,
		cfg:    cfg,
		logger: logger.With().Str("service", "recommend").Logger(),
		name:   "recommend-service",
	}
}

// Serve implements suture.Service.
func (s *Service) Serve(ctx context.Context) error {
	s.logger.Info().
		Bool("batch_on_start", s.cfg.BatchOnStart).
		Dur("batch_interval", s.cfg.BatchInterval).
		Bool("events", s.events != nil).
		Msg("recommendation service starting")

	created := make(chan int64, s.cfg.EventBuffer)
	if s.events != nil {
		if err := s.events.SubscribeProfileCreated(func(data []byte) {
			s.enqueue(created, data)
		}); err != nil {
			return fmt.Errorf("recommend: subscribe profile events: %w", err)
		}
		defer func() {
			if err := s.events.UnsubscribeProfileCreated(); err != nil {
				s.logger.Warn().Err(err).Msg("unsubscribe profile events")
			}
		}()
	}

	if s.cfg.BatchOnStart {
		if _, err := s.RunBatch(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("initial batch failed (will retry on schedule)")
		}
	}

	var tick <-chan time.Time
	if s.cfg.BatchInterval > 0 {
		ticker := time.NewTicker(s.cfg.BatchInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("recommendation service shutting down")
			return ctx.Err()

		case <-tick:
			if _, err := s.RunBatch(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("scheduled batch failed")
			}

		case id := <-created:
			if _, err := s.RunIncremental(ctx, id); err != nil {
				s.logger.Warn().Err(err).Int64("profile_id", id).Msg("incremental run failed")
			}
		}
	}
}

// RunBatch runs one full batch under the service's run lock and timeout.
func (s *Service) RunBatch(ctx context.Context) (*BatchResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()
	return s.rec.RecomputeAll(runCtx)
}

// RunIncremental scores one profile under the service's run lock and timeout.
func (s *Service) RunIncremental(ctx context.Context, id int64) (*BatchResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	res, err := s.rec.RecomputeForNewProfile(runCtx, id)
	switch {
	case errors.Is(err, profile.ErrNotFound):
		metrics.ProfileEvents.WithLabelValues("invalid").Inc()
	case err != nil:
		metrics.ProfileEvents.WithLabelValues("failed").Inc()
	default:
		metrics.ProfileEvents.WithLabelValues("processed").Inc()
	}
	return res, err
}

// enqueue decodes a profile.created payload and queues its id without
// blocking the NATS delivery goroutine.
func (s *Service) enqueue(created chan<- int64, data []byte) {
	evt, err := messaging.DecodeProfileCreated(data)
	if err != nil {
		metrics.ProfileEvents.WithLabelValues("invalid").Inc()
		s.logger.Warn().Err(err).Msg("invalid profile event")
		return
	}

	select {
	case created <- evt.ProfileID:
	default:
		metrics.ProfileEvents.WithLabelValues("dropped").Inc()
		s.logger.Warn().Int64("profile_id", evt.ProfileID).Msg("event buffer full, profile left for next batch")
	}
}

// String returns the service name for logging.
func (s *Service) String() string {
	return s.name
}
