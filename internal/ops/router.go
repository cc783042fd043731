// Package ops serves the operational endpoints: Prometheus metrics and
// liveness and readiness checks.
package ops

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/roomie/recommender/internal/metrics"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 2 * time.Second

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// HealthReport is the readiness response body.
type HealthReport struct {
	Status string            `json:"status"` // "ok" or "degraded"
	Checks map[string]string `json:"checks,omitempty"`
}

// NewRouter returns the ops handler:
//
//	GET /metrics        Prometheus exposition
//	GET /healthz/live   always 200 while the process runs
//	GET /healthz        runs every check; 503 if any fails
func NewRouter(checks map[string]Check, logger zerolog.Logger) http.Handler {
	log := logger.With().Str("component", "ops").Logger()

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Handle("/metrics", metrics.Handler())
	r.Route("/healthz", func(r chi.Router) {
		r.Get("/live", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, HealthReport{Status: "ok"})
		})
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			report := runChecks(req.Context(), checks)
			status := http.StatusOK
			if report.Status != "ok" {
				status = http.StatusServiceUnavailable
				log.Warn().Interface("checks", report.Checks).Msg("readiness check failed")
			}
			writeJSON(w, status, report)
		})
	})
	return r
}

// runChecks runs all checks concurrently.
func runChecks(ctx context.Context, checks map[string]Check) HealthReport {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]string, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			if err := checks[name](cctx); err != nil {
				results[i] = "error: " + err.Error()
				return
			}
			results[i] = "ok"
		}()
	}
	wg.Wait()

	report := HealthReport{Status: "ok", Checks: make(map[string]string, len(names))}
	for i, name := range names {
		report.Checks[name] = results[i]
		if results[i] != "ok" {
			report.Status = "degraded"
		}
	}
	return report
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
