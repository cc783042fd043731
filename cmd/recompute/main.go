// Command recompute is the operator tool for the recommender.
//
// Batch mode (default) deactivates the given profiles, runs one full batch
// recomputation and prints the outcome. With -top it also prints the
// recommendations for one profile afterwards.
//
// Register mode (-register FILE) admits the profiles in a JSON file (one
// object or an array). Each is rejected if its email is registered, stored,
// and then announced on profile.created when NATS is enabled, or scored
// against every active profile in-process otherwise (-announce=false forces
// in-process scoring).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/roomie/recommender/internal/app"
	"github.com/roomie/recommender/internal/config"
	"github.com/roomie/recommender/internal/logging"
	"github.com/roomie/recommender/internal/profile"
	"github.com/roomie/recommender/internal/recommend"
	"github.com/roomie/recommender/internal/registration"
)

type options struct {
	deactivate []int64
	top        int64
	k          int
	register   []registration.Request
	announce   bool
}

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file (default: $ROOMIE_CONFIG or ./config.yaml)")
		deactivate = flag.String("deactivate", "", "comma-separated profile ids to deactivate before the run")
		top        = flag.Int64("top", 0, "print recommendations for this profile id after the run")
		k          = flag.Int("k", 0, "number of recommendations printed with -top (0 uses the configured default)")
		register   = flag.String("register", "", "JSON file of profiles to register instead of running a batch")
		announce   = flag.Bool("announce", true, "with -register, publish profile.created when NATS is enabled instead of scoring in-process")
	)
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "recompute:", err)
		os.Exit(2)
	}

	opts := options{top: *top, k: *k, announce: *announce}
	if opts.deactivate, err = parseIDs(*deactivate); err != nil {
		fmt.Fprintln(os.Stderr, "recompute:", err)
		os.Exit(2)
	}
	if *register != "" {
		data, err := os.ReadFile(*register)
		if err != nil {
			fmt.Fprintln(os.Stderr, "recompute:", err)
			os.Exit(2)
		}
		if opts.register, err = registration.DecodeRequests(data); err != nil {
			fmt.Fprintln(os.Stderr, "recompute:", err)
			os.Exit(2)
		}
	}

	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err := run(cfg, opts, os.Stdout, logger); err != nil {
		logger.Error().Err(err).Msg("recompute failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, opts options, out io.Writer, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registering := len(opts.register) > 0
	deps, err := app.Open(ctx, cfg, registering && opts.announce, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.Recommend.RunTimeout)
	defer cancel()

	if registering {
		return registerAll(ctx, deps.Registrar(opts.announce, logger), opts.register, out)
	}

	if len(opts.deactivate) > 0 {
		n, err := deps.Profiles.Deactivate(ctx, opts.deactivate...)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "deactivated %d of %d profiles\n", n, len(opts.deactivate))
	}

	res, err := deps.Recommender.RecomputeAll(ctx)
	if err != nil {
		return err
	}
	printResult(out, res)

	if opts.top > 0 {
		recs, err := deps.Recommender.TopK(ctx, opts.top, opts.k)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "recommendations for profile %d:\n", opts.top)
		for i, r := range recs {
			fmt.Fprintf(out, "  %d. #%d %s  %.4f\n", i+1, r.Profile.ID, r.Profile.Name, r.Score)
		}
	}
	return nil
}

// registrar is the part of registration.Registrar registerAll drives.
type registrar interface {
	Register(ctx context.Context, req registration.Request) (*registration.Result, error)
}

// registerAll registers every request. Rejected requests are reported and
// skipped; a storage or announce failure stops the run.
func registerAll(ctx context.Context, r registrar, reqs []registration.Request, out io.Writer) error {
	var admitted, rejected int
	for _, req := range reqs {
		res, err := r.Register(ctx, req)
		switch {
		case errors.Is(err, profile.ErrEmailExists), errors.Is(err, registration.ErrInvalidRequest):
			rejected++
			fmt.Fprintf(out, "rejected %s: %v\n", req.Email, err)
			continue
		case err != nil:
			if res != nil {
				fmt.Fprintf(out, "stored %s as #%d but: %v\n", req.Email, res.ProfileID, err)
			}
			return err
		}

		admitted++
		if res.Announced {
			fmt.Fprintf(out, "registered %s as #%d (announced)\n", req.Email, res.ProfileID)
		} else {
			fmt.Fprintf(out, "registered %s as #%d (scored %d pairs, %d failed)\n",
				req.Email, res.ProfileID, res.Batch.Processed, len(res.Batch.Failures))
		}
	}
	fmt.Fprintf(out, "%d registered, %d rejected\n", admitted, rejected)
	return nil
}

func printResult(out io.Writer, res *recommend.BatchResult) {
	fmt.Fprintf(out, "run %s: processed %d pairs in %s, %d failed\n",
		res.RunID, res.Processed, res.Duration.Round(time.Millisecond), len(res.Failures))
	for _, f := range res.Failures {
		fmt.Fprintf(out, "  %d:%d %s: %v\n", f.LowID, f.HighID, f.Kind, f.Err)
	}
}

// parseIDs parses "3, 5,8" into ids. Blank input yields none.
func parseIDs(raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid profile id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
