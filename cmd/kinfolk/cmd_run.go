package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/talgya/kinfolk/internal/api"
	"github.com/talgya/kinfolk/internal/archive"
	"github.com/talgya/kinfolk/internal/config"
	"github.com/talgya/kinfolk/internal/engine"
	"github.com/talgya/kinfolk/internal/entropy"
	"github.com/talgya/kinfolk/internal/eventlog"
	"github.com/talgya/kinfolk/internal/logging"
	"github.com/talgya/kinfolk/internal/metrics"
	"github.com/talgya/kinfolk/internal/persistence"
)

type runOptions struct {
	population int
	years      float64
	seed       int64
	logLevel   string
	interval   time.Duration

	dbDriver  string
	dbDSN     string
	eventsDir string

	apiAddr       string
	streamClients int

	s3 archive.Config
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation",
		Long: `Seed a population and advance it until the year limit is reached, the
population dies out, or the process is interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.Logging.Level = opts.logLevel
			}
			slog.SetDefault(logging.NewLogger(cfg.Logging.Level, cmd.ErrOrStderr()))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSimulation(ctx, cfg, opts, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.population, "population", "n", 100, "Founding population size")
	f.Float64VarP(&opts.years, "years", "y", 100, "Simulated years to run (0 = until extinct or interrupted)")
	f.Int64Var(&opts.seed, "seed", 0, "Random seed (0 = non-deterministic)")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level: info, debug, trace (overrides config)")
	f.DurationVar(&opts.interval, "interval", 0, "Wall-clock pacing per step (0 = as fast as possible)")
	f.StringVar(&opts.dbDriver, "db-driver", persistence.DriverSQLite, "Event store driver: sqlite or pgx")
	f.StringVar(&opts.dbDSN, "db", "", "Event store path (sqlite) or URL (pgx); empty disables the store")
	f.StringVar(&opts.eventsDir, "events-dir", "", "Directory for the compressed JSONL event log; empty disables it")
	f.StringVar(&opts.apiAddr, "api", "", "HTTP API listen address, e.g. :8080; empty disables the API")
	f.IntVar(&opts.streamClients, "stream-clients", 4, "Maximum concurrent websocket stream clients")
	f.StringVar(&opts.s3.Bucket, "s3-bucket", "", "Upload the event log to this bucket when the run ends")
	f.StringVar(&opts.s3.Prefix, "s3-prefix", "kinfolk/runs", "Object key prefix")
	f.StringVar(&opts.s3.Region, "s3-region", "", "S3 region (default us-east-1)")
	f.StringVar(&opts.s3.Endpoint, "s3-endpoint", "", "Custom S3 endpoint such as MinIO")
	f.BoolVar(&opts.s3.PathStyle, "s3-path-style", false, "Use path-style S3 addressing")
	return cmd
}

// runSimulation wires the sinks and surfaces around one engine run.
func runSimulation(ctx context.Context, cfg *config.Config, opts runOptions, out io.Writer) (err error) {
	if opts.population < 0 {
		return fmt.Errorf("population must be >= 0, got %d", opts.population)
	}
	if opts.s3.Bucket != "" && opts.eventsDir == "" {
		return errors.New("--s3-bucket needs --events-dir")
	}

	sim, err := engine.NewSimulation(cfg.Params, entropy.FromSeed(opts.seed))
	if err != nil {
		return err
	}
	eng, err := engine.NewEngine(sim, cfg.Cadences)
	if err != nil {
		return err
	}
	eng.Interval = opts.interval

	collector := metrics.New()
	sim.AddSink(collector)

	var db *persistence.DB
	if opts.dbDSN != "" {
		if db, err = persistence.Open(opts.dbDriver, opts.dbDSN); err != nil {
			return err
		}
		defer func() { err = errors.Join(err, db.Close()) }()
		if _, err := db.StartRun(ctx, opts.seed, cfg.Params); err != nil {
			return err
		}
		sim.AddSink(db)
	}

	runName := uuid.NewString()
	if db != nil {
		runName = db.RunID().String()
	}

	var events *eventlog.Writer
	if opts.eventsDir != "" {
		if events, err = eventlog.Create(opts.eventsDir, runName); err != nil {
			return err
		}
		defer func() { err = errors.Join(err, events.Close()) }()
		sim.AddSink(events)
	}

	var hub *api.Hub
	if opts.apiAddr != "" {
		hub = api.NewHub(opts.streamClients)
		sim.AddSink(hub)
	}

	sim.SeedPopulation(opts.population)
	if err := sim.Flush(ctx); err != nil {
		return err
	}
	collector.Observe(sim.Stats)

	eng.OnStep = func(uint64, float64) {
		eng.Do(func(s *engine.Simulation) { collector.Observe(s.Stats) })
	}

	var yearLimit engine.StopCondition
	if opts.years > 0 {
		yearLimit = engine.AfterYears(opts.years)
	}
	stopWhen := engine.AnyOf(yearLimit, engine.WhenExtinct())

	slog.Info("run starting",
		"run", runName,
		"population", opts.population,
		"years", opts.years,
		"seed", opts.seed,
		"base_step", eng.BaseStep(),
	)

	// The API lives only as long as the engine; finishing the run shuts it down.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)
	if opts.apiAddr != "" {
		srv := &api.Server{
			Eng:      eng,
			DB:       db,
			Metrics:  collector,
			Hub:      hub,
			Addr:     opts.apiAddr,
			AdminKey: os.Getenv("KINFOLK_ADMIN_KEY"),
		}
		g.Go(func() error { return srv.Serve(gctx) })
	}
	g.Go(func() error {
		defer cancelRun()
		runErr := eng.Run(gctx, stopWhen)
		if errors.Is(runErr, context.Canceled) && ctx.Err() != nil {
			return nil // interrupted
		}
		return runErr
	})
	if err := g.Wait(); err != nil {
		return err
	}

	// Anything spawned through the API after the final step.
	var flushErr error
	eng.Do(func(s *engine.Simulation) { flushErr = s.Flush(context.Background()) })
	if flushErr != nil {
		return flushErr
	}

	sim.Log.LogSummary()
	fmt.Fprintf(out, "%s: population %d, births %d, deaths %d, partnerships %d (tick %d)\n",
		engine.SimTime(eng.Elapsed), sim.Stats.Population, sim.Stats.Births, sim.Stats.Deaths,
		sim.Stats.Partnerships, eng.Tick)

	if db != nil {
		if err := db.FinishRun(context.Background(), eng.Tick, eng.Elapsed); err != nil {
			return err
		}
		counts, err := db.EventCounts(context.Background())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "event store: run %s,%s\n", runName, formatCounts(counts))
	}

	if events == nil {
		return nil
	}
	if err := events.Close(); err != nil {
		return err
	}
	fmt.Fprintf(out, "event log: %s (%d events)\n", events.Path(), events.Written())

	if opts.s3.Bucket == "" {
		return nil
	}
	// Archive even after an interrupt.
	upCtx, cancelUpload := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
	defer cancelUpload()
	uploader, err := archive.New(upCtx, opts.s3)
	if err != nil {
		return err
	}
	key, err := uploader.UploadFile(upCtx, events.Path())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "archived to s3://%s/%s\n", opts.s3.Bucket, key)
	return nil
}

// formatCounts renders per-kind counts in key order, e.g. " birth=40 death=2".
func formatCounts(counts map[string]int) string {
	var b strings.Builder
	for _, kind := range slices.Sorted(maps.Keys(counts)) {
		fmt.Fprintf(&b, " %s=%d", kind, counts[kind])
	}
	return b.String()
}
