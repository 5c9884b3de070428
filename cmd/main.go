package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kong/pg-aurora-bench/internal/report"
	"github.com/kong/pg-aurora-bench/internal/store"
	"github.com/kong/pg-aurora-bench/pkg/metrics"
	"github.com/kong/pg-aurora-bench/pkg/model"
	"github.com/kong/pg-aurora-bench/pkg/runner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type appContext struct {
	Runner  *runner.Runner
	Store   *store.Store
	Metrics *metrics.Prometheus
	Logger  *zap.Logger
}

var errRunNotPassed = errors.New("run did not pass its thresholds")

// probe rows younger than this may belong to a run kept for inspection
const probeRetention = time.Hour

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:           "pg-aurora-bench",
		Short:         "Load, consistency and stability checks for a Postgres primary and its read replicas",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			_, err := SetupLogging(logLevel)
			return err
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.AddCommand(runCmd(), migrateCmd())
	return cmd
}

type runOptions struct {
	test        string
	configPath  string
	driver      string
	resultsDir  string
	statusAddr  string
	statsdAddr  string
	seed        int
	migrate     bool
	timeout     time.Duration
	healthCheck time.Duration
}

func runCmd() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the selected test suites and write a result file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := run(cmd.Context(), opts)
			if err != nil && Logger != nil {
				Logger.Error("pg-aurora-bench run", zap.Error(err))
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.test, "test", "all", "suite to run: performance, consistency, stability or all")
	f.StringVar(&opts.configPath, "config", "", "YAML configuration file; PG_* variables override it")
	f.StringVar(&opts.driver, "driver", driverPgx, "database driver: pgx, postgres or sqlite3")
	f.StringVar(&opts.resultsDir, "results-dir", "results", "directory result files are written to")
	f.StringVar(&opts.statusAddr, "status-addr", "", "serve /health, /poolstats, /result and /metrics on this address")
	f.StringVar(&opts.statsdAddr, "statsd-addr", "", "emit live metrics to this dogstatsd address")
	f.IntVar(&opts.seed, "seed", -1, "rows to seed bench_load with before the run (default from config)")
	f.BoolVar(&opts.migrate, "migrate", false, "apply schema migrations before the run")
	f.DurationVar(&opts.timeout, "timeout", 0, "abort the whole run after this long")
	f.DurationVar(&opts.healthCheck, "health-check-period", 0, "validate idle pooled connections at this period")
	return cmd
}

func migrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the benchmark schema to the primary",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := model.LoadConfig(configPath)
			if err != nil {
				return err
			}
			primary := cfg.Primary()
			if err := store.MigrateDb(primary.DSN()); err != nil {
				Logger.Error("migration failed", zap.String("endpoint", primary.Name), zap.Error(err))
				return err
			}
			Logger.Info("schema up to date", zap.String("endpoint", primary.Name))
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file; PG_* variables override it")
	return cmd
}

func run(parent context.Context, opts runOptions) error {
	logger := Logger
	cfg, err := model.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	suites, err := model.ParseSuite(opts.test)
	if err != nil {
		return err
	}
	if opts.seed >= 0 {
		cfg.SeedRows = opts.seed
	}
	d, err := newDriver(opts.driver, cfg.AcquireTimeout, logger)
	if err != nil {
		return err
	}
	if s, ok := d.(shutdowner); ok {
		defer func() {
			if err := s.Shutdown(); err != nil {
				logger.Warn("driver shutdown", zap.Error(err))
			}
		}()
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	ac := &appContext{Logger: logger, Runner: runner.New(cfg, d, logger)}
	ac.Runner.SetSink(report.NewFileSink(opts.resultsDir, logger))
	ac.Runner.SetHealthCheckPeriod(opts.healthCheck)

	var recorders metrics.Multi
	if opts.statusAddr != "" {
		ac.Metrics = metrics.NewPrometheus()
		recorders = append(recorders, ac.Metrics)
	}
	if opts.statsdAddr != "" {
		sd, err := metrics.NewStatsd(opts.statsdAddr, logger)
		if err != nil {
			return fmt.Errorf("statsd: %w", err)
		}
		defer sd.Close()
		recorders = append(recorders, sd)
	}
	if len(recorders) > 0 {
		ac.Runner.SetRecorder(recorders)
	}

	err = prepare(ctx, ac, cfg, opts)
	if ac.Store != nil {
		defer ac.Store.Close()
	}
	if err != nil {
		return err
	}

	if opts.statusAddr != "" {
		srv := &http.Server{Addr: opts.statusAddr, Handler: ac.routes(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("status server listening", zap.String("addr", opts.statusAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	result, err := ac.Runner.Run(ctx, suites)
	fmt.Println(runner.Summary(result))
	if err != nil {
		return err
	}
	if !result.Passed() {
		return errRunNotPassed
	}
	return nil
}

// prepare applies the schema and seed rows, and wires the server-side lag
// reader when the driver talks to postgres.
func prepare(ctx context.Context, ac *appContext, cfg *model.Config, opts runOptions) error {
	primary := cfg.Primary()
	if opts.driver == driverSQLite {
		d, _ := newDriver(driverSQLite, cfg.AcquireTimeout, ac.Logger)
		defer d.(shutdowner).Shutdown()
		return store.BootstrapSQLite(ctx, d, primary, cfg.SeedRows)
	}

	if opts.migrate {
		if err := store.MigrateDb(primary.DSN()); err != nil {
			return err
		}
	}
	var replica *model.Endpoint
	if r := cfg.Replicas(); len(r) > 0 {
		replica = &r[0]
	}
	s, err := store.Open(ctx, primary, replica, ac.Logger)
	if err != nil {
		return err
	}
	ac.Store = s
	if cfg.SeedRows > 0 {
		if _, err := s.Seed(ctx, cfg.SeedRows); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}
	purged, err := s.PurgeProbes(ctx, probeRetention)
	if err != nil {
		return fmt.Errorf("purge probes: %w", err)
	}
	if purged > 0 {
		ac.Logger.Info("purged stale probe rows", zap.Int64("rows", purged), zap.Duration("olderThan", probeRetention))
	}
	if replica != nil {
		ac.Runner.SetServerLag(s.ReplicationLag)
	}
	ac.Runner.SetServerStats(s.ServerStats)
	return nil
}
