package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/fleetbus/internal/deadletter"
	"github.com/nerrad567/fleetbus/internal/dispatch"
	"github.com/nerrad567/fleetbus/internal/infrastructure/config"
	"github.com/nerrad567/fleetbus/internal/infrastructure/database"
	"github.com/nerrad567/fleetbus/internal/infrastructure/influxdb"
	"github.com/nerrad567/fleetbus/internal/infrastructure/logging"
	"github.com/nerrad567/fleetbus/internal/supervisor"
	"github.com/nerrad567/fleetbus/internal/telemetry"
	"github.com/nerrad567/fleetbus/migrations"
)

// healthCheckTimeout bounds the start-up health check.
const healthCheckTimeout = 5 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the backend consumer",
		Long: `serve connects to the broker and runs until interrupted. It consumes every
realtime and report stream into InfluxDB (or the log when InfluxDB is
disabled) and archives dead-lettered messages in SQLite.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), a.cfg, a.log)
		},
	}
}

// runServe is the backend process, separated from the command for
// testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - cfg: Loaded configuration
//   - log: Logger built from cfg
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func runServe(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	log.Info("starting fleetbus",
		"version", version,
		"commit", commit,
		"build_date", date,
		"broker", cfg.Broker.Type,
	)

	// Open the dead-letter archive (optional)
	var db *database.DB
	if cfg.DeadLetter.Archive {
		var err error
		db, err = openDatabase(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
	} else {
		log.Info("dead-letter archive disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	var writer telemetry.Writer = telemetry.LogWriter{Logger: log.Component("telemetry")}
	if cfg.InfluxDB.Enabled {
		var err error
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		writer = influxClient
	} else {
		log.Info("InfluxDB disabled, telemetry will be logged")
	}

	// Connect to the broker
	dialer, err := newDialer(cfg, log)
	if err != nil {
		return err
	}
	sup := newSupervisor(cfg, dialer, log)
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer func() {
		log.Info("closing broker session")
		if closeErr := sup.Close(); closeErr != nil {
			log.Error("error closing broker session", "error", closeErr)
		}
	}()
	log.Info("broker connected", "endpoint", dialer.Endpoint())

	// Wire telemetry streams into the dispatcher
	registry := dispatch.NewRegistry()
	sink := telemetry.NewSink(writer)
	if err := sink.Register(registry); err != nil {
		return fmt.Errorf("registering telemetry handlers: %w", err)
	}

	router := newRouter(cfg)
	dispatcher, err := dispatch.New(sup, router, registry, dispatch.Config{
		Prefetch:       cfg.Session.Prefetch,
		MaxRetries:     cfg.Retry.MaxRetries,
		HandlerTimeout: cfg.Dispatch.HandlerTimeout,
		DedupeSize:     cfg.Dispatch.DedupeSize,
	})
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}
	dispatcher.SetLogger(log.Component("dispatch"))

	// Verify all connections are healthy
	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	err = healthCheck(checkCtx, sup, db, influxClient)
	cancel()
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })

	var archive *deadletter.Archive
	if db != nil {
		archive = deadletter.NewArchive(sup, router, deadletter.NewSQLiteRepository(db.DB), cfg.DeadLetter.Prefetch)
		archive.SetLogger(log.Component("deadletter"))
		g.Go(func() error { return archive.Run(gctx) })
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	runErr := g.Wait()

	stats := dispatcher.Stats()
	log.Info("dispatch totals",
		"delivered", stats.Delivered,
		"acked", stats.Acked,
		"requeued", stats.Requeued,
		"dead_lettered", stats.DeadLettered,
		"poisoned", stats.Poisoned,
		"duplicates", stats.Duplicates,
		"points_written", sink.Written(),
	)
	if archive != nil {
		as := archive.Stats()
		log.Info("archive totals",
			"archived", as.Archived,
			"duplicates", as.Duplicates,
			"malformed", as.Malformed,
			"failures", as.Failures,
		)
	}

	if runErr != nil {
		return runErr
	}
	log.Info("fleetbus stopped")
	return nil
}

// openDatabase opens the SQLite archive and applies pending migrations.
func openDatabase(ctx context.Context, cfg *config.Config, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	applied, err := db.Migrate(ctx, migrations.FS)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", db.Path(), "migrations_applied", applied)
	return db, nil
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - sup: Broker supervisor to check
//   - db: Archive database to check (may be nil if archiving is disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First failing check, or nil
func healthCheck(ctx context.Context, sup *supervisor.Supervisor, db *database.DB, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if err := sup.HealthCheck(ctx); err != nil {
		return fmt.Errorf("broker: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
