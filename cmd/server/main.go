/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the month-end reconciliation server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (file, .env, RECON_* environment) and apply flags
  2. Initialize logger and SQLite store
  3. Choose the tick locker (Redis when enabled, in-process otherwise)
  4. Build the dashboard data source and the orchestrator
  5. Start the scheduler and the HTTP server
  6. Wait for SIGINT/SIGTERM and shut down

COMMANDS:
  server                    Run the server (default)
  server validate-config    Validate the effective configuration and exit

FLAGS:
  --config  Path to config.yaml (default: ./configs/config.yaml or ./config.yaml)
  --port    HTTP server port (overrides server.port)
  --db      SQLite database path (overrides database.path)
            Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (in-flight ticks are cancelled and awaited)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close Redis and database connections

EXAMPLES:
  # Run with file database
  ./server --db=./data/reconciliation.db

  # Run with in-memory database on a different port
  ./server --db=":memory:" --port=3000

  # Check a config file before deploying it
  ./server validate-config --config=./configs/prod.yaml

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - api/scheduler.go: Background ticking
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/reconciliation-engine/api"
	"github.com/warp/reconciliation-engine/config"
	"github.com/warp/reconciliation-engine/datasource"
	"github.com/warp/reconciliation-engine/lock"
	"github.com/warp/reconciliation-engine/logging"
	"github.com/warp/reconciliation-engine/reconciliation"
	"github.com/warp/reconciliation-engine/store/sqlite"
)

type flags struct {
	configPath string
	port       int
	dbPath     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "server",
		Short: "Month-end reconciliation server",
		Long: `server watches district figures after month-end and declares each
month final once the data stops changing, or when the maximum wait runs out.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	root.PersistentFlags().StringVar(&f.configPath, "config", "", "Path to config file")
	root.Flags().IntVar(&f.port, "port", 8080, "HTTP server port")
	root.Flags().StringVar(&f.dbPath, "db", "reconciliation.db", "SQLite database path")

	root.AddCommand(newValidateConfigCmd(f))
	return root
}

// loadConfig reads the config and lets explicitly set flags win.
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = f.port
	}
	if cmd.Flags().Changed("db") {
		cfg.Database.Path = f.dbPath
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.New(logging.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
		ServiceName: "reconciliation-engine",
	})
	defer log.Close()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	// Tick lock
	var locker reconciliation.Locker = reconciliation.NewKeyedLocker()
	if cfg.Redis.Enabled {
		rdb, err := lock.Connect(ctx, lock.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb)
		log.WithField("addr", cfg.Redis.Addr).Info("using redis tick lock")
	}

	source := datasource.NewDashboardClient(datasource.DashboardConfig{
		BaseURL: cfg.DataSource.BaseURL,
		APIKey:  cfg.DataSource.APIKey,
		Timeout: cfg.DataSource.Timeout,
	})

	orch, err := reconciliation.NewOrchestrator(reconciliation.Options{
		Store:                  store,
		Configs:                store,
		Source:                 source,
		Locker:                 locker,
		Events:                 reconciliation.LogEventSink{Logger: log.WithField("component", "events")},
		Logger:                 log,
		Defaults:               cfg.Reconciliation,
		ReadingTimeout:         cfg.Engine.ReadingTimeout,
		LockTTL:                cfg.Engine.LockTTL,
		MaxConsecutiveFailures: cfg.Engine.MaxConsecutiveFailures,
	})
	if err != nil {
		return err
	}

	handler := api.NewHandler(orch, log)

	scheduler := api.NewReconciliationScheduler(orch, log)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.CheckInterval
	scheduler.Concurrency = cfg.Scheduler.Concurrency
	scheduler.Retention = cfg.Scheduler.Retention
	handler.Scheduler = scheduler

	router := api.NewRouter(handler, cfg.Server.CORS.AllowedOrigins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler.Start()

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Server.Port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
