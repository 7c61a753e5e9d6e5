package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/NikhilSetiya/autoheal/internal/api"
	"github.com/NikhilSetiya/autoheal/internal/observability"
	"github.com/NikhilSetiya/autoheal/internal/store"
	"github.com/NikhilSetiya/autoheal/pkg/config"
	"github.com/NikhilSetiya/autoheal/pkg/healing"
	"github.com/NikhilSetiya/autoheal/pkg/logging"
)

var version = "dev"

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	obs, err := observability.NewService(cfg, version)
	if err != nil {
		log.Fatalf("Failed to initialize observability: %v", err)
	}
	logger := obs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, obs); err != nil {
		logger.Error("Daemon exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, obs *observability.Service) error {
	logger := obs.Logger()

	journal, archive, err := openStores(cfg, obs)
	if err != nil {
		return err
	}
	defer func() {
		if journal != nil {
			journal.Close()
		}
		if archive != nil {
			archive.Close()
		}
	}()

	monitor := healing.NewHealthMonitor(cfg.Healing.MonitorConfig(),
		healing.WithMonitorLogger(logger),
		healing.WithMonitorMetrics(obs.Metrics()),
	)

	engineOpts := []healing.EngineOption{
		healing.WithLogger(logger),
		healing.WithMetrics(obs.Metrics()),
		healing.WithTracer(obs.Tracing().Tracer()),
	}
	if journal != nil {
		engineOpts = append(engineOpts, healing.WithListener(journal))
	}
	if archive != nil {
		engineOpts = append(engineOpts, healing.WithListener(archive))
	}
	engine := healing.NewEngine(cfg.Healing.EngineConfig(), monitor, engineOpts...)

	if journal != nil {
		restoreBreakers(ctx, engine, journal, logger)
	}

	obs.AttachEngine(engine)
	obs.SetupAlertChannels()
	obs.SetupHealthChecks(monitor, journal, archive)

	monitor.Start(ctx)
	defer monitor.Stop()
	obs.StartCollector(ctx, engine, journal, archive)

	deps := api.Dependencies{
		Config:  cfg,
		Logger:  logger,
		Engine:  engine,
		Alerts:  obs.Alerting(),
		Health:  obs.Health(),
		Metrics: obs.Metrics(),
		Tracing: obs.Tracing(),
	}
	if journal != nil {
		deps.Journal = journal
	}
	if archive != nil {
		deps.Archive = archive
	}

	server := &http.Server{
		Addr:         cfg.Address(),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting healing daemon", "address", server.Addr, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down healing daemon")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.LogError(shutdownCtx, err, "Server forced to shutdown", nil)
	}

	if journal != nil {
		if err := journal.SaveBreakerStates(shutdownCtx, engine.CircuitBreakerStates()); err != nil {
			logger.LogError(shutdownCtx, err, "Failed to persist circuit breaker states", nil)
		}
	}

	if err := obs.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Info("Healing daemon exited")
	return nil
}

// openStores connects the optional Redis journal and Postgres archive. The
// archive schema is migrated before use.
func openStores(cfg *config.Config, obs *observability.Service) (*store.Journal, *store.Archive, error) {
	logger := obs.Logger()

	var journal *store.Journal
	if cfg.Redis.Enabled {
		j, err := store.NewJournal(&cfg.Redis, store.WithTracing(obs.Tracing()))
		if err != nil {
			return nil, nil, err
		}
		journal = j
		logger.Info("Recovery journal connected", "address", cfg.RedisAddr())
	}

	if !cfg.Database.Enabled {
		return journal, nil, nil
	}

	if err := migrateUp(&cfg.Database, logger); err != nil {
		if journal != nil {
			journal.Close()
		}
		return nil, nil, err
	}

	archive, err := store.NewArchive(&cfg.Database, store.WithTracing(obs.Tracing()))
	if err != nil {
		if journal != nil {
			journal.Close()
		}
		return nil, nil, err
	}
	logger.Info("Recovery archive connected", "database", cfg.Database.Name)

	return journal, archive, nil
}

func migrateUp(cfg *config.DatabaseConfig, logger *logging.Logger) error {
	migrator, err := store.NewMigrator(cfg)
	if err != nil {
		return err
	}
	defer migrator.Close()

	if err := migrator.Up(); err != nil {
		return err
	}

	schemaVersion, dirty, err := migrator.Version()
	if err != nil {
		return err
	}
	logger.Info("Archive schema ready", "version", schemaVersion, "dirty", dirty)
	return nil
}

// restoreBreakers re-registers the breakers persisted by a previous run.
// Only their configuration is restored; every breaker starts closed.
func restoreBreakers(ctx context.Context, engine *healing.Engine, journal *store.Journal, logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	states, err := journal.BreakerStates(ctx)
	if err != nil {
		logger.LogError(ctx, err, "Failed to load persisted circuit breakers", nil)
		return
	}

	for name, snapshot := range states {
		engine.RegisterCircuitBreaker(name, healing.CircuitBreakerConfig{
			FailureThreshold: snapshot.FailureThreshold,
			Timeout:          time.Duration(snapshot.TimeoutSeconds * float64(time.Second)),
			HalfOpenMaxCalls: snapshot.HalfOpenMaxCalls,
			SuccessThreshold: snapshot.SuccessThreshold,
		})
	}
	if len(states) > 0 {
		logger.Info("Restored circuit breakers", "count", len(states))
	}
}
