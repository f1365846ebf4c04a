// Package app wires configuration, infrastructure clients, and the
// instancer core into the two runnable modes: "api" serves the HTTP
// boundary, "reaper" runs the background expire/resync loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/acmcyber/instancer/internal/config"
	"github.com/acmcyber/instancer/internal/httpserver"
	"github.com/acmcyber/instancer/internal/platform"
	"github.com/acmcyber/instancer/internal/telemetry"
	"github.com/acmcyber/instancer/pkg/catalog"
	"github.com/acmcyber/instancer/pkg/cluster"
	"github.com/acmcyber/instancer/pkg/engine"
	"github.com/acmcyber/instancer/pkg/lock"
	"github.com/acmcyber/instancer/pkg/reaper"
	"github.com/acmcyber/instancer/pkg/stateindex"
)

// shutdownTimeout bounds how long a graceful HTTP shutdown waits for
// in-flight requests to finish.
const shutdownTimeout = 10 * time.Second

// Run reads config, connects to infrastructure, and starts the mode named
// by cfg.Mode ("api" or "reaper").
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting instancer", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()

	clusterClients, err := platform.NewClusterClients(cfg.KubeconfigPath)
	if err != nil {
		return fmt.Errorf("connecting to cluster: %w", err)
	}

	index := stateindex.New(rdb, cfg.CatalogCacheTTL)
	store := catalog.NewStore(db)
	catalogSvc := catalog.NewService(store, index)
	clusterClient := cluster.New(clusterClients)
	locker := lock.New(rdb)

	eng := &engine.Engine{
		Cluster:                    clusterClient,
		Lock:                       locker,
		Index:                      index,
		LockTTL:                    cfg.LockDefaultTTL,
		IngressControllerNamespace: cfg.TraefikNamespace,
	}

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, catalogSvc, eng)
	case "reaper":
		return runReaper(ctx, cfg, logger, clusterClient, index, eng)
	default:
		return fmt.Errorf("unknown mode %q (want \"api\" or \"reaper\")", cfg.Mode)
	}
}

// runAPI serves the HTTP boundary until ctx is cancelled, then drains
// in-flight requests within shutdownTimeout.
func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, catalogSvc *catalog.Service, eng *engine.Engine) error {
	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)
	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)

	handlers := &httpserver.InstanceHandlers{Catalog: catalogSvc, Engine: eng}
	handlers.Mount(srv.APIRouter)

	admin := &httpserver.AdminHandlers{Catalog: catalogSvc}
	admin.Mount(srv.APIRouter)

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// runReaper runs the background expire/resync loop until ctx is cancelled.
func runReaper(ctx context.Context, cfg *config.Config, logger *slog.Logger, clusterClient *cluster.Client, index *stateindex.Index, eng *engine.Engine) error {
	r := &reaper.Reaper{
		Engine:         eng,
		Index:          index,
		Cluster:        clusterClient,
		Logger:         logger,
		Interval:       cfg.ReaperInterval,
		ResyncInterval: cfg.ReaperResyncInterval,
	}

	logger.Info("reaper running", "interval", r.Interval, "resync_interval", r.ResyncInterval)
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("reaper loop: %w", err)
	}
	return nil
}
