/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the settlement engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (.env, environment) and apply flag overrides
  2. Open the SQLite store
  3. Build the coordinator and the idempotency layer
  4. Seed the catalog (CATALOG_PATH or the embedded demo)
  5. Start the sweeper and the HTTP server

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DATABASE_PATH)
           Use ":memory:" for an in-memory database

IDEMPOTENCY BACKENDS (IDEMPOTENCY_BACKEND):
  memory   single instance, lost on restart (default)
  bolt     single instance, survives restarts (IDEMPOTENCY_BOLT_PATH)
  redis    shared between instances (REDIS_URL)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper
  4. Close stores
  5. Exit

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/catalog"
	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/idempotency"
	"github.com/warp/settlement-engine/inventory"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/promo"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/sqlite"
)

func main() {
	cfg := config.Load()

	port := flag.String("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DatabasePath, "SQLite database path")
	flag.Parse()

	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	if *dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(*dbPath), 0o755); err != nil {
			log.Fatal().Err(err).Msg("Failed to create data directory")
		}
	}
	db, err := sqlite.Open(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *dbPath).Msg("Failed to initialize database")
	}
	defer db.Close()

	coordinator := settlement.NewCoordinator(
		ledger.NewLedger(db.Ledger()),
		inventory.NewGuard(db.Inventory(), cfg.ReservationTTL),
		promo.NewValidator(db.Promos(), cfg.ReservationTTL),
		db.Repository(),
		settlement.Config{
			GSTPercent:        cfg.GSTPercent,
			FreezeFee:         cfg.FreezeFee,
			PointsEarnPercent: cfg.PointsEarnPercent,
			Timeout:           cfg.SettleTimeout,
			MaxAttempts:       cfg.SettleMaxAttempts,
		},
	)

	idemStore, closeIdem, err := openIdempotencyStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.IdempotencyBackend).Msg("Failed to initialize idempotency store")
	}
	defer closeIdem()
	idem := idempotency.NewLayer(idemStore, cfg.IdempotencyTTL)
	if cfg.SettleTimeout > idem.Timeout {
		idem.Timeout = cfg.SettleTimeout
	}

	if err := seedCatalog(context.Background(), cfg.CatalogPath, coordinator); err != nil {
		log.Fatal().Err(err).Msg("Failed to load catalog")
	}

	sweeper := api.NewSweeper(coordinator, idem, cfg.SweepInterval)
	sweeper.Start()

	router := api.NewRouter(api.NewHandler(coordinator, idem), cfg.AllowedOrigins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", *port).Str("env", cfg.Env).Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	sweeper.Stop()

	log.Info().Msg("Server stopped")
}

func openIdempotencyStore(cfg *config.Config) (idempotency.Store, func(), error) {
	switch cfg.IdempotencyBackend {
	case "", "memory":
		return idempotency.NewMemoryStore(), func() {}, nil
	case "bolt":
		if err := os.MkdirAll(filepath.Dir(cfg.IdempotencyBoltPath), 0o755); err != nil {
			return nil, nil, err
		}
		s, err := idempotency.NewBoltStore(cfg.IdempotencyBoltPath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "redis":
		client, err := idempotency.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return idempotency.NewRedisStore(client), func() { client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown idempotency backend %q", cfg.IdempotencyBackend)
}

func seedCatalog(ctx context.Context, path string, c *settlement.Coordinator) error {
	var (
		f   *catalog.File
		err error
	)
	if path == "" {
		log.Info().Msg("CATALOG_PATH not set, loading demo catalog")
		f, err = catalog.Parse(catalog.Demo)
	} else {
		f, err = catalog.Load(path)
	}
	if err != nil {
		return err
	}
	return f.Apply(ctx, c, time.Now().UTC())
}
