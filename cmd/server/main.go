/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the economy engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Initialize tracing
  3. Open the store (memory, sqlite or postgres)
  4. Wrap catalog/settings with the remote client and Redis cache if configured
  5. Create the engine, event publisher and reconcile scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS (override environment):
  -port    HTTP server port (PORT)
  -driver  memory | sqlite | postgres (DB_DRIVER)
  -db      SQLite database path (DB_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the reconcile scheduler (waits for a running pass)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Flush traces, close Kafka and the database

EXAMPLES:
  ./server -db="./data/economy.db"
  ./server -driver=memory -port=3000
  DB_DRIVER=postgres DATABASE_URL=postgres://... ./server

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/warp/economy-engine/api"
	"github.com/warp/economy-engine/cache"
	"github.com/warp/economy-engine/config"
	"github.com/warp/economy-engine/economy"
	"github.com/warp/economy-engine/economy/store"
	"github.com/warp/economy-engine/events/kafka"
	"github.com/warp/economy-engine/remote"
	"github.com/warp/economy-engine/store/postgres"
	"github.com/warp/economy-engine/store/sqlite"
	"github.com/warp/economy-engine/telemetry"
)

const version = "1.0.0"

// backend is what every store implementation provides.
type backend interface {
	economy.Ledger
	economy.Catalog
	economy.Settings
	economy.CompensationStore
	api.AdminStore
	Close() error
}

type memoryBackend struct{ *store.Memory }

func (memoryBackend) Close() error { return nil }

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	driver := flag.String("driver", cfg.DBDriver, "Store driver: memory, sqlite or postgres")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()
	cfg.Port, cfg.DBDriver, cfg.DBPath = *port, *driver, *dbPath
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	log := cfg.Logger()
	ctx := context.Background()

	shutdownTracing, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, cfg.ServiceName, version)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize tracing")
	}

	// Initialize store
	db, err := openStore(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize store")
	}
	defer db.Close()

	var (
		catalog  economy.Catalog  = db
		settings economy.Settings = db
	)
	if cfg.CatalogURL != "" {
		client := remote.NewClient(cfg.CatalogURL, 5*time.Second)
		catalog, settings = client, client
		log.WithField("url", cfg.CatalogURL).Info("Using remote catalog")
	}

	handlerLog := log.WithField("component", "api")
	var priceCache *cache.Catalog
	var rateCache *cache.Settings
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		cacheLog := log.WithField("component", "cache")
		priceCache = cache.NewCatalog(catalog, rdb, cfg.CacheTTL, cacheLog)
		rateCache = cache.NewSettings(settings, rdb, cfg.CacheTTL, cacheLog)
		catalog, settings = priceCache, rateCache
	}

	// Initialize engine
	engine := economy.NewEngine(db, catalog, settings, db)
	engine.Log = log.WithField("component", "economy")
	if cfg.ReconcileBatch > 0 {
		engine.ReconcileBatch = cfg.ReconcileBatch
	}
	if cfg.ReconcileRPS > 0 {
		engine.ReconcileLimiter = rate.NewLimiter(rate.Limit(cfg.ReconcileRPS), 1)
	}
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		publisher := kafka.NewPublisher(brokers, cfg.KafkaTopic, log.WithField("component", "events"))
		defer publisher.Close()
		engine.Events = publisher
	}

	// Initialize handler
	handler := api.NewHandler(engine, db, handlerLog)
	if cfg.CatalogURL != "" {
		// Local price and rate writes would never reach the engine.
		handler.Catalog = nil
	}
	if priceCache != nil {
		handler.PriceCache = priceCache
		handler.RateCache = rateCache
	}
	if rs, ok := db.(api.Resetter); ok {
		handler.Resetter = rs
	}
	if p, ok := db.(api.Pinger); ok {
		handler.Health = p
	}

	scheduler := api.NewReconcileScheduler(engine, cfg.ReconcileSchedule, log.WithField("component", "scheduler"))
	if err := scheduler.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start reconcile scheduler")
	}

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, cfg.AllowedOrigins()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.WithFields(logrus.Fields{"port": cfg.Port, "driver": cfg.DBDriver}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.WithError(err).Warn("Trace flush failed")
	}

	log.Info("Server stopped")
}

func openStore(ctx context.Context, cfg config.Config) (backend, error) {
	switch cfg.DBDriver {
	case "memory":
		return memoryBackend{store.NewMemory()}, nil
	case "postgres":
		return postgres.New(ctx, cfg.DatabaseURL)
	default:
		return sqlite.New(cfg.DBPath)
	}
}
