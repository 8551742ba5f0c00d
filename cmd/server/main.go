package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/assist-dispatch/internal/broadcast"
	"github.com/example/assist-dispatch/internal/config"
	"github.com/example/assist-dispatch/internal/dispatch"
	"github.com/example/assist-dispatch/internal/eta"
	"github.com/example/assist-dispatch/internal/geo"
	httpapi "github.com/example/assist-dispatch/internal/http"
	"github.com/example/assist-dispatch/internal/ingest"
	"github.com/example/assist-dispatch/internal/lifecycle"
	"github.com/example/assist-dispatch/internal/logging"
	"github.com/example/assist-dispatch/internal/payments"
	"github.com/example/assist-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	var geoIndex geo.GeoIndex
	if cfg.RedisAddr != "" {
		geoIndex = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		logger.Info("geo index: redis", "addr", cfg.RedisAddr)
	} else {
		geoIndex = geo.NewIndex()
		logger.Info("geo index: in-memory")
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = pg
		logger.Info("store: postgres")
	} else {
		store = storage.NewMemoryStore()
		logger.Info("store: in-memory")
	}

	var provider eta.Provider
	switch cfg.RoutingProvider {
	case "osrm":
		provider = eta.NewOSRMClient(cfg.OSRMEndpoint)
		logger.Info("routing provider: osrm", "endpoint", cfg.OSRMEndpoint)
	case "gmaps":
		gm, err := eta.NewGoogleRoutes(cfg.GMapsAPIKey)
		if err != nil {
			logger.Error("google routes init failed", "error", err)
			os.Exit(1)
		}
		provider = gm
		logger.Info("routing provider: google")
	default:
		logger.Info("routing provider: none, geometric fallback only")
	}
	estimator := &eta.Estimator{
		Provider: provider,
		Cache:    eta.NewCache(cfg.ETACacheTTL),
		Timeout:  cfg.RoutingTimeout,
		Logger:   logger,
	}

	events := broadcast.New(cfg.BroadcastQueueSize)
	wsreg := dispatch.NewWSRegistry()
	requests := lifecycle.NewTracker()
	offers := lifecycle.NewOfferStore()

	engine := &dispatch.Engine{
		Geo:      geoIndex,
		Offers:   offers,
		Requests: requests,
		ETA:      estimator,
		Store:    store,
		Notify:   wsreg,
		Events:   events,
		Logger:   logger,

		InitialRadiusKm:  cfg.InitialRadiusKm,
		MaxRadiusKm:      cfg.MaxRadiusKm,
		CriticalRadiusKm: cfg.CriticalRadiusKm,
		DeadlineNormal:   cfg.OfferDeadlineNormal,
		DeadlineHigh:     cfg.OfferDeadlineHigh,
		DeadlineCritical: cfg.OfferDeadlineCritical,
		SweepInterval:    cfg.SweepInterval,
		FeeCents:         cfg.ServiceFeeCents,
	}
	if cfg.StripeEnabled {
		engine.Billing = payments.NewStripeClient()
		logger.Info("billing: stripe enabled")
	}

	ingestSvc := &ingest.Service{
		Geo:      geoIndex,
		Store:    store,
		Requests: requests,
		ETA:      estimator,
		Events:   events,
		Logger:   logger,

		ArrivingThresholdM: cfg.ArrivingThresholdM,
		ArrivedThresholdM:  cfg.ArrivedThresholdM,
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		ingestSvc.Kafka = producer
		logger.Info("kafka producer enabled", "topic", cfg.KafkaTopic)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go engine.RunSweep(ctx)
	go engine.RunIdleReaper(ctx, cfg.IdleWorkerTimeout)

	api := httpapi.NewServer(engine, ingestSvc, geoIndex, store, events, wsreg, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("assist-dispatch listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_init.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
