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
	"time"

	_ "github.com/lib/pq"

	"github.com/example/chainride/internal/archive"
	"github.com/example/chainride/internal/cache"
	"github.com/example/chainride/internal/config"
	"github.com/example/chainride/internal/dispatch"
	"github.com/example/chainride/internal/httpapi"
	"github.com/example/chainride/internal/ingest"
	"github.com/example/chainride/internal/ledger"
	"github.com/example/chainride/internal/logging"
	"github.com/example/chainride/internal/mirror"
	"github.com/example/chainride/internal/payments"
	"github.com/example/chainride/internal/presence"
	"github.com/example/chainride/internal/resolver"
	"github.com/example/chainride/internal/stats"
	"github.com/example/chainride/internal/trip"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	var store mirror.Store
	if cfg.PGDSN != "" {
		pg, err := mirror.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
		logger.Info("mirror backed by postgres")
	} else {
		store = mirror.NewMemoryStore()
		logger.Warn("PG_DSN not set, mirror is in-memory and volatile")
	}

	var accel cache.Cache
	if cfg.RedisAddr != "" {
		r := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
		if err := r.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, falling back to memory cache", "error", err)
			accel = cache.NewMemory()
		} else {
			defer r.Close()
			accel = r
			logger.Info("accelerator cache backed by redis", "addr", cfg.RedisAddr)
		}
	} else {
		accel = cache.NewMemory()
	}

	lc := ledger.NewHTTPClient(cfg.LedgerEndpoint, logger)
	lc.PollInterval = cfg.LedgerPollInterval
	lc.Client.Timeout = cfg.LedgerReadTimeout

	statsSvc := stats.New(store, cfg.FeePercent, logger)
	if err := statsSvc.Load(ctx); err != nil {
		logger.Warn("summary load failed, starting from zero", "error", err)
	}

	reg := presence.NewRegistry(logger)
	engine := dispatch.NewEngine(reg, accel, logger)
	engine.RadiusKm = cfg.RadiusKm
	engine.MaxOffers = cfg.MaxOffers
	engine.PendingMaxAge = cfg.PendingMaxAge
	engine.PresenceMaxAge = cfg.PresenceMaxAge
	engine.SweepInterval = cfg.SweepInterval
	engine.Restore(ctx)

	var archiveStore archive.Store
	if cfg.ArchiveEndpoint != "" {
		archiveStore = archive.NewHTTPStore(cfg.ArchiveEndpoint)
		logger.Info("trip archive backed by gateway", "endpoint", cfg.ArchiveEndpoint)
	} else {
		archiveStore = archive.NewMemoryStore()
		logger.Warn("ARCHIVE_ENDPOINT not set, trip archive is in-memory")
	}
	tracker := trip.NewTracker(archiveStore, store, logger)

	ing := &ingest.Ingestor{
		Ledger:         lc,
		Mirror:         store,
		Stats:          statsSvc,
		Logger:         logger,
		ReadTimeout:    cfg.LedgerReadTimeout,
		HealthInterval: cfg.HealthInterval,
		FeePercent:     cfg.FeePercent,
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		ing.Publisher = kp
		logger.Info("order events mirrored to kafka", "topic", cfg.KafkaTopic)
	}
	if cfg.StripeAPIKey != "" {
		ing.Settlement = payments.NewStripeSettlement(cfg.StripeAPIKey, logger)
		logger.Info("fee settlement enabled")
	}
	ing.SubscribeInternal(engine.HandleOrderEvent)

	if err := ing.Start(ctx); err != nil {
		logger.Error("ledger subscription failed", "error", err)
		os.Exit(1)
	}
	go engine.Run(ctx)

	res := resolver.New(lc, store, accel, logger)
	res.Window = cfg.ResolverWindow
	res.BatchSize = cfg.ResolverBatchSize
	res.ReadTimeout = cfg.LedgerReadTimeout
	res.QueryTimeout = cfg.ResolverQueryTimeout
	res.CacheTTL = cfg.ResolverCacheTTL

	api := httpapi.NewServer(res, tracker, engine, reg, ing, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errC := make(chan error, 1)
	go func() {
		logger.Info("chainride sync server listening", "addr", cfg.HTTPAddr)
		errC <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errC:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	ing.Stop()
	logger.Info("stopped")
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetConnMaxLifetime(time.Minute)
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_mirror.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
