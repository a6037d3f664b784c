package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/httpapi"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/offer"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/push"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/selector"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	var g geo.Geo
	if cfg.RedisAddr != "" {
		g = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		logger.Info("using redis geo index", "addr", cfg.RedisAddr)
	} else {
		g = geo.NewIndex()
		logger.Info("using in-memory geo index")
	}

	var store storage.SessionStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := runMigrations(cfg.PGDSN, logger); err != nil {
				logger.Error("migrations failed", "error", err)
				os.Exit(1)
			}
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	var sink realtime.LocationSink
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		sink = kp
		logger.Info("location ingest enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	quoter := &pricing.Service{
		Cache:    pricing.NewCache(cfg.PricingCacheTTL),
		Fallback: pricing.Estimator{SpeedMps: cfg.DefaultSpeedMps},
		Logger:   logger,
	}
	if cfg.PricingEndpoint != "" {
		quoter.Remote = pricing.NewHTTPQuoter(cfg.PricingEndpoint)
	}

	sel := &selector.Selector{
		Geo:      g,
		Profiles: selector.StaticProfiles{},
		Cfg: selector.Config{
			InitialRadiusM: cfg.Dispatch.InitialRadiusM,
			MaxRadiusM:     cfg.Dispatch.MaxRadiusM,
			Growth:         cfg.Dispatch.RadiusGrowth,
			MinCandidates:  cfg.Dispatch.MinCandidates,
			MaxCandidates:  cfg.Dispatch.MaxCandidates,
		},
		Logger: logger,
	}

	engine := &session.Engine{
		Cfg:      cfg.Dispatch,
		Selector: sel,
		Locks:    offer.NewLockManager(),
		Registry: session.NewRegistry(),
		Store:    store,
		Quoter:   quoter,
		Presence: g,
		Logger:   logger,
	}
	if cfg.StripeAPIKey != "" {
		engine.Payments = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	hub := realtime.NewHub(realtime.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatGrace:    cfg.HeartbeatGrace,
	}, engine, g, realtime.StaticVerifier{Secret: cfg.AuthSecret}, sink, logger)

	// the hub is both the rider event feed and the primary driver transport;
	// FCM picks up drivers without a live socket
	engine.Publisher = hub
	var notifier session.DriverNotifier = hub
	if cfg.FCMEndpoint != "" {
		notifier = &push.Chain{Primary: hub, Fallback: push.NewFCM(cfg.FCMEndpoint, cfg.FCMKey)}
	}
	engine.Drivers = notifier

	api := httpapi.NewServer(engine, hub, g, sink, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go engine.RunJanitor(ctx, 30*time.Second)

	// no global read/write timeouts: websocket connections outlive any sane
	// request deadline, and the hub applies per-message deadlines itself
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api,
		ReadHeaderTimeout: cfg.ReadTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	go func() {
		logger.Info("dispatch server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_dispatch_sessions.sql"))
	if err != nil {
		return err
	}
	if _, err := db.Exec(string(b)); err != nil {
		return err
	}
	logger.Info("migration applied", "file", "001_create_dispatch_sessions.sql")
	return nil
}
