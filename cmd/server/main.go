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

	"go.uber.org/zap"

	"bunkerpos/backend/internal/config"
	"bunkerpos/backend/internal/events"
	"bunkerpos/backend/internal/httpapi"
	"bunkerpos/backend/internal/logger"
	"bunkerpos/backend/internal/metrics"
	"bunkerpos/backend/internal/service"
	"bunkerpos/backend/internal/store"
	"bunkerpos/backend/internal/store/memory"
	pgstore "bunkerpos/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)
	persistent := false

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if cfg.RunMigrations {
			if err := pg.Migrate(); err != nil {
				log.Fatal("apply migrations", zap.Error(err))
			}
		}
		repo = pg
		persistent = true
		closers = append(closers, pg.Close)
		log.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Info("repository: in-memory")
	}

	m := metrics.New("bunkerpos")

	var sink events.Sink = events.NewMemorySink(200)
	if cfg.RedisAddr != "" {
		redisSink := events.NewRedisSink(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.EventsChannel)
		if err := redisSink.Ping(ctx); err != nil {
			log.Warn("redis unavailable, keeping events in memory", zap.Error(err))
			_ = redisSink.Close()
		} else {
			sink = redisSink
			closers = append(closers, redisSink.Close)
			log.Info("events: redis", zap.String("channel", cfg.EventsChannel))
		}
	} else {
		log.Info("events: in-memory")
	}
	dispatcher := events.NewDispatcher(sink, cfg.EventBuffer, log.Named("events"), m.EventDropped)

	svc := service.New(repo, service.Settings{
		LowStockThreshold:     cfg.LowStockThreshold,
		ShiftDiscrepancyLimit: cfg.ShiftDiscrepancyLimit,
		Location:              cfg.Location,
	},
		service.WithPublisher(dispatcher),
		service.WithMetrics(m),
		service.WithLogger(log.Named("ledger")),
	)

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo, log.Named("auth"))
	if persistent {
		if err := auth.EnsureOwner(ctx, os.Getenv("SEED_OWNER_PASSWORD")); err != nil {
			log.Fatal("bootstrap owner account", zap.Error(err))
		}
	}

	api := httpapi.New(svc, auth, cfg.AllowedOrigin,
		httpapi.WithFeed(dispatcher),
		httpapi.WithMetrics(m),
		httpapi.WithLogger(log.Named("http")),
	)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("ledger backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		log.Warn("event dispatcher did not drain", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Warn("close error", zap.Error(err))
		}
	}

	log.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.Location == nil {
		return fmt.Errorf("TIMEZONE could not be resolved")
	}
	return nil
}
