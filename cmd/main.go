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

	"textbuddies/backend/internal/api/handler"
	"textbuddies/backend/internal/chathub"
	"textbuddies/backend/internal/config"
	"textbuddies/backend/internal/feed"
	"textbuddies/backend/internal/localization"
	"textbuddies/backend/internal/storage"
	"textbuddies/backend/internal/sweeper"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/mama165/sdk-go/logs"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Configuration & logger
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)
	log.Info("Starting TextBuddies backend...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. PostgreSQL
	db, err := storage.Connect(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	if err := storage.AutoMigrate(db); err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	defer func() {
		log.Info("Closing database...")
		_ = sqlDB.Close()
	}()

	// 3. Change feed
	opts := feed.Options{Driver: cfg.FeedDriver, DB: db, DSN: cfg.DatabaseDSN}
	if cfg.FeedDriver == feed.DriverRedis {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		opts.Redis = rdb
	}
	changes, err := feed.Open(ctx, opts, log)
	if err != nil {
		return err
	}
	defer func() { _ = changes.Close() }()
	log.Info("Database and change feed ready", "feed", cfg.FeedDriver)

	// 4. Services
	clock := clockwork.NewRealClock()
	store := storage.NewStorageService(db, changes, clock, log)

	loc, err := localization.Bundled()
	if err != nil {
		return err
	}

	matcherCfg := chathub.DefaultMatcherConfig()
	matcherCfg.MaxAttempts = cfg.MaxMatchAttempts
	matcherCfg.SearchWindow = cfg.SearchTimeout
	matcherCfg.StaleRoomAge = cfg.StaleRoomAge
	matcherCfg.PreferOppositeGender = cfg.PreferOppositeGender

	teardown := chathub.NewTeardownService(store, log)
	services := chathub.ChatServices{
		Storage:          store,
		Matcher:          chathub.NewMatcherService(store, clock, log, matcherCfg),
		Listener:         chathub.NewListenerService(store, log),
		Teardown:         teardown,
		Clock:            clock,
		Log:              log,
		Localizer:        loc,
		SearchTimeout:    cfg.SearchTimeout,
		OperationTimeout: cfg.OperationTimeout,
	}

	hub := chathub.NewManagerService(store, teardown, clock, log, cfg.ReconnectGrace)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(ctx)
	}()

	sw := sweeper.New(store, clock, log, sweeper.Config{
		Interval:     cfg.SweepInterval,
		StaleRoomAge: cfg.StaleRoomAge,
		OrphanGrace:  cfg.OrphanGrace,
		SearchAge:    cfg.SearchTimeout * 2,
	})
	if err := sw.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sw.Stop() }()

	// 5. HTTP
	if cfg.LogLevel != "DEBUG" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := handler.NewHandler(store, hub, services, handler.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL, clock), log)
	if loc.Supports(cfg.DefaultLanguage) {
		h.DefaultLanguage = cfg.DefaultLanguage
	}

	server := &http.Server{
		Addr:           cfg.Addr(),
		Handler:        h.Router(),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	// 6. Wait for stop or error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		stop()
		<-hubDone
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	<-hubDone
	log.Info("Program stopped cleanly")
	return nil
}
