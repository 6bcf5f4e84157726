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

	"storyforge/api/internal/app"
	"storyforge/api/internal/archive"
	"storyforge/api/internal/config"
	"storyforge/api/internal/feed"
	"storyforge/api/internal/lock"
	"storyforge/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("storyforge api stopped", zap.Error(err))
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.IsDevelopment() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var dataStore app.DataStore
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store; data is lost on restart")
		dataStore = store.NewMemoryStore()
	default:
		db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{MaxOpenConns: cfg.DBMaxConns})
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.ApplyMigrations(cfg.DatabaseURL, cfg.MigrationsDir, logger); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		dataStore = store.NewPostgresStore(db)
	}

	var locker lock.Locker
	if cfg.RedisURL != "" {
		redisLocker, err := lock.NewRedisLocker(cfg.RedisURL, lock.RedisOptions{
			TTL:     cfg.LockTTL(),
			MaxWait: cfg.LockWait(),
		})
		if err != nil {
			return err
		}
		defer redisLocker.Close()
		logger.Info("using redis project locks")
		locker = redisLocker
	} else {
		locker = lock.NewMemoryLocker(cfg.LockWait())
	}

	var indexer feed.Indexer = feed.Noop{}
	if cfg.MeiliURL != "" {
		meili := feed.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
		indexer = meili
	}

	var archiver archive.Archiver = archive.Noop{}
	switch cfg.SnapshotArchive {
	case "git":
		gitArchive, err := archive.NewGit(cfg.SnapshotReposDir)
		if err != nil {
			return err
		}
		archiver = gitArchive
	case "s3":
		s3Archive, err := archive.NewS3(ctx, archive.S3Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return err
		}
		archiver = s3Archive
	}

	service := app.New(app.Deps{
		Store:     dataStore,
		Locker:    locker,
		Feed:      indexer,
		Archive:   archiver,
		Logger:    logger,
		JWTSecret: cfg.JWTSecret,
	})
	defer service.Drain()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("storyforge api listening",
			zap.String("addr", cfg.Addr),
			zap.String("store", cfg.StoreDriver),
			zap.String("archive", cfg.SnapshotArchive),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}
