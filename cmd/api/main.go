package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/happy-geeks/wiser-sub008/internal/app"
	"github.com/happy-geeks/wiser-sub008/internal/archive"
	"github.com/happy-geeks/wiser-sub008/internal/auth"
	"github.com/happy-geeks/wiser-sub008/internal/branchrepo"
	"github.com/happy-geeks/wiser-sub008/internal/config"
	"github.com/happy-geeks/wiser-sub008/internal/lock"
	"github.com/happy-geeks/wiser-sub008/internal/logger"
	"github.com/happy-geeks/wiser-sub008/internal/metrics"
	"github.com/happy-geeks/wiser-sub008/internal/search"
	"github.com/happy-geeks/wiser-sub008/internal/store"
	"github.com/happy-geeks/wiser-sub008/internal/versioncontrol"
)

// primaryStore is what both store implementations offer.
type primaryStore interface {
	versioncontrol.Store
	search.Fallback
	Ping(ctx context.Context) error
}

func main() {
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	if err := newRootCommand(cfg, log).Execute(); err != nil {
		log.Fatal().Err(err).Msg("wiser api stopped")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx := context.Background()
	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	var (
		dataStore primaryStore
		checks    []app.ReadinessCheck
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pool := store.DefaultPoolConfig()
		pool.MaxOpenConns = cfg.DBMaxOpenConns
		db, err := store.Open(ctx, cfg.DatabaseURL, pool)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanups = append(cleanups, func() { _ = db.Close() })

		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		log.Info().Strs("applied", applied).Msg("migrations up to date")
		dataStore = store.NewPostgresStore(db)
	} else {
		log.Warn().Msg("DATABASE_URL not set, using the in-memory store")
		dataStore = store.NewMemoryStore()
	}
	checks = append(checks, app.ReadinessCheck{Name: "database", Ping: dataStore.Ping})

	var locker lock.Locker = lock.NewLocal()
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisLock, err := lock.NewRedis(cfg.RedisURL, cfg.LockTTL, cfg.LockWait)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		cleanups = append(cleanups, func() { _ = redisLock.Close() })
		checks = append(checks, app.ReadinessCheck{Name: "redis", Ping: redisLock.Ping})
		locker = redisLock
		log.Info().Msg("using redis for promotion locks")
	}

	if err := os.MkdirAll(cfg.BranchesDir, 0o755); err != nil {
		return fmt.Errorf("create branches dir: %w", err)
	}
	branches := branchrepo.New(cfg.BranchesDir)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Component(log, "search"))
		cleanups = append(cleanups, meiliClient.Close)
	}
	searchService := search.NewService(meiliClient, dataStore, logger.Component(log, "search"))

	var archiver versioncontrol.ReleaseArchiver
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioArchive, err := archive.NewMinio(archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return fmt.Errorf("minio client: %w", err)
		}
		archiver = minioArchive
		log.Info().Str("bucket", cfg.MinioBucket).Msg("release archive enabled")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	vcLog := logger.Component(log, "versioncontrol")
	versions := versioncontrol.New(dataStore, versioncontrol.Dependencies{
		Locker:   locker,
		Branches: branches,
		Indexer:  searchService,
		Archiver: archiver,
		Policy:   versioncontrol.ReviewGatePolicy{BlockRejected: cfg.BlockRejectedReviews},
		Metrics:  m,
		Logger:   &vcLog,
	})
	go searchService.ReindexAll(ctx, dataStore)

	service := app.NewService(versions, searchService, auth.NewResolver(cfg.JWTSecret), checks...)
	httpServer := app.NewHTTPServer(service, app.ServerOptions{
		CORSOrigin: cfg.CORSOrigin,
		Logger:     logger.Component(log, "http"),
		Metrics:    m,
		Gatherer:   registry,
	})
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
		log.Info().Str("addr", cfg.Addr).Msg("wiser api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	return nil
}
