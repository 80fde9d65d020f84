package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	apihttp "feedstream/internal/api/http"
	"feedstream/internal/app"
	"feedstream/internal/domain"
	"feedstream/internal/metrics"
	mongorepo "feedstream/internal/repository/mongo"
	"feedstream/internal/services/archive"
	"feedstream/internal/services/asset"
	"feedstream/internal/services/catalog"
	"feedstream/internal/services/playback"
	"feedstream/internal/telemetry"
	"feedstream/internal/usecase"

	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	_ = godotenv.Load()

	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Setup(context.Background(), logger)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "feedstream"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("catalogBaseURL", cfg.CatalogBaseURL),
		slog.Int("retentionBuffer", cfg.RetentionBuffer),
		slog.Int64("cacheMaxBytes", cfg.CacheMaxBytes),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
	defer cancel()

	mongoClient, err := mongorepo.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
	if err != nil {
		logger.Error("mongo connect failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	watchHistoryRepo := mongorepo.NewWatchHistoryRepository(mongoClient, cfg.MongoDatabase)
	playerSettingsRepo := mongorepo.NewPlayerSettingsRepository(mongoClient, cfg.MongoDatabase)

	if err := watchHistoryRepo.EnsureIndexes(ctx); err != nil {
		logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis ping failed, resolution caching disabled", slog.String("error", err.Error()))
			redisClient = nil
		}
	}

	resolver := archive.NewResolver(archive.Config{
		BaseURL:  cfg.ArchiveBaseURL,
		Redis:    redisClient,
		CacheTTL: cfg.ResolveCacheTTL,
		Logger:   logger,
	})

	mediaClient := &http.Client{
		Timeout:   60 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	loader := asset.NewLoader(mediaClient, resolver, logger, asset.Config{
		ProbeBytes:              cfg.ProbeBytes,
		HighPrefetchBytes:       cfg.HighPrefetchBytes,
		MediumPrefetchBytes:     cfg.MediumPrefetchBytes,
		LowPrefetchBytes:        cfg.LowPrefetchBytes,
		MaxEntries:              cfg.CacheMaxEntries,
		MaxTotalBytes:           cfg.CacheMaxBytes,
		MaxConcurrentPrefetch:   cfg.MaxConcurrentPrefetch,
		PrefetchRateBytesPerSec: cfg.PrefetchRateBytesPerSec,
	})

	muted := false
	if value, ok, err := playerSettingsRepo.GetMuted(ctx); err != nil {
		logger.Warn("player settings load failed", slog.String("error", err.Error()))
	} else if ok {
		muted = value
	}

	manager := playback.NewManager(playback.ManagerConfig{
		Loader:   loader,
		Engines:  playback.NewClockEngine,
		History:  watchHistoryRepo,
		Settings: playerSettingsRepo,
		Logger:   logger,
		Muted:    muted,
		Debounce: cfg.TeardownDebounce,
	})

	catalogClient, err := catalog.NewClient(catalog.Config{
		BaseURL:  cfg.CatalogBaseURL,
		PageSize: cfg.CatalogPageSize,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("catalog init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	feed := usecase.NewFeedSequence(catalogClient, logger)
	if err := feed.LoadMore(ctx); err != nil {
		logger.Warn("initial feed page load failed", slog.String("error", err.Error()))
	}

	window := &usecase.WindowManager{
		Loader:       loader,
		Sessions:     manager,
		Feed:         feed,
		Logger:       logger,
		Buffer:       cfg.RetentionBuffer,
		StaggerDelay: cfg.StaggerDelay,
	}

	handler := apihttp.NewServer(
		apihttp.WithLogger(logger),
		apihttp.WithWindow(window),
		apihttp.WithSessions(manager),
		apihttp.WithFeed(feed),
		apihttp.WithWatchHistory(watchHistoryRepo),
		apihttp.WithAllowedOrigins(cfg.AllowedOrigins),
	)

	manager.SetOnState(func(state domain.PlayerState) {
		handler.BroadcastStates([]domain.PlayerState{state})
	})

	// Resume where the previous run left off once the first page is in.
	if index, ok, err := playerSettingsRepo.GetLastVisibleIndex(ctx); err != nil {
		logger.Warn("last visible index load failed", slog.String("error", err.Error()))
	} else if ok && index >= 0 && index < feed.Len() {
		go func() {
			if err := window.SetVisibleIndex(rootCtx, index); err != nil {
				logger.Warn("restore visible index failed",
					slog.Int("index", index),
					slog.String("error", err.Error()))
			}
		}()
	}

	go broadcastStates(rootCtx, handler, manager, cfg.BroadcastInterval)
	go persistVisibleIndex(rootCtx, window, playerSettingsRepo, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	manager.Close()
	loader.ClearCache()
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close error", slog.String("error", err.Error()))
		}
	}
	if err := mongoClient.Disconnect(context.Background()); err != nil {
		logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}

// broadcastStates periodically pushes the full state list so late-joining
// WebSocket clients converge without waiting for the next state change.
func broadcastStates(ctx context.Context, handler *apihttp.Server, manager *playback.Manager, interval time.Duration) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			handler.BroadcastStates(manager.States())
		}
	}
}

// persistVisibleIndex saves the current visible index so a restart can resume
// at the same feed position.
func persistVisibleIndex(ctx context.Context, window *usecase.WindowManager, settings *mongorepo.PlayerSettingsRepository, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	last := -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			index := window.CurrentIndex()
			if index < 0 || index == last {
				continue
			}
			persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := settings.SetLastVisibleIndex(persistCtx, index)
			cancel()
			if err != nil {
				logger.Warn("persist visible index failed", slog.String("error", err.Error()))
				continue
			}
			last = index
		}
	}
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
