package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dunamismax/genflow/internal/api"
	"github.com/dunamismax/genflow/internal/config"
	"github.com/dunamismax/genflow/internal/events"
	"github.com/dunamismax/genflow/internal/generation"
	"github.com/dunamismax/genflow/internal/logging"
	"github.com/dunamismax/genflow/internal/preview"
	"github.com/dunamismax/genflow/internal/queue"
	"github.com/dunamismax/genflow/internal/ratelimit"
	"github.com/dunamismax/genflow/internal/storage"
	"github.com/dunamismax/genflow/internal/store"
	"github.com/dunamismax/genflow/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("", "").Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.App.Env, cfg.App.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api exited")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
		Environment:  cfg.App.Env,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	blobs, err := store.NewSQLiteBlobStore(ctx, cfg.Local.DBPath)
	if err != nil {
		return err
	}
	defer blobs.Close()
	local, err := store.NewLocalJobStore(ctx, blobs, store.DefaultQueueKey)
	if err != nil {
		return err
	}

	var (
		remote       store.JobStore
		connectivity queue.Connectivity = queue.Static(false)
	)
	if cfg.Database.DSN != "" {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.PingTimeout)
		pg, err := store.NewPostgresJobStore(pingCtx, cfg.Database.DSN)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("postgres unavailable; queue stays local")
		} else {
			defer pg.Close()
			remote = pg
			connectivity = queue.ConnectivityFunc(func(ctx context.Context) bool {
				ctx, cancel := context.WithTimeout(ctx, cfg.Database.PingTimeout)
				defer cancel()
				return pg.Ping(ctx) == nil
			})
		}
	}

	var (
		objects queue.ObjectStore
		fetcher queue.InputFetcher = storage.HTTPFetcher{}
	)
	if cfg.Storage.Enabled() {
		client, err := storage.NewClient(storage.Config{
			Endpoint:  cfg.Storage.Endpoint,
			Access:    cfg.Storage.AccessKey,
			Secret:    cfg.Storage.SecretKey,
			Bucket:    cfg.Storage.Bucket,
			UseSSL:    cfg.Storage.UseSSL,
			PublicURL: cfg.Storage.PublicURL,
		})
		if err != nil {
			return err
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return err
		}
		objects = client
		fetcher = client
	}

	var redisClient *redis.Client
	if cfg.Queue.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()
	}

	generator, err := newGenerator(cfg, redisClient, logger)
	if err != nil {
		return err
	}

	if err := preview.Startup(); err != nil {
		return err
	}
	defer preview.Shutdown()
	previews, err := preview.NewMaker(cfg.Local.PreviewDir, preview.DefaultWidth)
	if err != nil {
		return err
	}

	var publisher events.Publisher
	if cfg.Queue.Enabled() {
		client := events.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn().Err(err).Msg("event client close")
			}
		}()
		publisher = client
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	manager, err := queue.NewManager(queue.Options{
		Local:             local,
		Remote:            remote,
		Connectivity:      connectivity,
		Generator:         generator,
		Objects:           objects,
		Fetcher:           fetcher,
		Previews:          previews,
		Publisher:         publisher,
		Metrics:           queue.NewMetrics(registry),
		Logger:            logger,
		OwnerID:           cfg.App.OwnerID,
		ListLimit:         cfg.Database.ListLimit,
		GenerationTimeout: cfg.Generation.Timeout,
	})
	if err != nil {
		return err
	}
	if err := manager.Load(ctx); err != nil {
		return err
	}

	var limiter api.RateLimiter
	if redisClient != nil {
		bucket, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window, ratelimit.DefaultKeyPrefix+":api")
		if err != nil {
			return err
		}
		limiter = bucket
	}

	app := api.NewServer(api.Options{
		Logger:       logger,
		Queue:        manager,
		RateLimiter:  limiter,
		UserIDHeader: cfg.API.UserIDHeader,
		Registry:     registry,
	})

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.API.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
	}
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("queue shutdown")
	}
	return nil
}

func newGenerator(cfg config.Config, redisClient *redis.Client, logger zerolog.Logger) (generation.Generator, error) {
	var generator generation.Generator = generation.Synthetic{}
	if cfg.Generation.APIKey != "" {
		gemini, err := generation.NewGeminiClient(generation.GeminiOptions{
			APIKey:  cfg.Generation.APIKey,
			BaseURL: cfg.Generation.BaseURL,
			Model:   cfg.Generation.Model,
		})
		if err != nil {
			return nil, err
		}
		generator = gemini
	} else {
		logger.Warn().Msg("GEMINI_API_KEY not set; using synthetic placeholder images")
	}

	if redisClient == nil || cfg.RateLimit.GenerationCapacity <= 0 {
		return generator, nil
	}
	bucket, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.GenerationCapacity, cfg.RateLimit.Window, ratelimit.DefaultKeyPrefix+":generation")
	if err != nil {
		return nil, err
	}
	return generation.Throttled{Next: generator, Limiter: bucket}, nil
}
