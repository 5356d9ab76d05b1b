package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dunamismax/genflow/internal/config"
	"github.com/dunamismax/genflow/internal/logging"
	"github.com/dunamismax/genflow/internal/telemetry"
	"github.com/dunamismax/genflow/internal/webhook"
	"github.com/dunamismax/genflow/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("", "").Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.App.Env, cfg.App.LogLevel)

	if !cfg.Queue.Enabled() {
		logger.Fatal().Msg("REDIS_ADDR is required to run the worker")
	}

	shutdownTracing, err := telemetry.SetupTracing(context.Background(), telemetry.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName + "-worker",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
		Environment:  cfg.App.Env,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("setup tracing")
	}

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Str("queue", cfg.Queue.Name).
		Str("redis", cfg.Queue.RedisAddr).
		Bool("webhook", cfg.Webhook.URL != "").
		Msg("starting worker")

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	})
	srv := worker.NewServer(logger, cfg.Queue, cfg.Worker, cfg.Webhook.URL, webhookClient)

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	// Run blocks until asynq receives SIGTERM or SIGINT.
	runErr := srv.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown")
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Warn().Err(err).Msg("tracing shutdown")
	}
	if runErr != nil {
		logger.Fatal().Err(runErr).Msg("worker failed")
	}
}
