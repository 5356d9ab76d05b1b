package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/genflow/internal/config"
	"github.com/dunamismax/genflow/internal/domain"
	"github.com/dunamismax/genflow/internal/events"
	"github.com/dunamismax/genflow/internal/webhook"
)

// Server consumes terminal job events and delivers them as signed webhooks.
type Server struct {
	logger        zerolog.Logger
	server        *asynq.Server
	webhookURL    string
	webhookClient webhookSender
	metrics       *metrics
	tracer        trace.Tracer
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// deliveryBody is the JSON document POSTed to the webhook endpoint.
type deliveryBody struct {
	Event       string         `json:"event"`
	JobID       string         `json:"job_id"`
	OwnerID     string         `json:"owner_id,omitempty"`
	Status      domain.Status  `json:"status"`
	Prompt      string         `json:"prompt"`
	Result      *domain.Result `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorReason string         `json:"error_reason,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

func NewServer(
	logger zerolog.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	webhookURL string,
	webhookClient webhookSender,
) *Server {
	logger = logger.With().Str("component", "worker").Logger()

	return &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.WarnLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Warn().Err(err).Str("type", task.Type()).Int("retry", retried).Int("max_retry", maxRetry).Msg("task failed")
				}),
			},
		),
		webhookURL:    strings.TrimSpace(webhookURL),
		webhookClient: webhookClient,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("genflow/worker"),
	}
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(events.TypeJobTerminal, s.handleJobTerminal)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleJobTerminal(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := "failed"

	payload, err := events.ParseJobTerminalPayload(task)
	if err != nil {
		s.metrics.deliveriesTotal.WithLabelValues("unknown", "invalid").Inc()
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.deliver_webhook", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.Job.ID),
		attribute.String("job.status", string(payload.Job.Status)),
		attribute.String("webhook.event", payload.Event),
	)
	defer span.End()

	if s.webhookURL == "" || s.webhookClient == nil {
		s.logger.Debug().Str("job_id", payload.Job.ID).Str("event", payload.Event).Msg("no webhook configured; dropping event")
		s.metrics.deliveriesTotal.WithLabelValues(payload.Event, "skipped").Inc()
		return nil
	}

	s.metrics.activeDeliveries.Inc()
	defer func() {
		s.metrics.activeDeliveries.Dec()
		s.metrics.deliveryDuration.WithLabelValues(payload.Event, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.deliveriesTotal.WithLabelValues(payload.Event, outcome).Inc()
	}()

	body := deliveryBody{
		Event:       payload.Event,
		JobID:       payload.Job.ID,
		OwnerID:     payload.Job.OwnerID,
		Status:      payload.Job.Status,
		Prompt:      payload.Job.Prompt,
		Result:      payload.Job.Result,
		Error:       payload.Job.Error,
		ErrorReason: payload.Job.ErrorReason,
		CreatedAt:   payload.Job.CreatedAt,
		OccurredAt:  payload.OccurredAt,
	}

	if err := s.webhookClient.Send(ctx, s.webhookURL, payload.Event, body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		s.logger.Warn().Err(err).Str("job_id", payload.Job.ID).Str("event", payload.Event).Msg("webhook delivery failed")
		switch {
		case errors.Is(err, context.Canceled):
			return err
		case errors.Is(err, webhook.ErrRejected):
			outcome = "rejected"
			return fmt.Errorf("dispatch webhook: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("dispatch webhook: %w", err)
	}

	outcome = "delivered"
	span.SetStatus(codes.Ok, "delivered")
	s.logger.Info().Str("job_id", payload.Job.ID).Str("event", payload.Event).Dur("elapsed", time.Since(startedAt)).Msg("webhook delivered")
	return nil
}
