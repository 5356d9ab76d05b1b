package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/genflow/internal/domain"
	"github.com/dunamismax/genflow/internal/logging"
	"github.com/dunamismax/genflow/internal/queue"
)

// maxBodyBytes leaves room for two base64-encoded reference images.
const maxBodyBytes = 24 << 20

// JobQueue is the part of queue.Manager the HTTP layer drives.
type JobQueue interface {
	Add(ctx context.Context, prompt string, inputs ...domain.Input) (string, error)
	Retry(ctx context.Context, jobID string) error
	RunAgain(ctx context.Context, job domain.Job) (string, error)
	Remove(ctx context.Context, jobID string) error
	ClearCompleted(ctx context.Context) int
	ClearFailed(ctx context.Context) int
	Stats() domain.Stats
	Jobs() []domain.Job
	Job(jobID string) (domain.Job, bool)
	Subscribe(fn func(queue.Event)) func()
}

type Options struct {
	Logger       zerolog.Logger
	Queue        JobQueue
	RateLimiter  RateLimiter
	UserIDHeader string
	// Registry receives the API collectors; a fresh one is created when nil.
	Registry *prometheus.Registry
	// Heartbeat is the idle interval between SSE keep-alive comments.
	Heartbeat time.Duration
}

type Server struct {
	logger                zerolog.Logger
	queue                 JobQueue
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	metrics               *metrics
	tracer                trace.Tracer
	heartbeat             time.Duration
	router                chi.Router
}

type inputRequest struct {
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
}

type createJobRequest struct {
	Prompt string         `json:"prompt"`
	Inputs []inputRequest `json:"inputs,omitempty"`
}

// jobView is the wire form of a job: the record plus links to its previews.
type jobView struct {
	domain.Job
	ThumbnailURLs []string `json:"thumbnail_urls,omitempty"`
}

func NewServer(opts Options) *Server {
	header := strings.TrimSpace(opts.UserIDHeader)
	if header == "" {
		header = "X-User-ID"
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}

	s := &Server{
		logger:                logging.Component(opts.Logger, "api"),
		queue:                 opts.Queue,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: header,
		metrics:               newMetrics(opts.Registry),
		tracer:                otel.Tracer("genflow/api"),
		heartbeat:             heartbeat,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.withRequestLog, middleware.Recoverer)
	r.Use(s.withTracing, s.metrics.withHTTPMetrics, s.withRateLimit)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/events", s.handleEvents)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/", s.handleListJobs)
			r.Delete("/", s.handleClearJobs)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Delete("/", s.handleRemoveJob)
				r.Post("/retry", s.handleRetryJob)
				r.Post("/run-again", s.handleRunAgain)
				r.Get("/thumbnails/{n}", s.handleThumbnail)
			})
		})
	})

	s.router = r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Stats())
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	inputs := make([]domain.Input, 0, len(req.Inputs))
	for i, in := range req.Inputs {
		input, err := in.toInput()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("inputs[%d]: %v", i, err))
			return
		}
		inputs = append(inputs, input)
	}

	jobID, err := s.queue.Add(r.Context(), req.Prompt, inputs...)
	if err != nil {
		s.writeQueueError(w, "add job", err)
		return
	}
	s.metrics.jobsSubmitted.WithLabelValues("add").Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": jobID,
		"status": domain.JobStatusPending,
	})
}

func (in inputRequest) toInput() (domain.Input, error) {
	data := strings.TrimSpace(in.Data)
	if data == "" {
		return domain.Input{URL: strings.TrimSpace(in.URL), MIMEType: in.MIMEType}, nil
	}

	mimeType := strings.TrimSpace(in.MIMEType)
	if rest, ok := strings.CutPrefix(data, "data:"); ok {
		header, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(header, ";base64") {
			return domain.Input{}, errors.New("data url must be base64 encoded")
		}
		if mimeType == "" {
			mimeType = strings.TrimSuffix(header, ";base64")
		}
		data = payload
	}

	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return domain.Input{}, fmt.Errorf("data is not valid base64: %w", err)
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(decoded)
	}
	return domain.Input{Data: decoded, MIMEType: mimeType, URL: strings.TrimSpace(in.URL)}, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var filter domain.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := domain.ParseStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw))
			return
		}
		filter = status
	}

	jobs := s.queue.Jobs()
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		if filter != "" && job.Status != filter {
			continue
		}
		views = append(views, newJobView(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.queue.Job(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrJobNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if err := s.queue.Retry(r.Context(), jobID); err != nil {
		s.writeQueueError(w, "retry job", err)
		return
	}
	s.metrics.jobsSubmitted.WithLabelValues("retry").Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": jobID,
		"status": domain.JobStatusPending,
	})
}

func (s *Server) handleRunAgain(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "id")
	job, ok := s.queue.Job(sourceID)
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrJobNotFound.Error())
		return
	}

	jobID, err := s.queue.RunAgain(r.Context(), job)
	if err != nil {
		s.writeQueueError(w, "run job again", err)
		return
	}
	s.metrics.jobsSubmitted.WithLabelValues("run_again").Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":        jobID,
		"status":        domain.JobStatusPending,
		"source_job_id": sourceID,
	})
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeQueueError(w, "remove job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearJobs(w http.ResponseWriter, r *http.Request) {
	var removed int
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))) {
	case string(domain.JobStatusCompleted):
		removed = s.queue.ClearCompleted(r.Context())
	case string(domain.JobStatusFailed):
		removed = s.queue.ClearFailed(r.Context())
	default:
		writeError(w, http.StatusBadRequest, "status must be completed or failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	job, ok := s.queue.Job(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrJobNotFound.Error())
		return
	}
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || n < 0 || n >= len(job.Thumbnails) {
		writeError(w, http.StatusNotFound, "thumbnail not found")
		return
	}

	f, err := os.Open(job.Thumbnails[n].Path)
	if err != nil {
		writeError(w, http.StatusNotFound, "thumbnail not found")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read thumbnail")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=300")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) writeQueueError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrNotRetryable),
		errors.Is(err, domain.ErrNotRerunnable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error().Err(err).Str("op", op).Msg("queue operation failed")
		writeError(w, http.StatusBadGateway, fmt.Sprintf("%s: %v", op, err))
	}
}

func newJobView(job domain.Job) jobView {
	view := jobView{Job: job}
	for i := range job.Thumbnails {
		view.ThumbnailURLs = append(view.ThumbnailURLs, fmt.Sprintf("/v1/jobs/%s/thumbnails/%d", job.ID, i))
	}
	return view
}

func decodeJSON(r *http.Request, into any) error {
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
