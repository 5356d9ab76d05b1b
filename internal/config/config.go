package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/dunamismax/genflow/internal/domain"
)

type Config struct {
	App        AppConfig
	API        APIConfig
	Queue      QueueConfig
	Worker     WorkerConfig
	Storage    StorageConfig
	Database   DatabaseConfig
	Local      LocalConfig
	Generation GenerationConfig
	RateLimit  RateLimitConfig
	Webhook    WebhookConfig
	Tracing    TracingConfig
}

type AppConfig struct {
	Env      string `envconfig:"APP_ENV" default:"production"`
	LogLevel string `envconfig:"LOG_LEVEL" default:""`
	OwnerID  string `envconfig:"GENFLOW_OWNER_ID" default:"anonymous"`
}

type APIConfig struct {
	Addr         string        `envconfig:"GENFLOW_API_ADDR" default:":8080"`
	ReadTimeout  time.Duration `envconfig:"GENFLOW_API_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `envconfig:"GENFLOW_API_WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"GENFLOW_API_IDLE_TIMEOUT" default:"60s"`
	UserIDHeader string        `envconfig:"GENFLOW_API_USER_ID_HEADER" default:"X-User-ID"`
}

type QueueConfig struct {
	RedisAddr     string `envconfig:"REDIS_ADDR" default:""`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	Name          string `envconfig:"ASYNC_QUEUE" default:"default"`
}

func (q QueueConfig) Enabled() bool {
	return q.RedisAddr != ""
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency int    `envconfig:"WORKER_CONCURRENCY" default:"4"`
	MetricsAddr string `envconfig:"WORKER_METRICS_ADDR" default:":9091"`
}

type StorageConfig struct {
	Endpoint  string `envconfig:"MINIO_ENDPOINT" default:""`
	AccessKey string `envconfig:"MINIO_ACCESS_KEY" default:"minioadmin"`
	SecretKey string `envconfig:"MINIO_SECRET_KEY" default:"minioadmin"`
	Bucket    string `envconfig:"MINIO_BUCKET" default:"genflow-images"`
	UseSSL    bool   `envconfig:"MINIO_USE_SSL" default:"false"`
	PublicURL string `envconfig:"MINIO_PUBLIC_URL" default:""`
}

func (s StorageConfig) Enabled() bool {
	return s.Endpoint != ""
}

type DatabaseConfig struct {
	DSN         string        `envconfig:"POSTGRES_DSN" default:""`
	PingTimeout time.Duration `envconfig:"POSTGRES_PING_TIMEOUT" default:"2s"`
	ListLimit   int           `envconfig:"GENFLOW_LIST_LIMIT" default:"200"`
}

type LocalConfig struct {
	DBPath     string `envconfig:"GENFLOW_LOCAL_DB_PATH" default:"./.genflow/queue.db"`
	PreviewDir string `envconfig:"GENFLOW_PREVIEW_DIR" default:"./.genflow/previews"`
}

type GenerationConfig struct {
	APIKey  string        `envconfig:"GEMINI_API_KEY" default:""`
	Model   string        `envconfig:"GEMINI_MODEL" default:"gemini-2.5-flash-image"`
	BaseURL string        `envconfig:"GEMINI_BASE_URL" default:"https://generativelanguage.googleapis.com/v1beta"`
	Timeout time.Duration `envconfig:"GENFLOW_GENERATION_TIMEOUT" default:"3m"`
}

type RateLimitConfig struct {
	Capacity int           `envconfig:"RATE_LIMIT_CAPACITY" default:"30"`
	Window   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
	// Per-process budget for outbound generation calls; zero disables it.
	GenerationCapacity int `envconfig:"RATE_LIMIT_GENERATION_CAPACITY" default:"0"`
}

type WebhookConfig struct {
	URL            string        `envconfig:"WEBHOOK_URL" default:""`
	SigningSecret  string        `envconfig:"WEBHOOK_SIGNING_SECRET" default:""`
	Timeout        time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s"`
	MaxAttempts    int           `envconfig:"WEBHOOK_MAX_ATTEMPTS" default:"5"`
	InitialBackoff time.Duration `envconfig:"WEBHOOK_INITIAL_BACKOFF" default:"1s"`
	MaxBackoff     time.Duration `envconfig:"WEBHOOK_MAX_BACKOFF" default:"30s"`
}

type TracingConfig struct {
	ServiceName  string  `envconfig:"OTEL_SERVICE_NAME" default:"genflow"`
	Exporter     string  `envconfig:"OTEL_TRACES_EXPORTER" default:"none"`
	OTLPEndpoint string  `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:""`
	OTLPInsecure bool    `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"false"`
	SampleRatio  float64 `envconfig:"OTEL_TRACES_SAMPLER_ARG" default:"1"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Database.ListLimit <= 0 {
		return errors.New("GENFLOW_LIST_LIMIT must be positive")
	}
	if c.Generation.Timeout <= 0 {
		return errors.New("GENFLOW_GENERATION_TIMEOUT must be positive")
	}
	if c.Worker.Concurrency <= 0 {
		return errors.New("WORKER_CONCURRENCY must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("RATE_LIMIT_WINDOW must be positive")
	}
	// A request with every input image costs 1+MaxInputs generation tokens.
	if n := c.RateLimit.GenerationCapacity; n > 0 && n < 1+domain.MaxInputs {
		return fmt.Errorf("RATE_LIMIT_GENERATION_CAPACITY must be 0 or at least %d", 1+domain.MaxInputs)
	}
	return nil
}
