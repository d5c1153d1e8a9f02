package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the lawsignal server and worker.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	StatusStore StatusStoreConfig
	Queue       QueueConfig
	Worker      WorkerConfig
	AI          AIConfig
	Translate   TranslateConfig
	Session     SessionConfig
	OCR         OCRConfig
	ObjectStore ObjectStoreConfig
}

type ServerConfig struct {
	Port               int    `env:"LAWSIGNAL_PORT" envDefault:"8080"`
	Env                string `env:"LAWSIGNAL_ENV" envDefault:"development"`
	RateLimitPerMinute int    `env:"RATE_LIMIT_PER_MINUTE" envDefault:"60"`
}

type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME" envDefault:"5m"`
	MigrationsDir   string        `env:"DATABASE_MIGRATIONS_DIR" envDefault:"migrations"`
}

type RedisConfig struct {
	URL string `env:"REDIS_URL"`
}

// StatusStoreConfig selects the durable backend for job status and results.
type StatusStoreConfig struct {
	Driver     string        `env:"STATUS_STORE_DRIVER" envDefault:"postgres"`
	SQLitePath string        `env:"STATUS_STORE_SQLITE_PATH" envDefault:"lawsignal.db"`
	Retention  time.Duration `env:"STATUS_RETENTION" envDefault:"168h"`
	CacheTTL   time.Duration `env:"STATUS_CACHE_TTL" envDefault:"30m"`
}

type QueueConfig struct {
	Driver         string        `env:"QUEUE_DRIVER" envDefault:"redis"`
	Name           string        `env:"QUEUE_NAME" envDefault:"jobs"`
	Lease          time.Duration `env:"QUEUE_LEASE" envDefault:"15m"`
	MemoryCapacity int           `env:"QUEUE_MEMORY_CAPACITY" envDefault:"100"`
}

type WorkerConfig struct {
	Embedded        bool          `env:"WORKER_EMBEDDED" envDefault:"false"`
	Concurrency     int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	ShutdownTimeout time.Duration `env:"WORKER_SHUTDOWN_TIMEOUT" envDefault:"60s"`
	ReaperSchedule  string        `env:"WORKER_REAPER_SCHEDULE" envDefault:"@every 30s"`
	SweepSchedule   string        `env:"WORKER_SWEEP_SCHEDULE" envDefault:"@hourly"`
	DomainTagsPath  string        `env:"DOMAIN_TAGS_PATH"`
}

type AIConfig struct {
	Provider         string        `env:"AI_PROVIDER"`
	InferenceTimeout time.Duration `env:"AI_INFERENCE_TIMEOUT" envDefault:"120s"`
	Ollama           OllamaConfig
	VLLM             VLLMConfig
	OpenAI           OpenAIConfig
	Anthropic        AnthropicConfig
}

type OllamaConfig struct {
	BaseURL string `env:"OLLAMA_BASE_URL" envDefault:"http://localhost:11434"`
	Model   string `env:"OLLAMA_MODEL" envDefault:"llama3"`
}

type VLLMConfig struct {
	BaseURL string `env:"VLLM_BASE_URL" envDefault:"http://localhost:8000"`
	Model   string `env:"VLLM_MODEL"`
}

type OpenAIConfig struct {
	BaseURL string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com"`
	APIKey  string `env:"OPENAI_API_KEY"`
	Model   string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
}

type AnthropicConfig struct {
	BaseURL string `env:"ANTHROPIC_BASE_URL" envDefault:"https://api.anthropic.com"`
	APIKey  string `env:"ANTHROPIC_API_KEY"`
	Model   string `env:"ANTHROPIC_MODEL" envDefault:"claude-haiku-4-5"`
}

// TranslateConfig tunes the chunked translator.
type TranslateConfig struct {
	Enabled         bool          `env:"TRANSLATE_ENABLED" envDefault:"true"`
	TargetLanguage  string        `env:"TRANSLATE_TARGET_LANGUAGE" envDefault:"en"`
	MaxBytes        int           `env:"TRANSLATE_MAX_BYTES" envDefault:"9000"`
	FallbackChars   int           `env:"TRANSLATE_FALLBACK_CHARS" envDefault:"2500"`
	Workers         int           `env:"TRANSLATE_WORKERS" envDefault:"10"`
	MaxAttempts     int           `env:"TRANSLATE_MAX_ATTEMPTS" envDefault:"3"`
	InitialBackoff  time.Duration `env:"TRANSLATE_INITIAL_BACKOFF" envDefault:"500ms"`
	StopWordRatio   float64       `env:"TRANSLATE_STOPWORD_RATIO" envDefault:"0.2"`
	MaxFailureRatio float64       `env:"TRANSLATE_MAX_FAILURE_RATIO" envDefault:"1.0"`
	Strict          bool          `env:"TRANSLATE_STRICT" envDefault:"false"`
	CacheTTL        time.Duration `env:"TRANSLATE_CACHE_TTL" envDefault:"0s"`
}

type SessionConfig struct {
	TTL         time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	SummaryWait time.Duration `env:"SESSION_SUMMARY_WAIT" envDefault:"3s"`
}

type OCRConfig struct {
	BaseURL string        `env:"OCR_BASE_URL"`
	Timeout time.Duration `env:"OCR_HTTP_TIMEOUT" envDefault:"30s"`
	MaxWait time.Duration `env:"OCR_MAX_WAIT" envDefault:"300s"`
}

type ObjectStoreConfig struct {
	BaseURL string        `env:"OBJECT_STORE_BASE_URL"`
	Timeout time.Duration `env:"OBJECT_STORE_TIMEOUT" envDefault:"30s"`
}

var validProviders = map[string]bool{
	"ollama":    true,
	"vllm":      true,
	"openai":    true,
	"anthropic": true,
}

var validStatusDrivers = map[string]bool{
	"postgres": true,
	"sqlite":   true,
}

var validQueueDrivers = map[string]bool{
	"redis":  true,
	"memory": true,
}

// Load reads configuration from the environment (and a .env file when present)
// and returns a validated Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("load .env file: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !validStatusDrivers[c.StatusStore.Driver] {
		return fmt.Errorf("STATUS_STORE_DRIVER must be one of postgres, sqlite; got %q", c.StatusStore.Driver)
	}
	if !validQueueDrivers[c.Queue.Driver] {
		return fmt.Errorf("QUEUE_DRIVER must be one of redis, memory; got %q", c.Queue.Driver)
	}
	if c.Queue.Driver == "memory" && !c.Worker.Embedded {
		return fmt.Errorf("QUEUE_DRIVER=memory requires WORKER_EMBEDDED=true")
	}

	// Company lookup and saved analyses always live in Postgres.
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of ollama, vllm, openai, anthropic; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}

	if c.OCR.BaseURL != "" && !isHTTPURL(c.OCR.BaseURL) {
		return fmt.Errorf("OCR_BASE_URL must start with http:// or https://, got %q", c.OCR.BaseURL)
	}
	if c.ObjectStore.BaseURL != "" && !isHTTPURL(c.ObjectStore.BaseURL) {
		return fmt.Errorf("OBJECT_STORE_BASE_URL must start with http:// or https://, got %q", c.ObjectStore.BaseURL)
	}

	if c.Translate.MaxBytes <= 0 {
		return fmt.Errorf("TRANSLATE_MAX_BYTES must be positive, got %d", c.Translate.MaxBytes)
	}
	if c.Translate.Workers <= 0 {
		return fmt.Errorf("TRANSLATE_WORKERS must be positive, got %d", c.Translate.Workers)
	}
	if c.Translate.MaxFailureRatio <= 0 || c.Translate.MaxFailureRatio > 1 {
		return fmt.Errorf("TRANSLATE_MAX_FAILURE_RATIO must be within (0, 1], got %v; use TRANSLATE_STRICT to fail on any chunk", c.Translate.MaxFailureRatio)
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Worker.Concurrency)
	}

	return nil
}

func isHTTPURL(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}
