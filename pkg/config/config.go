package config

import (
	"context"
	"encoding/json"
	"time"
)

// Config represents the complete configuration for the compliance worker.
// It provides type-safe access to all configuration values with validation.
type Config struct {
	Redis     RedisConfig     `koanf:"redis"     validate:"required"`
	Queue     QueueConfig     `koanf:"queue"     validate:"required"`
	Worker    WorkerConfig    `koanf:"worker"    validate:"required"`
	Chunker   ChunkerConfig   `koanf:"chunker"   validate:"required"`
	Retrieval RetrievalConfig `koanf:"retrieval" validate:"required"`
	LLM       LLMConfig       `koanf:"llm"       validate:"required"`
	Embedder  EmbedderConfig  `koanf:"embedder"  validate:"required"`
	Crawler   CrawlerConfig   `koanf:"crawler"   validate:"required"`
	Log       LogConfig       `koanf:"log"`
}

// RedisConfig contains connection settings for the queue and job state store.
type RedisConfig struct {
	URL         string          `koanf:"url"          env:"CERTA_REDIS_URL"`
	Addr        string          `koanf:"addr"         env:"CERTA_REDIS_ADDR"`
	Password    SensitiveString `koanf:"password"     env:"CERTA_REDIS_PASSWORD"     sensitive:"true"`
	DB          int             `koanf:"db"           env:"CERTA_REDIS_DB"           validate:"min=0"`
	PingTimeout time.Duration   `koanf:"ping_timeout" env:"CERTA_REDIS_PING_TIMEOUT"`
}

// QueueConfig mirrors the knobs of the durable job queue.
type QueueConfig struct {
	Name            string        `koanf:"name"              env:"CERTA_QUEUE_NAME"              validate:"required"`
	LockDuration    time.Duration `koanf:"lock_duration"     env:"CERTA_QUEUE_LOCK_DURATION"     validate:"min=1s"`
	Concurrency     int           `koanf:"concurrency"       env:"CERTA_QUEUE_CONCURRENCY"       validate:"min=1"`
	LimiterMax      int           `koanf:"limiter_max"       env:"CERTA_QUEUE_LIMITER_MAX"       validate:"min=0"`
	LimiterDuration time.Duration `koanf:"limiter_duration"  env:"CERTA_QUEUE_LIMITER_DURATION"`
	StalledInterval time.Duration `koanf:"stalled_interval"  env:"CERTA_QUEUE_STALLED_INTERVAL"  validate:"min=1s"`
	MaxStalledCount int           `koanf:"max_stalled_count" env:"CERTA_QUEUE_MAX_STALLED_COUNT" validate:"min=0"`
	Attempts        int           `koanf:"attempts"          env:"CERTA_QUEUE_ATTEMPTS"          validate:"min=1"`
	PollTimeout     time.Duration `koanf:"poll_timeout"      env:"CERTA_QUEUE_POLL_TIMEOUT"`
}

// WorkerConfig controls process-level worker behavior.
type WorkerConfig struct {
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" env:"CERTA_WORKER_SHUTDOWN_TIMEOUT" validate:"min=1s"`
	LivenessKey     string        `koanf:"liveness_key"     env:"CERTA_WORKER_LIVENESS_KEY"     validate:"required"`
	LivenessTTL     time.Duration `koanf:"liveness_ttl"     env:"CERTA_WORKER_LIVENESS_TTL"`
	MetricsAddr     string        `koanf:"metrics_addr"     env:"CERTA_WORKER_METRICS_ADDR"`
}

// ChunkerConfig controls token-bounded sentence chunking.
type ChunkerConfig struct {
	MaxTokens     int    `koanf:"max_tokens"     env:"CERTA_CHUNKER_MAX_TOKENS"     validate:"min=1"`
	OverlapTokens int    `koanf:"overlap_tokens" env:"CERTA_CHUNKER_OVERLAP_TOKENS" validate:"min=0,ltfield=MaxTokens"`
	Encoding      string `koanf:"encoding"       env:"CERTA_CHUNKER_ENCODING"`
}

// RetrievalConfig controls candidate selection in the query engine.
type RetrievalConfig struct {
	CandidateK      int      `koanf:"candidate_k"      env:"CERTA_RETRIEVAL_CANDIDATE_K"      validate:"min=1"`
	SelectK         int      `koanf:"select_k"         env:"CERTA_RETRIEVAL_SELECT_K"         validate:"min=1,ltefield=CandidateK"`
	MinTextLength   int      `koanf:"min_text_length"  env:"CERTA_RETRIEVAL_MIN_TEXT_LENGTH"  validate:"min=0"`
	PrioritySources []string `koanf:"priority_sources" env:"CERTA_RETRIEVAL_PRIORITY_SOURCES" validate:"dive,semantic_source"`
	EmbedBatchSize  int      `koanf:"embed_batch_size" env:"CERTA_RETRIEVAL_EMBED_BATCH_SIZE" validate:"min=1"`
}

// LLMConfig contains completion provider settings.
type LLMConfig struct {
	Provider              string          `koanf:"provider"                env:"CERTA_LLM_PROVIDER"                validate:"oneof=openai mock"`
	Model                 string          `koanf:"model"                   env:"CERTA_LLM_MODEL"`
	APIKey                SensitiveString `koanf:"api_key"                 env:"CERTA_LLM_API_KEY"                 sensitive:"true"`
	BaseURL               string          `koanf:"base_url"                env:"CERTA_LLM_BASE_URL"`
	ComplianceTemperature float64         `koanf:"compliance_temperature"  env:"CERTA_LLM_COMPLIANCE_TEMPERATURE"  validate:"min=0,max=2"`
	SummaryTemperature    float64         `koanf:"summary_temperature"     env:"CERTA_LLM_SUMMARY_TEMPERATURE"     validate:"min=0,max=2"`
	MaxTokens             int             `koanf:"max_tokens"              env:"CERTA_LLM_MAX_TOKENS"              validate:"min=0"`
	MaxRetries            int             `koanf:"max_retries"             env:"CERTA_LLM_MAX_RETRIES"             validate:"min=0"`
	RetryBaseDelay        time.Duration   `koanf:"retry_base_delay"        env:"CERTA_LLM_RETRY_BASE_DELAY"`
	RequestsPerMinute     int             `koanf:"requests_per_minute"     env:"CERTA_LLM_REQUESTS_PER_MINUTE"     validate:"min=0"`
	MaxConcurrentRequests int             `koanf:"max_concurrent_requests" env:"CERTA_LLM_MAX_CONCURRENT_REQUESTS" validate:"min=0"`
}

// EmbedderConfig contains embeddings provider settings.
type EmbedderConfig struct {
	Provider  string          `koanf:"provider"   env:"CERTA_EMBEDDER_PROVIDER"   validate:"oneof=openai mock"`
	Model     string          `koanf:"model"      env:"CERTA_EMBEDDER_MODEL"`
	APIKey    SensitiveString `koanf:"api_key"    env:"CERTA_EMBEDDER_API_KEY"    sensitive:"true"`
	BaseURL   string          `koanf:"base_url"   env:"CERTA_EMBEDDER_BASE_URL"`
	CacheSize int             `koanf:"cache_size" env:"CERTA_EMBEDDER_CACHE_SIZE" validate:"min=0"`
}

// CrawlerConfig controls the same-site crawler.
type CrawlerConfig struct {
	MaxRequests    int           `koanf:"max_requests"    env:"CERTA_CRAWLER_MAX_REQUESTS"    validate:"min=1"`
	Parallelism    int           `koanf:"parallelism"     env:"CERTA_CRAWLER_PARALLELISM"     validate:"min=1"`
	RequestTimeout time.Duration `koanf:"request_timeout" env:"CERTA_CRAWLER_REQUEST_TIMEOUT" validate:"min=1s"`
	Retries        int           `koanf:"retries"         env:"CERTA_CRAWLER_RETRIES"         validate:"min=0"`
	UserAgent      string        `koanf:"user_agent"      env:"CERTA_CRAWLER_USER_AGENT"`
	RespectRobots  bool          `koanf:"respect_robots"  env:"CERTA_CRAWLER_RESPECT_ROBOTS"`
	Regions        []string      `koanf:"regions"         env:"CERTA_CRAWLER_REGIONS"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level     string `koanf:"level"      env:"CERTA_LOG_LEVEL"  validate:"oneof=debug info warn error disabled"`
	JSON      bool   `koanf:"json"       env:"CERTA_LOG_JSON"`
	AddSource bool   `koanf:"add_source" env:"CERTA_LOG_SOURCE"`
}

// Service defines the configuration management interface.
type Service interface {
	// Load loads configuration from the specified sources with precedence order.
	Load(ctx context.Context, sources ...Source) (*Config, error)
	// Validate checks if the configuration meets all validation requirements.
	Validate(config *Config) error
	// GetSource returns the source type that provided a specific configuration key.
	GetSource(key string) SourceType
}

// Source represents a configuration source.
type Source interface {
	Load() (map[string]any, error)
	Type() SourceType
	Close() error
}

type SourceType string

const (
	SourceCLI     SourceType = "cli"
	SourceYAML    SourceType = "yaml"
	SourceEnv     SourceType = "env"
	SourceDefault SourceType = "default"
)

// Metadata contains metadata about configuration sources.
type Metadata struct {
	Sources  map[string]SourceType `json:"sources"`
	LoadedAt time.Time             `json:"loaded_at"`
}

// SensitiveString hides its value from logs and JSON output.
type SensitiveString string

const redacted = "[REDACTED]"

func (s SensitiveString) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// Value returns the underlying secret.
func (s SensitiveString) Value() string {
	return string(s)
}

func (s SensitiveString) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *SensitiveString) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = SensitiveString(v)
	return nil
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			DB:          0,
			PingTimeout: 5 * time.Second,
		},
		Queue: QueueConfig{
			Name:            "compliance-checks",
			LockDuration:    60 * time.Second,
			Concurrency:     1,
			LimiterMax:      1,
			LimiterDuration: time.Second,
			StalledInterval: 60 * time.Second,
			MaxStalledCount: 2,
			Attempts:        1,
			PollTimeout:     5 * time.Second,
		},
		Worker: WorkerConfig{
			ShutdownTimeout: 10 * time.Second,
			LivenessKey:     "worker:compliance:running",
			LivenessTTL:     2 * time.Minute,
		},
		Chunker: ChunkerConfig{
			MaxTokens:     7000,
			OverlapTokens: 500,
			Encoding:      "cl100k_base",
		},
		Retrieval: RetrievalConfig{
			CandidateK:      20,
			SelectK:         10,
			MinTextLength:   30,
			PrioritySources: []string{"legal-block", "likely-footer", "nav-block"},
			EmbedBatchSize:  5,
		},
		LLM: LLMConfig{
			Provider:              "openai",
			Model:                 "gpt-4o-mini",
			ComplianceTemperature: 0.2,
			SummaryTemperature:    0,
			MaxRetries:            3,
			RetryBaseDelay:        500 * time.Millisecond,
			RequestsPerMinute:     0,
			MaxConcurrentRequests: 8,
		},
		Embedder: EmbedderConfig{
			Provider:  "openai",
			Model:     "text-embedding-3-small",
			CacheSize: 512,
		},
		Crawler: CrawlerConfig{
			MaxRequests:    250,
			Parallelism:    5,
			RequestTimeout: 20 * time.Second,
			Retries:        1,
			UserAgent:      "Mozilla/5.0 (compatible; CertaBot/1.0)",
			RespectRobots:  true,
			Regions:        []string{"nav", "footer"},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
