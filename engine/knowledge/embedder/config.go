package embedder

import (
	"time"

	appconfig "github.com/certa-labs/certa/pkg/config"
)

// Provider identifies an embeddings backend.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	// ProviderMock produces deterministic hashed vectors without network access.
	ProviderMock Provider = "mock"
)

const (
	defaultBatchSize      = 16
	defaultMockDimension  = 64
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryMaxDelay  = 10 * time.Second
)

// Config describes how an embedder adapter is built.
type Config struct {
	ID             string
	Provider       Provider
	Model          string
	APIKey         string
	BaseURL        string
	Dimension      int
	BatchSize      int
	StripNewLines  bool
	CacheSize      int
	MaxRetries     uint64
	RetryBaseDelay time.Duration
}

// FromAppConfig maps the application embedder section onto an adapter config.
func FromAppConfig(cfg *appconfig.EmbedderConfig) *Config {
	out := &Config{
		ID:             "default",
		Provider:       Provider(cfg.Provider),
		Model:          cfg.Model,
		APIKey:         cfg.APIKey.Value(),
		BaseURL:        cfg.BaseURL,
		BatchSize:      defaultBatchSize,
		StripNewLines:  true,
		CacheSize:      cfg.CacheSize,
		MaxRetries:     defaultMaxRetries,
		RetryBaseDelay: defaultRetryBaseDelay,
	}
	if out.Provider == ProviderMock {
		out.Dimension = defaultMockDimension
		if out.Model == "" {
			out.Model = "mock-embedding"
		}
	}
	return out
}
