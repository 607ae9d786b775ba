package llmadapter

import (
	"strings"

	appconfig "github.com/certa-labs/certa/pkg/config"
)

// NewFromConfig builds a completer from the llm config section. A non-empty
// model overrides the configured default, which lets each job pick its model.
func NewFromConfig(cfg *appconfig.LLMConfig, model string) (*LangChainAdapter, error) {
	name := strings.TrimSpace(model)
	if name == "" {
		name = cfg.Model
	}
	llm, err := CreateModel(&ProviderConfig{
		Provider: cfg.Provider,
		Model:    name,
		APIKey:   cfg.APIKey.Value(),
		BaseURL:  cfg.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	return NewLangChainAdapter(llm, Options{
		Provider:          cfg.Provider,
		Model:             name,
		MaxRetries:        cfg.MaxRetries,
		RetryBaseDelay:    cfg.RetryBaseDelay,
		MaxConcurrent:     cfg.MaxConcurrentRequests,
		RequestsPerMinute: cfg.RequestsPerMinute,
	}), nil
}
