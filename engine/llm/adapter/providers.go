package llmadapter

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/certa-labs/certa/engine/core"
)

const (
	ProviderOpenAI = "openai"
	ProviderMock   = "mock"
)

// ProviderConfig selects and authenticates a completion backend.
type ProviderConfig struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// CreateModel builds the langchaingo model for the configured provider.
func CreateModel(p *ProviderConfig) (llms.Model, error) {
	if p == nil {
		return nil, core.NewError(fmt.Errorf("provider config must not be nil"), core.ErrCodeConfiguration, nil)
	}
	switch strings.ToLower(p.Provider) {
	case ProviderOpenAI:
		return createOpenAILLM(p)
	case ProviderMock:
		return NewMockLLM(p.Model), nil
	default:
		return nil, core.NewError(
			fmt.Errorf("unsupported provider: %s", p.Provider),
			core.ErrCodeConfiguration,
			map[string]any{"provider": p.Provider},
		)
	}
}

func createOpenAILLM(p *ProviderConfig) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithModel(p.Model),
	}
	if p.APIKey != "" {
		opts = append(opts, openai.WithToken(p.APIKey))
	}
	if p.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(p.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai model %q: %w", p.Model, err)
	}
	return model, nil
}

// Responder produces the mock answer for a prompt.
type Responder func(ctx context.Context, prompt string) (string, error)

// MockLLM is an offline llms.Model. Without a responder it answers
// compliance and consensus prompts with a well-formed structured result.
type MockLLM struct {
	model     string
	responder Responder

	mu    sync.Mutex
	calls []string
}

// NewMockLLM creates a new mock LLM
func NewMockLLM(model string) *MockLLM {
	return &MockLLM{model: model}
}

// NewScriptedLLM creates a mock LLM that answers through responder.
func NewScriptedLLM(model string, responder Responder) *MockLLM {
	return &MockLLM{model: model, responder: responder}
}

// Prompts returns every prompt received so far.
func (m *MockLLM) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// GenerateContent implements llms.Model.
func (m *MockLLM) GenerateContent(
	ctx context.Context,
	messages []llms.MessageContent,
	_ ...llms.CallOption,
) (*llms.ContentResponse, error) {
	var sb strings.Builder
	for _, message := range messages {
		if message.Role != llms.ChatMessageTypeHuman && message.Role != llms.ChatMessageTypeSystem {
			continue
		}
		for _, part := range message.Parts {
			if textPart, ok := part.(llms.TextContent); ok {
				sb.WriteString(textPart.Text)
			}
		}
	}
	text, err := m.respond(ctx, sb.String())
	if err != nil {
		return nil, err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: text}},
	}, nil
}

// Call implements the legacy Call interface
func (m *MockLLM) Call(ctx context.Context, prompt string, _ ...llms.CallOption) (string, error) {
	return m.respond(ctx, prompt)
}

func (m *MockLLM) respond(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.calls = append(m.calls, prompt)
	m.mu.Unlock()
	if m.responder != nil {
		return m.responder(ctx, prompt)
	}
	return defaultMockAnswer(prompt), nil
}

const mockStructuredAnswer = `The website content was reviewed against the policy requirements.

Requirement,Status,Evidence Text,Evidence Location,Explanation
"Policy requirement","Met","Mock evidence","Footer","Mock explanation"

Remediation Steps:
1. No action required`

func defaultMockAnswer(prompt string) string {
	if strings.Contains(prompt, "Input Data") {
		return mockStructuredAnswer
	}
	return "Mock policy summary."
}
