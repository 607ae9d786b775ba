package prompts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/certa-labs/certa/engine/compliance"
	"github.com/certa-labs/certa/engine/core"
	llmadapter "github.com/certa-labs/certa/engine/llm/adapter"
	"github.com/certa-labs/certa/pkg/logger"
)

const instructionsHeader = "\n\nADDITIONAL INSTRUCTIONS PROVIDED BY USER:\n\n"

var (
	// ErrMissingRequirements is returned when a policy has no requirements text.
	ErrMissingRequirements = errors.New("Unable to process policy requirements") //nolint:staticcheck // user-facing text
	// ErrSummaryFailed is returned when the policy summary call fails.
	ErrSummaryFailed = errors.New("Error summarizing policy") //nolint:staticcheck // user-facing text
)

// Options tune the summary completion.
type Options struct {
	SummaryTemperature float64
	MaxTokens          int
}

// Builder produces the prompts for one policy analysis. The policy summary
// is computed on first use and reused for the rest of the analysis.
type Builder struct {
	catalog      *Catalog
	completer    llmadapter.Completer
	policy       compliance.Policy
	instructions string
	opts         Options

	mu      sync.Mutex
	summary string
	ready   bool
}

// NewBuilder creates a builder for policy.
func NewBuilder(
	catalog *Catalog,
	completer llmadapter.Completer,
	policy compliance.Policy,
	instructions string,
	opts Options,
) *Builder {
	return &Builder{
		catalog:      catalog,
		completer:    completer,
		policy:       policy,
		instructions: instructions,
		opts:         opts,
	}
}

// Summary returns the cached policy summary, computing it on first call.
// Concurrent callers wait for the single in-flight computation.
func (b *Builder) Summary(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return b.summary, nil
	}
	prompt, err := b.catalog.Render(SummarizePolicy, map[string]any{"policy": b.policy.Content})
	if err != nil {
		return "", err
	}
	completion, err := b.completer.Complete(ctx, prompt, llmadapter.CallOptions{
		Temperature: b.opts.SummaryTemperature,
		MaxTokens:   b.opts.MaxTokens,
	})
	if err != nil {
		logger.FromContext(ctx).Error("Error summarizing policy", "policy", b.policy.Title, "error", err)
		return "", core.NewError(
			fmt.Errorf("%w: %w", ErrSummaryFailed, err),
			core.ErrCodeProvider,
			map[string]any{"policy": b.policy.Title},
		)
	}
	b.summary = strings.TrimSpace(completion.Text)
	b.ready = true
	return b.summary, nil
}

// CompliancePrompt fills the compliance-check template for the policy.
func (b *Builder) CompliancePrompt(ctx context.Context) (string, error) {
	if !b.catalog.Has(ComplianceCheck) {
		return "", b.missingTemplate(ComplianceCheck)
	}
	if strings.TrimSpace(b.policy.Requirements) == "" {
		return "", core.NewError(
			ErrMissingRequirements,
			core.ErrCodeConfiguration,
			map[string]any{"policy": b.policy.Title},
		)
	}
	summary, err := b.Summary(ctx)
	if err != nil {
		return "", err
	}
	prompt, err := b.catalog.Render(ComplianceCheck, map[string]any{
		"content":      b.policy.Content,
		"requirements": b.policy.Requirements,
		"summary":      summary,
	})
	if err != nil {
		return "", err
	}
	return b.withInstructions(prompt), nil
}

// ConsensusPrompt fills the consensus-check template with three raw answers.
func (b *Builder) ConsensusPrompt(ctx context.Context, input1, input2, input3 string) (string, error) {
	if !b.catalog.Has(ConsensusCheck) {
		return "", b.missingTemplate(ConsensusCheck)
	}
	summary, err := b.Summary(ctx)
	if err != nil {
		return "", err
	}
	prompt, err := b.catalog.Render(ConsensusCheck, map[string]any{
		"summary": summary,
		"input1":  input1,
		"input2":  input2,
		"input3":  input3,
	})
	if err != nil {
		return "", err
	}
	return b.withInstructions(prompt), nil
}

func (b *Builder) withInstructions(prompt string) string {
	if strings.TrimSpace(b.instructions) == "" {
		return prompt
	}
	return prompt + instructionsHeader + b.instructions
}

func (b *Builder) missingTemplate(id string) error {
	return core.NewError(
		fmt.Errorf("prompt template %q not found", id),
		core.ErrCodeConfiguration,
		map[string]any{"prompt": id, "policy": b.policy.Title},
	)
}
