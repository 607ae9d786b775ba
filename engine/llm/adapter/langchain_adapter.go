package llmadapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/tmc/langchaingo/llms"

	"github.com/certa-labs/certa/engine/core"
	"github.com/certa-labs/certa/pkg/logger"
)

const (
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryMaxDelay  = 20 * time.Second
)

// LangChainAdapter adapts a langchaingo model to the Completer interface.
type LangChainAdapter struct {
	model      llms.Model
	provider   string
	modelName  string
	limiter    *RateLimiter
	parser     *ErrorParser
	maxRetries uint64
	retryBase  time.Duration
}

// Options tune retries and throttling around the model.
type Options struct {
	Provider          string
	Model             string
	MaxRetries        int
	RetryBaseDelay    time.Duration
	MaxConcurrent     int
	RequestsPerMinute int
}

// NewLangChainAdapter wraps model with retries and the configured rate limits.
func NewLangChainAdapter(model llms.Model, opts Options) *LangChainAdapter {
	base := opts.RetryBaseDelay
	if base <= 0 {
		base = defaultRetryBaseDelay
	}
	retries := uint64(0)
	if opts.MaxRetries > 0 {
		retries = uint64(opts.MaxRetries)
	}
	return &LangChainAdapter{
		model:      model,
		provider:   opts.Provider,
		modelName:  opts.Model,
		limiter:    NewRateLimiter(opts.Provider, opts.MaxConcurrent, opts.RequestsPerMinute),
		parser:     NewErrorParser(opts.Provider),
		maxRetries: retries,
		retryBase:  base,
	}
}

// Model returns the configured model name.
func (a *LangChainAdapter) Model() string {
	return a.modelName
}

// Limiter exposes the adapter's rate limiter, which may be nil.
func (a *LangChainAdapter) Limiter() *RateLimiter {
	return a.limiter
}

// Complete sends prompt as a single human message.
func (a *LangChainAdapter) Complete(ctx context.Context, prompt string, opts CallOptions) (*Completion, error) {
	log := logger.FromContext(ctx)
	messages := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)}
	callOpts := a.buildCallOptions(opts)
	backoff := retry.NewExponential(a.retryBase)
	backoff = retry.WithMaxDuration(defaultRetryMaxDelay*time.Duration(a.maxRetries+1), backoff)
	backoff = retry.WithMaxRetries(a.maxRetries, retry.WithJitter(50*time.Millisecond, backoff))
	var text string
	attempt := 0
	start := time.Now()
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		content, callErr := a.generate(ctx, messages, callOpts)
		if callErr == nil {
			text = content
			return nil
		}
		classified := a.classify(callErr)
		recordCompletionError(ctx, a.provider, a.modelName, string(classified.Code))
		if classified.Retryable() && ctx.Err() == nil {
			log.Debug(
				"Completion failed, will retry",
				"provider", a.provider,
				"model", a.modelName,
				"attempt", attempt,
				"error_code", string(classified.Code),
				"error", callErr,
			)
			return retry.RetryableError(classified)
		}
		return classified
	})
	recordCompletion(ctx, a.provider, a.modelName, time.Since(start), err == nil)
	if err != nil {
		return nil, core.NewError(
			fmt.Errorf("llm %s/%s: %w", a.provider, a.modelName, err),
			core.ErrCodeProvider,
			map[string]any{"provider": a.provider, "model": a.modelName, "attempts": attempt},
		)
	}
	return &Completion{Text: text, Model: a.modelName}, nil
}

func (a *LangChainAdapter) generate(
	ctx context.Context,
	messages []llms.MessageContent,
	callOpts []llms.CallOption,
) (string, error) {
	if err := a.limiter.Acquire(ctx); err != nil {
		return "", err
	}
	defer a.limiter.Release()
	resp, err := a.model.GenerateContent(ctx, messages, callOpts...)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return "", NewErrorWithCode(ErrCodeEmptyResponse, "empty response from LLM", a.provider, nil)
	}
	return resp.Choices[0].Content, nil
}

func (a *LangChainAdapter) buildCallOptions(opts CallOptions) []llms.CallOption {
	callOpts := []llms.CallOption{llms.WithTemperature(opts.Temperature)}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}
	return callOpts
}

func (a *LangChainAdapter) classify(err error) *Error {
	if errors.Is(err, context.Canceled) {
		return NewErrorWithCode(ErrCodeUnknown, err.Error(), a.provider, err)
	}
	if parsed := a.parser.ParseError(err); parsed != nil {
		return parsed
	}
	return NewErrorWithCode(ErrCodeServerError, err.Error(), a.provider, err)
}
