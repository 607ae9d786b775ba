package llmadapter

import "context"

// CallOptions holds per-call sampling settings.
type CallOptions struct {
	Temperature float64
	MaxTokens   int
}

// Completion is the text answer of a completion call.
type Completion struct {
	Text  string
	Model string
}

// Completer issues a single prompt and returns the model's text.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts CallOptions) (*Completion, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, prompt string, opts CallOptions) (*Completion, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string, opts CallOptions) (*Completion, error) {
	return f(ctx, prompt, opts)
}
