package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sethvargo/go-retry"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/certa-labs/certa/engine/core"
	"github.com/certa-labs/certa/pkg/logger"
)

// Adapter wraps a langchaingo embedder implementation with caching, retries and coded errors.
type Adapter struct {
	id         string
	provider   Provider
	model      string
	dimension  int
	batchSize  int
	maxRetries uint64
	retryBase  time.Duration
	impl       embeddings.Embedder
	cacheMu    sync.Mutex
	cache      *lru.Cache[string, []float32]
}

var (
	errMissingID        = errors.New("embedder id is required")
	errMissingProvider  = errors.New("embedder provider is required")
	errMissingModel     = errors.New("embedder model is required")
	errInvalidBatchSize = errors.New("embedder batch size must be greater than zero")
)

// New constructs a provider-backed embedder adapter.
func New(_ context.Context, cfg *Config) (*Adapter, error) {
	if cfg == nil {
		return nil, errors.New("embedder config is required")
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	options := []embeddings.Option{
		embeddings.WithBatchSize(cfg.BatchSize),
		embeddings.WithStripNewLines(cfg.StripNewLines),
	}
	impl, err := buildProviderEmbedder(cfg, options...)
	if err != nil {
		return nil, err
	}
	return newAdapter(cfg, impl)
}

// Wrap constructs an adapter around an existing langchaingo embedder.
func Wrap(cfg *Config, impl embeddings.Embedder) (*Adapter, error) {
	if cfg == nil {
		return nil, errors.New("embedder config is required")
	}
	if impl == nil {
		return nil, fmt.Errorf("embedder %q: implementation is required", cfg.ID)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return newAdapter(cfg, impl)
}

func newAdapter(cfg *Config, impl embeddings.Embedder) (*Adapter, error) {
	a := &Adapter{
		id:         cfg.ID,
		provider:   cfg.Provider,
		model:      cfg.Model,
		dimension:  cfg.Dimension,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBaseDelay,
		impl:       impl,
	}
	if a.retryBase <= 0 {
		a.retryBase = defaultRetryBaseDelay
	}
	if cfg.CacheSize > 0 {
		if err := a.EnableCache(cfg.CacheSize); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Dimension returns the configured vector dimension, or zero when the provider decides.
func (a *Adapter) Dimension() int {
	return a.dimension
}

// BatchSize returns the configured batch size.
func (a *Adapter) BatchSize() int {
	return a.batchSize
}

// EnableCache initializes an LRU cache for embeddings.
func (a *Adapter) EnableCache(size int) error {
	if size <= 0 {
		return fmt.Errorf("embedder %q: cache size must be greater than zero", a.id)
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return fmt.Errorf("embedder %q: init cache: %w", a.id, err)
	}
	a.cacheMu.Lock()
	a.cache = cache
	a.cacheMu.Unlock()
	return nil
}

// EmbedDocuments embeds texts in order, serving repeated texts from the cache.
func (a *Adapter) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if cache := a.getCache(); cache != nil {
		return a.cachedEmbedDocuments(ctx, cache, texts)
	}
	return a.embedDocuments(ctx, texts)
}

// EmbedQuery embeds a single query text.
func (a *Adapter) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	cache := a.getCache()
	if cache != nil {
		if vector, ok := a.lookupCache(cache, text); ok {
			recordCacheLookup(ctx, a.provider, true)
			return vector, nil
		}
		recordCacheLookup(ctx, a.provider, false)
	}
	var vector []float32
	start := time.Now()
	err := a.withRetry(ctx, "embed_query", func(ctx context.Context) error {
		var callErr error
		vector, callErr = a.impl.EmbedQuery(ctx, text)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	recordGeneration(ctx, a.provider, a.model, 1, time.Since(start))
	if cache != nil {
		a.storeCache(cache, text, vector)
		return cloneVector(vector), nil
	}
	return vector, nil
}

func (a *Adapter) embedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32
	start := time.Now()
	err := a.withRetry(ctx, "embed_documents", func(ctx context.Context) error {
		var callErr error
		vectors, callErr = a.impl.EmbedDocuments(ctx, texts)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, a.providerError(
			"embed_documents",
			fmt.Errorf("received %d embeddings for %d texts", len(vectors), len(texts)),
		)
	}
	recordGeneration(ctx, a.provider, a.model, len(texts), time.Since(start))
	return vectors, nil
}

func (a *Adapter) cachedEmbedDocuments(
	ctx context.Context,
	cache *lru.Cache[string, []float32],
	texts []string,
) ([][]float32, error) {
	results := make([][]float32, len(texts))
	missingIdxMap := make(map[string][]int)
	uniqueMissing := make([]string, 0, len(texts))
	for i := range texts {
		text := texts[i]
		if vector, ok := a.lookupCache(cache, text); ok {
			recordCacheLookup(ctx, a.provider, true)
			results[i] = vector
			continue
		}
		recordCacheLookup(ctx, a.provider, false)
		if _, seen := missingIdxMap[text]; !seen {
			uniqueMissing = append(uniqueMissing, text)
		}
		missingIdxMap[text] = append(missingIdxMap[text], i)
	}
	if len(uniqueMissing) == 0 {
		return results, nil
	}
	embedded, err := a.embedDocuments(ctx, uniqueMissing)
	if err != nil {
		return nil, err
	}
	for i := range embedded {
		text := uniqueMissing[i]
		for _, idx := range missingIdxMap[text] {
			results[idx] = cloneVector(embedded[i])
		}
		a.storeCache(cache, text, embedded[i])
	}
	return results, nil
}

// withRetry runs fn with exponential backoff, retrying only transient provider failures.
func (a *Adapter) withRetry(ctx context.Context, operation string, fn func(context.Context) error) error {
	backoff := retry.NewExponential(a.retryBase)
	backoff = retry.WithMaxDuration(defaultRetryMaxDelay*time.Duration(a.maxRetries+1), backoff)
	backoff = retry.WithMaxRetries(a.maxRetries, retry.WithJitter(50*time.Millisecond, backoff))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		callErr := fn(ctx)
		if callErr == nil {
			return nil
		}
		category := categorizeError(callErr)
		recordError(ctx, a.provider, a.model, category)
		if isRetryable(category) && ctx.Err() == nil {
			logger.FromContext(ctx).Debug(
				"Retrying embeddings call",
				"embedder", a.id,
				"operation", operation,
				"attempt", attempt,
				"error", callErr,
			)
			return retry.RetryableError(callErr)
		}
		return callErr
	})
	if err != nil {
		return a.providerError(operation, err)
	}
	return nil
}

func (a *Adapter) providerError(operation string, err error) error {
	return core.NewError(a.withContext(err), core.ErrCodeProvider, map[string]any{
		"embedder":  a.id,
		"provider":  string(a.provider),
		"model":     a.model,
		"operation": operation,
	})
}

func (a *Adapter) getCache() *lru.Cache[string, []float32] {
	a.cacheMu.Lock()
	cache := a.cache
	a.cacheMu.Unlock()
	return cache
}

func (a *Adapter) lookupCache(cache *lru.Cache[string, []float32], text string) ([]float32, bool) {
	if cache == nil {
		return nil, false
	}
	key := cacheKey(text)
	a.cacheMu.Lock()
	current := a.cache
	if current == nil || current != cache {
		a.cacheMu.Unlock()
		return nil, false
	}
	value, ok := current.Get(key)
	a.cacheMu.Unlock()
	if !ok {
		return nil, false
	}
	return cloneVector(value), true
}

func (a *Adapter) storeCache(cache *lru.Cache[string, []float32], text string, vector []float32) {
	if cache == nil || len(vector) == 0 {
		return
	}
	key := cacheKey(text)
	a.cacheMu.Lock()
	if a.cache == cache && a.cache != nil {
		a.cache.Add(key, cloneVector(vector))
	}
	a.cacheMu.Unlock()
}

func (a *Adapter) withContext(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("embedder %q: %w", a.id, err)
}

type errorCategory string

const (
	errorRateLimit    errorCategory = "rate_limit"
	errorAuth         errorCategory = "auth"
	errorInvalidInput errorCategory = "invalid_input"
	errorTimeout      errorCategory = "timeout"
	errorCanceled     errorCategory = "canceled"
	errorServer       errorCategory = "server_error"
)

// categorizeError inspects the error text to approximate a standard error bucket.
// NOTE: This relies on string matching; prefer typed errors if providers expose them.
func categorizeError(err error) errorCategory {
	if err == nil {
		return errorServer
	}
	lower := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.Canceled):
		return errorCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return errorTimeout
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "429"):
		return errorRateLimit
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "forbidden"), strings.Contains(lower, "auth"):
		return errorAuth
	case strings.Contains(lower, "invalid"),
		strings.Contains(lower, "bad request"),
		strings.Contains(lower, "422"),
		strings.Contains(lower, "400"):
		return errorInvalidInput
	default:
		return errorServer
	}
}

func isRetryable(category errorCategory) bool {
	switch category {
	case errorRateLimit, errorTimeout, errorServer:
		return true
	default:
		return false
	}
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func cloneVector(src []float32) []float32 {
	if len(src) == 0 {
		return nil
	}
	dst := make([]float32, len(src))
	copy(dst, src)
	return dst
}

func validateConfig(cfg *Config) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return errMissingID
	}
	if strings.TrimSpace(string(cfg.Provider)) == "" {
		return fmt.Errorf("embedder %q: %w", cfg.ID, errMissingProvider)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return fmt.Errorf("embedder %q: %w", cfg.ID, errMissingModel)
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("embedder %q: %w", cfg.ID, errInvalidBatchSize)
	}
	if cfg.Dimension < 0 {
		return fmt.Errorf("embedder %q: dimension must not be negative", cfg.ID)
	}
	return nil
}

func buildProviderEmbedder(cfg *Config, options ...embeddings.Option) (embeddings.Embedder, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		return buildOpenAIEmbedder(cfg, options...)
	case ProviderMock:
		return NewMockEmbedder(cfg.Dimension), nil
	default:
		return nil, core.NewError(
			fmt.Errorf("embedder %q: provider %q is not supported", cfg.ID, cfg.Provider),
			core.ErrCodeConfiguration,
			nil,
		)
	}
}

func buildOpenAIEmbedder(cfg *Config, opts ...embeddings.Option) (embeddings.Embedder, error) {
	openaiOpts := []openai.Option{
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.APIKey != "" {
		openaiOpts = append(openaiOpts, openai.WithToken(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.BaseURL))
	}
	client, err := openai.New(openaiOpts...)
	if err != nil {
		return nil, fmt.Errorf("embedder %q: failed to initialize openai client: %w", cfg.ID, err)
	}
	embedder, err := embeddings.NewEmbedder(client, opts...)
	if err != nil {
		return nil, fmt.Errorf("embedder %q: failed to construct openai embedder: %w", cfg.ID, err)
	}
	return embedder, nil
}
