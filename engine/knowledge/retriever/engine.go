package retriever

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/certa-labs/certa/engine/compliance"
	"github.com/certa-labs/certa/engine/core"
	"github.com/certa-labs/certa/engine/knowledge/chunk"
	"github.com/certa-labs/certa/engine/knowledge/vectordb"
	llmadapter "github.com/certa-labs/certa/engine/llm/adapter"
	"github.com/certa-labs/certa/pkg/logger"
)

// InsufficientContent is returned instead of a model answer when retrieval
// finds nothing worth grounding a prompt on.
const InsufficientContent = "The website does not contain sufficient content to evaluate " +
	"compliance with the policy requirements."

const (
	DefaultCandidateK = 20
	DefaultSelectK    = 10
	DefaultBatchSize  = 5

	inputDataMarker = "Input Data:"
	policyMarker    = "POLICY:"
	contextHeader   = "WEBSITE CONTENT:\n\n"
	blockSeparator  = "\n\n---\n\n"

	reviewReminder = "\n\nIMPORTANT: You MUST check every part of the provided WEBSITE CONTENT thoroughly " +
		"before determining if something is present or not. Pay special attention to:\n" +
		"1. Navigation areas\n2. Footer content\n3. Link texts and URLs\n4. Headers and page structure"
)

// Embedder turns texts into vectors.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Options tune retrieval and the completion call.
type Options struct {
	// CandidateK nodes are fetched from the store, SelectK of them reach the prompt.
	CandidateK  int
	SelectK     int
	BatchSize   int
	Temperature float64
	MaxTokens   int
}

func (o Options) withDefaults() Options {
	if o.CandidateK <= 0 {
		o.CandidateK = DefaultCandidateK
	}
	if o.SelectK <= 0 {
		o.SelectK = DefaultSelectK
	}
	if o.SelectK > o.CandidateK {
		o.SelectK = o.CandidateK
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	return o
}

// QueryResponse is the outcome of RunQuery.
type QueryResponse struct {
	Response    string
	SourceNodes []vectordb.Match
	// Parsed is nil when the answer does not follow the structured format.
	Parsed              *compliance.Result
	InsufficientContent bool
}

func (r *QueryResponse) String() string {
	if r == nil {
		return ""
	}
	return r.Response
}

// Engine grounds prompts on the documents of one job.
type Engine struct {
	chunker   *chunk.Chunker
	embedder  Embedder
	store     *vectordb.Store
	completer llmadapter.Completer
	opts      Options
	tracer    trace.Tracer
}

func NewEngine(
	chunker *chunk.Chunker,
	emb Embedder,
	store *vectordb.Store,
	completer llmadapter.Completer,
	opts Options,
) (*Engine, error) {
	if chunker == nil {
		return nil, errors.New("retriever: chunker is required")
	}
	if emb == nil {
		return nil, errors.New("retriever: embedder is required")
	}
	if store == nil {
		return nil, errors.New("retriever: vector store is required")
	}
	if completer == nil {
		return nil, errors.New("retriever: completer is required")
	}
	return &Engine{
		chunker:   chunker,
		embedder:  emb,
		store:     store,
		completer: completer,
		opts:      opts.withDefaults(),
		tracer:    otel.Tracer("certa.knowledge.retriever"),
	}, nil
}

// Store exposes the underlying vector store.
func (e *Engine) Store() *vectordb.Store {
	return e.store
}

// AddDocuments chunks, embeds and stores docs in sequential batches. A document
// that fails to chunk is skipped; embedding failures abort the call.
func (e *Engine) AddDocuments(ctx context.Context, docs []chunk.Document) error {
	ctx, span := e.tracer.Start(ctx, "certa.knowledge.retriever.add_documents", trace.WithAttributes(
		attribute.Int("documents", len(docs)),
		attribute.Int("batch_size", e.opts.BatchSize),
	))
	defer span.End()
	log := logger.FromContext(ctx)
	added := 0
	for start := 0; start < len(docs); start += e.opts.BatchSize {
		end := min(start+e.opts.BatchSize, len(docs))
		n, err := e.addBatch(ctx, docs[start:end])
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		added += n
		log.Debug("Document batch indexed", "batch_start", start, "documents", end-start, "nodes", n)
	}
	span.SetAttributes(attribute.Int("nodes", added))
	log.Info("Documents indexed", "documents", len(docs), "nodes", added)
	return nil
}

func (e *Engine) addBatch(ctx context.Context, docs []chunk.Document) (int, error) {
	var chunks []chunk.Chunk
	for i := range docs {
		docChunks, err := e.chunker.Chunk(ctx, docs[i])
		if err != nil {
			logger.FromContext(ctx).Warn("Skipping document that failed to chunk", "doc_id", docs[i].ID, "error", err)
			continue
		}
		chunks = append(chunks, docChunks...)
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Text
	}
	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("retriever: embed documents: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, core.NewError(
			fmt.Errorf("retriever: embedder returned %d vectors for %d chunks", len(vectors), len(chunks)),
			core.ErrCodeProvider,
			nil,
		)
	}
	for i := range chunks {
		node := vectordb.Node{
			ID:         chunks[i].ID,
			Text:       chunks[i].Text,
			TokenCount: chunks[i].TokenCount,
			Embedding:  vectors[i],
			Metadata:   chunks[i].Metadata,
		}
		if err := e.store.AddNode(ctx, node); err != nil {
			return 0, err
		}
	}
	return len(chunks), nil
}

// RunQuery retrieves context for prompt, asks the model and tries to parse
// the answer. When nothing relevant is stored the model is not called and
// the InsufficientContent sentinel is returned.
func (e *Engine) RunQuery(ctx context.Context, prompt string) (resp *QueryResponse, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "certa.knowledge.retriever.run_query", trace.WithAttributes(
		attribute.Int("prompt_length", len(prompt)),
		attribute.Int("candidate_k", e.opts.CandidateK),
	))
	defer e.finishQuery(ctx, span, start, &resp, &err)

	vector, err := e.embedQuery(ctx, prompt)
	if err != nil {
		return nil, err
	}
	matches, err := e.search(ctx, vector, prompt)
	if err != nil {
		return nil, err
	}
	if len(matches) > e.opts.SelectK {
		matches = matches[:e.opts.SelectK]
	}
	if len(matches) == 0 {
		recordEmptyRetrieval(ctx)
		return &QueryResponse{Response: InsufficientContent, InsufficientContent: true}, nil
	}
	grounded := InjectContext(prompt, BuildContext(matches)) + reviewReminder
	completion, err := e.complete(ctx, grounded)
	if err != nil {
		return nil, err
	}
	resp = &QueryResponse{
		Response:    strings.TrimSpace(completion.Text),
		SourceNodes: matches,
	}
	parsed, parseErr := compliance.ParseComplianceResponse(resp.Response)
	if parseErr != nil {
		logger.FromContext(ctx).Warn("Query answer is not in the structured format", "error", parseErr)
		return resp, nil
	}
	resp.Parsed = parsed
	return resp, nil
}

func (e *Engine) embedQuery(ctx context.Context, prompt string) ([]float32, error) {
	spanCtx, span := e.tracer.Start(ctx, "certa.knowledge.retriever.embed_query")
	defer span.End()
	vector, err := e.embedder.EmbedQuery(spanCtx, prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("retriever: embed query: %w", err)
	}
	return vector, nil
}

func (e *Engine) search(ctx context.Context, vector []float32, prompt string) ([]vectordb.Match, error) {
	spanCtx, span := e.tracer.Start(ctx, "certa.knowledge.retriever.vector_search", trace.WithAttributes(
		attribute.Int("top_k", e.opts.CandidateK),
	))
	defer span.End()
	matches, err := e.store.FindSimilarNodes(spanCtx, vector, prompt, e.opts.CandidateK)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("retriever: vector search: %w", err)
	}
	span.SetAttributes(attribute.Int("matches", len(matches)))
	return matches, nil
}

func (e *Engine) complete(ctx context.Context, prompt string) (*llmadapter.Completion, error) {
	spanCtx, span := e.tracer.Start(ctx, "certa.knowledge.retriever.complete")
	defer span.End()
	completion, err := e.completer.Complete(spanCtx, prompt, llmadapter.CallOptions{
		Temperature: e.opts.Temperature,
		MaxTokens:   e.opts.MaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		wrapped := fmt.Errorf("retriever: completion: %w", err)
		if core.ErrorCode(err) == "" {
			return nil, core.NewError(wrapped, core.ErrCodeProvider, nil)
		}
		return nil, wrapped
	}
	return completion, nil
}

func (e *Engine) finishQuery(
	ctx context.Context,
	span trace.Span,
	start time.Time,
	resp **QueryResponse,
	runErr *error,
) {
	duration := time.Since(start)
	log := logger.FromContext(ctx)
	if runErr != nil && *runErr != nil {
		err := *runErr
		recordQuery(ctx, outcomeError, duration)
		log.Error("Query failed", "error", err, "duration_seconds", duration.Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return
	}
	outcome := outcomeAnswered
	sources := 0
	if resp != nil && *resp != nil {
		sources = len((*resp).SourceNodes)
		if (*resp).InsufficientContent {
			outcome = outcomeInsufficient
		}
	}
	recordQuery(ctx, outcome, duration)
	log.Debug("Query finished", "sources", sources, "outcome", outcome, "duration_seconds", duration.Seconds())
	span.SetAttributes(attribute.Int("sources", sources), attribute.String("outcome", outcome))
	span.End()
}

// BuildContext renders matches as numbered document blocks.
func BuildContext(matches []vectordb.Match) string {
	blocks := make([]string, len(matches))
	for i := range matches {
		header := fmt.Sprintf("DOCUMENT %d:", i+1)
		if url := matches[i].Metadata.URL; url != "" {
			header += "\nSource: " + url
		}
		blocks[i] = header + "\n\n" + strings.TrimSpace(matches[i].Text)
	}
	return strings.Join(blocks, blockSeparator)
}

// InjectContext places the website content into prompt. Prompts with an
// "Input Data:" section get the content ahead of their POLICY: block, or right
// after the marker when no such block follows. Other prompts are prefixed.
func InjectContext(prompt, content string) string {
	section := contextHeader + content + "\n\n"
	marker := strings.Index(prompt, inputDataMarker)
	if marker < 0 {
		return section + prompt
	}
	if rel := strings.Index(prompt[marker:], policyMarker); rel >= 0 {
		at := marker + rel
		return prompt[:at] + section + prompt[at:]
	}
	return strings.Replace(prompt, inputDataMarker, inputDataMarker+"\n"+section, 1)
}
