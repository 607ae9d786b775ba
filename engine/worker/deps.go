package worker

import (
	"context"
	"fmt"

	"github.com/certa-labs/certa/engine/compliance/prompts"
	"github.com/certa-labs/certa/engine/crawler"
	"github.com/certa-labs/certa/engine/jobstate"
	"github.com/certa-labs/certa/engine/knowledge/chunk"
	"github.com/certa-labs/certa/engine/knowledge/embedder"
	"github.com/certa-labs/certa/engine/knowledge/retriever"
	"github.com/certa-labs/certa/engine/knowledge/vectordb"
	llmadapter "github.com/certa-labs/certa/engine/llm/adapter"
	appconfig "github.com/certa-labs/certa/pkg/config"
)

// CrawlerFactory creates a fresh crawler for one job.
type CrawlerFactory func() crawler.Crawler

// CompleterFactory resolves the completion model a job asked for.
type CompleterFactory func(model string) (llmadapter.Completer, error)

// Dependencies are the collaborators shared by every job of a process.
type Dependencies struct {
	State      *jobstate.Store
	Catalog    *prompts.Catalog
	Crawlers   CrawlerFactory
	Completers CompleterFactory
	Embedder   retriever.Embedder
	Chunker    *chunk.Chunker
	Vectors    vectordb.Options
	Retrieval  retriever.Options
	Prompts    prompts.Options
}

func (d *Dependencies) validate() error {
	switch {
	case d.State == nil:
		return fmt.Errorf("worker: job state store is required")
	case d.Catalog == nil:
		return fmt.Errorf("worker: prompt catalog is required")
	case d.Crawlers == nil:
		return fmt.Errorf("worker: crawler factory is required")
	case d.Completers == nil:
		return fmt.Errorf("worker: completer factory is required")
	case d.Embedder == nil:
		return fmt.Errorf("worker: embedder is required")
	case d.Chunker == nil:
		return fmt.Errorf("worker: chunker is required")
	}
	return nil
}

// DependenciesFromConfig wires providers from the application config.
// promptsPath may be empty to use the embedded prompt catalog.
func DependenciesFromConfig(
	ctx context.Context,
	cfg *appconfig.Config,
	state *jobstate.Store,
	promptsPath string,
) (*Dependencies, error) {
	catalog, err := loadCatalog(promptsPath)
	if err != nil {
		return nil, err
	}
	counter, err := chunk.NewTiktokenCounter(cfg.Chunker.Encoding)
	if err != nil {
		return nil, fmt.Errorf("worker: token counter: %w", err)
	}
	chunker, err := chunk.NewChunker(chunk.Settings{
		MaxTokens:     cfg.Chunker.MaxTokens,
		OverlapTokens: cfg.Chunker.OverlapTokens,
	}, counter)
	if err != nil {
		return nil, err
	}
	emb, err := embedder.New(ctx, embedder.FromAppConfig(&cfg.Embedder))
	if err != nil {
		return nil, fmt.Errorf("worker: embedder: %w", err)
	}
	var sources []chunk.SemanticSource
	for _, s := range cfg.Retrieval.PrioritySources {
		sources = append(sources, chunk.SemanticSource(s))
	}
	crawlerOpts := crawler.FromAppConfig(&cfg.Crawler)
	llmCfg := cfg.LLM
	return &Dependencies{
		State:    state,
		Catalog:  catalog,
		Crawlers: func() crawler.Crawler { return crawler.New(crawlerOpts) },
		Completers: func(model string) (llmadapter.Completer, error) {
			return llmadapter.NewFromConfig(&llmCfg, model)
		},
		Embedder: emb,
		Chunker:  chunker,
		Vectors: vectordb.Options{
			PrioritySources: sources,
			MinTextLength:   cfg.Retrieval.MinTextLength,
		},
		Retrieval: retriever.Options{
			CandidateK:  cfg.Retrieval.CandidateK,
			SelectK:     cfg.Retrieval.SelectK,
			BatchSize:   cfg.Retrieval.EmbedBatchSize,
			Temperature: cfg.LLM.ComplianceTemperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		},
		Prompts: prompts.Options{
			SummaryTemperature: cfg.LLM.SummaryTemperature,
			MaxTokens:          cfg.LLM.MaxTokens,
		},
	}, nil
}

func loadCatalog(path string) (*prompts.Catalog, error) {
	if path == "" {
		return prompts.Default()
	}
	return prompts.Load(path)
}
