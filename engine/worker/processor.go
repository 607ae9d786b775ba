package worker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/certa-labs/certa/engine/compliance"
	"github.com/certa-labs/certa/engine/compliance/checker"
	"github.com/certa-labs/certa/engine/compliance/prompts"
	"github.com/certa-labs/certa/engine/core"
	"github.com/certa-labs/certa/engine/crawler"
	"github.com/certa-labs/certa/engine/jobstate"
	"github.com/certa-labs/certa/engine/knowledge/retriever"
	"github.com/certa-labs/certa/engine/knowledge/vectordb"
	llmadapter "github.com/certa-labs/certa/engine/llm/adapter"
	"github.com/certa-labs/certa/pkg/logger"
)

const stateWriteTimeout = 5 * time.Second

// ErrNoDocuments is returned when the crawl produced nothing to analyze.
var ErrNoDocuments = errors.New("no content could be crawled from the website")

// Processor runs the compliance pipeline for one job at a time.
type Processor struct {
	deps *Dependencies
}

func NewProcessor(deps *Dependencies) (*Processor, error) {
	if deps == nil {
		return nil, fmt.Errorf("worker: dependencies are required")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Processor{deps: deps}, nil
}

// settled carries the outcome of one policy check.
type settled struct {
	title   string
	outcome compliance.PolicyOutcome
}

// Process crawls the job's site, indexes it and checks every policy
// concurrently. Each settled policy is merged into the partial results as
// soon as it finishes. Job level failures are recorded before returning.
func (p *Processor) Process(ctx context.Context, job *compliance.Job) (err error) {
	log := logger.FromContext(ctx).With("job_id", job.JobID, "url", job.URL)
	ctx = logger.ContextWithLogger(ctx, log)
	start := time.Now()

	var site crawler.Crawler
	defer func() {
		if site != nil {
			if cerr := site.Close(); cerr != nil {
				log.Warn("Failed to close crawler", "error", cerr)
			}
		}
		if err != nil {
			recordJob(ctx, jobOutcomeFailed, time.Since(start))
			p.fail(ctx, job.JobID, err)
			return
		}
		recordJob(ctx, jobOutcomeCompleted, time.Since(start))
	}()

	if err := job.Validate(); err != nil {
		return err
	}
	if err := p.deps.State.MarkProcessing(ctx, job.JobID, job.URL); err != nil {
		return err
	}
	completer, err := p.deps.Completers(job.Model)
	if err != nil {
		return core.NewError(fmt.Errorf("resolve model %q: %w", job.Model, err), core.ErrCodeConfiguration, nil)
	}

	site = p.deps.Crawlers()
	engine, err := p.index(ctx, site, job, completer)
	if err != nil {
		return err
	}
	if cerr := site.Close(); cerr != nil {
		log.Warn("Failed to close crawler", "error", cerr)
	}
	site = nil

	results, err := p.checkPolicies(ctx, job, completer, engine)
	if err != nil {
		return err
	}
	if err := p.deps.State.Complete(ctx, job.JobID, results); err != nil {
		return err
	}
	log.Info("Compliance job completed", "policies", len(results), "duration", time.Since(start))
	return nil
}

func (p *Processor) index(
	ctx context.Context,
	site crawler.Crawler,
	job *compliance.Job,
	completer llmadapter.Completer,
) (*retriever.Engine, error) {
	log := logger.FromContext(ctx)
	log.Info("Crawling website")
	docs, err := site.Crawl(ctx, job.URL)
	if err != nil {
		return nil, err
	}
	log.Info("Crawled website", "documents", len(docs))
	if len(docs) == 0 {
		log.Error("No documents found during crawling")
		return nil, core.NewError(ErrNoDocuments, core.ErrCodeJob, map[string]any{"url": job.URL})
	}
	engine, err := retriever.NewEngine(
		p.deps.Chunker,
		p.deps.Embedder,
		vectordb.NewStore(p.deps.Vectors),
		completer,
		p.deps.Retrieval,
	)
	if err != nil {
		return nil, err
	}
	if err := engine.AddDocuments(ctx, docs); err != nil {
		return nil, err
	}
	log.Info("Indexed documents", "documents", len(docs), "nodes", engine.Store().Stats().TotalNodes)
	return engine, nil
}

// checkPolicies fans out one check per policy and persists the merged
// results each time a check settles, in completion order. Checks still in
// flight are cancelled when it returns.
func (p *Processor) checkPolicies(
	ctx context.Context,
	job *compliance.Job,
	completer llmadapter.Completer,
	engine *retriever.Engine,
) (jobstate.Results, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	total := len(job.Policies)
	results := make(jobstate.Results, total)
	for _, pol := range job.Policies {
		results[pol.Title] = compliance.PolicyOutcome{Title: pol.Title, IsLoading: true}
	}
	done := make(chan settled, total)
	for _, pol := range job.Policies {
		builder := prompts.NewBuilder(p.deps.Catalog, completer, pol, job.Instructions, p.deps.Prompts)
		go func() {
			done <- checkPolicy(ctx, checker.New(builder, engine), pol.Title)
		}()
	}
	for n := 1; n <= total; n++ {
		s := <-done
		results[s.title] = s.outcome
		if err := p.deps.State.WritePartial(ctx, job.JobID, maps.Clone(results), n, total); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// checkPolicy never fails; errors become the policy's recorded outcome.
func checkPolicy(ctx context.Context, c *checker.Checker, title string) (s settled) {
	s.title = title
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Error("Policy check panicked", "policy", title, "panic", r)
			s.outcome = compliance.PolicyOutcome{Title: title, Error: fmt.Sprintf("policy check panicked: %v", r)}
		}
	}()
	outcome, err := c.CheckSinglePolicy(ctx, title)
	if err != nil {
		logger.FromContext(ctx).Error("Policy check failed", "policy", title, "error", err)
		s.outcome = compliance.PolicyOutcome{Title: title, Error: err.Error()}
		return s
	}
	s.outcome = *outcome
	return s
}

func (p *Processor) fail(ctx context.Context, jobID string, cause error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateWriteTimeout)
	defer cancel()
	if err := p.deps.State.Fail(wctx, jobID, cause.Error()); err != nil {
		logger.FromContext(ctx).Error("Failed to record job error", "error", err)
	}
}
