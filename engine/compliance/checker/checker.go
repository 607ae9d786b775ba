package checker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/certa-labs/certa/engine/compliance"
	"github.com/certa-labs/certa/engine/core"
	"github.com/certa-labs/certa/engine/knowledge/retriever"
	"github.com/certa-labs/certa/pkg/logger"
)

// Votes is the number of independent compliance queries issued per policy.
const Votes = 3

// ErrQueryFailed wraps failures of the compliance or consensus queries.
var ErrQueryFailed = errors.New("There was an error querying the vector store") //nolint:staticcheck // user-facing text

// QueryRunner executes a grounded query.
type QueryRunner interface {
	RunQuery(ctx context.Context, prompt string) (*retriever.QueryResponse, error)
}

// PromptSource builds the prompts for one policy.
type PromptSource interface {
	CompliancePrompt(ctx context.Context) (string, error)
	ConsensusPrompt(ctx context.Context, input1, input2, input3 string) (string, error)
}

// Checker resolves one policy verdict by consensus over independent queries.
type Checker struct {
	prompts PromptSource
	queries QueryRunner
}

func New(prompts PromptSource, queries QueryRunner) *Checker {
	return &Checker{prompts: prompts, queries: queries}
}

// CheckSinglePolicy issues the compliance prompt Votes times concurrently,
// reconciles the answers with one consensus query and parses the verdict.
// Any failed query fails the whole check; no partial vote set is reconciled.
func (c *Checker) CheckSinglePolicy(ctx context.Context, title string) (*compliance.PolicyOutcome, error) {
	log := logger.FromContext(ctx).With("policy", title)
	start := time.Now()
	log.Debug("Starting compliance check")

	prompt, err := c.prompts.CompliancePrompt(ctx)
	if err != nil {
		log.Error("Error building compliance prompt", "error", err)
		recordCheck(ctx, outcomeFailed, time.Since(start))
		return nil, fmt.Errorf("policy %q: %w", title, err)
	}
	answers, err := c.vote(ctx, title, prompt)
	if err != nil {
		recordCheck(ctx, outcomeFailed, time.Since(start))
		return nil, err
	}
	consensusPrompt, err := c.prompts.ConsensusPrompt(ctx, answers[0], answers[1], answers[2])
	if err != nil {
		log.Error("Error building consensus prompt", "error", err)
		recordCheck(ctx, outcomeFailed, time.Since(start))
		return nil, fmt.Errorf("policy %q: %w", title, err)
	}
	resp, err := c.queries.RunQuery(ctx, consensusPrompt)
	if err != nil {
		log.Error("Error running consensus query", "query_role", "consensus", "error", err)
		recordCheck(ctx, outcomeFailed, time.Since(start))
		return nil, queryError(title, "consensus", err)
	}
	result, err := resolve(resp)
	if err != nil {
		log.Error("Error parsing consensus answer", "error", err)
		recordCheck(ctx, outcomeFailed, time.Since(start))
		return nil, fmt.Errorf("policy %q: %w", title, err)
	}
	recordCheck(ctx, outcomeSucceeded, time.Since(start))
	log.Debug("Compliance check completed", "status", result.ComplianceStatus)
	return &compliance.PolicyOutcome{Title: title, IsLoading: false, Result: result}, nil
}

func (c *Checker) vote(ctx context.Context, title, prompt string) ([Votes]string, error) {
	var answers [Votes]string
	g, gctx := errgroup.WithContext(ctx)
	for i := range Votes {
		role := fmt.Sprintf("compliance-%d", i+1)
		g.Go(func() error {
			resp, err := c.queries.RunQuery(gctx, prompt)
			if err != nil {
				logger.FromContext(ctx).Error(
					"Error running compliance query",
					"policy", title,
					"query_role", role,
					"error", err,
				)
				return queryError(title, role, err)
			}
			answers[i] = resp.String()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return answers, err
	}
	return answers, nil
}

func resolve(resp *retriever.QueryResponse) (*compliance.Result, error) {
	if resp.InsufficientContent {
		return &compliance.Result{
			ComplianceStatus:   compliance.StatusVeryUnclear,
			Requirements:       []compliance.RequirementFinding{},
			OverallExplanation: retriever.InsufficientContent,
		}, nil
	}
	if resp.Parsed != nil {
		return resp.Parsed, nil
	}
	return compliance.ParseComplianceResponse(resp.String())
}

func queryError(title, role string, err error) error {
	return core.NewError(
		fmt.Errorf("policy %q %s query: %w: %w", title, role, ErrQueryFailed, err),
		core.ErrCodeProvider,
		map[string]any{"policy": title, "query_role": role},
	)
}
