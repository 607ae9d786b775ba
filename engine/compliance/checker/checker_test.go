package checker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/certa-labs/certa/engine/compliance"
	"github.com/certa-labs/certa/engine/core"
	"github.com/certa-labs/certa/engine/knowledge/retriever"
)

const consensusAnswer = "Overall the site complies.\n\n" +
	"Requirement,Status,Evidence Text,Evidence Location,Explanation\n" +
	`"Privacy link","Met","/privacy","Footer","Present"` + "\n" +
	`"Terms link","Partially Met","/terms","Footer","Hidden"`

// MockPrompts implements PromptSource for testing
type MockPrompts struct {
	mock.Mock
}

func (m *MockPrompts) CompliancePrompt(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPrompts) ConsensusPrompt(ctx context.Context, input1, input2, input3 string) (string, error) {
	args := m.Called(ctx, input1, input2, input3)
	return args.String(0), args.Error(1)
}

// MockQueries implements QueryRunner for testing
type MockQueries struct {
	mock.Mock
}

func (m *MockQueries) RunQuery(ctx context.Context, prompt string) (*retriever.QueryResponse, error) {
	args := m.Called(ctx, prompt)
	resp, _ := args.Get(0).(*retriever.QueryResponse)
	return resp, args.Error(1)
}

func TestChecker_CheckSinglePolicy(t *testing.T) {
	ctx := context.Background()
	anyCtx := mock.Anything

	t.Run("Should run three compliance queries and one consensus query", func(t *testing.T) {
		prompts := &MockPrompts{}
		queries := &MockQueries{}
		prompts.On("CompliancePrompt", anyCtx).Return("compliance prompt", nil).Once()
		queries.On("RunQuery", anyCtx, "compliance prompt").
			Return(&retriever.QueryResponse{Response: "vote"}, nil).Times(Votes)
		prompts.On("ConsensusPrompt", anyCtx, "vote", "vote", "vote").Return("consensus prompt", nil).Once()
		queries.On("RunQuery", anyCtx, "consensus prompt").
			Return(&retriever.QueryResponse{Response: consensusAnswer}, nil).Once()

		outcome, err := New(prompts, queries).CheckSinglePolicy(ctx, "Privacy")
		require.NoError(t, err)
		assert.Equal(t, "Privacy", outcome.Title)
		assert.False(t, outcome.IsLoading)
		require.NotNil(t, outcome.Result)
		assert.Equal(t, compliance.StatusLeanYes, outcome.Result.ComplianceStatus)
		assert.Len(t, outcome.Result.Requirements, 2)
		prompts.AssertExpectations(t)
		queries.AssertExpectations(t)
		queries.AssertNumberOfCalls(t, "RunQuery", Votes+1)
	})

	t.Run("Should reuse a structured answer parsed by the query engine", func(t *testing.T) {
		prompts := &MockPrompts{}
		queries := &MockQueries{}
		parsed := &compliance.Result{ComplianceStatus: compliance.StatusNo}
		prompts.On("CompliancePrompt", anyCtx).Return("p", nil)
		queries.On("RunQuery", anyCtx, "p").Return(&retriever.QueryResponse{Response: "v"}, nil)
		prompts.On("ConsensusPrompt", anyCtx, "v", "v", "v").Return("c", nil)
		queries.On("RunQuery", anyCtx, "c").
			Return(&retriever.QueryResponse{Response: "ignored", Parsed: parsed}, nil)

		outcome, err := New(prompts, queries).CheckSinglePolicy(ctx, "Terms")
		require.NoError(t, err)
		assert.Same(t, parsed, outcome.Result)
	})

	t.Run("Should resolve insufficient content as very unclear", func(t *testing.T) {
		prompts := &MockPrompts{}
		queries := &MockQueries{}
		sentinel := &retriever.QueryResponse{Response: retriever.InsufficientContent, InsufficientContent: true}
		prompts.On("CompliancePrompt", anyCtx).Return("p", nil)
		queries.On("RunQuery", anyCtx, mock.Anything).Return(sentinel, nil)
		prompts.On("ConsensusPrompt", anyCtx, retriever.InsufficientContent, retriever.InsufficientContent,
			retriever.InsufficientContent).Return("c", nil)

		outcome, err := New(prompts, queries).CheckSinglePolicy(ctx, "Accessibility")
		require.NoError(t, err)
		assert.Equal(t, compliance.StatusVeryUnclear, outcome.Result.ComplianceStatus)
		assert.Equal(t, retriever.InsufficientContent, outcome.Result.OverallExplanation)
		assert.Empty(t, outcome.Result.Requirements)
	})

	t.Run("Should fail the policy when one compliance query fails", func(t *testing.T) {
		prompts := &MockPrompts{}
		queries := &MockQueries{}
		prompts.On("CompliancePrompt", anyCtx).Return("p", nil)
		queries.On("RunQuery", anyCtx, "p").Return(&retriever.QueryResponse{Response: "v"}, nil).Twice()
		queries.On("RunQuery", anyCtx, "p").Return(nil, errors.New("rate limited")).Once()

		outcome, err := New(prompts, queries).CheckSinglePolicy(ctx, "Privacy")
		require.Error(t, err)
		assert.Nil(t, outcome)
		assert.ErrorIs(t, err, ErrQueryFailed)
		assert.True(t, core.IsCode(err, core.ErrCodeProvider))
		assert.Contains(t, err.Error(), "rate limited")
		prompts.AssertNotCalled(t, "ConsensusPrompt", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Should fail the policy when the consensus query fails", func(t *testing.T) {
		prompts := &MockPrompts{}
		queries := &MockQueries{}
		prompts.On("CompliancePrompt", anyCtx).Return("p", nil)
		queries.On("RunQuery", anyCtx, "p").Return(&retriever.QueryResponse{Response: "v"}, nil)
		prompts.On("ConsensusPrompt", anyCtx, "v", "v", "v").Return("c", nil)
		queries.On("RunQuery", anyCtx, "c").Return(nil, errors.New("timeout"))

		_, err := New(prompts, queries).CheckSinglePolicy(ctx, "Privacy")
		require.ErrorIs(t, err, ErrQueryFailed)
		var coreErr *core.Error
		require.ErrorAs(t, err, &coreErr)
		assert.Equal(t, "consensus", coreErr.Details["query_role"])
	})

	t.Run("Should propagate configuration errors without querying", func(t *testing.T) {
		prompts := &MockPrompts{}
		queries := &MockQueries{}
		cfgErr := core.NewError(errors.New("Unable to process policy requirements"), core.ErrCodeConfiguration, nil)
		prompts.On("CompliancePrompt", anyCtx).Return("", cfgErr)

		_, err := New(prompts, queries).CheckSinglePolicy(ctx, "Privacy")
		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.ErrCodeConfiguration))
		queries.AssertNotCalled(t, "RunQuery", mock.Anything, mock.Anything)
	})

	t.Run("Should fail when the consensus answer cannot be parsed", func(t *testing.T) {
		prompts := &MockPrompts{}
		queries := &MockQueries{}
		prompts.On("CompliancePrompt", anyCtx).Return("p", nil)
		queries.On("RunQuery", anyCtx, "p").Return(&retriever.QueryResponse{Response: "v"}, nil)
		prompts.On("ConsensusPrompt", anyCtx, "v", "v", "v").Return("c", nil)
		queries.On("RunQuery", anyCtx, "c").Return(&retriever.QueryResponse{Response: "no structure here"}, nil)

		_, err := New(prompts, queries).CheckSinglePolicy(ctx, "Privacy")
		require.ErrorIs(t, err, compliance.ErrMissingSections)
		assert.True(t, core.IsCode(err, core.ErrCodeParse))
	})
}
