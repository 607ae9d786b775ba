package prompts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certa-labs/certa/engine/compliance"
	"github.com/certa-labs/certa/engine/core"
	llmadapter "github.com/certa-labs/certa/engine/llm/adapter"
)

type countingCompleter struct {
	calls   atomic.Int32
	answer  string
	err     error
	prompts []string
	mu      sync.Mutex
}

func (c *countingCompleter) Complete(
	_ context.Context,
	prompt string,
	_ llmadapter.CallOptions,
) (*llmadapter.Completion, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return &llmadapter.Completion{Text: c.answer}, nil
}

func testPolicy() compliance.Policy {
	return compliance.Policy{
		Title:        "Privacy",
		Content:      "Agencies must post a privacy policy.",
		Requirements: "Privacy policy is linked from the footer",
	}
}

func loadDefaultCatalog(t *testing.T) *Catalog {
	t.Helper()
	catalog, err := Default()
	require.NoError(t, err)
	return catalog
}

func TestCatalog(t *testing.T) {
	t.Run("Should embed all pipeline templates", func(t *testing.T) {
		catalog := loadDefaultCatalog(t)
		for _, id := range []string{SummarizePolicy, ComplianceCheck, ConsensusCheck} {
			assert.True(t, catalog.Has(id), id)
		}
		def, ok := catalog.Definition(ComplianceCheck)
		require.True(t, ok)
		assert.Equal(t, "Compliance Check", def.Title)
	})
	t.Run("Should report unknown templates as configuration errors", func(t *testing.T) {
		_, err := loadDefaultCatalog(t).Render("unknown", nil)
		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.ErrCodeConfiguration))
	})
	t.Run("Should override built-in templates from a file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "prompts.yaml")
		content := "prompts:\n  - id: summarize-policy\n    template: \"Short: {{ .policy }}\"\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		catalog, err := Load(path)
		require.NoError(t, err)
		out, err := catalog.Render(SummarizePolicy, map[string]any{"policy": "x"})
		require.NoError(t, err)
		assert.Equal(t, "Short: x", out)
		assert.True(t, catalog.Has(ConsensusCheck))
	})
	t.Run("Should reject entries without id", func(t *testing.T) {
		_, err := Parse([]byte("prompts:\n  - template: hi\n"))
		require.Error(t, err)
	})
}

func TestBuilder_CompliancePrompt(t *testing.T) {
	t.Run("Should fill content, requirements and summary", func(t *testing.T) {
		completer := &countingCompleter{answer: "  Post a privacy policy.  "}
		b := NewBuilder(loadDefaultCatalog(t), completer, testPolicy(), "", Options{})
		prompt, err := b.CompliancePrompt(context.Background())
		require.NoError(t, err)
		assert.Contains(t, prompt, "Input Data:")
		assert.Contains(t, prompt, "POLICY CONTENT:\nAgencies must post a privacy policy.")
		assert.Contains(t, prompt, "POLICY REQUIREMENTS:\nPrivacy policy is linked from the footer")
		assert.Contains(t, prompt, "POLICY SUMMARY:\nPost a privacy policy.\n")
		assert.NotContains(t, prompt, "ADDITIONAL INSTRUCTIONS")
		require.Len(t, completer.prompts, 1)
		assert.Contains(t, completer.prompts[0], "FULL POLICY:\nAgencies must post a privacy policy.")
	})
	t.Run("Should append non-empty user instructions", func(t *testing.T) {
		completer := &countingCompleter{answer: "summary"}
		b := NewBuilder(loadDefaultCatalog(t), completer, testPolicy(), "Focus on the footer", Options{})
		prompt, err := b.CompliancePrompt(context.Background())
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(prompt, "\n\nADDITIONAL INSTRUCTIONS PROVIDED BY USER:\n\nFocus on the footer"))
	})
	t.Run("Should ignore whitespace-only instructions", func(t *testing.T) {
		b := NewBuilder(loadDefaultCatalog(t), &countingCompleter{answer: "s"}, testPolicy(), "  \n ", Options{})
		prompt, err := b.CompliancePrompt(context.Background())
		require.NoError(t, err)
		assert.NotContains(t, prompt, "ADDITIONAL INSTRUCTIONS")
	})
	t.Run("Should fail on missing requirements without calling the model", func(t *testing.T) {
		completer := &countingCompleter{answer: "s"}
		policy := testPolicy()
		policy.Requirements = " "
		b := NewBuilder(loadDefaultCatalog(t), completer, policy, "", Options{})
		_, err := b.CompliancePrompt(context.Background())
		require.ErrorIs(t, err, ErrMissingRequirements)
		assert.True(t, core.IsCode(err, core.ErrCodeConfiguration))
		assert.Equal(t, int32(0), completer.calls.Load())
	})
	t.Run("Should fail on a missing template", func(t *testing.T) {
		catalog, err := Parse([]byte("prompts:\n  - id: summarize-policy\n    template: x\n"))
		require.NoError(t, err)
		b := NewBuilder(catalog, &countingCompleter{answer: "s"}, testPolicy(), "", Options{})
		_, err = b.CompliancePrompt(context.Background())
		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.ErrCodeConfiguration))
		_, err = b.ConsensusPrompt(context.Background(), "a", "b", "c")
		require.Error(t, err)
	})
	t.Run("Should surface summary failures", func(t *testing.T) {
		completer := &countingCompleter{err: errors.New("boom")}
		b := NewBuilder(loadDefaultCatalog(t), completer, testPolicy(), "", Options{})
		_, err := b.CompliancePrompt(context.Background())
		require.ErrorIs(t, err, ErrSummaryFailed)
		assert.True(t, core.IsCode(err, core.ErrCodeProvider))
	})
}

func TestBuilder_ConsensusPrompt(t *testing.T) {
	t.Run("Should include all three reviews and reuse the summary", func(t *testing.T) {
		completer := &countingCompleter{answer: "summary text"}
		b := NewBuilder(loadDefaultCatalog(t), completer, testPolicy(), "extra", Options{})
		_, err := b.CompliancePrompt(context.Background())
		require.NoError(t, err)
		prompt, err := b.ConsensusPrompt(context.Background(), "review one", "review two", "review three")
		require.NoError(t, err)
		assert.Contains(t, prompt, "Input Data to Analyze:")
		assert.Contains(t, prompt, "POLICY SUMMARY:\nsummary text\nREVIEW SET:\nreview one\nreview two\nreview three\n")
		assert.True(t, strings.HasSuffix(prompt, "PROVIDED BY USER:\n\nextra"))
		assert.Equal(t, int32(1), completer.calls.Load())
	})
	t.Run("Should summarize once under concurrent use", func(t *testing.T) {
		completer := &countingCompleter{answer: "s"}
		b := NewBuilder(loadDefaultCatalog(t), completer, testPolicy(), "", Options{})
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := b.CompliancePrompt(context.Background())
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), completer.calls.Load())
	})
}
