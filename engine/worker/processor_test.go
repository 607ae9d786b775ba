package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certa-labs/certa/engine/compliance"
	"github.com/certa-labs/certa/engine/compliance/checker"
	"github.com/certa-labs/certa/engine/compliance/prompts"
	"github.com/certa-labs/certa/engine/core"
	"github.com/certa-labs/certa/engine/crawler"
	"github.com/certa-labs/certa/engine/infra/cache"
	"github.com/certa-labs/certa/engine/jobstate"
	"github.com/certa-labs/certa/engine/knowledge/chunk"
	"github.com/certa-labs/certa/engine/knowledge/embedder"
	"github.com/certa-labs/certa/engine/knowledge/vectordb"
	llmadapter "github.com/certa-labs/certa/engine/llm/adapter"
	"github.com/certa-labs/certa/pkg/logger"
)

const structuredAnswer = `The website content was reviewed against the policy requirements.

Requirement,Status,Evidence Text,Evidence Location,Explanation
"Privacy policy is linked","Met","Privacy Policy (/privacy)","Footer","Linked from the footer"`

type fakeCrawler struct {
	docs   []chunk.Document
	err    error
	closes atomic.Int32
}

func (f *fakeCrawler) Crawl(context.Context, string) ([]chunk.Document, error) {
	return f.docs, f.err
}

func (f *fakeCrawler) Close() error {
	f.closes.Add(1)
	return nil
}

// scriptedCompleter answers summary prompts with a summary and grounded
// prompts with a structured verdict. fail, when set, decides per prompt
// whether a grounded call errors.
type scriptedCompleter struct {
	queries   atomic.Int32
	summaries atomic.Int32
	released  atomic.Int32
	fail      func(prompt string) bool
	hold      func(prompt string) bool
	onQuery   func(prompt string)
	block     bool
}

func (s *scriptedCompleter) Complete(
	ctx context.Context,
	prompt string,
	_ llmadapter.CallOptions,
) (*llmadapter.Completion, error) {
	if !strings.Contains(prompt, "WEBSITE CONTENT") {
		s.summaries.Add(1)
		return &llmadapter.Completion{Text: "Sites must link their privacy policy."}, nil
	}
	s.queries.Add(1)
	if s.onQuery != nil {
		s.onQuery(prompt)
	}
	if s.block || (s.hold != nil && s.hold(prompt)) {
		<-ctx.Done()
		s.released.Add(1)
		return nil, ctx.Err()
	}
	if s.fail != nil && s.fail(prompt) {
		return nil, errors.New("upstream timeout")
	}
	return &llmadapter.Completion{Text: structuredAnswer}, nil
}

type harness struct {
	ctx       context.Context
	redis     *miniredis.Miniredis
	client    redis.UniversalClient
	state     *jobstate.Store
	notifier  *cache.Notifier
	completer *scriptedCompleter
	crawler   *fakeCrawler
	deps      *Dependencies
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := logger.ContextWithLogger(t.Context(), logger.NewForTests())
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	notifier, err := cache.NewNotifier(client, 50)
	require.NoError(t, err)
	t.Cleanup(func() { notifier.Close() })
	state := jobstate.NewStore(client, notifier)
	catalog, err := prompts.Default()
	require.NoError(t, err)
	chunker, err := chunk.NewChunker(chunk.Settings{MaxTokens: 200, OverlapTokens: 10}, chunk.WordCounter{})
	require.NoError(t, err)
	h := &harness{
		ctx:       ctx,
		redis:     s,
		client:    client,
		state:     state,
		notifier:  notifier,
		completer: &scriptedCompleter{},
		crawler: &fakeCrawler{docs: []chunk.Document{{
			ID:   "https://example.com/",
			Text: "Welcome to Example. We build accessible tools for schools and libraries across the state.",
			Metadata: chunk.DocumentMetadata{
				Title: "Example",
				URL:   "https://example.com/",
			},
			Regions: []chunk.Region{{
				Source: chunk.SourceFooter,
				Text:   "Privacy Policy (/privacy) Terms of Use (/terms) Accessibility Statement (/accessibility)",
			}},
		}}},
	}
	h.deps = &Dependencies{
		State:    state,
		Catalog:  catalog,
		Crawlers: func() crawler.Crawler { return h.crawler },
		Completers: func(string) (llmadapter.Completer, error) {
			return h.completer, nil
		},
		Embedder: embedder.NewMockEmbedder(32),
		Chunker:  chunker,
		Vectors:  vectordb.Options{MinTextLength: 10},
	}
	return h
}

func (h *harness) job(titles ...string) *compliance.Job {
	job := &compliance.Job{JobID: "job-1", URL: "https://example.com"}
	for _, title := range titles {
		job.Policies = append(job.Policies, compliance.Policy{
			Title:        title,
			Content:      title + " content",
			Requirements: "The site must link its " + strings.ToLower(title) + " page from the footer.",
		})
	}
	return job
}

func (h *harness) events(t *testing.T, jobID string) func() []string {
	t.Helper()
	msgs, err := h.notifier.SubscribeToJob(h.ctx, jobID)
	require.NoError(t, err)
	var (
		mu   sync.Mutex
		seen []string
	)
	go func() {
		for msg := range msgs {
			var ev cache.JobEvent
			if json.Unmarshal(msg.Payload, &ev) == nil {
				mu.Lock()
				seen = append(seen, ev.Event)
				mu.Unlock()
			}
		}
	}()
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}
}

func TestProcessor(t *testing.T) {
	t.Run("Should check every policy with three votes and one consensus", func(t *testing.T) {
		h := newHarness(t)
		events := h.events(t, "job-1")
		p, err := NewProcessor(h.deps)
		require.NoError(t, err)

		require.NoError(t, p.Process(h.ctx, h.job("Privacy", "Terms", "Accessibility")))

		assert.Equal(t, int32(12), h.completer.queries.Load())
		assert.Equal(t, int32(3), h.completer.summaries.Load())
		assert.Equal(t, int32(1), h.crawler.closes.Load())
		require.Eventually(t, func() bool { return len(events()) == 5 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, []string{
			jobstate.EventStarted,
			jobstate.EventPartial,
			jobstate.EventPartial,
			jobstate.EventPartial,
			jobstate.EventCompleted,
		}, events())

		snap, err := h.state.Get(h.ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, jobstate.StatusCompleted, snap.Status)
		assert.Equal(t, "3/3", snap.Progress)
		require.Len(t, snap.Results, 3)
		for title, outcome := range snap.Results {
			assert.False(t, outcome.IsLoading, title)
			require.NotNil(t, outcome.Result, title)
			assert.Equal(t, compliance.StatusYes, outcome.Result.ComplianceStatus)
		}
		assert.Equal(t, snap.Results, snap.PartialResults)
	})

	t.Run("Should isolate a failing policy from its siblings", func(t *testing.T) {
		h := newHarness(t)
		h.completer.fail = func(prompt string) bool {
			return strings.Contains(prompt, "Terms content") && !strings.Contains(prompt, "MANDATORY OUTPUT FORMAT")
		}
		p, err := NewProcessor(h.deps)
		require.NoError(t, err)

		require.NoError(t, p.Process(h.ctx, h.job("Privacy", "Terms", "Accessibility")))

		snap, err := h.state.Get(h.ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, jobstate.StatusCompleted, snap.Status)
		assert.Nil(t, snap.Error)
		failed := snap.Results["Terms"]
		assert.False(t, failed.IsLoading)
		assert.Nil(t, failed.Result)
		assert.Contains(t, failed.Error, checker.ErrQueryFailed.Error())
		for _, title := range []string{"Privacy", "Accessibility"} {
			require.NotNil(t, snap.Results[title].Result, title)
			assert.Empty(t, snap.Results[title].Error)
		}
	})

	t.Run("Should cancel pending checks when partial results cannot be stored", func(t *testing.T) {
		h := newHarness(t)
		termsHeld := make(chan struct{})
		var once sync.Once
		h.completer.hold = func(prompt string) bool {
			if !strings.Contains(prompt, "Terms content") {
				return false
			}
			once.Do(func() { close(termsHeld) })
			return true
		}
		var privacy atomic.Int32
		h.completer.onQuery = func(prompt string) {
			if strings.Contains(prompt, "Privacy content") && privacy.Add(1) == 3 {
				select {
				case <-termsHeld:
				case <-time.After(2 * time.Second):
				}
				h.redis.SetError("LOADING Redis is loading the dataset in memory")
			}
		}
		p, err := NewProcessor(h.deps)
		require.NoError(t, err)

		err = p.Process(h.ctx, h.job("Privacy", "Terms"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "LOADING")
		require.Eventually(t, func() bool { return h.completer.released.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("Should record a job error when nothing was crawled", func(t *testing.T) {
		h := newHarness(t)
		h.crawler.docs = nil
		p, err := NewProcessor(h.deps)
		require.NoError(t, err)

		err = p.Process(h.ctx, h.job("Privacy"))
		require.ErrorIs(t, err, ErrNoDocuments)
		assert.True(t, core.IsCode(err, core.ErrCodeJob))
		assert.Equal(t, int32(1), h.crawler.closes.Load())
		assert.Zero(t, h.completer.queries.Load())

		snap, err := h.state.Get(h.ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, jobstate.StatusError, snap.Status)
		require.NotNil(t, snap.Error)
		assert.Contains(t, *snap.Error, ErrNoDocuments.Error())
		assert.NotEmpty(t, snap.Completed)
	})

	t.Run("Should tear down the crawler when crawling fails", func(t *testing.T) {
		h := newHarness(t)
		h.crawler.err = fmt.Errorf("dial tcp: connection refused")
		p, err := NewProcessor(h.deps)
		require.NoError(t, err)

		require.Error(t, p.Process(h.ctx, h.job("Privacy")))
		assert.Equal(t, int32(1), h.crawler.closes.Load())
		snap, err := h.state.Get(h.ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, jobstate.StatusError, snap.Status)
		assert.Equal(t, "dial tcp: connection refused", *snap.Error)
	})

	t.Run("Should reject invalid jobs before crawling", func(t *testing.T) {
		h := newHarness(t)
		p, err := NewProcessor(h.deps)
		require.NoError(t, err)

		err = p.Process(h.ctx, h.job())
		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.ErrCodeConfiguration))
		assert.Zero(t, h.crawler.closes.Load())
		snap, err := h.state.Get(h.ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, jobstate.StatusError, snap.Status)
	})

	t.Run("Should fail when the model cannot be resolved", func(t *testing.T) {
		h := newHarness(t)
		h.deps.Completers = func(model string) (llmadapter.Completer, error) {
			return nil, fmt.Errorf("unknown model %s", model)
		}
		p, err := NewProcessor(h.deps)
		require.NoError(t, err)
		job := h.job("Privacy")
		job.Model = "gpt-x"

		err = p.Process(h.ctx, job)
		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.ErrCodeConfiguration))
		assert.Contains(t, err.Error(), "gpt-x")
	})

	t.Run("Should require its dependencies", func(t *testing.T) {
		_, err := NewProcessor(nil)
		require.Error(t, err)
		_, err = NewProcessor(&Dependencies{})
		require.Error(t, err)
	})
}
