package queue

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/certa-labs/certa/pkg/config"
	"github.com/certa-labs/certa/pkg/logger"
)

type payload struct {
	URL string `json:"url"`
}

func setup(t *testing.T, opts Options) (context.Context, *miniredis.Miniredis, *Queue) {
	t.Helper()
	ctx := logger.ContextWithLogger(t.Context(), logger.NewForTests())
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	if opts.Name == "" {
		opts.Name = "test"
	}
	if opts.PollTimeout == 0 {
		opts.PollTimeout = time.Second
	}
	return ctx, s, New(client, opts)
}

func runWorker(t *testing.T, ctx context.Context, q *Queue, h Handler) *Worker {
	t.Helper()
	w, err := NewWorker(q, h)
	require.NoError(t, err)
	go func() { _ = w.Run(ctx) }()
	t.Cleanup(func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Close(cctx)
	})
	return w
}

func TestOptions(t *testing.T) {
	t.Run("Should apply defaults", func(t *testing.T) {
		opts := FromAppConfig(nil)
		assert.Equal(t, DefaultName, opts.Name)
		assert.Equal(t, DefaultLockDuration, opts.LockDuration)
		assert.Equal(t, 1, opts.Concurrency)
		assert.Equal(t, 1, opts.Attempts)
		assert.Equal(t, DefaultPollTimeout, opts.PollTimeout)
	})

	t.Run("Should map the queue config", func(t *testing.T) {
		opts := FromAppConfig(&appconfig.QueueConfig{
			Name:            "checks",
			Concurrency:     3,
			LimiterMax:      2,
			MaxStalledCount: 4,
			Attempts:        2,
		})
		assert.Equal(t, "checks", opts.Name)
		assert.Equal(t, 3, opts.Concurrency)
		assert.Equal(t, time.Second, opts.LimiterDuration)
		assert.Equal(t, 4, opts.MaxStalledCount)
	})
}

func TestQueue(t *testing.T) {
	t.Run("Should store jobs and count them", func(t *testing.T) {
		ctx, s, q := setup(t, Options{})
		id, err := q.Add(ctx, "job-1", payload{URL: "https://example.com"})
		require.NoError(t, err)
		assert.Equal(t, "job-1", id)

		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		var p payload
		require.NoError(t, job.Decode(&p))
		assert.Equal(t, "https://example.com", p.URL)
		assert.Zero(t, job.AttemptsMade)

		counts, err := q.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, Counts{Waiting: 1}, counts)
		assert.True(t, s.Exists("queue:{test}:job:job-1"))
	})

	t.Run("Should generate ids when none is given", func(t *testing.T) {
		ctx, _, q := setup(t, Options{})
		id, err := q.Add(ctx, "", payload{})
		require.NoError(t, err)
		assert.Len(t, id, 27)
	})

	t.Run("Should report missing jobs", func(t *testing.T) {
		ctx, _, q := setup(t, Options{})
		_, err := q.Get(ctx, "nope")
		require.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("Should dequeue in order and lock for the caller", func(t *testing.T) {
		ctx, s, q := setup(t, Options{LockDuration: 30 * time.Second})
		_, err := q.Add(ctx, "a", payload{})
		require.NoError(t, err)
		_, err = q.Add(ctx, "b", payload{})
		require.NoError(t, err)

		job, err := q.dequeue(ctx, "tok")
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, "a", job.ID)
		got, err := s.Get("queue:{test}:lock:a")
		require.NoError(t, err)
		assert.Equal(t, "tok", got)
		assert.Equal(t, 30*time.Second, s.TTL("queue:{test}:lock:a"))

		require.ErrorIs(t, q.complete(ctx, "a", "other"), ErrLockLost)
		require.ErrorIs(t, q.extendLock(ctx, "a", "other"), ErrLockLost)
		require.NoError(t, q.extendLock(ctx, "a", "tok"))
		require.NoError(t, q.complete(ctx, "a", "tok"))

		counts, err := q.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, Counts{Waiting: 1, Completed: 1}, counts)
	})

	t.Run("Should return nothing when the wait list stays empty", func(t *testing.T) {
		ctx, _, q := setup(t, Options{})
		job, err := q.dequeue(ctx, "tok")
		require.NoError(t, err)
		assert.Nil(t, job)
	})
}

func TestCheckStalled(t *testing.T) {
	t.Run("Should recover unlocked active jobs on the second check", func(t *testing.T) {
		ctx, s, q := setup(t, Options{MaxStalledCount: 1})
		_, err := q.Add(ctx, "a", payload{})
		require.NoError(t, err)
		job, err := q.dequeue(ctx, "tok")
		require.NoError(t, err)
		require.NotNil(t, job)
		s.Del("queue:{test}:lock:a")

		recovered, failed, err := q.CheckStalled(ctx)
		require.NoError(t, err)
		assert.Empty(t, recovered)
		assert.Empty(t, failed)

		recovered, failed, err = q.CheckStalled(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, recovered)
		assert.Empty(t, failed)
		counts, err := q.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, Counts{Waiting: 1}, counts)
	})

	t.Run("Should keep every key it touches under the queue hash tag", func(t *testing.T) {
		ctx, s, q := setup(t, Options{MaxStalledCount: 1})
		_, err := q.Add(ctx, "a", payload{})
		require.NoError(t, err)
		_, err = q.dequeue(ctx, "tok")
		require.NoError(t, err)
		s.Del("queue:{test}:lock:a")
		for range 2 {
			_, _, err = q.CheckStalled(ctx)
			require.NoError(t, err)
		}

		require.True(t, s.Exists("queue:{test}:stalled:a"))
		for _, key := range s.Keys() {
			assert.True(t, strings.HasPrefix(key, "queue:{test}:"), key)
		}
	})

	t.Run("Should leave locked jobs alone", func(t *testing.T) {
		ctx, _, q := setup(t, Options{})
		_, err := q.Add(ctx, "a", payload{})
		require.NoError(t, err)
		_, err = q.dequeue(ctx, "tok")
		require.NoError(t, err)
		for range 3 {
			recovered, failed, err := q.CheckStalled(ctx)
			require.NoError(t, err)
			assert.Empty(t, recovered)
			assert.Empty(t, failed)
		}
	})

	t.Run("Should fail jobs that stall too often", func(t *testing.T) {
		ctx, s, q := setup(t, Options{MaxStalledCount: 0})
		_, err := q.Add(ctx, "a", payload{})
		require.NoError(t, err)
		_, err = q.dequeue(ctx, "tok")
		require.NoError(t, err)
		s.Del("queue:{test}:lock:a")

		_, _, err = q.CheckStalled(ctx)
		require.NoError(t, err)
		_, failed, err := q.CheckStalled(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, failed)
		job, err := q.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "job stalled more than allowable limit", job.FailedReason)
	})
}

func TestWorker(t *testing.T) {
	t.Run("Should process jobs and mark them completed", func(t *testing.T) {
		ctx, _, q := setup(t, Options{})
		seen := make(chan string, 1)
		runWorker(t, ctx, q, func(_ context.Context, job *Job) error {
			var p payload
			if err := job.Decode(&p); err != nil {
				return err
			}
			seen <- p.URL
			return nil
		})
		_, err := q.Add(ctx, "a", payload{URL: "https://example.com"})
		require.NoError(t, err)

		select {
		case url := <-seen:
			assert.Equal(t, "https://example.com", url)
		case <-time.After(5 * time.Second):
			t.Fatal("job not processed")
		}
		require.Eventually(t, func() bool {
			counts, err := q.Counts(ctx)
			return err == nil && counts.Completed == 1 && counts.Active == 0
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("Should retry failed handlers up to the attempt limit", func(t *testing.T) {
		ctx, _, q := setup(t, Options{Attempts: 2})
		var calls atomic.Int32
		runWorker(t, ctx, q, func(context.Context, *Job) error {
			calls.Add(1)
			return errors.New("crawl failed")
		})
		_, err := q.Add(ctx, "a", payload{})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			counts, err := q.Counts(ctx)
			return err == nil && counts.Failed == 1
		}, 5*time.Second, 20*time.Millisecond)
		assert.Equal(t, int32(2), calls.Load())
		job, err := q.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 2, job.AttemptsMade)
		assert.Equal(t, "crawl failed", job.FailedReason)
	})

	t.Run("Should turn handler panics into failures", func(t *testing.T) {
		ctx, _, q := setup(t, Options{})
		runWorker(t, ctx, q, func(context.Context, *Job) error {
			panic("boom")
		})
		_, err := q.Add(ctx, "a", payload{})
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			job, err := q.Get(ctx, "a")
			return err == nil && job.FailedReason == "job handler panicked: boom"
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("Should run handlers concurrently up to the slot count", func(t *testing.T) {
		ctx, _, q := setup(t, Options{Concurrency: 2})
		var current, peak atomic.Int32
		release := make(chan struct{})
		runWorker(t, ctx, q, func(context.Context, *Job) error {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			current.Add(-1)
			return nil
		})
		for _, id := range []string{"a", "b", "c"} {
			_, err := q.Add(ctx, id, payload{})
			require.NoError(t, err)
		}
		require.Eventually(t, func() bool { return current.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(2), peak.Load())
		close(release)
		require.Eventually(t, func() bool {
			counts, err := q.Counts(ctx)
			return err == nil && counts.Completed == 3
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("Should wait for in-flight jobs on close", func(t *testing.T) {
		ctx, _, q := setup(t, Options{})
		started := make(chan struct{})
		var finished atomic.Bool
		w := runWorker(t, ctx, q, func(context.Context, *Job) error {
			close(started)
			time.Sleep(200 * time.Millisecond)
			finished.Store(true)
			return nil
		})
		_, err := q.Add(ctx, "a", payload{})
		require.NoError(t, err)
		<-started

		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		require.NoError(t, w.Close(cctx))
		assert.True(t, finished.Load())
		require.NoError(t, w.Close(cctx))
	})

	t.Run("Should cancel handlers when close times out", func(t *testing.T) {
		ctx, _, q := setup(t, Options{})
		started := make(chan struct{})
		canceled := make(chan struct{})
		w := runWorker(t, ctx, q, func(hctx context.Context, _ *Job) error {
			close(started)
			<-hctx.Done()
			close(canceled)
			return hctx.Err()
		})
		_, err := q.Add(ctx, "a", payload{})
		require.NoError(t, err)
		<-started

		cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, w.Close(cctx), context.DeadlineExceeded)
		select {
		case <-canceled:
		case <-time.After(2 * time.Second):
			t.Fatal("handler not canceled")
		}
	})

	t.Run("Should not start after close", func(t *testing.T) {
		ctx, _, q := setup(t, Options{})
		w, err := NewWorker(q, func(context.Context, *Job) error { return nil })
		require.NoError(t, err)
		require.NoError(t, w.Close(ctx))
		require.NoError(t, w.Run(ctx))
	})

	t.Run("Should reject missing handlers", func(t *testing.T) {
		_, _, q := setup(t, Options{})
		_, err := NewWorker(q, nil)
		require.Error(t, err)
	})
}
