package llmadapter

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// RateLimiter bounds in-flight completion calls and their request rate.
// A nil *RateLimiter is valid and never blocks.
type RateLimiter struct {
	provider    string
	sem         *semaphore.Weighted
	rateLimiter *rate.Limiter

	active   atomic.Int32
	total    atomic.Int64
	rejected atomic.Int64
}

// RateLimiterSnapshot is a point-in-time view of limiter counters.
type RateLimiterSnapshot struct {
	ActiveRequests   int32
	TotalRequests    int64
	RejectedRequests int64
}

// NewRateLimiter returns nil when both limits are disabled.
func NewRateLimiter(provider string, maxConcurrent, requestsPerMinute int) *RateLimiter {
	if maxConcurrent <= 0 && requestsPerMinute <= 0 {
		return nil
	}
	l := &RateLimiter{provider: provider}
	if maxConcurrent > 0 {
		l.sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	if requestsPerMinute > 0 {
		perSecond := float64(requestsPerMinute) / 60.0
		burst := max(1, requestsPerMinute/60)
		l.rateLimiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return l
}

// Acquire waits for a concurrency slot and a rate token.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.total.Add(1)
	if l.sem != nil {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			l.rejected.Add(1)
			return newRateLimitError(l.provider, "provider concurrency wait canceled", err)
		}
	}
	if l.rateLimiter != nil {
		if err := l.rateLimiter.Wait(ctx); err != nil {
			l.rejected.Add(1)
			if l.sem != nil {
				l.sem.Release(1)
			}
			return newRateLimitError(l.provider, "provider request rate wait canceled", err)
		}
	}
	l.active.Add(1)
	return nil
}

// Release frees a slot taken by Acquire.
func (l *RateLimiter) Release() {
	if l == nil {
		return
	}
	l.active.Add(-1)
	if l.sem != nil {
		l.sem.Release(1)
	}
}

// Snapshot returns limiter counters for observability and tests.
func (l *RateLimiter) Snapshot() RateLimiterSnapshot {
	if l == nil {
		return RateLimiterSnapshot{}
	}
	return RateLimiterSnapshot{
		ActiveRequests:   l.active.Load(),
		TotalRequests:    l.total.Load(),
		RejectedRequests: l.rejected.Load(),
	}
}

func newRateLimitError(provider, message string, underlying error) error {
	details := message
	if provider != "" {
		details = fmt.Sprintf("%s (%s)", message, provider)
	}
	return NewErrorWithCode(ErrCodeRateLimit, details, provider, underlying)
}
