package jobstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/certa-labs/certa/pkg/logger"
)

const DefaultLivenessTTL = 30 * time.Second

// Liveness keeps a marker key alive while a worker process runs.
type Liveness struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLiveness creates a marker for key. A non-positive ttl uses DefaultLivenessTTL.
func NewLiveness(client redis.UniversalClient, key string, ttl time.Duration) *Liveness {
	if ttl <= 0 {
		ttl = DefaultLivenessTTL
	}
	return &Liveness{client: client, key: key, ttl: ttl}
}

// Start sets the marker and refreshes it every ttl/3 until Stop.
func (l *Liveness) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return nil
	}
	if err := l.set(ctx); err != nil {
		return err
	}
	refreshCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.refresh(refreshCtx, l.done)
	return nil
}

func (l *Liveness) set(ctx context.Context) error {
	value := time.Now().UTC().Format(time.RFC3339)
	if err := l.client.Set(ctx, l.key, value, l.ttl).Err(); err != nil {
		return fmt.Errorf("jobstate: set liveness %s: %w", l.key, err)
	}
	return nil
}

func (l *Liveness) refresh(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.set(ctx); err != nil && ctx.Err() == nil {
				logger.FromContext(ctx).Warn("Failed to refresh liveness marker", "key", l.key, "error", err)
			}
		}
	}
}

// Stop ends the refresh loop and deletes the marker. Safe to call repeatedly.
func (l *Liveness) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	if err := l.client.Del(ctx, l.key).Err(); err != nil {
		return fmt.Errorf("jobstate: clear liveness %s: %w", l.key, err)
	}
	return nil
}

// Alive reports whether the marker currently exists.
func (l *Liveness) Alive(ctx context.Context) (bool, error) {
	n, err := l.client.Exists(ctx, l.key).Result()
	if err != nil {
		return false, fmt.Errorf("jobstate: check liveness %s: %w", l.key, err)
	}
	return n == 1, nil
}
