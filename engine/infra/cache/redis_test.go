package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/certa-labs/certa/pkg/config"
	"github.com/certa-labs/certa/pkg/logger"
)

func newTestContext(t *testing.T) context.Context {
	t.Helper()
	return logger.ContextWithLogger(t.Context(), logger.NewForTests())
}

func TestNewRedis(t *testing.T) {
	t.Run("Should connect by address and pass health checks", func(t *testing.T) {
		ctx := newTestContext(t)
		s := miniredis.RunT(t)
		r, err := NewRedis(ctx, &appconfig.RedisConfig{Addr: s.Addr()})
		require.NoError(t, err)
		defer r.Close()
		require.NoError(t, r.HealthCheck(ctx))
		assert.False(t, s.Exists("health_check_test"))
	})

	t.Run("Should connect by url", func(t *testing.T) {
		ctx := newTestContext(t)
		s := miniredis.RunT(t)
		r, err := NewRedis(ctx, &appconfig.RedisConfig{URL: "redis://" + s.Addr() + "/0"})
		require.NoError(t, err)
		require.NoError(t, r.Ping(ctx).Err())
		require.NoError(t, r.Close())
		require.NoError(t, r.Close())
	})

	t.Run("Should fail without an address", func(t *testing.T) {
		_, err := NewRedis(newTestContext(t), &appconfig.RedisConfig{})
		require.Error(t, err)
	})

	t.Run("Should fail when the server is unreachable", func(t *testing.T) {
		s := miniredis.RunT(t)
		addr := s.Addr()
		s.Close()
		_, err := NewRedis(newTestContext(t), &appconfig.RedisConfig{Addr: addr, PingTimeout: time.Second})
		require.Error(t, err)
	})
}

func TestNotifier(t *testing.T) {
	t.Run("Should deliver job events to subscribers", func(t *testing.T) {
		ctx := newTestContext(t)
		s := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: s.Addr()})
		n, err := NewNotifier(client, 0)
		require.NoError(t, err)
		defer n.Close()

		msgs, err := n.SubscribeToJob(ctx, "job-1")
		require.NoError(t, err)
		require.NoError(t, n.PublishJobEvent(ctx, "job-1", "partial", "processing", map[string]any{"settled": 1}))

		select {
		case msg := <-msgs:
			assert.Equal(t, JobChannel("job-1"), msg.Channel)
			var event JobEvent
			require.NoError(t, json.Unmarshal(msg.Payload, &event))
			assert.Equal(t, "partial", event.Event)
			assert.Equal(t, "processing", event.Status)
			assert.InDelta(t, 1, event.Data["settled"], 0)
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
		assert.Equal(t, int64(1), n.Metrics().MessagesPublished)
	})

	t.Run("Should close subscriptions on close", func(t *testing.T) {
		ctx := newTestContext(t)
		s := miniredis.RunT(t)
		n, err := NewNotifier(redis.NewClient(&redis.Options{Addr: s.Addr()}), 1)
		require.NoError(t, err)
		msgs, err := n.Subscribe(ctx, "c")
		require.NoError(t, err)
		require.NoError(t, n.Close())
		require.NoError(t, n.Close())
		_, open := <-msgs
		assert.False(t, open)
		assert.Zero(t, n.Metrics().ActiveChannels)
	})

	t.Run("Should reject empty channel lists", func(t *testing.T) {
		s := miniredis.RunT(t)
		n, err := NewNotifier(redis.NewClient(&redis.Options{Addr: s.Addr()}), 1)
		require.NoError(t, err)
		_, err = n.Subscribe(newTestContext(t))
		require.Error(t, err)
	})
}
