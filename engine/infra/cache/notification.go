package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultNotificationBufferSize = 100

// Message represents a pub/sub message
type Message struct {
	Channel string    `json:"channel"`
	Payload []byte    `json:"payload"`
	Time    time.Time `json:"time"`
}

// NotificationMetrics is a snapshot of pub/sub counters.
type NotificationMetrics struct {
	MessagesPublished int64 `json:"messages_published"`
	MessagesReceived  int64 `json:"messages_received"`
	PublishErrors     int64 `json:"publish_errors"`
	DroppedMessages   int64 `json:"dropped_messages"`
	ActiveChannels    int   `json:"active_channels"`
}

// JobEvent announces a change of a job's persisted state.
type JobEvent struct {
	JobID     string         `json:"job_id"`
	Event     string         `json:"event"`
	Status    string         `json:"status"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier publishes and subscribes to job events over Redis pub/sub.
type Notifier struct {
	client     redis.UniversalClient
	bufferSize int

	mu      sync.Mutex
	metrics NotificationMetrics
	closeCh chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

func NewNotifier(client redis.UniversalClient, bufferSize int) (*Notifier, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if bufferSize <= 0 {
		bufferSize = DefaultNotificationBufferSize
	}
	return &Notifier{client: client, bufferSize: bufferSize, closeCh: make(chan struct{})}, nil
}

// JobChannel names the channel carrying events for jobID.
func JobChannel(jobID string) string {
	return fmt.Sprintf("job:%s:events", jobID)
}

// Publish sends message, JSON encoded, to channel.
func (n *Notifier) Publish(ctx context.Context, channel string, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		n.count(func(m *NotificationMetrics) { m.PublishErrors++ })
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := n.client.Publish(ctx, channel, payload).Err(); err != nil {
		n.count(func(m *NotificationMetrics) { m.PublishErrors++ })
		return fmt.Errorf("failed to publish message: %w", err)
	}
	n.count(func(m *NotificationMetrics) { m.MessagesPublished++ })
	return nil
}

// PublishJobEvent publishes a job state change.
func (n *Notifier) PublishJobEvent(ctx context.Context, jobID, event, status string, data map[string]any) error {
	return n.Publish(ctx, JobChannel(jobID), JobEvent{
		JobID:     jobID,
		Event:     event,
		Status:    status,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// Subscribe delivers messages of channels until ctx ends or the notifier closes.
// Messages are dropped when the consumer falls bufferSize messages behind.
func (n *Notifier) Subscribe(ctx context.Context, channels ...string) (<-chan Message, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("at least one channel must be specified")
	}
	pubsub := n.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to confirm subscription: %w", err)
	}
	out := make(chan Message, n.bufferSize)
	n.count(func(m *NotificationMetrics) { m.ActiveChannels++ })
	n.wg.Add(1)
	go n.receive(ctx, pubsub, out)
	return out, nil
}

// SubscribeToJob subscribes to the events of one job.
func (n *Notifier) SubscribeToJob(ctx context.Context, jobID string) (<-chan Message, error) {
	return n.Subscribe(ctx, JobChannel(jobID))
}

// Close stops all subscriptions and waits for their receivers.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.closeCh)
	n.mu.Unlock()
	n.wg.Wait()
	return nil
}

// Metrics returns current counters.
func (n *Notifier) Metrics() NotificationMetrics {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.metrics
}

func (n *Notifier) receive(ctx context.Context, pubsub *redis.PubSub, out chan<- Message) {
	defer n.wg.Done()
	defer close(out)
	defer pubsub.Close()
	defer n.count(func(m *NotificationMetrics) { m.ActiveChannels-- })
	ch := pubsub.Channel()
	for {
		select {
		case <-n.closeCh:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload), Time: time.Now()}:
				n.count(func(m *NotificationMetrics) { m.MessagesReceived++ })
			default:
				n.count(func(m *NotificationMetrics) { m.DroppedMessages++ })
			}
		}
	}
}

func (n *Notifier) count(fn func(*NotificationMetrics)) {
	n.mu.Lock()
	fn(&n.metrics)
	n.mu.Unlock()
}
