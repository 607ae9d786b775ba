package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/certa-labs/certa/engine/core"
)

var (
	// ErrLockLost is returned when a job's lock is held by another worker.
	ErrLockLost = errors.New("queue: job lock lost")
	// ErrJobNotFound is returned for ids without a payload hash.
	ErrJobNotFound = errors.New("queue: job not found")
)

// Job is a dequeued unit of work.
type Job struct {
	ID           string
	Data         json.RawMessage
	AttemptsMade int
	Timestamp    time.Time
	FailedReason string
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Data, v); err != nil {
		return fmt.Errorf("queue: decode job %s: %w", j.ID, err)
	}
	return nil
}

// Counts is a snapshot of list lengths.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Queue is a durable Redis-backed job queue. All keys live under queue:<name>:.
type Queue struct {
	client redis.UniversalClient
	opts   Options
	prefix string
}

// New creates a queue handle. Nothing is written until Add.
func New(client redis.UniversalClient, opts Options) *Queue {
	opts = opts.withDefaults()
	// The braces are a cluster hash tag: every key of one queue shares a slot,
	// including the per-job keys luaCheckStalled derives from the prefix.
	return &Queue{client: client, opts: opts, prefix: "queue:{" + opts.Name + "}:"}
}

// Options returns the effective options.
func (q *Queue) Options() Options {
	return q.opts
}

func (q *Queue) key(parts ...string) string {
	k := q.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (q *Queue) waitKey() string         { return q.key("wait") }
func (q *Queue) activeKey() string       { return q.key("active") }
func (q *Queue) completedKey() string    { return q.key("completed") }
func (q *Queue) failedKey() string       { return q.key("failed") }
func (q *Queue) stalledCheckKey() string { return q.key("stalled-check") }
func (q *Queue) lockKey(id string) string {
	return q.key("lock", id)
}
func (q *Queue) jobKey(id string) string {
	return q.key("job", id)
}
func (q *Queue) stalledKey(id string) string {
	return q.key("stalled", id)
}

// Add stores data under id and appends it to the wait list. An empty id gets
// a generated one.
func (q *Queue) Add(ctx context.Context, id string, data any) (string, error) {
	if id == "" {
		gen, err := core.NewID()
		if err != nil {
			return "", err
		}
		id = gen.String()
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("queue: encode job %s: %w", id, err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id),
			"data", payload,
			"attemptsMade", 0,
			"timestamp", time.Now().UnixMilli(),
		)
		pipe.LPush(ctx, q.waitKey(), id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("queue: add job %s: %w", id, err)
	}
	return id, nil
}

// Get loads a job's payload hash.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: read job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	job := &Job{ID: id, Data: json.RawMessage(fields["data"]), FailedReason: fields["failedReason"]}
	job.AttemptsMade, _ = strconv.Atoi(fields["attemptsMade"])
	if ms, err := strconv.ParseInt(fields["timestamp"], 10, 64); err == nil {
		job.Timestamp = time.UnixMilli(ms)
	}
	return job, nil
}

// Counts reports the length of each list.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var waiting, active, completed, failed *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, q.waitKey())
		active = pipe.LLen(ctx, q.activeKey())
		completed = pipe.LLen(ctx, q.completedKey())
		failed = pipe.LLen(ctx, q.failedKey())
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("queue: counts: %w", err)
	}
	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// dequeue blocks up to PollTimeout for the next job and locks it for token.
// It returns nil without error when the wait list stayed empty.
func (q *Queue) dequeue(ctx context.Context, token string) (*Job, error) {
	id, err := q.client.BLMove(ctx, q.waitKey(), q.activeKey(), "RIGHT", "LEFT", q.opts.PollTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	if err := q.client.Set(ctx, q.lockKey(id), token, q.opts.LockDuration).Err(); err != nil {
		return nil, fmt.Errorf("queue: lock job %s: %w", id, err)
	}
	job, err := q.Get(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		_ = q.fail(ctx, id, token, "job payload missing")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	q.client.HSet(ctx, q.jobKey(id), "processedOn", time.Now().UnixMilli())
	return job, nil
}

func (q *Queue) extendLock(ctx context.Context, id, token string) error {
	n, err := q.client.Eval(ctx, luaExtendLock, []string{q.lockKey(id)},
		token, q.opts.LockDuration.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("queue: extend lock %s: %w", id, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

func (q *Queue) complete(ctx context.Context, id, token string) error {
	return q.finish(ctx, id, token, q.completedKey(), "completedOn", strconv.FormatInt(time.Now().UnixMilli(), 10))
}

func (q *Queue) fail(ctx context.Context, id, token, reason string) error {
	return q.finish(ctx, id, token, q.failedKey(), "failedReason", reason)
}

func (q *Queue) finish(ctx context.Context, id, token, target, field, value string) error {
	keys := []string{q.activeKey(), q.lockKey(id), target, q.jobKey(id), q.stalledKey(id)}
	n, err := q.client.Eval(ctx, luaFinish, keys,
		id, token, time.Now().UnixMilli(), field, value).Int64()
	if err != nil {
		return fmt.Errorf("queue: finish job %s: %w", id, err)
	}
	if n < 0 {
		return ErrLockLost
	}
	return nil
}

// retry records the attempt and moves the job back to wait.
func (q *Queue) retry(ctx context.Context, id, token, reason string) error {
	keys := []string{q.activeKey(), q.lockKey(id), q.waitKey(), q.jobKey(id)}
	n, err := q.client.Eval(ctx, luaRetry, keys, id, token, reason).Int64()
	if err != nil {
		return fmt.Errorf("queue: retry job %s: %w", id, err)
	}
	if n < 0 {
		return ErrLockLost
	}
	return nil
}

func (q *Queue) recordAttempt(ctx context.Context, id string) (int, error) {
	n, err := q.client.HIncrBy(ctx, q.jobKey(id), "attemptsMade", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: record attempt %s: %w", id, err)
	}
	return int(n), nil
}

// CheckStalled recovers active jobs whose lock expired across two consecutive
// checks. Jobs stalled more than MaxStalledCount times are failed.
func (q *Queue) CheckStalled(ctx context.Context) (recovered, failed []string, err error) {
	keys := []string{q.activeKey(), q.waitKey(), q.failedKey(), q.stalledCheckKey()}
	res, err := q.client.Eval(ctx, luaCheckStalled, keys,
		q.prefix, q.opts.MaxStalledCount, time.Now().UnixMilli()).Slice()
	if err != nil {
		return nil, nil, fmt.Errorf("queue: check stalled: %w", err)
	}
	if len(res) != 2 {
		return nil, nil, fmt.Errorf("queue: check stalled: unexpected reply %v", res)
	}
	return stringSlice(res[0]), stringSlice(res[1]), nil
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
