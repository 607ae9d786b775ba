package jobstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/certa-labs/certa/engine/infra/cache"
	"github.com/certa-labs/certa/pkg/logger"
)

// Job statuses stored in the status field.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// Hash fields of a job record.
const (
	FieldStatus         = "status"
	FieldURL            = "url"
	FieldProgress       = "progress"
	FieldPartialResults = "partialResults"
	FieldResults        = "results"
	FieldError          = "error"
	FieldCreated        = "created"
	FieldLastUpdated    = "last_updated"
	FieldCompleted      = "completed"
)

// Events published after each write.
const (
	EventCreated   = "created"
	EventStarted   = "started"
	EventPartial   = "partial"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// ErrJobNotFound is returned when no record exists for a job id.
var ErrJobNotFound = errors.New("Job not found") //nolint:staticcheck // user-facing text

// Snapshot is the decoded state of one job.
type Snapshot struct {
	JobID          string  `json:"jobId"`
	URL            string  `json:"url"`
	Status         string  `json:"status"`
	Progress       string  `json:"progress,omitempty"`
	Created        string  `json:"created"`
	LastUpdated    string  `json:"lastUpdated,omitempty"`
	Completed      string  `json:"completed,omitempty"`
	Error          *string `json:"error"`
	Results        Results `json:"results"`
	PartialResults Results `json:"partialResults"`
}

// Store persists job records as Redis hashes under job:<id>. Every write is a
// single transaction on the job's own key.
type Store struct {
	client   redis.UniversalClient
	notifier *cache.Notifier
	now      func() time.Time
}

// NewStore creates a store. notifier may be nil.
func NewStore(client redis.UniversalClient, notifier *cache.Notifier) *Store {
	return &Store{client: client, notifier: notifier, now: time.Now}
}

// Key returns the hash key of jobID.
func Key(jobID string) string {
	return "job:" + jobID
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// Create records a queued job.
func (s *Store) Create(ctx context.Context, jobID, url string) error {
	ts := s.timestamp()
	return s.write(ctx, jobID, EventCreated, StatusQueued, nil, nil,
		FieldStatus, StatusQueued,
		FieldURL, url,
		FieldCreated, ts,
		FieldLastUpdated, ts,
	)
}

// runFields hold the outcome of a single run.
var runFields = []string{FieldError, FieldResults, FieldPartialResults, FieldProgress, FieldCompleted}

// MarkProcessing flags a dequeued job as running and drops any outcome left
// by an earlier attempt.
func (s *Store) MarkProcessing(ctx context.Context, jobID, url string) error {
	return s.write(ctx, jobID, EventStarted, StatusProcessing, nil, runFields,
		FieldStatus, StatusProcessing,
		FieldURL, url,
		FieldLastUpdated, s.timestamp(),
	)
}

// WritePartial stores the results settled so far.
func (s *Store) WritePartial(ctx context.Context, jobID string, results Results, settled, total int) error {
	encoded, err := EncodeResults(results)
	if err != nil {
		return err
	}
	progress := fmt.Sprintf("%d/%d", settled, total)
	data := map[string]any{"progress": progress}
	return s.write(ctx, jobID, EventPartial, StatusProcessing, data, nil,
		FieldPartialResults, encoded,
		FieldProgress, progress,
		FieldLastUpdated, s.timestamp(),
	)
}

// Complete stores the final results.
func (s *Store) Complete(ctx context.Context, jobID string, results Results) error {
	encoded, err := EncodeResults(results)
	if err != nil {
		return err
	}
	ts := s.timestamp()
	return s.write(ctx, jobID, EventCompleted, StatusCompleted, nil, []string{FieldError},
		FieldStatus, StatusCompleted,
		FieldResults, encoded,
		FieldCompleted, ts,
		FieldLastUpdated, ts,
	)
}

// Fail records a terminal job error.
func (s *Store) Fail(ctx context.Context, jobID, message string) error {
	ts := s.timestamp()
	return s.write(ctx, jobID, EventFailed, StatusError, map[string]any{"error": message}, []string{FieldResults},
		FieldStatus, StatusError,
		FieldError, message,
		FieldCompleted, ts,
		FieldLastUpdated, ts,
	)
}

func (s *Store) write(
	ctx context.Context,
	jobID, event, status string,
	data map[string]any,
	drop []string,
	values ...any,
) error {
	key := Key(jobID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(drop) > 0 {
			pipe.HDel(ctx, key, drop...)
		}
		pipe.HSet(ctx, key, values...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("jobstate: write %s for job %s: %w", event, jobID, err)
	}
	if s.notifier != nil {
		if err := s.notifier.PublishJobEvent(ctx, jobID, event, status, data); err != nil {
			logger.FromContext(ctx).Warn("Failed to publish job event", "job_id", jobID, "event", event, "error", err)
		}
	}
	return nil
}

// Get loads and decodes a job record.
func (s *Store) Get(ctx context.Context, jobID string) (*Snapshot, error) {
	fields, err := s.client.HGetAll(ctx, Key(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("jobstate: read job %s: %w", jobID, err)
	}
	if fields[FieldStatus] == "" {
		return nil, ErrJobNotFound
	}
	snap := &Snapshot{
		JobID:       jobID,
		URL:         fields[FieldURL],
		Status:      fields[FieldStatus],
		Progress:    fields[FieldProgress],
		Created:     fields[FieldCreated],
		LastUpdated: fields[FieldLastUpdated],
		Completed:   fields[FieldCompleted],
	}
	if msg, ok := fields[FieldError]; ok && msg != "" {
		snap.Error = &msg
	}
	if snap.Results, err = DecodeResults(fields[FieldResults]); err != nil {
		return nil, err
	}
	if snap.PartialResults, err = DecodeResults(fields[FieldPartialResults]); err != nil {
		return nil, err
	}
	return snap, nil
}
