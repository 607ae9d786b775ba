package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/certa-labs/certa/engine/core"
	"github.com/certa-labs/certa/pkg/logger"
)

const bookkeepingTimeout = 5 * time.Second

// Handler processes one job. A returned error counts as a failed attempt.
type Handler func(ctx context.Context, job *Job) error

// Worker consumes a queue with bounded concurrency and a job rate limit.
type Worker struct {
	queue   *Queue
	handler Handler
	token   string
	limiter *rate.Limiter
	slots   chan struct{}

	mu         sync.Mutex
	running    bool
	closed     bool
	stopRun    context.CancelFunc
	cancelJobs context.CancelFunc
	loopDone   chan struct{}
	inflight   sync.WaitGroup
	closeOnce  sync.Once
	closeErr   error
}

// NewWorker binds handler to q. The worker identifies its locks with a
// generated token.
func NewWorker(q *Queue, handler Handler) (*Worker, error) {
	if q == nil || handler == nil {
		return nil, fmt.Errorf("queue worker requires a queue and a handler")
	}
	token, err := core.NewID()
	if err != nil {
		return nil, err
	}
	opts := q.opts
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.LimiterMax > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.LimiterDuration/time.Duration(opts.LimiterMax)), opts.LimiterMax)
	}
	return &Worker{
		queue:   q,
		handler: handler,
		token:   token.String(),
		limiter: limiter,
		slots:   make(chan struct{}, opts.Concurrency),
	}, nil
}

// Run consumes jobs until ctx is done or Close is called. Handlers run on a
// context that survives ctx and is only canceled when Close gives up waiting.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("queue worker already running")
	}
	runCtx, stopRun := context.WithCancel(ctx)
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	w.running = true
	w.stopRun = stopRun
	w.cancelJobs = cancelJobs
	w.loopDone = make(chan struct{})
	w.mu.Unlock()
	defer close(w.loopDone)
	defer stopRun()

	log := logger.FromContext(ctx).With("queue", w.queue.opts.Name)
	log.Info("Queue worker started", "concurrency", cap(w.slots))
	go w.checkStalledLoop(runCtx)

	for {
		select {
		case <-runCtx.Done():
			log.Info("Queue worker stopped accepting jobs")
			return nil
		case w.slots <- struct{}{}:
		}
		if err := w.limiter.Wait(runCtx); err != nil {
			<-w.slots
			continue
		}
		job, err := w.queue.dequeue(runCtx, w.token)
		if err != nil {
			<-w.slots
			if runCtx.Err() != nil {
				continue
			}
			log.Error("Failed to dequeue job", "error", err)
			sleep(runCtx, time.Second)
			continue
		}
		if job == nil {
			<-w.slots
			continue
		}
		w.inflight.Add(1)
		go w.process(jobCtx, job)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	defer w.inflight.Done()
	defer func() { <-w.slots }()
	log := logger.FromContext(ctx).With("queue", w.queue.opts.Name, "queue_job_id", job.ID)

	lockCtx, stopRenew := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		w.renewLock(lockCtx, job.ID)
	}()
	err := w.runHandler(ctx, job)
	stopRenew()
	<-renewDone

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()
	if err == nil {
		if cerr := w.queue.complete(bctx, job.ID, w.token); cerr != nil {
			log.Error("Failed to mark job completed", "error", cerr)
		}
		return
	}
	attempts, aerr := w.queue.recordAttempt(bctx, job.ID)
	if aerr != nil {
		log.Error("Failed to record job attempt", "error", aerr)
		attempts = job.AttemptsMade + 1
	}
	if attempts < w.queue.opts.Attempts {
		log.Warn("Job failed, retrying", "attempt", attempts, "error", err)
		if rerr := w.queue.retry(bctx, job.ID, w.token, err.Error()); rerr != nil {
			log.Error("Failed to requeue job", "error", rerr)
		}
		return
	}
	log.Error("Job failed", "attempts", attempts, "error", err)
	if ferr := w.queue.fail(bctx, job.ID, w.token, err.Error()); ferr != nil {
		log.Error("Failed to mark job failed", "error", ferr)
	}
}

func (w *Worker) runHandler(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

func (w *Worker) renewLock(ctx context.Context, id string) {
	ticker := time.NewTicker(w.queue.opts.LockDuration / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.extendLock(ctx, id, w.token); err != nil && ctx.Err() == nil {
				logger.FromContext(ctx).Warn("Failed to renew job lock", "queue_job_id", id, "error", err)
				if errors.Is(err, ErrLockLost) {
					return
				}
			}
		}
	}
}

func (w *Worker) checkStalledLoop(ctx context.Context) {
	ticker := time.NewTicker(w.queue.opts.StalledInterval)
	defer ticker.Stop()
	log := logger.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovered, failed, err := w.queue.CheckStalled(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("Stalled job check failed", "error", err)
				}
				continue
			}
			for _, id := range recovered {
				log.Warn("Recovered stalled job", "queue_job_id", id)
			}
			for _, id := range failed {
				log.Error("Job failed after stalling too often", "queue_job_id", id)
			}
		}
	}
}

// Close stops accepting jobs and waits for in-flight handlers. When ctx
// expires first, handlers are canceled and ctx's error is returned. Repeated
// calls return the first result.
func (w *Worker) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		w.closeErr = w.close(ctx)
	})
	return w.closeErr
}

func (w *Worker) close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	running := w.running
	stopRun, cancelJobs, loopDone := w.stopRun, w.cancelJobs, w.loopDone
	w.mu.Unlock()
	if !running {
		return nil
	}
	stopRun()
	done := make(chan struct{})
	go func() {
		<-loopDone
		w.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		cancelJobs()
		return nil
	case <-ctx.Done():
		cancelJobs()
		return ctx.Err()
	}
}
