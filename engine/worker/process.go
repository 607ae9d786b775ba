package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/certa-labs/certa/engine/compliance"
	"github.com/certa-labs/certa/engine/jobstate"
	"github.com/certa-labs/certa/engine/queue"
	"github.com/certa-labs/certa/pkg/logger"
)

const DefaultShutdownTimeout = 10 * time.Second

// ErrForcedShutdown is returned when in-flight jobs outlive the shutdown timeout.
var ErrForcedShutdown = errors.New("worker: forced shutdown after timeout")

// Process owns the queue consumer of one worker process and its shutdown.
type Process struct {
	worker          *queue.Worker
	liveness        *jobstate.Liveness
	shutdownTimeout time.Duration

	shuttingDown atomic.Bool
	shutdownDone chan struct{}
	shutdownErr  error
	runOnce      sync.Once
}

// NewProcess registers processor as the handler of q.
func NewProcess(
	q *queue.Queue,
	processor *Processor,
	liveness *jobstate.Liveness,
	shutdownTimeout time.Duration,
) (*Process, error) {
	if processor == nil {
		return nil, fmt.Errorf("worker: processor is required")
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	w, err := queue.NewWorker(q, Handler(processor))
	if err != nil {
		return nil, err
	}
	return &Process{
		worker:          w,
		liveness:        liveness,
		shutdownTimeout: shutdownTimeout,
		shutdownDone:    make(chan struct{}),
	}, nil
}

// Handler adapts a processor to the queue's handler signature.
func Handler(processor *Processor) queue.Handler {
	return func(ctx context.Context, qjob *queue.Job) error {
		var job compliance.Job
		if err := qjob.Decode(&job); err != nil {
			return err
		}
		if job.JobID == "" {
			job.JobID = qjob.ID
		}
		return processor.Process(ctx, &job)
	}
}

// Run marks the process alive and consumes jobs until Shutdown is called or
// ctx ends. It returns the shutdown result.
func (p *Process) Run(ctx context.Context) error {
	var runErr error
	p.runOnce.Do(func() {
		log := logger.FromContext(ctx)
		if p.liveness != nil {
			if err := p.liveness.Start(ctx); err != nil {
				runErr = err
				return
			}
		}
		log.Info("Compliance worker running")
		if err := p.worker.Run(ctx); err != nil {
			log.Error("Queue worker stopped with error", "error", err)
		}
		p.Shutdown(context.WithoutCancel(ctx), "stopped")
		<-p.shutdownDone
		runErr = p.shutdownErr
	})
	return runErr
}

// Shutdown stops the process once. Later calls are no-ops. The liveness
// marker is cleared before the queue consumer closes; closing is bounded by
// the shutdown timeout.
func (p *Process) Shutdown(ctx context.Context, reason string) {
	if !p.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	log := logger.FromContext(ctx)
	log.Info("Shutting down worker", "reason", reason)
	defer close(p.shutdownDone)
	if p.liveness != nil {
		if err := p.liveness.Stop(ctx); err != nil {
			log.Error("Failed to clear liveness marker", "error", err)
		}
	}
	cctx, cancel := context.WithTimeout(ctx, p.shutdownTimeout)
	defer cancel()
	if err := p.worker.Close(cctx); err != nil {
		log.Warn("Force shutting down worker after timeout", "timeout", p.shutdownTimeout)
		p.shutdownErr = fmt.Errorf("%w: %w", ErrForcedShutdown, err)
		return
	}
	log.Info("Worker closed successfully")
}

// ShuttingDown reports whether Shutdown has started.
func (p *Process) ShuttingDown() bool {
	return p.shuttingDown.Load()
}

// Done is closed when shutdown has finished.
func (p *Process) Done() <-chan struct{} {
	return p.shutdownDone
}

// HandleSignals starts shutdown on SIGINT or SIGTERM. Repeated signals are
// ignored. The returned function stops listening.
func (p *Process) HandleSignals(ctx context.Context) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	quit := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigs:
				go p.Shutdown(context.WithoutCancel(ctx), sig.String()+" received")
			case <-quit:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(quit)
		})
	}
}
