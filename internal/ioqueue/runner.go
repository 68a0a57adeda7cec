package ioqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/dispatch-core/internal/observability"
)

// RunnerStore is the storage surface the runner depends on
type RunnerStore interface {
	ClaimNext(ctx context.Context, workerID string) (*Job, error)
	Release(ctx context.Context, jobID string) error
	Finalize(ctx context.Context, job *Job, result []byte, execErr error) error
	FinalizeTerminal(ctx context.Context, jobID string, reason string) error
}

// RunnerConfig holds runner tuning parameters
type RunnerConfig struct {
	// WorkerID identifies this process's claims; generated when empty
	WorkerID       string
	MaxConcurrency int
	QueueSize      int
	PollInterval   time.Duration
}

// workItem is one unit handed to the execution pool: either a claimed
// durable job or an ephemeral envelope.
type workItem struct {
	job      *Job
	envelope *Envelope
}

// Runner drains both queues through a bounded pool of executor
// goroutines. Durable jobs are claimed from PostgreSQL; ephemeral
// envelopes arrive from the RabbitMQ mailbox.
type Runner struct {
	registry *Registry
	store    RunnerStore
	gates    *GateSet
	config   RunnerConfig
	logger   *slog.Logger

	items   chan workItem
	fetchWg sync.WaitGroup
	poolWg  sync.WaitGroup
	cancel  context.CancelFunc
}

// NewRunner creates a runner
func NewRunner(registry *Registry, store RunnerStore, config RunnerConfig, logger *slog.Logger) *Runner {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.MaxConcurrency
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if config.WorkerID == "" {
		config.WorkerID = "worker-" + uuid.NewString()[:8]
	}

	return &Runner{
		registry: registry,
		store:    store,
		gates:    NewGateSet(),
		config:   config,
		logger:   logger,
		items:    make(chan workItem, config.QueueSize),
	}
}

// Start launches the fetch loops and the execution pool. deliveries may
// be nil when the process consumes no ephemeral mailbox.
func (r *Runner) Start(ctx context.Context, deliveries <-chan amqp.Delivery) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.logger.Info("Starting runner",
		slog.String("worker_id", r.config.WorkerID),
		slog.Int("max_concurrency", r.config.MaxConcurrency),
		slog.Int("queue_size", r.config.QueueSize),
		slog.Duration("poll_interval", r.config.PollInterval),
	)

	r.fetchWg.Add(1)
	go r.claimLoop(ctx)

	if deliveries != nil {
		r.fetchWg.Add(1)
		go r.mailboxLoop(ctx, deliveries)
	}

	for i := 0; i < r.config.MaxConcurrency; i++ {
		r.poolWg.Add(1)
		go r.executeLoop(ctx, i)
	}
}

// Stop drains the runner: fetch loops exit first, then the pool finishes
// every item already queued.
func (r *Runner) Stop() {
	r.logger.Info("Stopping runner")

	if r.cancel != nil {
		r.cancel()
	}

	r.fetchWg.Wait()
	close(r.items)
	r.poolWg.Wait()

	r.logger.Info("Runner stopped")
}

// claimLoop polls PostgreSQL for runnable jobs
func (r *Runner) claimLoop(ctx context.Context) {
	defer r.fetchWg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := r.store.ClaimNext(ctx, r.config.WorkerID)
		if err == ErrNoJob {
			r.sleep(ctx, r.config.PollInterval)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("Failed to claim job",
				slog.Any("error", err),
			)
			r.sleep(ctx, r.config.PollInterval)
			continue
		}

		select {
		case r.items <- workItem{job: job}:
		default:
			// Pool is saturated; hand the claim back rather than let the
			// visibility timeout expire while the job sits in our queue.
			if err := r.store.Release(ctx, job.ID); err != nil {
				r.logger.Error("Failed to release job",
					slog.String("job_id", job.ID),
					slog.Any("error", err),
				)
			}
			r.sleep(ctx, r.config.PollInterval)
		}
	}
}

// mailboxLoop feeds ephemeral envelopes into the pool
func (r *Runner) mailboxLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer r.fetchWg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				r.logger.Warn("Mailbox delivery channel closed")
				return
			}

			var envelope Envelope
			if err := json.Unmarshal(delivery.Body, &envelope); err != nil {
				r.logger.Error("Failed to decode mailbox envelope",
					slog.Any("error", err),
				)
				observability.EphemeralDropped.WithLabelValues("decode_error").Inc()
				continue
			}

			select {
			case r.items <- workItem{envelope: &envelope}:
			case <-ctx.Done():
				observability.EphemeralDropped.WithLabelValues("shutdown").Inc()
				return
			}
		}
	}
}

// executeLoop drains the item queue until it closes
func (r *Runner) executeLoop(ctx context.Context, workerID int) {
	defer r.poolWg.Done()

	logger := r.logger.With(slog.Int("worker_id", workerID))
	logger.Debug("Executor started")

	for item := range r.items {
		if item.job != nil {
			r.executeJob(ctx, logger, item.job)
		} else if item.envelope != nil {
			r.executeEnvelope(ctx, logger, item.envelope)
		}
	}

	logger.Debug("Executor stopped")
}

// executeJob runs one attempt of a durable job and records the outcome
func (r *Runner) executeJob(ctx context.Context, logger *slog.Logger, job *Job) {
	task, err := r.registry.Resolve(job.TaskName)
	if err != nil {
		// The task no longer exists; retrying cannot help
		if ferr := r.store.FinalizeTerminal(ctx, job.ID, err.Error()); ferr != nil {
			logger.Error("Failed to finalize unknown task",
				slog.String("job_id", job.ID),
				slog.Any("error", ferr),
			)
		}
		observability.JobsProcessed.WithLabelValues(job.TaskName, "unknown_task").Inc()
		return
	}

	if err := r.gates.Wait(ctx, task.Name, task.Policy.ThrottleInterval); err != nil {
		// Shutdown while throttled; hand the claim back
		if rerr := r.store.Release(context.Background(), job.ID); rerr != nil {
			logger.Error("Failed to release throttled job",
				slog.String("job_id", job.ID),
				slog.Any("error", rerr),
			)
		}
		return
	}

	start := time.Now()
	result, execErr := r.runTask(ctx, task, job.Args, job.Kwargs)

	var encoded []byte
	if execErr == nil && result != nil {
		if encoded, err = json.Marshal(result); err != nil {
			execErr = fmt.Errorf("failed to serialize result: %w", err)
		}
	}

	outcome := "done"
	if execErr != nil {
		outcome = "failed"
	}

	logger.Info("Job executed",
		slog.String("job_id", job.ID),
		slog.String("task_name", job.TaskName),
		slog.String("outcome", outcome),
		slog.Int("attempts", job.Attempts),
		slog.Duration("duration", time.Since(start)),
	)

	observability.JobsProcessed.WithLabelValues(job.TaskName, outcome).Inc()
	observability.JobDuration.WithLabelValues(job.TaskName).Observe(time.Since(start).Seconds())

	// Record the outcome even when the request context is gone
	finalizeCtx := ctx
	if finalizeCtx.Err() != nil {
		finalizeCtx = context.Background()
	}

	if err := r.store.Finalize(finalizeCtx, job, encoded, execErr); err != nil {
		logger.Error("Failed to finalize job",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}
}

// executeEnvelope runs one ephemeral task; failures are logged and dropped
func (r *Runner) executeEnvelope(ctx context.Context, logger *slog.Logger, envelope *Envelope) {
	task, err := r.registry.Resolve(envelope.TaskName)
	if err != nil {
		logger.Warn("Dropping envelope for unknown task",
			slog.String("task_name", envelope.TaskName),
		)
		observability.EphemeralDropped.WithLabelValues("unknown_task").Inc()
		return
	}

	if err := r.gates.Wait(ctx, task.Name, task.Policy.ThrottleInterval); err != nil {
		observability.EphemeralDropped.WithLabelValues("shutdown").Inc()
		return
	}

	start := time.Now()
	if _, execErr := r.runTask(ctx, task, envelope.Args, envelope.Kwargs); execErr != nil {
		logger.Warn("Ephemeral task failed",
			slog.String("task_name", envelope.TaskName),
			slog.Any("error", execErr),
		)
		observability.JobsProcessed.WithLabelValues(envelope.TaskName, "failed").Inc()
		return
	}

	observability.JobsProcessed.WithLabelValues(envelope.TaskName, "done").Inc()
	observability.JobDuration.WithLabelValues(envelope.TaskName).Observe(time.Since(start).Seconds())
}

// runTask invokes the handler, converting panics into errors
func (r *Runner) runTask(ctx context.Context, task *Task, args JSONArgs, kwargs JSONKwargs) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
			r.logger.Error("Task panicked",
				slog.String("task_name", task.Name),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	return task.Fn(ctx, args, kwargs)
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
