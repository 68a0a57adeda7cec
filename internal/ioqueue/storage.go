package ioqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cuongbtq/dispatch-core/shared/postgresql"
)

// maxRetryDelay caps the backoff between attempts
const maxRetryDelay = 60 * time.Second

// Storage persists durable jobs in PostgreSQL
type Storage struct {
	client            *postgresql.Client
	visibilityTimeout time.Duration
	logger            *slog.Logger
}

// NewStorage creates a job storage backed by PostgreSQL
func NewStorage(client *postgresql.Client, visibilityTimeout time.Duration, logger *slog.Logger) *Storage {
	return &Storage{
		client:            client,
		visibilityTimeout: visibilityTimeout,
		logger:            logger,
	}
}

// InsertJob persists a new pending job
func (s *Storage) InsertJob(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO jobs (id, task_name, args, kwargs, status, attempts, max_retries, dedupe_key, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`

	err := s.client.ExecContext(ctx, query,
		job.ID,
		job.TaskName,
		job.Args,
		job.Kwargs,
		JobStatusPending,
		0,
		job.MaxRetries,
		job.DedupeKey,
		job.RunAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	s.logger.Debug("Job inserted",
		slog.String("job_id", job.ID),
		slog.String("task_name", job.TaskName),
	)

	return nil
}

// FindActiveJobID returns the ID of a pending or running job with the
// given dedupe key, or ErrJobNotFound when none is active.
func (s *Storage) FindActiveJobID(ctx context.Context, dedupeKey string) (string, error) {
	query := `
		SELECT id FROM jobs
		WHERE dedupe_key = $1 AND status IN ($2, $3)
		ORDER BY created_at
		LIMIT 1`

	var id string
	err := s.client.GetDB().GetContext(ctx, &id, query, dedupeKey, JobStatusPending, JobStatusRunning)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up active job: %w", err)
	}

	return id, nil
}

// ClaimNext atomically claims the next runnable job for workerID. Ready
// pending jobs take priority; otherwise a running job whose claim
// outlived the visibility timeout is reclaimed. Returns ErrNoJob when
// neither exists.
func (s *Storage) ClaimNext(ctx context.Context, workerID string) (*Job, error) {
	tx, err := s.client.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var job Job

	pendingQuery := `
		SELECT id, task_name, args, kwargs, status, attempts, max_retries, dedupe_key, run_at, claimed_at, claimed_by, last_error, result, created_at, updated_at
		FROM jobs
		WHERE status = $1 AND run_at <= NOW()
		ORDER BY run_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	err = tx.GetContext(ctx, &job, pendingQuery, JobStatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		// No ready pending job; look for an expired claim to recover
		expiredQuery := `
			SELECT id, task_name, args, kwargs, status, attempts, max_retries, dedupe_key, run_at, claimed_at, claimed_by, last_error, result, created_at, updated_at
			FROM jobs
			WHERE status = $1 AND claimed_at < $2
			ORDER BY claimed_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED`

		err = tx.GetContext(ctx, &job, expiredQuery, JobStatusRunning, time.Now().Add(-s.visibilityTimeout))
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	claimQuery := `
		UPDATE jobs
		SET status = $1, claimed_at = NOW(), claimed_by = $2, updated_at = NOW()
		WHERE id = $3`

	if _, err := tx.ExecContext(ctx, claimQuery, JobStatusRunning, workerID, job.ID); err != nil {
		return nil, fmt.Errorf("failed to mark job running: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	job.Status = JobStatusRunning
	job.ClaimedBy.String = workerID
	job.ClaimedBy.Valid = true

	s.logger.Debug("Job claimed",
		slog.String("job_id", job.ID),
		slog.String("task_name", job.TaskName),
		slog.String("worker_id", workerID),
		slog.Int("attempts", job.Attempts),
	)

	return &job, nil
}

// Release returns a claimed job to the pending state without consuming
// an attempt. Used when the local execution queue has no capacity.
func (s *Storage) Release(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = $1, claimed_at = NULL, claimed_by = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3`

	if err := s.client.ExecContext(ctx, query, JobStatusPending, jobID, JobStatusRunning); err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	return nil
}

// Finalize records the outcome of an execution attempt. Success marks the
// job done with its result. Failure counts one attempt, then either
// schedules a retry with exponential backoff or, once attempts exceed
// max_retries, marks the job as errored.
func (s *Storage) Finalize(ctx context.Context, job *Job, result []byte, execErr error) error {
	if execErr == nil {
		query := `
			UPDATE jobs
			SET status = $1, result = $2, last_error = NULL, claimed_at = NULL, claimed_by = NULL, updated_at = NOW()
			WHERE id = $3`

		if err := s.client.ExecContext(ctx, query, JobStatusDone, result, job.ID); err != nil {
			return fmt.Errorf("failed to finalize job: %w", err)
		}
		return nil
	}

	lastError := TruncateError(execErr.Error())
	attempts := job.Attempts + 1

	if attempts > job.MaxRetries {
		return s.finalizeError(ctx, job.ID, attempts, lastError)
	}

	delay := retryDelay(attempts)
	query := `
		UPDATE jobs
		SET status = $1, attempts = $2, last_error = $3, run_at = $4, claimed_at = NULL, claimed_by = NULL, updated_at = NOW()
		WHERE id = $5`

	if err := s.client.ExecContext(ctx, query, JobStatusPending, attempts, lastError, time.Now().Add(delay), job.ID); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}

	s.logger.Info("Job scheduled for retry",
		slog.String("job_id", job.ID),
		slog.String("task_name", job.TaskName),
		slog.Int("attempts", attempts),
		slog.Duration("delay", delay),
	)

	return nil
}

// FinalizeTerminal marks a job as errored regardless of remaining retries
func (s *Storage) FinalizeTerminal(ctx context.Context, jobID string, reason string) error {
	query := `
		UPDATE jobs
		SET status = $1, last_error = $2, claimed_at = NULL, claimed_by = NULL, updated_at = NOW()
		WHERE id = $3`

	if err := s.client.ExecContext(ctx, query, JobStatusError, TruncateError(reason), jobID); err != nil {
		return fmt.Errorf("failed to finalize job: %w", err)
	}

	s.logger.Warn("Job failed permanently",
		slog.String("job_id", jobID),
		slog.String("last_error", TruncateError(reason)),
	)

	return nil
}

func (s *Storage) finalizeError(ctx context.Context, jobID string, attempts int, lastError string) error {
	query := `
		UPDATE jobs
		SET status = $1, attempts = $2, last_error = $3, claimed_at = NULL, claimed_by = NULL, updated_at = NOW()
		WHERE id = $4`

	if err := s.client.ExecContext(ctx, query, JobStatusError, attempts, lastError, jobID); err != nil {
		return fmt.Errorf("failed to finalize job: %w", err)
	}

	s.logger.Warn("Job failed permanently",
		slog.String("job_id", jobID),
		slog.String("last_error", lastError),
	)

	return nil
}

// GetJob fetches a job by ID
func (s *Storage) GetJob(ctx context.Context, jobID string) (*Job, error) {
	query := `
		SELECT id, task_name, args, kwargs, status, attempts, max_retries, dedupe_key, run_at, claimed_at, claimed_by, last_error, result, created_at, updated_at
		FROM jobs
		WHERE id = $1`

	var job Job
	err := s.client.GetDB().GetContext(ctx, &job, query, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// retryDelay computes the backoff before the next attempt: 1s, 2s, 4s,
// doubling up to the 60s cap.
func retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(math.Pow(2, float64(attempts-1))) * time.Second
	if delay > maxRetryDelay || delay <= 0 {
		return maxRetryDelay
	}
	return delay
}
