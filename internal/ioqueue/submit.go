package ioqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// JobStore is the storage surface the submitter depends on
type JobStore interface {
	InsertJob(ctx context.Context, job *Job) error
	FindActiveJobID(ctx context.Context, dedupeKey string) (string, error)
}

// MailboxPublisher delivers ephemeral envelopes to the best-effort queue
type MailboxPublisher interface {
	Publish(ctx context.Context, body []byte, contentType string) error
}

// SubmitOptions override the task's registered policy for one submission.
// Nil fields keep the policy defaults.
type SubmitOptions struct {
	Durable    *bool
	MaxRetries *int
	Dedupe     *bool
}

// SubmitResult describes where a submission ended up
type SubmitResult struct {
	JobID   string
	Durable bool
	Deduped bool
}

// Submitter routes task submissions to the durable queue or the
// ephemeral mailbox according to the task's policy.
type Submitter struct {
	registry *Registry
	store    JobStore
	mailbox  MailboxPublisher
	logger   *slog.Logger
}

// NewSubmitter creates a submitter
func NewSubmitter(registry *Registry, store JobStore, mailbox MailboxPublisher, logger *slog.Logger) *Submitter {
	return &Submitter{
		registry: registry,
		store:    store,
		mailbox:  mailbox,
		logger:   logger,
	}
}

// Submit enqueues a task invocation. Arguments must survive a JSON round
// trip; submissions of dedupe-enabled durable tasks collapse onto an
// active job with the same identity. opts may override the task's
// registered policy for this submission; pass nil to keep the defaults.
func (s *Submitter) Submit(ctx context.Context, taskName string, args JSONArgs, kwargs JSONKwargs, opts *SubmitOptions) (*SubmitResult, error) {
	task, err := s.registry.Resolve(taskName)
	if err != nil {
		return nil, err
	}

	policy := task.Policy
	if opts != nil {
		if opts.Durable != nil {
			policy.Durable = *opts.Durable
		}
		if opts.MaxRetries != nil && *opts.MaxRetries >= 0 {
			policy.MaxRetries = *opts.MaxRetries
		}
		if opts.Dedupe != nil {
			policy.Dedupe = *opts.Dedupe
		}
	}

	normalized, err := normalizeArgs(args, kwargs)
	if err != nil {
		return nil, err
	}
	args, kwargs = normalized.args, normalized.kwargs

	if !policy.Durable {
		return s.submitEphemeral(ctx, task, args, kwargs)
	}

	return s.submitDurable(ctx, task, policy, args, kwargs)
}

func (s *Submitter) submitDurable(ctx context.Context, task *Task, policy TaskPolicy, args JSONArgs, kwargs JSONKwargs) (*SubmitResult, error) {
	job := &Job{
		ID:         uuid.NewString(),
		TaskName:   task.Name,
		Args:       args,
		Kwargs:     kwargs,
		MaxRetries: policy.MaxRetries,
		RunAt:      time.Now(),
	}

	if policy.Dedupe {
		key, err := DedupeKey(task.Name, args, kwargs)
		if err != nil {
			return nil, err
		}

		if existingID, err := s.store.FindActiveJobID(ctx, key); err == nil {
			s.logger.Debug("Submission collapsed onto active job",
				slog.String("task_name", task.Name),
				slog.String("job_id", existingID),
			)
			return &SubmitResult{JobID: existingID, Durable: true, Deduped: true}, nil
		} else if err != ErrJobNotFound {
			return nil, err
		}

		job.DedupeKey.String = key
		job.DedupeKey.Valid = true
	}

	if err := s.store.InsertJob(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("Durable job submitted",
		slog.String("job_id", job.ID),
		slog.String("task_name", task.Name),
	)

	return &SubmitResult{JobID: job.ID, Durable: true}, nil
}

func (s *Submitter) submitEphemeral(ctx context.Context, task *Task, args JSONArgs, kwargs JSONKwargs) (*SubmitResult, error) {
	envelope := Envelope{
		TaskName: task.Name,
		Args:     args,
		Kwargs:   kwargs,
		QueuedAt: time.Now(),
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize envelope: %w", err)
	}

	if err := s.mailbox.Publish(ctx, body, "application/json"); err != nil {
		return nil, fmt.Errorf("failed to publish to mailbox: %w", err)
	}

	s.logger.Debug("Ephemeral task submitted",
		slog.String("task_name", task.Name),
	)

	return &SubmitResult{Durable: false}, nil
}

type normalizedArgs struct {
	args   JSONArgs
	kwargs JSONKwargs
}

// normalizeArgs round-trips arguments through JSON so the stored form and
// the dedupe identity are independent of in-memory types.
func normalizeArgs(args JSONArgs, kwargs JSONKwargs) (normalizedArgs, error) {
	if args == nil {
		args = JSONArgs{}
	}
	if kwargs == nil {
		kwargs = JSONKwargs{}
	}

	raw, err := json.Marshal([]any{args, kwargs})
	if err != nil {
		return normalizedArgs{}, fmt.Errorf("%w: %v", ErrNotSerializable, err)
	}

	var decoded []json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil || len(decoded) != 2 {
		return normalizedArgs{}, fmt.Errorf("%w: round trip failed", ErrNotSerializable)
	}

	var out normalizedArgs
	if err := json.Unmarshal(decoded[0], &out.args); err != nil {
		return normalizedArgs{}, fmt.Errorf("%w: %v", ErrNotSerializable, err)
	}
	if err := json.Unmarshal(decoded[1], &out.kwargs); err != nil {
		return normalizedArgs{}, fmt.Errorf("%w: %v", ErrNotSerializable, err)
	}

	return out, nil
}
