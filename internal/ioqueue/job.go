package ioqueue

import (
	"crypto/sha1"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a durable job
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusError   JobStatus = "error"
)

// maxLastErrorBytes bounds the persisted error text
const maxLastErrorBytes = 8000

// Job represents a durable unit of work persisted in PostgreSQL
type Job struct {
	ID         string         `db:"id" json:"id"`
	TaskName   string         `db:"task_name" json:"task_name"`
	Args       JSONArgs       `db:"args" json:"args"`
	Kwargs     JSONKwargs     `db:"kwargs" json:"kwargs"`
	Status     JobStatus      `db:"status" json:"status"`
	Attempts   int            `db:"attempts" json:"attempts"`
	MaxRetries int            `db:"max_retries" json:"max_retries"`
	DedupeKey  sql.NullString `db:"dedupe_key" json:"-"`
	RunAt      time.Time      `db:"run_at" json:"run_at"`
	ClaimedAt  sql.NullTime   `db:"claimed_at" json:"-"`
	ClaimedBy  sql.NullString `db:"claimed_by" json:"-"`
	LastError  sql.NullString `db:"last_error" json:"last_error,omitempty"`
	Result     []byte         `db:"result" json:"-"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at" json:"updated_at"`
}

// JSONArgs stores positional arguments as a JSON array column
type JSONArgs []any

// JSONKwargs stores keyword arguments as a JSON object column
type JSONKwargs map[string]any

// Value implements driver.Valuer
func (a JSONArgs) Value() (driver.Value, error) { return json.Marshal(a) }

// Scan implements sql.Scanner
func (a *JSONArgs) Scan(src any) error { return scanJSON(src, a) }

// Value implements driver.Valuer
func (k JSONKwargs) Value() (driver.Value, error) { return json.Marshal(k) }

// Scan implements sql.Scanner
func (k *JSONKwargs) Scan(src any) error { return scanJSON(src, k) }

func scanJSON(src, dest any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported column type %T", src)
	}
}

// Envelope is the wire form of an ephemeral task published to the mailbox
type Envelope struct {
	TaskName string     `json:"task_name"`
	Args     JSONArgs   `json:"args"`
	Kwargs   JSONKwargs `json:"kwargs"`
	QueuedAt time.Time  `json:"queued_at"`
}

// DedupeKey derives the identity of an active durable job from its task
// name and arguments. Two submissions with equal keys collapse while the
// earlier job is still pending or running.
func DedupeKey(taskName string, args JSONArgs, kwargs JSONKwargs) (string, error) {
	payload, err := json.Marshal([]any{args, kwargs})
	if err != nil {
		return "", fmt.Errorf("failed to serialize dedupe payload: %w", err)
	}

	sum := sha1.Sum(payload)
	return taskName + ":" + hex.EncodeToString(sum[:])[:16], nil
}

// TruncateError bounds error text to the persisted column size
func TruncateError(msg string) string {
	if len(msg) > maxLastErrorBytes {
		return msg[:maxLastErrorBytes]
	}
	return msg
}
