package dto

import "encoding/json"

// SubmitJobRequest is the body of POST /api/v1/jobs. Durable, MaxRetries
// and Dedupe override the task's registered policy when set.
type SubmitJobRequest struct {
	TaskName   string         `json:"task_name" binding:"required"`
	Args       []any          `json:"args"`
	Kwargs     map[string]any `json:"kwargs"`
	Durable    *bool          `json:"durable,omitempty"`
	MaxRetries *int           `json:"max_retries,omitempty"`
	Dedupe     *bool          `json:"dedupe,omitempty"`
}

// SubmitJobResponse reports where the submission landed
type SubmitJobResponse struct {
	JobID   string `json:"job_id,omitempty"`
	Durable bool   `json:"durable"`
	Deduped bool   `json:"deduped,omitempty"`
}

// JobStatusResponse is the body of GET /api/v1/jobs/:job_id
type JobStatusResponse struct {
	JobID     string          `json:"job_id"`
	TaskName  string          `json:"task_name"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// CallRequest is the body of POST /api/v1/calls/:fn
type CallRequest struct {
	Args           []any          `json:"args"`
	Kwargs         map[string]any `json:"kwargs"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}

// CallResponse carries the remote call's result
type CallResponse struct {
	Result json.RawMessage `json:"result"`
}

// ResolveRequest is the completion push accepted on /internal/resolve
type ResolveRequest struct {
	MessageID string          `json:"message_id" binding:"required"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}
