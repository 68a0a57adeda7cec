package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// completionMaxLen caps the completion stream length (approximate trim)
const completionMaxLen = 10000

// CompletionPayload is the serialized outcome of one executed call
type CompletionPayload struct {
	Fn    string          `json:"fn"`
	Value json.RawMessage `json:"v"`
	Exc   *string         `json:"exc"`
}

// Outcome converts the wire payload into a caller-side outcome
func (p *CompletionPayload) Outcome() Outcome {
	if p.Exc != nil {
		return Outcome{Err: &RemoteError{Fn: p.Fn, Message: *p.Exc}}
	}
	return Outcome{Value: p.Value}
}

// CompletionLog appends executed-call outcomes to the Redis stream the
// orchestrators consume
type CompletionLog struct {
	rdb    *redis.Client
	stream string
}

// NewCompletionLog creates a completion log
func NewCompletionLog(rdb *redis.Client, stream string) *CompletionLog {
	return &CompletionLog{rdb: rdb, stream: stream}
}

// Append records a completion. Called for every execution, success or
// failure, so the awaiting side always learns the outcome.
func (l *CompletionLog) Append(ctx context.Context, messageID string, payload CompletionPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize completion: %w", err)
	}

	err = l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: l.stream,
		MaxLen: completionMaxLen,
		Approx: true,
		Values: map[string]any{
			"msg_id":  messageID,
			"payload": body,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append completion: %w", err)
	}
	return nil
}

// ErrResultNotFound indicates no stored result exists for the message
var ErrResultNotFound = errors.New("result not found")

// ResultStore keeps per-message results under TTL keys as a fallback for
// callers whose future timed out before the stream delivery arrived.
type ResultStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewResultStore creates a result store
func NewResultStore(rdb *redis.Client, prefix string, ttl time.Duration) *ResultStore {
	if prefix == "" {
		prefix = "bridge:result:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ResultStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Store writes the completion under the message ID
func (s *ResultStore) Store(ctx context.Context, messageID string, payload CompletionPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize result: %w", err)
	}

	if err := s.rdb.Set(ctx, s.prefix+messageID, body, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

// Fetch reads a stored completion, returning ErrResultNotFound when the
// key is absent or already expired
func (s *ResultStore) Fetch(ctx context.Context, messageID string) (*CompletionPayload, error) {
	body, err := s.rdb.Get(ctx, s.prefix+messageID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch result: %w", err)
	}

	var payload CompletionPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &payload, nil
}
