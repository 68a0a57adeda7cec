package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ReplayLog persists a bounded history of events per resource so a
// subscriber can catch up on what it missed while disconnected.
type ReplayLog interface {
	// Append assigns the event its sequence number and persists it
	Append(ctx context.Context, rid string, event *Event) (int64, error)

	// ReadSince returns events with Seq greater than lastSeq, oldest first
	ReadSince(ctx context.Context, rid string, lastSeq int64) ([]Event, error)
}

// RedisReplayLog stores per-resource event history in Redis streams.
// Sequence numbers come from a per-resource counter, independent of
// stream entry IDs, so trimming history never renumbers events.
type RedisReplayLog struct {
	rdb    *redis.Client
	prefix string
	maxLen int64
}

// NewRedisReplayLog creates a replay log
func NewRedisReplayLog(rdb *redis.Client, prefix string, maxLen int64) *RedisReplayLog {
	if prefix == "" {
		prefix = "rt:replay:"
	}
	if maxLen <= 0 {
		maxLen = 500
	}
	return &RedisReplayLog{rdb: rdb, prefix: prefix, maxLen: maxLen}
}

// Append implements ReplayLog
func (l *RedisReplayLog) Append(ctx context.Context, rid string, event *Event) (int64, error) {
	seq, err := l.rdb.Incr(ctx, l.prefix+"seq:"+rid).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to assign sequence: %w", err)
	}
	event.Seq = seq

	body, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize event: %w", err)
	}

	err = l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: l.prefix + rid,
		MaxLen: l.maxLen,
		Approx: true,
		Values: map[string]any{"event": body},
	}).Err()
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}

	return seq, nil
}

// ReadSince implements ReplayLog
func (l *RedisReplayLog) ReadSince(ctx context.Context, rid string, lastSeq int64) ([]Event, error) {
	entries, err := l.rdb.XRevRangeN(ctx, l.prefix+rid, "+", "-", l.maxLen).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read replay history: %w", err)
	}

	// Newest first; collect until we pass lastSeq, then reverse
	var missed []Event
	for _, entry := range entries {
		raw, ok := entry.Values["event"].(string)
		if !ok {
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			continue
		}

		if event.Seq <= lastSeq {
			break
		}
		missed = append(missed, event)
	}

	for i, j := 0, len(missed)-1; i < j; i, j = i+1, j-1 {
		missed[i], missed[j] = missed[j], missed[i]
	}

	return missed, nil
}

// NullReplayLog discards history; events keep a zero sequence
type NullReplayLog struct{}

// Append implements ReplayLog
func (NullReplayLog) Append(ctx context.Context, rid string, event *Event) (int64, error) {
	return 0, nil
}

// ReadSince implements ReplayLog
func (NullReplayLog) ReadSince(ctx context.Context, rid string, lastSeq int64) ([]Event, error) {
	return nil, nil
}
