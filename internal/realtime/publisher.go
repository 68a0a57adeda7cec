package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cuongbtq/dispatch-core/internal/observability"
)

// Publisher emits the progress lifecycle of a resource: started, any
// number of messages, then finished or error. Every event is persisted
// to the replay log before fanout so its sequence number is fixed by
// the time subscribers see it.
type Publisher struct {
	hub    *Hub
	replay ReplayLog
	logger *slog.Logger
}

// NewPublisher creates a progress publisher
func NewPublisher(hub *Hub, replay ReplayLog, logger *slog.Logger) *Publisher {
	return &Publisher{hub: hub, replay: replay, logger: logger}
}

// Started announces that work on the resource has begun
func (p *Publisher) Started(ctx context.Context, rid string, meta json.RawMessage) error {
	return p.emit(ctx, &Event{RID: rid, Status: StatusStarted, Meta: meta})
}

// Message emits an intermediate progress update
func (p *Publisher) Message(ctx context.Context, rid, msg string, progress *float64, data json.RawMessage) error {
	return p.emit(ctx, &Event{RID: rid, Status: StatusMessage, Msg: msg, Progress: progress, Data: data})
}

// Finished announces successful completion
func (p *Publisher) Finished(ctx context.Context, rid string, data json.RawMessage) error {
	return p.emit(ctx, &Event{RID: rid, Status: StatusFinished, Data: data})
}

// Error announces terminal failure
func (p *Publisher) Error(ctx context.Context, rid, msg string) error {
	return p.emit(ctx, &Event{RID: rid, Status: StatusError, Msg: msg})
}

func (p *Publisher) emit(ctx context.Context, event *Event) error {
	event.Type = "progress"
	event.TS = time.Now().UnixMilli()

	if _, err := p.replay.Append(ctx, event.RID, event); err != nil {
		// Fanout still proceeds; subscribers just cannot replay this one
		p.logger.Warn("Failed to persist event to replay log",
			slog.String("rid", event.RID),
			slog.String("status", event.Status),
			slog.Any("error", err),
		)
	}

	if err := p.hub.Publish(ctx, event.RID, event); err != nil {
		return err
	}

	observability.RealtimeEvents.WithLabelValues(event.Status).Inc()
	return nil
}
