package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// memberBuffer bounds the per-subscriber event queue
const memberBuffer = 64

// Hub fans events out to a resource's subscribers across processes via
// Redis pub/sub. Each resource maps to one channel; every connected
// subscriber in any process joins that channel.
type Hub struct {
	rdb    *redis.Client
	prefix string
	topic  string
	logger *slog.Logger
}

// NewHub creates a hub
func NewHub(rdb *redis.Client, prefix, topic string, logger *slog.Logger) *Hub {
	if prefix == "" {
		prefix = "rt"
	}
	if topic == "" {
		topic = "resource"
	}
	return &Hub{rdb: rdb, prefix: prefix, topic: topic, logger: logger}
}

// GroupName returns the pub/sub channel for a resource
func (h *Hub) GroupName(rid string) string {
	return fmt.Sprintf("%s_%s-%s", h.prefix, h.topic, rid)
}

// Publish fans an event out to the resource's subscribers
func (h *Hub) Publish(ctx context.Context, rid string, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	if err := h.rdb.Publish(ctx, h.GroupName(rid), body).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Member is one subscriber's membership in a resource group
type Member struct {
	rid    string
	events chan Event
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// Events returns the member's event queue
func (m *Member) Events() <-chan Event {
	return m.events
}

// Leave tears the membership down; the event channel closes after the
// pump goroutine exits.
func (m *Member) Leave() {
	m.cancel()
	m.pubsub.Close()
}

// Join subscribes to a resource group. A slow member drops events rather
// than stalling the pump; the replay log covers the gap on reconnect.
func (h *Hub) Join(ctx context.Context, rid string) (*Member, error) {
	pubsub := h.rdb.Subscribe(ctx, h.GroupName(rid))

	// Force the subscription onto the wire before the caller replays
	// history, so no event falls between replay and live delivery.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to join group: %w", err)
	}

	memberCtx, cancel := context.WithCancel(ctx)
	member := &Member{
		rid:    rid,
		events: make(chan Event, memberBuffer),
		pubsub: pubsub,
		cancel: cancel,
	}

	go h.pump(memberCtx, member)

	return member, nil
}

func (h *Hub) pump(ctx context.Context, member *Member) {
	defer close(member.events)

	ch := member.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				h.logger.Warn("Dropping malformed group event",
					slog.String("rid", member.rid),
					slog.Any("error", err),
				)
				continue
			}

			select {
			case member.events <- event:
			default:
				h.logger.Warn("Dropping event for slow subscriber",
					slog.String("rid", member.rid),
					slog.Int64("seq", event.Seq),
				)
			}
		}
	}
}
