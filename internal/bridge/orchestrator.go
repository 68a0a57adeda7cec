package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/dispatch-core/internal/observability"
)

// OrchestratorConfig holds completion-stream consumer settings
type OrchestratorConfig struct {
	Stream    string
	Group     string
	Consumer  string
	OwnURL    string
	ReadBlock time.Duration
	ReadCount int64
}

// ResolvePush is the body POSTed to a remote process's resolve endpoint
type ResolvePush struct {
	MessageID string          `json:"message_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Orchestrator consumes the completion stream through a consumer group
// and delivers each completion to the process awaiting it: locally when
// the route points at this process, otherwise by HTTP push. An entry is
// acked only after delivery succeeds, so an undeliverable completion
// stays pending for redelivery.
type Orchestrator struct {
	rdb     *redis.Client
	futures *FutureRegistry
	routes  *RouteStore
	client  *http.Client
	config  OrchestratorConfig
	logger  *slog.Logger
	done    chan struct{}
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(rdb *redis.Client, futures *FutureRegistry, routes *RouteStore, config OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if config.ReadBlock <= 0 {
		config.ReadBlock = 5 * time.Second
	}
	if config.ReadCount <= 0 {
		config.ReadCount = 64
	}

	return &Orchestrator{
		rdb:     rdb,
		futures: futures,
		routes:  routes,
		client:  &http.Client{Timeout: 10 * time.Second},
		config:  config,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Run consumes the stream until ctx is done
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)

	if err := o.ensureGroup(ctx); err != nil {
		return err
	}

	o.logger.Info("Orchestrator started",
		slog.String("stream", o.config.Stream),
		slog.String("group", o.config.Group),
		slog.String("consumer", o.config.Consumer),
	)

	for {
		if ctx.Err() != nil {
			return nil
		}

		streams, err := o.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    o.config.Group,
			Consumer: o.config.Consumer,
			Streams:  []string{o.config.Stream, ">"},
			Count:    o.config.ReadCount,
			Block:    o.config.ReadBlock,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			o.logger.Error("Failed to read completion stream",
				slog.Any("error", err),
			)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				o.handleEntry(ctx, entry)
			}
		}
	}
}

// Done reports when the run loop has exited
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

func (o *Orchestrator) ensureGroup(ctx context.Context) error {
	err := o.rdb.XGroupCreateMkStream(ctx, o.config.Stream, o.config.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func (o *Orchestrator) handleEntry(ctx context.Context, entry redis.XMessage) {
	messageID, payload, err := parseEntry(entry)
	if err != nil {
		// A malformed entry can never be delivered; drop it
		o.logger.Error("Dropping malformed completion entry",
			slog.String("entry_id", entry.ID),
			slog.Any("error", err),
		)
		o.ack(ctx, entry.ID)
		return
	}

	route, err := o.routes.Lookup(ctx, messageID)
	if err == ErrRouteNotFound {
		// The caller gave up past its grace window or another consumer
		// already delivered; nothing left to route.
		o.logger.Debug("No route for completion",
			slog.String("message_id", messageID),
		)
		observability.BridgeDeliveries.WithLabelValues("none", "no_route").Inc()
		o.ack(ctx, entry.ID)
		return
	}
	if err != nil {
		o.logger.Error("Failed to look up route, entry stays pending",
			slog.String("message_id", messageID),
			slog.Any("error", err),
		)
		return
	}

	if o.isLocal(route.CallbackURL) {
		o.futures.Resolve(messageID, payload.Outcome())
		observability.BridgeDeliveries.WithLabelValues("local", "ok").Inc()
	} else {
		if err := o.push(ctx, route.CallbackURL, messageID, payload); err != nil {
			o.logger.Warn("Failed to push completion, entry stays pending",
				slog.String("message_id", messageID),
				slog.String("callback_url", route.CallbackURL),
				slog.Any("error", err),
			)
			observability.BridgeDeliveries.WithLabelValues("remote", "push_error").Inc()
			return
		}
		observability.BridgeDeliveries.WithLabelValues("remote", "ok").Inc()
	}

	if err := o.routes.Delete(ctx, messageID); err != nil {
		o.logger.Warn("Failed to delete delivered route",
			slog.String("message_id", messageID),
			slog.Any("error", err),
		)
	}
	o.ack(ctx, entry.ID)
}

func (o *Orchestrator) isLocal(callbackURL string) bool {
	return callbackURL == "" || callbackURL == o.config.OwnURL
}

// push delivers a completion to a remote process's resolve endpoint
func (o *Orchestrator) push(ctx context.Context, callbackURL, messageID string, payload *CompletionPayload) error {
	body := ResolvePush{MessageID: messageID, Result: payload.Value}
	if payload.Exc != nil {
		body.Error = *payload.Exc
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to serialize push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to push completion: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push rejected with status %d", resp.StatusCode)
	}
	return nil
}

func (o *Orchestrator) ack(ctx context.Context, entryID string) {
	if err := o.rdb.XAck(ctx, o.config.Stream, o.config.Group, entryID).Err(); err != nil {
		o.logger.Error("Failed to ack completion entry",
			slog.String("entry_id", entryID),
			slog.Any("error", err),
		)
	}
}

// parseEntry extracts the message ID and payload from a stream entry
func parseEntry(entry redis.XMessage) (string, *CompletionPayload, error) {
	messageID, ok := entry.Values["msg_id"].(string)
	if !ok || messageID == "" {
		return "", nil, fmt.Errorf("entry %s has no msg_id", entry.ID)
	}

	raw, ok := entry.Values["payload"].(string)
	if !ok {
		return "", nil, fmt.Errorf("entry %s has no payload", entry.ID)
	}

	var payload CompletionPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return "", nil, fmt.Errorf("entry %s payload is malformed: %w", entry.ID, err)
	}

	return messageID, &payload, nil
}
