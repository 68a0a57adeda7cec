package bridge

import (
	"context"
	"encoding/json"
	"fmt"
)

// CallMessage is the wire form of a cross-process call dispatched to the
// worker queue
type CallMessage struct {
	MessageID string         `json:"message_id"`
	Fn        string         `json:"fn"`
	Args      []any          `json:"args"`
	Kwargs    map[string]any `json:"kwargs"`
}

// Dispatcher hands a call message to the transport
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *CallMessage) error
}

// queuePublisher matches the RabbitMQ client's retrying publish
type queuePublisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// AMQPDispatcher publishes call messages to the durable bridge queue
type AMQPDispatcher struct {
	publisher queuePublisher
}

// NewAMQPDispatcher creates a dispatcher over a RabbitMQ client
func NewAMQPDispatcher(publisher queuePublisher) *AMQPDispatcher {
	return &AMQPDispatcher{publisher: publisher}
}

// Dispatch serializes and publishes the call
func (d *AMQPDispatcher) Dispatch(ctx context.Context, msg *CallMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize call message: %w", err)
	}

	if err := d.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to dispatch call: %w", err)
	}
	return nil
}
