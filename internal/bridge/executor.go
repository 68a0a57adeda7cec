package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// HandlerFunc implements one callable bridge function on the worker side
type HandlerFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Executor consumes call messages from the bridge queue, runs the named
// handler and records the completion. The completion is appended for
// every execution, success or failure, and the delivery is acked only
// after the completion is durably recorded.
type Executor struct {
	mu          sync.RWMutex
	handlers    map[string]HandlerFunc
	completions *CompletionLog
	results     *ResultStore
	logger      *slog.Logger
	done        chan struct{}
}

// NewExecutor creates an executor
func NewExecutor(completions *CompletionLog, results *ResultStore, logger *slog.Logger) *Executor {
	return &Executor{
		handlers:    make(map[string]HandlerFunc),
		completions: completions,
		results:     results,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Handle registers a callable function
func (e *Executor) Handle(fn string, handler HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[fn] = handler
}

// Run consumes deliveries until the channel closes or ctx is done
func (e *Executor) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(e.done)

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				e.logger.Warn("Bridge delivery channel closed")
				return
			}
			e.process(ctx, delivery)
		}
	}
}

// Done reports when the run loop has exited
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

func (e *Executor) process(ctx context.Context, delivery amqp.Delivery) {
	var msg CallMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		e.logger.Error("Failed to decode call message",
			slog.Any("error", err),
		)
		// Redelivery cannot fix a malformed body
		e.ack(delivery)
		return
	}

	logger := e.logger.With(
		slog.String("message_id", msg.MessageID),
		slog.String("fn", msg.Fn),
	)

	result, execErr := e.execute(ctx, &msg)

	payload := CompletionPayload{Fn: msg.Fn}
	if execErr != nil {
		exc := execErr.Error()
		payload.Exc = &exc
		logger.Warn("Call failed",
			slog.Any("error", execErr),
		)
	} else {
		encoded, err := json.Marshal(result)
		if err != nil {
			exc := fmt.Sprintf("failed to serialize result: %v", err)
			payload.Exc = &exc
		} else {
			payload.Value = encoded
		}
	}

	// Completion recording must outlive a shutdown in progress
	recordCtx := ctx
	if recordCtx.Err() != nil {
		recordCtx = context.Background()
	}

	if err := e.completions.Append(recordCtx, msg.MessageID, payload); err != nil {
		logger.Error("Failed to append completion, delivery will be retried",
			slog.Any("error", err),
		)
		e.nack(delivery)
		return
	}

	if err := e.results.Store(recordCtx, msg.MessageID, payload); err != nil {
		// The stream entry is already in; the fallback key is best effort
		logger.Warn("Failed to store fallback result",
			slog.Any("error", err),
		)
	}

	e.ack(delivery)
	logger.Debug("Call completed")
}

// execute runs the handler, converting panics into errors
func (e *Executor) execute(ctx context.Context, msg *CallMessage) (result any, err error) {
	e.mu.RLock()
	handler, ok := e.handlers[msg.Fn]
	e.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, msg.Fn)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
			e.logger.Error("Handler panicked",
				slog.String("fn", msg.Fn),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	return handler(ctx, msg.Args, msg.Kwargs)
}

func (e *Executor) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		e.logger.Error("Failed to ack delivery",
			slog.Any("error", err),
		)
	}
}

func (e *Executor) nack(delivery amqp.Delivery) {
	if err := delivery.Nack(false, true); err != nil {
		e.logger.Error("Failed to nack delivery",
			slog.Any("error", err),
		)
	}
}
