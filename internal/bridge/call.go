package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/dispatch-core/internal/observability"
)

// CallerConfig holds awaitable call settings
type CallerConfig struct {
	// CallbackURL is where remote orchestrators push completions for
	// calls that originate in this process.
	CallbackURL    string
	DefaultTimeout time.Duration
	Grace          time.Duration
}

// Caller issues awaitable cross-process calls: it dispatches the call to
// the worker queue and blocks until the completion comes back.
type Caller struct {
	futures    *FutureRegistry
	routes     *RouteStore
	dispatcher Dispatcher
	results    *ResultStore
	config     CallerConfig
	logger     *slog.Logger
}

// NewCaller creates a caller
func NewCaller(futures *FutureRegistry, routes *RouteStore, dispatcher Dispatcher, results *ResultStore, config CallerConfig, logger *slog.Logger) *Caller {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 60 * time.Second
	}
	if config.Grace <= 0 {
		config.Grace = 30 * time.Second
	}

	return &Caller{
		futures:    futures,
		routes:     routes,
		dispatcher: dispatcher,
		results:    results,
		config:     config,
		logger:     logger,
	}
}

// Call dispatches fn to the worker queue and waits for its completion.
// A zero timeout uses the configured default. When the wait times out
// the result store is consulted once before giving up, so a completion
// that raced the deadline is still returned.
func (c *Caller) Call(ctx context.Context, fn string, args []any, kwargs map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.config.DefaultTimeout
	}
	routeTTL := timeout + c.config.Grace

	// The route is written under a provisional ID first; a completion
	// can only find it after the rename below, which happens strictly
	// after the dispatch succeeds.
	tempID := "temp_" + uuid.NewString()
	route := Route{CallbackURL: c.config.CallbackURL, Fn: fn}

	if err := c.routes.PutTemp(ctx, tempID, route, routeTTL); err != nil {
		return nil, err
	}

	msg := &CallMessage{
		MessageID: uuid.NewString(),
		Fn:        fn,
		Args:      args,
		Kwargs:    kwargs,
	}

	if err := c.dispatcher.Dispatch(ctx, msg); err != nil {
		observability.BridgeCalls.WithLabelValues(fn, "dispatch_error").Inc()
		return nil, err
	}

	if err := c.routes.Promote(ctx, tempID, msg.MessageID, routeTTL); err != nil {
		return nil, err
	}

	future := c.futures.Register(msg.MessageID, fn, timeout, c.config.Grace)

	c.logger.Debug("Call dispatched",
		slog.String("message_id", msg.MessageID),
		slog.String("fn", fn),
		slog.Duration("timeout", timeout),
	)

	outcome, err := future.Await(ctx, timeout)
	if err == ErrTaskTimeout {
		// The completion may have landed in the result store between
		// the deadline and now
		if payload, ferr := c.results.Fetch(ctx, msg.MessageID); ferr == nil {
			c.futures.Forget(msg.MessageID)
			outcome, err = payload.Outcome(), nil
		}
	}
	if err != nil {
		if err == ErrTaskTimeout {
			observability.BridgeCalls.WithLabelValues(fn, "timeout").Inc()
			c.logger.Warn("Call timed out",
				slog.String("message_id", msg.MessageID),
				slog.String("fn", fn),
			)
			return nil, fmt.Errorf("%w: %s", ErrTaskTimeout, fn)
		}
		c.futures.Forget(msg.MessageID)
		return nil, err
	}

	if outcome.Err != nil {
		observability.BridgeCalls.WithLabelValues(fn, "remote_error").Inc()
		return nil, outcome.Err
	}

	observability.BridgeCalls.WithLabelValues(fn, "ok").Inc()
	return outcome.Value, nil
}
