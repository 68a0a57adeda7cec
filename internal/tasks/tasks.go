package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/dispatch-core/internal/bridge"
	"github.com/cuongbtq/dispatch-core/internal/ioqueue"
	"github.com/cuongbtq/dispatch-core/internal/realtime"
)

// Deps holds what the built-in tasks need at execution time
type Deps struct {
	Logger   *slog.Logger
	Progress *realtime.Publisher
}

// Register installs the built-in task set. Both services register the
// same set so submission-side policy checks agree with the worker.
func Register(r *ioqueue.Registry, deps Deps) error {
	if err := r.Register("core.echo", echoTask, ioqueue.TaskPolicy{
		Durable:    true,
		MaxRetries: 3,
		Dedupe:     true,
	}); err != nil {
		return err
	}

	if err := r.Register("core.touch", touchTask(deps), ioqueue.TaskPolicy{
		Durable:          false,
		ThrottleInterval: 100 * time.Millisecond,
	}); err != nil {
		return err
	}

	if err := r.Register("report.generate", reportTask(deps), ioqueue.TaskPolicy{
		Durable:    true,
		MaxRetries: 5,
		Dedupe:     true,
	}); err != nil {
		return err
	}

	return nil
}

// RegisterBridgeHandlers installs the callable bridge functions on the
// worker-side executor
func RegisterBridgeHandlers(e *bridge.Executor, deps Deps) {
	e.Handle("core.echo", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return map[string]any{"args": args, "kwargs": kwargs}, nil
	})

	e.Handle("core.sum", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		var total float64
		for i, arg := range args {
			n, ok := arg.(float64)
			if !ok {
				return nil, fmt.Errorf("argument %d is not a number", i)
			}
			total += n
		}
		return total, nil
	})
}

// echoTask is the round-trip diagnostic: it returns its own arguments
func echoTask(ctx context.Context, args ioqueue.JSONArgs, kwargs ioqueue.JSONKwargs) (any, error) {
	return map[string]any{"args": args, "kwargs": kwargs}, nil
}

// touchTask is a best-effort no-op used to exercise the ephemeral path
func touchTask(deps Deps) ioqueue.TaskFunc {
	return func(ctx context.Context, args ioqueue.JSONArgs, kwargs ioqueue.JSONKwargs) (any, error) {
		deps.Logger.Debug("Touch",
			slog.Int("args", len(args)),
		)
		return nil, nil
	}
}

// reportTask simulates staged work, publishing its progress lifecycle to
// the resource named by kwargs["rid"]
func reportTask(deps Deps) ioqueue.TaskFunc {
	return func(ctx context.Context, args ioqueue.JSONArgs, kwargs ioqueue.JSONKwargs) (any, error) {
		rid, _ := kwargs["rid"].(string)
		if rid == "" {
			return nil, fmt.Errorf("report.generate requires kwargs.rid")
		}

		steps := 4
		if n, ok := kwargs["steps"].(float64); ok && n > 0 {
			steps = int(n)
		}

		if err := deps.Progress.Started(ctx, rid, nil); err != nil {
			return nil, err
		}

		for i := 1; i <= steps; i++ {
			select {
			case <-ctx.Done():
				_ = deps.Progress.Error(context.Background(), rid, "cancelled")
				return nil, ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}

			fraction := float64(i) / float64(steps)
			if err := deps.Progress.Message(ctx, rid, fmt.Sprintf("step %d of %d", i, steps), &fraction, nil); err != nil {
				deps.Logger.Warn("Failed to publish progress",
					slog.String("rid", rid),
					slog.Any("error", err),
				)
			}
		}

		summary, _ := json.Marshal(map[string]any{"steps": steps})
		if err := deps.Progress.Finished(ctx, rid, summary); err != nil {
			return nil, err
		}

		return map[string]any{"rid": rid, "steps": steps}, nil
	}
}
