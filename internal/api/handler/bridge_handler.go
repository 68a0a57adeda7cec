package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/dispatch-core/internal/api/dto"
	"github.com/cuongbtq/dispatch-core/internal/bridge"
	"github.com/cuongbtq/dispatch-core/internal/guard"
)

// BridgeHandler handles awaitable calls and completion pushes
type BridgeHandler struct {
	logger  *slog.Logger
	caller  *bridge.Caller
	futures *bridge.FutureRegistry
	guard   *guard.Guard
}

// NewBridgeHandler creates a new BridgeHandler instance
func NewBridgeHandler(deps *Dependencies) *BridgeHandler {
	return &BridgeHandler{
		logger:  deps.Logger,
		caller:  deps.Caller,
		futures: deps.Futures,
		guard:   deps.Guard,
	}
}

// Call handles POST /api/v1/calls/:fn. The request blocks until the
// worker's completion comes back or the timeout passes. Admission is
// bounded per principal, taken from the X-Principal header.
func (h *BridgeHandler) Call(c *gin.Context) {
	fn := c.Param("fn")

	var req dto.CallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	principal := c.GetHeader("X-Principal")
	if principal == "" {
		principal = c.ClientIP()
	}

	slot, err := h.guard.Acquire(c.Request.Context(), principal)
	if err != nil {
		if errors.Is(err, guard.ErrAdmissionDenied) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Too many concurrent calls",
			})
			return
		}
		h.logger.Error("Admission check failed",
			slog.String("principal", principal),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Admission check failed",
		})
		return
	}
	defer func() {
		if err := h.guard.Release(c.Request.Context(), principal, slot); err != nil {
			h.logger.Warn("Failed to release admission slot",
				slog.String("principal", principal),
				slog.Any("error", err),
			)
		}
	}()

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	result, err := h.caller.Call(c.Request.Context(), fn, req.Args, req.Kwargs, timeout)
	if err != nil {
		var remoteErr *bridge.RemoteError
		switch {
		case errors.Is(err, bridge.ErrTaskTimeout):
			c.JSON(http.StatusGatewayTimeout, gin.H{
				"error": "Call timed out",
				"fn":    fn,
			})
		case errors.As(err, &remoteErr):
			c.JSON(http.StatusBadGateway, gin.H{
				"error": remoteErr.Message,
				"fn":    fn,
			})
		default:
			h.logger.Error("Call failed",
				slog.String("fn", fn),
				slog.Any("error", err),
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Call failed",
			})
		}
		return
	}

	c.JSON(http.StatusOK, dto.CallResponse{Result: result})
}

// Resolve handles POST /internal/resolve: a completion pushed by the
// orchestrator of another process. Resolving an unknown or already
// resolved message is a no-op, so redelivered pushes stay idempotent.
func (h *BridgeHandler) Resolve(c *gin.Context) {
	var req dto.ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	outcome := bridge.Outcome{Value: json.RawMessage(req.Result)}
	if req.Error != "" {
		outcome = bridge.Outcome{Err: &bridge.RemoteError{Message: req.Error}}
	}

	resolved := h.futures.Resolve(req.MessageID, outcome)

	h.logger.Debug("Completion push received",
		slog.String("message_id", req.MessageID),
		slog.Bool("resolved", resolved),
	)

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Futures handles GET /internal/futures: diagnostics for the future
// registry of this process
func (h *BridgeHandler) Futures(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats":   h.futures.Stats(),
		"pending": h.futures.PendingSnapshot(),
	})
}
