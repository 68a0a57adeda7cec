package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cuongbtq/dispatch-core/internal/realtime"
)

// WSHandler upgrades connections and hands them to realtime consumers
type WSHandler struct {
	logger   *slog.Logger
	hub      *realtime.Hub
	replay   realtime.ReplayLog
	auth     *realtime.TokenAuth
	config   realtime.ConsumerConfig
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler instance
func NewWSHandler(deps *Dependencies) *WSHandler {
	return &WSHandler{
		logger: deps.Logger,
		hub:    deps.Hub,
		replay: deps.Replay,
		auth:   deps.Auth,
		config: deps.Consumer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin enforcement belongs to the fronting proxy
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve handles GET /ws
func (h *WSHandler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection",
			slog.Any("error", err),
		)
		return
	}

	subject := c.Query("client_id")
	if subject == "" {
		subject = uuid.NewString()
	}

	consumer := realtime.NewConsumer(conn, h.hub, h.replay, h.auth, subject, h.config, h.logger)

	h.logger.Debug("WebSocket connection established",
		slog.String("subject", subject),
		slog.String("ip", c.ClientIP()),
	)

	consumer.Run(c.Request.Context())
}
