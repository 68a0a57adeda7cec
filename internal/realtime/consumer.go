package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/dispatch-core/internal/observability"
)

// wsConn is the connection surface the consumer needs; satisfied by
// *websocket.Conn.
type wsConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Inbound is a client-to-server frame
type Inbound struct {
	Action  string `json:"action"`
	RID     string `json:"rid,omitempty"`
	Token   string `json:"token,omitempty"`
	LastSeq int64  `json:"last_seq,omitempty"`
}

type actionHandler func(ctx context.Context, msg *Inbound) error

// ConsumerConfig holds per-connection limits
type ConsumerConfig struct {
	// Namespace prefixes the dotted action aliases
	Namespace        string
	MaxSubscriptions int
}

// Consumer drives one WebSocket connection: a table of named actions,
// one group membership per subscribed resource, and serialized writes.
type Consumer struct {
	conn    wsConn
	hub     *Hub
	replay  ReplayLog
	auth    *TokenAuth
	subject string
	config  ConsumerConfig
	logger  *slog.Logger

	actions map[string]actionHandler

	writeMu sync.Mutex
	subs    map[string]*subscription
}

type subscription struct {
	member *Member
	done   chan struct{}
}

// NewConsumer creates a consumer for one connection. subject identifies
// the client and is baked into minted subscription tokens.
func NewConsumer(conn wsConn, hub *Hub, replay ReplayLog, auth *TokenAuth, subject string, config ConsumerConfig, logger *slog.Logger) *Consumer {
	if config.MaxSubscriptions <= 0 {
		config.MaxSubscriptions = 32
	}

	c := &Consumer{
		conn:    conn,
		hub:     hub,
		replay:  replay,
		auth:    auth,
		subject: subject,
		config:  config,
		logger:  logger,
		subs:    make(map[string]*subscription),
	}

	c.actions = make(map[string]actionHandler)
	c.register("subscribe", c.handleSubscribe)
	c.register("unsubscribe", c.handleUnsubscribe)
	c.register("ping", c.handlePing)

	return c
}

// register binds a handler under its name, its kebab-case form and its
// namespaced alias, so clients written against either convention work.
func (c *Consumer) register(name string, handler actionHandler, aliases ...string) {
	c.actions[name] = handler
	c.actions[strings.ReplaceAll(name, "_", "-")] = handler
	if c.config.Namespace != "" {
		c.actions[c.config.Namespace+"."+name] = handler
	}
	for _, alias := range aliases {
		c.actions[alias] = handler
	}
}

// Run processes frames until the connection drops
func (c *Consumer) Run(ctx context.Context) {
	defer c.teardown()

	for {
		var msg Inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.logger.Debug("Connection closed",
				slog.Any("error", err),
			)
			return
		}

		handler, ok := c.actions[msg.Action]
		if !ok {
			c.writeError(fmt.Sprintf("unknown action: %s", msg.Action))
			continue
		}

		if err := handler(ctx, &msg); err != nil {
			c.writeError(err.Error())
		}
	}
}

func (c *Consumer) handleSubscribe(ctx context.Context, msg *Inbound) error {
	rid, token := msg.RID, msg.Token

	if rid == "" || token == "" {
		// First subscribe for this resource: the server names it and
		// issues the token the client presents on reconnect.
		if rid == "" {
			rid = uuid.NewString()
		}
		minted, err := c.auth.Mint(rid, c.subject)
		if err != nil {
			return err
		}
		token = minted
	} else {
		subject, err := c.auth.Verify(token, rid)
		if err != nil {
			return err
		}
		if subject != "" && subject != c.subject {
			return ErrTokenMismatch
		}
	}

	if _, exists := c.subs[rid]; exists {
		return nil
	}
	if len(c.subs) >= c.config.MaxSubscriptions {
		return fmt.Errorf("subscription limit reached (%d)", c.config.MaxSubscriptions)
	}

	member, err := c.hub.Join(ctx, rid)
	if err != nil {
		return err
	}

	sub := &subscription{member: member, done: make(chan struct{})}
	c.subs[rid] = sub
	observability.RealtimeSubscriptions.Inc()

	c.write(map[string]any{
		"type":  "subscribed",
		"rid":   rid,
		"token": token,
		"ts":    time.Now().UnixMilli(),
	})

	// Catch-up precedes live events; the member buffer holds anything
	// published while we replay.
	missed, err := c.replay.ReadSince(ctx, rid, msg.LastSeq)
	if err != nil {
		c.logger.Warn("Failed to replay history",
			slog.String("rid", rid),
			slog.Any("error", err),
		)
	}
	for i := range missed {
		c.write(&missed[i])
	}

	go c.forward(sub)

	c.logger.Debug("Subscribed",
		slog.String("rid", rid),
		slog.Int("replayed", len(missed)),
	)

	return nil
}

func (c *Consumer) handleUnsubscribe(ctx context.Context, msg *Inbound) error {
	sub, ok := c.subs[msg.RID]
	if !ok {
		return fmt.Errorf("not_subscribed")
	}

	delete(c.subs, msg.RID)
	sub.member.Leave()
	<-sub.done
	observability.RealtimeSubscriptions.Dec()

	c.write(map[string]any{
		"type": "unsubscribed",
		"rid":  msg.RID,
		"ts":   time.Now().UnixMilli(),
	})

	return nil
}

func (c *Consumer) handlePing(ctx context.Context, msg *Inbound) error {
	c.write(map[string]any{
		"type": "pong",
		"ts":   time.Now().UnixMilli(),
	})
	return nil
}

// forward pumps group events onto the connection until the membership ends
func (c *Consumer) forward(sub *subscription) {
	defer close(sub.done)

	for event := range sub.member.Events() {
		c.write(&event)
	}
}

func (c *Consumer) teardown() {
	for rid, sub := range c.subs {
		delete(c.subs, rid)
		sub.member.Leave()
		<-sub.done
		observability.RealtimeSubscriptions.Dec()
	}
	c.conn.Close()
}

func (c *Consumer) write(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.WriteJSON(v); err != nil {
		c.logger.Debug("Failed to write frame",
			slog.Any("error", err),
		)
	}
}

func (c *Consumer) writeError(msg string) {
	c.write(map[string]any{
		"type":  "error",
		"error": msg,
		"ts":    time.Now().UnixMilli(),
	})
}
