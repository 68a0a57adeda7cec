package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// scriptedConn feeds a fixed sequence of inbound frames and records
// everything written back
type scriptedConn struct {
	mu      sync.Mutex
	inbound chan Inbound
	written []json.RawMessage
	closed  bool
}

func newScriptedConn(frames ...Inbound) *scriptedConn {
	c := &scriptedConn{inbound: make(chan Inbound, len(frames))}
	for _, frame := range frames {
		c.inbound <- frame
	}
	return c
}

func (c *scriptedConn) push(frame Inbound) {
	c.inbound <- frame
}

func (c *scriptedConn) disconnect() {
	close(c.inbound)
}

func (c *scriptedConn) ReadJSON(v any) error {
	frame, ok := <-c.inbound
	if !ok {
		return context.Canceled
	}
	*(v.(*Inbound)) = frame
	return nil
}

func (c *scriptedConn) WriteJSON(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, body)
	c.mu.Unlock()
	return nil
}

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *scriptedConn) frames() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	frames := make([]map[string]any, 0, len(c.written))
	for _, body := range c.written {
		var frame map[string]any
		if err := json.Unmarshal(body, &frame); err == nil {
			frames = append(frames, frame)
		}
	}
	return frames
}

func (c *scriptedConn) frameOfType(frameType string) (map[string]any, bool) {
	for _, frame := range c.frames() {
		if frame["type"] == frameType {
			return frame, true
		}
	}
	return nil, false
}

type consumerHarness struct {
	hub    *Hub
	replay ReplayLog
	auth   *TokenAuth
	rdb    *redis.Client
}

func newConsumerHarness(t *testing.T) *consumerHarness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return &consumerHarness{
		hub:    NewHub(rdb, "rt", "resource", testLogger()),
		replay: NewRedisReplayLog(rdb, "rt:replay:", 100),
		auth:   NewTokenAuth("test-secret", time.Hour),
		rdb:    rdb,
	}
}

func (h *consumerHarness) runConsumer(t *testing.T, conn *scriptedConn) chan struct{} {
	t.Helper()

	consumer := NewConsumer(conn, h.hub, h.replay, h.auth, "client-1", ConsumerConfig{Namespace: "rt"}, testLogger())
	done := make(chan struct{})
	go func() {
		defer close(done)
		consumer.Run(context.Background())
	}()
	t.Cleanup(func() {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("consumer did not stop")
		}
	})
	return done
}

func TestConsumer_SubscribeAcksWithToken(t *testing.T) {
	h := newConsumerHarness(t)
	conn := newScriptedConn(Inbound{Action: "subscribe", RID: "rid-1"})
	h.runConsumer(t, conn)

	require.Eventually(t, func() bool {
		_, ok := conn.frameOfType("subscribed")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	ack, _ := conn.frameOfType("subscribed")
	assert.Equal(t, "rid-1", ack["rid"])

	// The minted token verifies against the same resource
	token, _ := ack["token"].(string)
	require.NotEmpty(t, token)
	subject, err := h.auth.Verify(token, "rid-1")
	require.NoError(t, err)
	assert.Equal(t, "client-1", subject)

	conn.disconnect()
}

func TestConsumer_SubscribeRejectsForeignToken(t *testing.T) {
	h := newConsumerHarness(t)

	token, err := h.auth.Mint("rid-other", "client-1")
	require.NoError(t, err)

	conn := newScriptedConn(Inbound{Action: "subscribe", RID: "rid-1", Token: token})
	h.runConsumer(t, conn)

	require.Eventually(t, func() bool {
		_, ok := conn.frameOfType("error")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	frame, _ := conn.frameOfType("error")
	assert.Contains(t, frame["error"], "different resource")

	conn.disconnect()
}

func TestConsumer_SubscribeWithoutRIDMintsResource(t *testing.T) {
	h := newConsumerHarness(t)
	conn := newScriptedConn(Inbound{Action: "subscribe"})
	h.runConsumer(t, conn)

	require.Eventually(t, func() bool {
		_, ok := conn.frameOfType("subscribed")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	ack, _ := conn.frameOfType("subscribed")
	rid, _ := ack["rid"].(string)
	require.NotEmpty(t, rid)
	assert.NotZero(t, ack["ts"])

	// The minted token binds the generated resource to this connection
	token, _ := ack["token"].(string)
	require.NotEmpty(t, token)
	subject, err := h.auth.Verify(token, rid)
	require.NoError(t, err)
	assert.Equal(t, "client-1", subject)

	conn.disconnect()
}

func TestConsumer_SubscribeRejectsTokenForOtherSubscriber(t *testing.T) {
	h := newConsumerHarness(t)

	token, err := h.auth.Mint("rid-1", "client-2")
	require.NoError(t, err)

	conn := newScriptedConn(Inbound{Action: "subscribe", RID: "rid-1", Token: token})
	h.runConsumer(t, conn)

	require.Eventually(t, func() bool {
		_, ok := conn.frameOfType("error")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	frame, _ := conn.frameOfType("error")
	assert.Contains(t, frame["error"], "different resource or subscriber")

	conn.disconnect()
}

func TestConsumer_SubscribeReplaysMissedEvents(t *testing.T) {
	h := newConsumerHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.replay.Append(ctx, "rid-1", &Event{Type: "progress", RID: "rid-1", Status: StatusMessage})
		require.NoError(t, err)
	}

	conn := newScriptedConn(Inbound{Action: "subscribe", RID: "rid-1", LastSeq: 1})
	h.runConsumer(t, conn)

	require.Eventually(t, func() bool {
		var seqs []int64
		for _, frame := range conn.frames() {
			if frame["type"] == "progress" {
				seqs = append(seqs, int64(frame["seq"].(float64)))
			}
		}
		return len(seqs) == 2 && seqs[0] == 2 && seqs[1] == 3
	}, 2*time.Second, 10*time.Millisecond)

	conn.disconnect()
}

func TestConsumer_SubscribedMemberReceivesLiveEvents(t *testing.T) {
	h := newConsumerHarness(t)
	ctx := context.Background()

	conn := newScriptedConn(Inbound{Action: "subscribe", RID: "rid-1"})
	h.runConsumer(t, conn)

	require.Eventually(t, func() bool {
		_, ok := conn.frameOfType("subscribed")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.hub.Publish(ctx, "rid-1", &Event{
		Type:   "progress",
		RID:    "rid-1",
		Status: StatusFinished,
		Seq:    9,
	}))

	require.Eventually(t, func() bool {
		for _, frame := range conn.frames() {
			if frame["status"] == StatusFinished {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	conn.disconnect()
}

func TestConsumer_UnknownActionReturnsError(t *testing.T) {
	h := newConsumerHarness(t)
	conn := newScriptedConn(Inbound{Action: "launch"})
	h.runConsumer(t, conn)

	require.Eventually(t, func() bool {
		frame, ok := conn.frameOfType("error")
		return ok && frame["error"] == "unknown action: launch"
	}, 2*time.Second, 10*time.Millisecond)

	frame, _ := conn.frameOfType("error")
	assert.NotZero(t, frame["ts"])

	conn.disconnect()
}

func TestConsumer_PingPong(t *testing.T) {
	h := newConsumerHarness(t)
	conn := newScriptedConn(Inbound{Action: "ping"})
	h.runConsumer(t, conn)

	require.Eventually(t, func() bool {
		_, ok := conn.frameOfType("pong")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	conn.disconnect()
}

func TestConsumer_NamespacedAlias(t *testing.T) {
	h := newConsumerHarness(t)
	conn := newScriptedConn(Inbound{Action: "rt.ping"})
	h.runConsumer(t, conn)

	require.Eventually(t, func() bool {
		_, ok := conn.frameOfType("pong")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	conn.disconnect()
}

func TestConsumer_Unsubscribe(t *testing.T) {
	h := newConsumerHarness(t)
	conn := newScriptedConn(Inbound{Action: "subscribe", RID: "rid-1"})
	h.runConsumer(t, conn)

	require.Eventually(t, func() bool {
		_, ok := conn.frameOfType("subscribed")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	conn.push(Inbound{Action: "unsubscribe", RID: "rid-1"})

	require.Eventually(t, func() bool {
		frame, ok := conn.frameOfType("unsubscribed")
		return ok && frame["rid"] == "rid-1"
	}, 2*time.Second, 10*time.Millisecond)

	frame, _ := conn.frameOfType("unsubscribed")
	assert.NotZero(t, frame["ts"])

	conn.disconnect()
}

func TestConsumer_UnsubscribeNotSubscribedErrors(t *testing.T) {
	h := newConsumerHarness(t)
	conn := newScriptedConn(Inbound{Action: "unsubscribe", RID: "rid-9"})
	h.runConsumer(t, conn)

	require.Eventually(t, func() bool {
		frame, ok := conn.frameOfType("error")
		return ok && frame["error"] == "not_subscribed"
	}, 2*time.Second, 10*time.Millisecond)

	conn.disconnect()
}

func TestConsumer_TeardownClosesConnection(t *testing.T) {
	h := newConsumerHarness(t)
	conn := newScriptedConn(Inbound{Action: "subscribe", RID: "rid-1"})
	done := h.runConsumer(t, conn)

	require.Eventually(t, func() bool {
		_, ok := conn.frameOfType("subscribed")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	conn.disconnect()
	<-done

	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	assert.True(t, closed)
}
