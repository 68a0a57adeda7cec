package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAcknowledger records ack and nack calls for a delivery
type fakeAcknowledger struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.nacks
}

type executorHarness struct {
	executor    *Executor
	completions *CompletionLog
	results     *ResultStore
	rdb         *redis.Client
}

func newExecutorHarness(t *testing.T) *executorHarness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	completions := NewCompletionLog(rdb, "bridge:results")
	results := NewResultStore(rdb, "bridge:result:", time.Minute)

	return &executorHarness{
		executor:    NewExecutor(completions, results, testLogger()),
		completions: completions,
		results:     results,
		rdb:         rdb,
	}
}

func (h *executorHarness) deliver(t *testing.T, msg CallMessage) *fakeAcknowledger {
	t.Helper()

	body, err := json.Marshal(msg)
	require.NoError(t, err)

	ack := &fakeAcknowledger{}
	h.executor.process(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		Body:         body,
	})
	return ack
}

func (h *executorHarness) streamLen(t *testing.T) int64 {
	t.Helper()
	length, err := h.rdb.XLen(context.Background(), "bridge:results").Result()
	require.NoError(t, err)
	return length
}

func TestExecutor_SuccessfulCall(t *testing.T) {
	h := newExecutorHarness(t)
	h.executor.Handle("core.sum", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		total := 0.0
		for _, arg := range args {
			total += arg.(float64)
		}
		return total, nil
	})

	ack := h.deliver(t, CallMessage{MessageID: "msg-1", Fn: "core.sum", Args: []any{3, 4}})

	acks, nacks := ack.counts()
	assert.Equal(t, 1, acks)
	assert.Zero(t, nacks)
	assert.EqualValues(t, 1, h.streamLen(t))

	payload, err := h.results.Fetch(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, "core.sum", payload.Fn)
	assert.Nil(t, payload.Exc)
	assert.JSONEq(t, `7`, string(payload.Value))
}

func TestExecutor_HandlerErrorRecordedAsExc(t *testing.T) {
	h := newExecutorHarness(t)
	h.executor.Handle("core.div", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, assert.AnError
	})

	ack := h.deliver(t, CallMessage{MessageID: "msg-2", Fn: "core.div"})

	acks, _ := ack.counts()
	assert.Equal(t, 1, acks)

	payload, err := h.results.Fetch(context.Background(), "msg-2")
	require.NoError(t, err)
	require.NotNil(t, payload.Exc)
	assert.Contains(t, *payload.Exc, assert.AnError.Error())
}

func TestExecutor_UnknownFunctionRecordedAsExc(t *testing.T) {
	h := newExecutorHarness(t)

	ack := h.deliver(t, CallMessage{MessageID: "msg-3", Fn: "core.missing"})

	acks, nacks := ack.counts()
	assert.Equal(t, 1, acks)
	assert.Zero(t, nacks)

	payload, err := h.results.Fetch(context.Background(), "msg-3")
	require.NoError(t, err)
	require.NotNil(t, payload.Exc)
	assert.Contains(t, *payload.Exc, "core.missing")
}

func TestExecutor_PanickingHandlerRecordedAsExc(t *testing.T) {
	h := newExecutorHarness(t)
	h.executor.Handle("core.panic", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		panic("kaboom")
	})

	ack := h.deliver(t, CallMessage{MessageID: "msg-4", Fn: "core.panic"})

	acks, _ := ack.counts()
	assert.Equal(t, 1, acks)

	payload, err := h.results.Fetch(context.Background(), "msg-4")
	require.NoError(t, err)
	require.NotNil(t, payload.Exc)
	assert.Contains(t, *payload.Exc, "panicked")
}

func TestExecutor_MalformedBodyAckedWithoutCompletion(t *testing.T) {
	h := newExecutorHarness(t)

	ack := &fakeAcknowledger{}
	h.executor.process(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		Body:         []byte("not-json"),
	})

	acks, nacks := ack.counts()
	assert.Equal(t, 1, acks)
	assert.Zero(t, nacks)
	assert.Zero(t, h.streamLen(t))
}

func TestExecutor_RunStopsWhenChannelCloses(t *testing.T) {
	h := newExecutorHarness(t)

	deliveries := make(chan amqp.Delivery)
	go h.executor.Run(context.Background(), deliveries)

	close(deliveries)

	select {
	case <-h.executor.Done():
	case <-time.After(time.Second):
		t.Fatal("executor did not stop after channel close")
	}
}
