package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestFutureRegistry_ResolveDeliversOutcome(t *testing.T) {
	registry := NewFutureRegistry(time.Minute, testLogger())
	future := registry.Register("msg-1", "core.echo", time.Second, time.Second)

	go func() {
		registry.Resolve("msg-1", Outcome{Value: json.RawMessage(`42`)})
	}()

	outcome, err := future.Await(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`42`), outcome.Value)
	assert.Nil(t, outcome.Err)
}

func TestFutureRegistry_ResolvePopsExactlyOnce(t *testing.T) {
	registry := NewFutureRegistry(time.Minute, testLogger())
	registry.Register("msg-1", "core.echo", time.Second, time.Second)

	assert.True(t, registry.Resolve("msg-1", Outcome{Value: json.RawMessage(`1`)}))
	assert.False(t, registry.Resolve("msg-1", Outcome{Value: json.RawMessage(`2`)}))

	stats := registry.Stats()
	assert.Equal(t, uint64(1), stats.Resolved)
	assert.Equal(t, uint64(1), stats.LateMisses)
	assert.Zero(t, stats.Pending)
}

func TestFutureRegistry_ResolveUnknownIsMiss(t *testing.T) {
	registry := NewFutureRegistry(time.Minute, testLogger())

	assert.False(t, registry.Resolve("never-registered", Outcome{}))
	assert.Equal(t, uint64(1), registry.Stats().LateMisses)
}

func TestFuture_AwaitTimeout(t *testing.T) {
	registry := NewFutureRegistry(time.Minute, testLogger())
	future := registry.Register("msg-1", "core.echo", 20*time.Millisecond, time.Second)

	_, err := future.Await(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTaskTimeout)

	// The entry survives its grace window, so a late completion still lands
	assert.True(t, registry.Resolve("msg-1", Outcome{Value: json.RawMessage(`"late"`)}))
}

func TestFuture_AwaitContextCancelled(t *testing.T) {
	registry := NewFutureRegistry(time.Minute, testLogger())
	future := registry.Register("msg-1", "core.echo", time.Second, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := future.Await(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFutureRegistry_Forget(t *testing.T) {
	registry := NewFutureRegistry(time.Minute, testLogger())
	registry.Register("msg-1", "core.echo", time.Second, time.Second)

	registry.Forget("msg-1")
	assert.Zero(t, registry.PendingCount())
	assert.False(t, registry.Resolve("msg-1", Outcome{}))
}

func TestFutureRegistry_SweepExpiresEntries(t *testing.T) {
	registry := NewFutureRegistry(time.Minute, testLogger())
	registry.Register("msg-stale", "core.echo", 10*time.Millisecond, 10*time.Millisecond)
	registry.Register("msg-fresh", "core.echo", time.Minute, 0)

	time.Sleep(30 * time.Millisecond)
	registry.sweep()

	stats := registry.Stats()
	assert.Equal(t, uint64(1), stats.Expired)
	assert.Equal(t, 1, stats.Pending)

	snapshot := registry.PendingSnapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "msg-fresh", snapshot[0].MessageID)
}

func TestFutureRegistry_PendingSnapshotDescribesCall(t *testing.T) {
	registry := NewFutureRegistry(time.Minute, testLogger())
	registry.Register("msg-1", "report.generate", 45*time.Second, time.Second)

	snapshot := registry.PendingSnapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "msg-1", snapshot[0].MessageID)
	assert.Equal(t, "report.generate", snapshot[0].TaskName)
	assert.Equal(t, 45*time.Second, snapshot[0].Timeout)
	assert.GreaterOrEqual(t, snapshot[0].Age, time.Duration(0))
}

func TestFutureRegistry_MaxAgeCapsTTL(t *testing.T) {
	registry := NewFutureRegistry(20*time.Millisecond, testLogger())
	registry.Register("msg-1", "core.echo", time.Hour, time.Hour)

	time.Sleep(40 * time.Millisecond)
	registry.sweep()

	assert.Zero(t, registry.PendingCount())
	assert.Equal(t, uint64(1), registry.Stats().Expired)
}
