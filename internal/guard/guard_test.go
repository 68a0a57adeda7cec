package guard

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T, config Config) (*Guard, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := slog.New(slog.DiscardHandler)
	return New(rdb, config, logger), mr
}

func TestGuard_AcquireUpToLimit(t *testing.T) {
	g, _ := newTestGuard(t, Config{DefaultLimit: 2, DefaultTTL: time.Minute})
	ctx := context.Background()

	token1, err := g.Acquire(ctx, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, token1)

	token2, err := g.Acquire(ctx, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, token1, token2)

	_, err = g.Acquire(ctx, "alice")
	assert.ErrorIs(t, err, ErrAdmissionDenied)
}

func TestGuard_PrincipalsAreIsolated(t *testing.T) {
	g, _ := newTestGuard(t, Config{DefaultLimit: 1, DefaultTTL: time.Minute})
	ctx := context.Background()

	_, err := g.Acquire(ctx, "alice")
	require.NoError(t, err)

	_, err = g.Acquire(ctx, "alice")
	assert.ErrorIs(t, err, ErrAdmissionDenied)

	_, err = g.Acquire(ctx, "bob")
	assert.NoError(t, err)
}

func TestGuard_ReleaseFreesSlot(t *testing.T) {
	g, _ := newTestGuard(t, Config{DefaultLimit: 1, DefaultTTL: time.Minute})
	ctx := context.Background()

	token, err := g.Acquire(ctx, "alice")
	require.NoError(t, err)

	_, err = g.Acquire(ctx, "alice")
	require.ErrorIs(t, err, ErrAdmissionDenied)

	require.NoError(t, g.Release(ctx, "alice", token))

	_, err = g.Acquire(ctx, "alice")
	assert.NoError(t, err)
}

func TestGuard_ReleaseUnknownTokenIsNoop(t *testing.T) {
	g, _ := newTestGuard(t, Config{DefaultLimit: 1, DefaultTTL: time.Minute})

	err := g.Release(context.Background(), "alice", "never-issued")
	assert.NoError(t, err)
}

func TestGuard_ExpiredSlotsArePruned(t *testing.T) {
	ttl := 50 * time.Millisecond
	g, mr := newTestGuard(t, Config{DefaultLimit: 1, DefaultTTL: ttl})
	ctx := context.Background()

	_, err := g.Acquire(ctx, "alice")
	require.NoError(t, err)

	_, err = g.Acquire(ctx, "alice")
	require.ErrorIs(t, err, ErrAdmissionDenied)

	// Scores are wall-clock expiry timestamps, so once the TTL window
	// passes the next acquire prunes the stale slot and admits.
	mr.FastForward(ttl)
	time.Sleep(ttl + 10*time.Millisecond)

	_, err = g.Acquire(ctx, "alice")
	assert.NoError(t, err)
}

func TestGuard_SlotExpiryHonorsItsOwnTTL(t *testing.T) {
	g, mr := newTestGuard(t, Config{DefaultLimit: 1, DefaultTTL: time.Minute})
	ctx := context.Background()

	_, err := g.AcquireWithLimit(ctx, "alice", 1, 50*time.Millisecond)
	require.NoError(t, err)

	mr.FastForward(100 * time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	// The expired slot is pruned even though this acquire carries a
	// much longer TTL.
	_, err = g.AcquireWithLimit(ctx, "alice", 1, 10*time.Second)
	assert.NoError(t, err)
}

func TestGuard_LiveSlotSurvivesShorterTTLAcquirer(t *testing.T) {
	g, _ := newTestGuard(t, Config{DefaultLimit: 1, DefaultTTL: time.Minute})
	ctx := context.Background()

	_, err := g.AcquireWithLimit(ctx, "alice", 1, 10*time.Second)
	require.NoError(t, err)

	// A competing acquire with a short TTL must not shorten the live
	// slot's lifetime.
	_, err = g.AcquireWithLimit(ctx, "alice", 1, time.Millisecond)
	require.ErrorIs(t, err, ErrAdmissionDenied)

	time.Sleep(10 * time.Millisecond)

	_, err = g.AcquireWithLimit(ctx, "alice", 1, time.Millisecond)
	assert.ErrorIs(t, err, ErrAdmissionDenied)
}

func TestGuard_AcquireWithLimitOverridesDefault(t *testing.T) {
	g, _ := newTestGuard(t, Config{DefaultLimit: 1, DefaultTTL: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := g.AcquireWithLimit(ctx, "alice", 3, time.Minute)
		require.NoError(t, err)
	}

	_, err := g.AcquireWithLimit(ctx, "alice", 3, time.Minute)
	assert.ErrorIs(t, err, ErrAdmissionDenied)
}

func TestGuard_InFlight(t *testing.T) {
	g, _ := newTestGuard(t, Config{DefaultLimit: 3, DefaultTTL: time.Minute})
	ctx := context.Background()

	count, err := g.InFlight(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, count)

	token, err := g.Acquire(ctx, "alice")
	require.NoError(t, err)
	_, err = g.Acquire(ctx, "alice")
	require.NoError(t, err)

	count, err = g.InFlight(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	require.NoError(t, g.Release(ctx, "alice", token))

	count, err = g.InFlight(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}
