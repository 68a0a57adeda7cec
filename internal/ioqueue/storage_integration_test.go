package ioqueue

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/dispatch-core/shared/postgresql"
)

// newIntegrationStorage connects to the database named by
// TEST_POSTGRES_DSN and applies the jobs migration. Tests that need a
// real claim transaction skip when the variable is unset.
func newIntegrationStorage(t *testing.T, visibilityTimeout time.Duration) *Storage {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	migration, err := os.ReadFile("../../db/migrations/001_create_jobs.sql")
	require.NoError(t, err)
	_, err = db.Exec(string(migration))
	require.NoError(t, err)

	_, err = db.Exec("TRUNCATE jobs")
	require.NoError(t, err)

	client := postgresql.NewClientWithDB(db, testLogger())
	return NewStorage(client, visibilityTimeout, testLogger())
}

func insertPendingJob(t *testing.T, s *Storage, maxRetries int) string {
	t.Helper()

	job := &Job{
		ID:         uuid.NewString(),
		TaskName:   "core.echo",
		Args:       JSONArgs{"x"},
		Kwargs:     JSONKwargs{},
		MaxRetries: maxRetries,
		RunAt:      time.Now(),
	}
	require.NoError(t, s.InsertJob(context.Background(), job))
	return job.ID
}

func TestStorage_ClaimSingleWinner(t *testing.T) {
	s := newIntegrationStorage(t, time.Minute)
	ctx := context.Background()

	jobID := insertPendingJob(t, s, 3)

	const claimers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*Job
		misses  int
	)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			job, err := s.ClaimNext(ctx, "worker-"+uuid.NewString()[:8])
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, job)
			case errors.Is(err, ErrNoJob):
				misses++
			default:
				t.Errorf("claimer %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, claimers-1, misses)
	assert.Equal(t, jobID, winners[0].ID)
	assert.Equal(t, JobStatusRunning, winners[0].Status)
	assert.True(t, winners[0].ClaimedBy.Valid)
	assert.Zero(t, winners[0].Attempts)
}

func TestStorage_StaleClaimIsReclaimed(t *testing.T) {
	s := newIntegrationStorage(t, 100*time.Millisecond)
	ctx := context.Background()

	jobID := insertPendingJob(t, s, 3)

	first, err := s.ClaimNext(ctx, "worker-a")
	require.NoError(t, err)
	require.Equal(t, jobID, first.ID)

	// Not yet past the visibility timeout
	_, err = s.ClaimNext(ctx, "worker-b")
	require.ErrorIs(t, err, ErrNoJob)

	time.Sleep(150 * time.Millisecond)

	second, err := s.ClaimNext(ctx, "worker-b")
	require.NoError(t, err)
	assert.Equal(t, jobID, second.ID)
	assert.Equal(t, "worker-b", second.ClaimedBy.String)
	// Reclaiming a crashed worker's job does not burn a retry
	assert.Zero(t, second.Attempts)
}

func TestStorage_ReleaseReturnsJobToPending(t *testing.T) {
	s := newIntegrationStorage(t, time.Minute)
	ctx := context.Background()

	jobID := insertPendingJob(t, s, 3)

	claimed, err := s.ClaimNext(ctx, "worker-a")
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, claimed.ID))

	job, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.False(t, job.ClaimedAt.Valid)
	assert.False(t, job.ClaimedBy.Valid)
	assert.Zero(t, job.Attempts)
}

func TestStorage_FinalizeFailureSchedulesRetryThenTerminal(t *testing.T) {
	s := newIntegrationStorage(t, time.Minute)
	ctx := context.Background()

	jobID := insertPendingJob(t, s, 1)

	claimed, err := s.ClaimNext(ctx, "worker-a")
	require.NoError(t, err)

	require.NoError(t, s.Finalize(ctx, claimed, nil, errors.New("boom")))

	job, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "boom", job.LastError.String)
	assert.True(t, job.RunAt.After(time.Now()), "retry must be scheduled in the future")

	// Second failure exceeds max_retries and goes terminal
	require.NoError(t, s.Finalize(ctx, job, nil, errors.New("boom again")))

	job, err = s.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusError, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, "boom again", job.LastError.String)
}

func TestStorage_FinalizeSuccessStoresResult(t *testing.T) {
	s := newIntegrationStorage(t, time.Minute)
	ctx := context.Background()

	jobID := insertPendingJob(t, s, 3)

	claimed, err := s.ClaimNext(ctx, "worker-a")
	require.NoError(t, err)

	require.NoError(t, s.Finalize(ctx, claimed, []byte(`{"sum":5}`), nil))

	job, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusDone, job.Status)
	assert.JSONEq(t, `{"sum":5}`, string(job.Result))
	assert.False(t, job.ClaimedBy.Valid)
}
