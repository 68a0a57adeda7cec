package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Outcome is the terminal state of one awaited call
type Outcome struct {
	Value json.RawMessage
	Err   *RemoteError
}

// Future is a one-shot slot for a completion delivered by message ID
type Future struct {
	id        string
	taskName  string
	timeout   time.Duration
	outcome   chan Outcome
	createdAt time.Time
	expiresAt time.Time
}

// ID returns the message ID the future is keyed by
func (f *Future) ID() string { return f.id }

// Await blocks until the future resolves, the timeout passes, or ctx is
// done. Timeout returns ErrTaskTimeout; the entry stays registered for
// its grace window so a late completion still counts as resolved.
func (f *Future) Await(ctx context.Context, timeout time.Duration) (Outcome, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-f.outcome:
		return outcome, nil
	case <-timer.C:
		return Outcome{}, ErrTaskTimeout
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// FutureStats is a point-in-time view of the registry
type FutureStats struct {
	Pending    int           `json:"pending"`
	Resolved   uint64        `json:"resolved"`
	Expired    uint64        `json:"expired"`
	LateMisses uint64        `json:"late_misses"`
	OldestAge  time.Duration `json:"oldest_age"`
}

// PendingFuture describes one unresolved entry
type PendingFuture struct {
	MessageID string        `json:"message_id"`
	TaskName  string        `json:"task_name"`
	Age       time.Duration `json:"age"`
	Timeout   time.Duration `json:"timeout"`
}

// FutureRegistry tracks the futures of in-flight calls in this process.
// A background sweep expires entries whose timeout and grace have both
// passed, so abandoned calls cannot pin memory.
type FutureRegistry struct {
	mu      sync.Mutex
	pending map[string]*Future
	maxAge  time.Duration
	logger  *slog.Logger

	resolved   uint64
	expired    uint64
	lateMisses uint64

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewFutureRegistry creates a registry; maxAge caps entry lifetime even
// when a caller requests a longer timeout.
func NewFutureRegistry(maxAge time.Duration, logger *slog.Logger) *FutureRegistry {
	return &FutureRegistry{
		pending: make(map[string]*Future),
		maxAge:  maxAge,
		logger:  logger,
		stopped: make(chan struct{}),
	}
}

// StartSweep launches the expiry loop
func (r *FutureRegistry) StartSweep(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-r.stopped:
				return
			}
		}
	}()
}

// Stop terminates the sweep loop
func (r *FutureRegistry) Stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
}

// Register creates a future keyed by message ID for a call to taskName.
// The entry lives until resolved or until timeout+grace passes, bounded
// by the registry maxAge.
func (r *FutureRegistry) Register(messageID, taskName string, timeout, grace time.Duration) *Future {
	ttl := timeout + grace
	if r.maxAge > 0 && ttl > r.maxAge {
		ttl = r.maxAge
	}

	now := time.Now()
	future := &Future{
		id:        messageID,
		taskName:  taskName,
		timeout:   timeout,
		outcome:   make(chan Outcome, 1),
		createdAt: now,
		expiresAt: now.Add(ttl),
	}

	r.mu.Lock()
	r.pending[messageID] = future
	r.mu.Unlock()

	return future
}

// Resolve delivers an outcome to the future registered under messageID.
// Returns false when no such future exists; resolving an already
// resolved or expired entry is a no-op.
func (r *FutureRegistry) Resolve(messageID string, outcome Outcome) bool {
	r.mu.Lock()
	future, ok := r.pending[messageID]
	if ok {
		delete(r.pending, messageID)
		r.resolved++
	} else {
		r.lateMisses++
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	// Buffered; a resolved future never blocks the deliverer
	future.outcome <- outcome
	return true
}

// Forget drops an entry without resolving it
func (r *FutureRegistry) Forget(messageID string) {
	r.mu.Lock()
	delete(r.pending, messageID)
	r.mu.Unlock()
}

// Stats reports registry counters
func (r *FutureRegistry) Stats() FutureStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := FutureStats{
		Pending:    len(r.pending),
		Resolved:   r.resolved,
		Expired:    r.expired,
		LateMisses: r.lateMisses,
	}

	now := time.Now()
	for _, future := range r.pending {
		if age := now.Sub(future.createdAt); age > stats.OldestAge {
			stats.OldestAge = age
		}
	}

	return stats
}

// PendingSnapshot lists unresolved entries for the diagnostics endpoint
func (r *FutureRegistry) PendingSnapshot() []PendingFuture {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	snapshot := make([]PendingFuture, 0, len(r.pending))
	for id, future := range r.pending {
		snapshot = append(snapshot, PendingFuture{
			MessageID: id,
			TaskName:  future.taskName,
			Age:       now.Sub(future.createdAt),
			Timeout:   future.timeout,
		})
	}
	return snapshot
}

// PendingCount reports the number of unresolved futures
func (r *FutureRegistry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *FutureRegistry) sweep() {
	now := time.Now()

	r.mu.Lock()
	var removed int
	for id, future := range r.pending {
		if now.After(future.expiresAt) {
			delete(r.pending, id)
			r.expired++
			removed++
		}
	}
	remaining := len(r.pending)
	r.mu.Unlock()

	if removed > 0 {
		r.logger.Debug("Swept expired futures",
			slog.Int("removed", removed),
			slog.Int("remaining", remaining),
		)
	}
}
