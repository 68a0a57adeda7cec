package ioqueue

import (
	"context"
	"sync"
	"time"
)

// throttleGate spaces executions of one task by a minimum interval.
// Wait reserves the next execution slot before sleeping, so concurrent
// waiters line up instead of releasing together.
type throttleGate struct {
	mu       sync.Mutex
	interval time.Duration
	nextAt   time.Time
}

// Wait blocks until the caller may execute, or until ctx is done
func (g *throttleGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	now := time.Now()
	slot := g.nextAt
	if slot.Before(now) {
		slot = now
	}
	g.nextAt = slot.Add(g.interval)
	g.mu.Unlock()

	delay := time.Until(slot)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GateSet lazily creates one throttle gate per task name
type GateSet struct {
	mu    sync.Mutex
	gates map[string]*throttleGate
}

// NewGateSet creates an empty gate set
func NewGateSet() *GateSet {
	return &GateSet{gates: make(map[string]*throttleGate)}
}

// Wait applies the task's throttle interval, if any
func (s *GateSet) Wait(ctx context.Context, taskName string, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}

	s.mu.Lock()
	gate, ok := s.gates[taskName]
	if !ok {
		gate = &throttleGate{interval: interval}
		s.gates[taskName] = gate
	}
	s.mu.Unlock()

	return gate.Wait(ctx)
}
