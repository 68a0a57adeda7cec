package ioqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// TaskFunc is the signature every registered task implements
type TaskFunc func(ctx context.Context, args JSONArgs, kwargs JSONKwargs) (any, error)

// TaskPolicy controls how submissions of a task are queued and retried
type TaskPolicy struct {
	// Durable routes submissions through PostgreSQL; when false the task
	// runs best-effort through the ephemeral mailbox.
	Durable bool

	// MaxRetries bounds re-execution of a failing durable job
	MaxRetries int

	// Dedupe collapses a submission onto an active job with the same
	// task name and arguments.
	Dedupe bool

	// ThrottleInterval enforces a minimum spacing between consecutive
	// executions of this task. Zero disables throttling.
	ThrottleInterval time.Duration
}

// Task pairs a handler with its queueing policy
type Task struct {
	Name   string
	Fn     TaskFunc
	Policy TaskPolicy
}

// Registry holds the set of known tasks. Registration happens during
// startup; Resolve is safe for concurrent use afterwards.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewRegistry creates an empty task registry
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Register adds a task under a unique name
func (r *Registry) Register(name string, fn TaskFunc, policy TaskPolicy) error {
	if name == "" {
		return fmt.Errorf("task name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("task %q: handler must not be nil", name)
	}
	if policy.MaxRetries < 0 {
		return fmt.Errorf("task %q: max_retries must not be negative", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
	}

	r.tasks[name] = &Task{Name: name, Fn: fn, Policy: policy}
	return nil
}

// Resolve returns the task registered under name
func (r *Registry) Resolve(name string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	return task, nil
}

// Names returns the registered task names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
