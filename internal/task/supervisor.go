// Package task supervises the concurrent turns of the bot: it tracks each
// one, bounds how many run at once and drains them on shutdown.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/metrics"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

func (s Status) active() bool { return s == StatusPending || s == StatusRunning }

var (
	ErrShuttingDown = errors.New("supervisor is shutting down")
	ErrRegistryFull = errors.New("too many tasks in flight")
	ErrDrainTimeout = errors.New("shutdown drain timed out")
)

// Task is a snapshot of a supervised task.
type Task struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	DoneAt    time.Time `json:"done_at,omitempty"`
}

type entry struct {
	Task
	cancel context.CancelFunc
}

// Config configures a Supervisor.
type Config struct {
	Logger        *slog.Logger
	MaxConcurrent int // tasks running at once; 0 means unbounded
	MaxTasks      int // registry size including finished tasks
}

const defaultMaxTasks = 1000

// Supervisor owns the lifetime of background tasks.
type Supervisor struct {
	mu      sync.RWMutex
	tasks   map[string]*entry
	closed  bool
	wg      sync.WaitGroup
	sem     chan struct{}
	max     int
	root    context.Context
	stopAll context.CancelFunc
	logger  *slog.Logger
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = defaultMaxTasks
	}
	root, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		tasks:   make(map[string]*entry),
		max:     cfg.MaxTasks,
		root:    root,
		stopAll: cancel,
		logger:  cfg.Logger,
	}
	if cfg.MaxConcurrent > 0 {
		s.sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	return s
}

// Submit starts fn in its own goroutine and returns the task id. fn's
// context is cancelled by Cancel or when Shutdown gives up draining.
func (s *Supervisor) Submit(name string, fn func(ctx context.Context) error) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrShuttingDown
	}
	if len(s.tasks) >= s.max {
		s.evictFinishedLocked()
		if len(s.tasks) >= s.max {
			s.mu.Unlock()
			return "", ErrRegistryFull
		}
	}
	ctx, cancel := context.WithCancel(s.root)
	e := &entry{
		Task:   Task{ID: uuid.NewString(), Name: name, Status: StatusPending, StartedAt: time.Now()},
		cancel: cancel,
	}
	s.tasks[e.ID] = e
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Debug("task submitted", "id", e.ID, "name", name)
	go s.run(ctx, e, fn)
	return e.ID, nil
}

func (s *Supervisor) run(ctx context.Context, e *entry, fn func(ctx context.Context) error) {
	defer s.wg.Done()
	defer e.cancel()

	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-ctx.Done():
			s.finish(e, ctx.Err())
			return
		}
	}

	s.mu.Lock()
	e.Status = StatusRunning
	s.mu.Unlock()
	metrics.ActiveTurns.Inc()
	defer metrics.ActiveTurns.Dec()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = fn(ctx)
	}()
	s.finish(e, err)
}

func (s *Supervisor) finish(e *entry, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.DoneAt = time.Now()
	switch {
	case err == nil:
		e.Status = StatusComplete
		s.logger.Debug("task completed", "id", e.ID, "name", e.Name, "elapsed", e.DoneAt.Sub(e.StartedAt))
	case errors.Is(err, context.Canceled):
		e.Status = StatusCanceled
		e.Error = err.Error()
		s.logger.Warn("task canceled", "id", e.ID, "name", e.Name)
	default:
		e.Status = StatusFailed
		e.Error = err.Error()
		s.logger.Error("task failed", "id", e.ID, "name", e.Name, "err", err)
	}
}

// evictFinishedLocked drops the oldest finished tasks until the registry
// is at most three quarters full.
func (s *Supervisor) evictFinishedLocked() {
	var done []*entry
	for _, e := range s.tasks {
		if !e.Status.active() {
			done = append(done, e)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].DoneAt.Before(done[j].DoneAt) })
	target := s.max * 3 / 4
	for _, e := range done {
		if len(s.tasks) <= target {
			break
		}
		delete(s.tasks, e.ID)
	}
}

// Cancel cancels a pending or running task.
func (s *Supervisor) Cancel(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tasks[id]
	if !ok || !e.Status.active() {
		return false
	}
	e.cancel()
	return true
}

// Get returns a snapshot of one task.
func (s *Supervisor) Get(id string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return e.Task, true
}

// List returns every tracked task, oldest first.
func (s *Supervisor) List() []Task {
	return s.list(func(Task) bool { return true })
}

// ListActive returns the tasks still pending or running.
func (s *Supervisor) ListActive() []Task {
	return s.list(func(t Task) bool { return t.Status.active() })
}

func (s *Supervisor) list(keep func(Task) bool) []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, e := range s.tasks {
		if keep(e.Task) {
			out = append(out, e.Task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Clean removes finished tasks older than maxAge.
func (s *Supervisor) Clean(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, e := range s.tasks {
		if !e.Status.active() && e.DoneAt.Before(cutoff) {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed
}

// Shutdown stops accepting tasks and waits up to timeout for running ones.
// Whatever is still running afterwards is cancelled and given a short
// grace period to return.
func (s *Supervisor) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		s.stopAll()
		return nil
	case <-timer.C:
	}

	pending := len(s.ListActive())
	s.logger.Warn("shutdown drain timed out, cancelling tasks", "pending", pending)
	s.stopAll()
	select {
	case <-done:
	case <-time.After(time.Second):
		s.logger.Error("tasks ignored cancellation")
	}
	return fmt.Errorf("%w: %d tasks cancelled", ErrDrainTimeout, pending)
}
