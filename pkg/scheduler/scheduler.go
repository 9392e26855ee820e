// Package scheduler runs named periodic jobs on their own goroutines.
//
// Every job runs once as soon as it starts and then once per interval. A tick
// that returns an error or panics is logged and reported to listeners; the
// schedule continues. Stopping a job waits for its in-flight tick to finish.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nicktill/tagstream/pkg/logging"
)

var (
	// ErrUnknownTask is returned for a name that was never added
	ErrUnknownTask = errors.New("unknown task")

	// ErrDuplicateTask is returned when Add sees a name twice
	ErrDuplicateTask = errors.New("task already registered")

	// ErrNotStarted is returned by StartTask before Start was called
	ErrNotStarted = errors.New("scheduler not started")
)

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration

	// Timeout bounds a single tick. Zero means no limit.
	Timeout time.Duration

	// Retries is how many extra attempts a failed tick gets, Backoff the
	// delay before the first retry (doubled for every further attempt).
	Retries int
	Backoff time.Duration

	Run func(ctx context.Context) error
}

// Outcome describes one finished tick.
type Outcome struct {
	Task     string
	Started  time.Time
	Duration time.Duration
	Attempts int
	Err      error
}

// Listener is called after every tick, on the job's goroutine.
type Listener func(Outcome)

type job struct {
	task   Task
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	logger *slog.Logger

	mu        sync.Mutex
	base      context.Context
	jobs      map[string]*job
	order     []string
	listeners []Listener
}

func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger: logging.OrDiscard(logger),
		jobs:   make(map[string]*job),
	}
}

// Add registers a task. Tasks added after Start stay idle until StartTask.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" {
		return errors.New("task name cannot be empty")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("task %q: interval must be positive", t.Name)
	}
	if t.Run == nil {
		return fmt.Errorf("task %q: nil run func", t.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[t.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTask, t.Name)
	}
	s.jobs[t.Name] = &job{task: t}
	s.order = append(s.order, t.Name)
	return nil
}

// OnTick registers a listener for tick outcomes.
func (s *Scheduler) OnTick(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Tasks returns the registered task names in the order they were added.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Start launches every registered task. Cancelling ctx stops the loops but
// lets in-flight ticks finish.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	names := append([]string(nil), s.order...)
	s.mu.Unlock()

	for _, name := range names {
		if err := s.StartTask(name); err != nil {
			s.logger.Error("start task", "task", name, "error", err)
		}
	}
}

// StartTask launches one task. Starting a running task is a no-op.
func (s *Scheduler) StartTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.base == nil {
		return ErrNotStarted
	}
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	if j.done != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(s.base)
	j.cancel = cancel
	j.done = make(chan struct{})
	go s.loop(ctx, j.task, j.done)

	s.logger.Info("task started", "task", name, "interval", j.task.Interval)
	return nil
}

// StopTask stops one task and waits for its current tick to return.
func (s *Scheduler) StopTask(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()
	<-done
	s.logger.Info("task stopped", "task", name)
	return nil
}

// Running reports whether the named task has a live loop.
func (s *Scheduler) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	return ok && j.done != nil
}

// Stop stops every task and waits for all in-flight ticks.
func (s *Scheduler) Stop() {
	for _, name := range s.Tasks() {
		_ = s.StopTask(name)
	}
}

func (s *Scheduler) loop(ctx context.Context, t Task, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	s.tick(ctx, t)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx, t)
		case <-ctx.Done():
			return
		}
	}
}

// tick runs t with retries. The tick context is detached from stop so a
// running tick is never aborted halfway; stop only skips pending retries.
func (s *Scheduler) tick(stop context.Context, t Task) {
	out := Outcome{Task: t.Name, Started: time.Now()}

	for attempt := 0; attempt <= t.Retries; attempt++ {
		if attempt > 0 {
			delay := t.Backoff * time.Duration(1<<(attempt-1))
			s.logger.Warn("retrying task", "task", t.Name, "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-stop.Done():
				out.Duration = time.Since(out.Started)
				s.report(out)
				return
			}
		}

		out.Attempts++
		out.Err = s.runOnce(stop, t)
		if out.Err == nil {
			break
		}
		s.logger.Error("task failed", "task", t.Name, "attempt", attempt+1, "error", out.Err)
	}

	out.Duration = time.Since(out.Started)
	if out.Err == nil {
		s.logger.Debug("task completed", "task", t.Name, "duration", out.Duration.Round(time.Millisecond))
	}
	s.report(out)
}

func (s *Scheduler) runOnce(stop context.Context, t Task) (err error) {
	ctx := context.WithoutCancel(stop)
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Run(ctx)
}

func (s *Scheduler) report(out Outcome) {
	s.mu.Lock()
	listeners := s.listeners
	s.mu.Unlock()

	for _, l := range listeners {
		l(out)
	}
}
