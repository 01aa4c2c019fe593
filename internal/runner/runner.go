// Package runner schedules the pipeline's background jobs.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gotrs-io/shopdesk/internal/metrics"
)

// ErrLocked is returned by RunNow when another process holds the task lock.
var ErrLocked = errors.New("task is running elsewhere")

// Locker guards a task across processes. release is only called when
// acquired is true.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// Runner manages and executes scheduled background tasks
type Runner struct {
	cron     *cron.Cron
	registry *TaskRegistry
	locker   Locker
	logger   *log.Logger
	wg       sync.WaitGroup
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLocker makes each run take a cross-process lock named after the task.
func WithLocker(l Locker) Option {
	return func(r *Runner) {
		r.locker = l
	}
}

// WithLogger overrides the runner logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner creates a new task runner
func NewRunner(registry *TaskRegistry, opts ...Option) *Runner {
	r := &Runner{
		cron:     cron.New(cron.WithSeconds()),
		registry: registry,
		logger:   log.New(log.Writer(), "[RUNNER] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start schedules every registered task and blocks until ctx is done, then
// waits for running tasks to finish.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Println("Starting task runner...")

	for _, name := range r.registry.Names() {
		task, _ := r.registry.Get(name)
		r.logger.Printf("Registering task: %s with schedule: %s", name, task.Schedule())

		_, err := r.cron.AddFunc(task.Schedule(), func() {
			if err := r.executeTask(ctx, task); err != nil && !errors.Is(err, ErrLocked) {
				r.logger.Printf("Task %s failed: %v", task.Name(), err)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule task %s: %w", name, err)
		}
	}

	r.cron.Start()
	r.logger.Println("Task runner started successfully")

	<-ctx.Done()
	r.Stop()
	return nil
}

// RunNow executes one registered task immediately.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	task, ok := r.registry.Get(name)
	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}
	return r.executeTask(ctx, task)
}

// executeTask runs a single task with timeout and error handling
func (r *Runner) executeTask(ctx context.Context, task Task) error {
	r.wg.Add(1)
	defer r.wg.Done()

	taskCtx, cancel := context.WithTimeout(ctx, task.Timeout())
	defer cancel()

	if r.locker != nil {
		release, acquired, err := r.locker.Acquire(taskCtx, "task:"+task.Name(), task.Timeout())
		if err != nil {
			return fmt.Errorf("acquire lock for %s: %w", task.Name(), err)
		}
		if !acquired {
			r.logger.Printf("Skipping task %s: lock held elsewhere", task.Name())
			return ErrLocked
		}
		defer release()
	}

	r.logger.Printf("Executing task: %s", task.Name())

	start := time.Now()
	err := task.Run(taskCtx)
	metrics.ObserveTask(task.Name(), start, err)
	duration := time.Since(start)

	if err != nil {
		r.logger.Printf("Task %s failed after %v: %v", task.Name(), duration, err)
		return err
	}
	r.logger.Printf("Task %s completed successfully in %v", task.Name(), duration)
	return nil
}

// Stop gracefully shuts down the runner
func (r *Runner) Stop() {
	r.logger.Println("Stopping task runner...")

	// Stop accepting new tasks
	ctx := r.cron.Stop()

	// Wait for running tasks to complete
	r.wg.Wait()

	r.logger.Println("Task runner stopped")
	<-ctx.Done()
}
