package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Task is a periodic job such as the mailbox fetch or the queue drain.
type Task interface {
	// Name identifies the task in logs, metrics, lock keys and RunNow.
	Name() string
	// Schedule is a cron expression; a leading seconds field is allowed.
	Schedule() string
	Run(ctx context.Context) error
	// Timeout bounds one run. Zero means no limit beyond the caller's context.
	Timeout() time.Duration
}

// ErrDuplicateTask is returned when a second task registers under a name
// already in use.
var ErrDuplicateTask = errors.New("task already registered")

// TaskRegistry is the set of jobs a Runner schedules, keyed by name.
type TaskRegistry struct {
	tasks map[string]Task
}

// NewTaskRegistry returns an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]Task)}
}

// Register adds task. Names must be non-empty and unique.
func (r *TaskRegistry) Register(task Task) error {
	name := strings.TrimSpace(task.Name())
	if name == "" {
		return errors.New("task name is required")
	}
	if _, dup := r.tasks[name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
	}
	r.tasks[name] = task
	return nil
}

// Get looks a task up by name.
func (r *TaskRegistry) Get(name string) (Task, bool) {
	task, ok := r.tasks[name]
	return task, ok
}

// Names lists the registered tasks alphabetically, the order the runner
// schedules them in.
func (r *TaskRegistry) Names() []string {
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
