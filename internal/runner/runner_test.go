package runner

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTask struct {
	name     string
	schedule string
	mu       sync.Mutex
	runs     int
	err      error
	deadline bool
}

func (t *countingTask) Name() string           { return t.name }
func (t *countingTask) Schedule() string       { return t.schedule }
func (t *countingTask) Timeout() time.Duration { return time.Second }
func (t *countingTask) Run(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs++
	_, t.deadline = ctx.Deadline()
	return t.err
}

func (t *countingTask) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

type fakeLocker struct {
	held     map[string]bool
	released []string
}

func (l *fakeLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	if l.held[key] {
		return nil, false, nil
	}
	return func() { l.released = append(l.released, key) }, true, nil
}

var quiet = log.New(io.Discard, "", 0)

func TestRunNowAppliesTimeoutAndReportsErrors(t *testing.T) {
	boom := errors.New("smtp down")
	task := &countingTask{name: "drain", schedule: "@every 1h", err: boom}
	reg := NewTaskRegistry()
	require.NoError(t, reg.Register(task))
	r := NewRunner(reg, WithLogger(quiet))

	err := r.RunNow(context.Background(), "drain")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, task.count())
	assert.True(t, task.deadline)

	require.Error(t, r.RunNow(context.Background(), "missing"))
}

func TestRunNowHonoursLock(t *testing.T) {
	task := &countingTask{name: "fetch", schedule: "@every 1h"}
	reg := NewTaskRegistry()
	require.NoError(t, reg.Register(task))
	locker := &fakeLocker{held: map[string]bool{"task:fetch": true}}
	r := NewRunner(reg, WithLogger(quiet), WithLocker(locker))

	assert.ErrorIs(t, r.RunNow(context.Background(), "fetch"), ErrLocked)
	assert.Zero(t, task.count())

	locker.held = nil
	require.NoError(t, r.RunNow(context.Background(), "fetch"))
	assert.Equal(t, 1, task.count())
	assert.Equal(t, []string{"task:fetch"}, locker.released)
}

func TestStartRunsScheduledTasksUntilCancelled(t *testing.T) {
	task := &countingTask{name: "tick", schedule: "@every 1s"}
	reg := NewTaskRegistry()
	require.NoError(t, reg.Register(task))
	r := NewRunner(reg, WithLogger(quiet))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	require.Eventually(t, func() bool { return task.count() > 0 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	reg := NewTaskRegistry()
	require.NoError(t, reg.Register(&countingTask{name: "bad", schedule: "not a schedule"}))
	err := NewRunner(reg, WithLogger(quiet)).Start(context.Background())
	require.Error(t, err)
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewTaskRegistry()
	require.NoError(t, reg.Register(&countingTask{name: "b"}))
	require.NoError(t, reg.Register(&countingTask{name: "a"}))
	assert.Equal(t, []string{"a", "b"}, reg.Names())

	assert.ErrorIs(t, reg.Register(&countingTask{name: "a"}), ErrDuplicateTask)
	assert.Error(t, reg.Register(&countingTask{name: " "}))
}
