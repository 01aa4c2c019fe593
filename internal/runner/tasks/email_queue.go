// Package tasks holds the scheduled jobs the runner executes.
package tasks

import (
	"context"
	"log"
	"time"

	"github.com/gotrs-io/shopdesk/internal/config"
	"github.com/gotrs-io/shopdesk/internal/mailqueue"
	"github.com/gotrs-io/shopdesk/internal/runner"
)

// EmailQueueTaskName is the registry name of the drain job.
const EmailQueueTaskName = "email-queue-processor"

// QueueDrainer is the slice of the outbound queue the drain job uses.
type QueueDrainer interface {
	Drain(ctx context.Context, limit int) (int, error)
	Purge(ctx context.Context, retention time.Duration) (int64, error)
	Status(ctx context.Context) (*mailqueue.QueueStatus, error)
}

// EmailQueueTask sends due queued emails, then purges old sent rows.
type EmailQueueTask struct {
	queue  QueueDrainer
	cfg    config.QueueConfig
	logger *log.Logger
}

// NewEmailQueueTask creates a new email queue task
func NewEmailQueueTask(queue QueueDrainer, cfg config.QueueConfig) runner.Task {
	return &EmailQueueTask{
		queue:  queue,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[EMAIL-QUEUE] ", log.LstdFlags),
	}
}

// Name returns the task name
func (t *EmailQueueTask) Name() string {
	return EmailQueueTaskName
}

// Schedule returns the cron schedule, every five minutes by default.
func (t *EmailQueueTask) Schedule() string {
	if t.cfg.Schedule != "" {
		return t.cfg.Schedule
	}
	return "0 */5 * * * *"
}

// Timeout returns the task timeout
func (t *EmailQueueTask) Timeout() time.Duration {
	if t.cfg.Timeout > 0 {
		return t.cfg.Timeout
	}
	return 5 * time.Minute
}

// Run drains one batch. Purge and status failures are logged only.
func (t *EmailQueueTask) Run(ctx context.Context) error {
	processed, err := t.queue.Drain(ctx, t.cfg.BatchSize)
	if processed > 0 {
		t.logger.Printf("Processed %d queued emails", processed)
	}
	if err != nil {
		return err
	}

	if t.cfg.RetentionDays > 0 {
		retention := time.Duration(t.cfg.RetentionDays) * 24 * time.Hour
		if n, err := t.queue.Purge(ctx, retention); err != nil {
			t.logger.Printf("Failed to purge sent emails: %v", err)
		} else if n > 0 {
			t.logger.Printf("Purged %d sent emails older than %d days", n, t.cfg.RetentionDays)
		}
	}

	if st, err := t.queue.Status(ctx); err != nil {
		t.logger.Printf("Failed to read queue status: %v", err)
	} else if st.Failed > 0 {
		t.logger.Printf("Queue has %d permanently failed emails", st.Failed)
	}
	return nil
}
