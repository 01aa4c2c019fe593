package mailqueue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gotrs-io/shopdesk/internal/metrics"
)

// ErrSentNotRecorded means a row was delivered but could not be marked
// sent. It stays in processing and is handed back to pending once stale, so
// the recipient may receive it twice.
var ErrSentNotRecorded = errors.New("email delivered but not marked sent")

const markSentAttempts = 3

// Sender delivers one queued email.
type Sender interface {
	Send(ctx context.Context, e *Email) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, e *Email) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, e *Email) error {
	return f(ctx, e)
}

// Queue is the outbound mail queue: Enqueue persists, Drain delivers.
type Queue struct {
	repo      *Repository
	sender    Sender
	now       func() time.Time
	logger    *log.Logger
	staleTime time.Duration
	markPause time.Duration
}

// Option customizes a Queue.
type Option func(*Queue)

// WithClock overrides the time source used for scheduling decisions.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithLogger overrides the queue logger.
func WithLogger(l *log.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithStaleAfter sets how long a row may sit in processing before Drain
// hands it back to pending. Zero disables the release.
func WithStaleAfter(d time.Duration) Option {
	return func(q *Queue) {
		q.staleTime = d
	}
}

// New builds a queue over repo. sender may be nil for enqueue-only callers.
func New(repo *Repository, sender Sender, opts ...Option) *Queue {
	q := &Queue{
		repo:      repo,
		sender:    sender,
		now:       time.Now,
		logger:    log.New(log.Writer(), "[EMAIL-QUEUE] ", log.LstdFlags),
		staleTime: 30 * time.Minute,
		markPause: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Repository exposes the underlying store.
func (q *Queue) Repository() *Repository {
	return q.repo
}

// Enqueue stores e for delivery at e.ScheduledFor (now when zero).
func (q *Queue) Enqueue(ctx context.Context, e Email) (int64, error) {
	id, err := q.repo.Insert(ctx, &e, q.now())
	if err != nil {
		return 0, err
	}
	q.logger.Printf("queued email %d to %s scheduled for %s", id, e.To, e.ScheduledFor.Format(time.RFC3339))
	return id, nil
}

// Drain delivers up to limit due emails and returns how many were
// attempted. Send failures are recorded on the row and do not stop the
// batch; only store errors are returned.
func (q *Queue) Drain(ctx context.Context, limit int) (int, error) {
	if q.sender == nil {
		return 0, errors.New("mailqueue: no sender configured")
	}
	now := q.now()
	if q.staleTime > 0 {
		if n, err := q.repo.ReleaseStale(ctx, now.Add(-q.staleTime)); err != nil {
			q.logger.Printf("release stale emails: %v", err)
		} else if n > 0 {
			q.logger.Printf("released %d emails stuck in processing", n)
		}
	}

	due, err := q.repo.Due(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	var firstErr error
	for _, e := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if err := q.repo.Claim(ctx, e.ID, q.now()); err != nil {
			if errors.Is(err, ErrNotClaimed) {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		processed++
		if err := q.deliver(ctx, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if processed > 0 {
		q.logger.Printf("drained %d of %d due emails", processed, len(due))
	}
	return processed, firstErr
}

func (q *Queue) deliver(ctx context.Context, e *Email) error {
	sendErr := q.sender.Send(ctx, e)
	if sendErr == nil {
		metrics.QueueSends.WithLabelValues("sent").Inc()
		return q.markSent(ctx, e)
	}

	status, err := q.repo.MarkFailed(ctx, e.ID, e.Attempts, sendErr, q.now())
	if err != nil {
		return fmt.Errorf("send failed (%v) and %w", sendErr, err)
	}
	if status == StatusFailed {
		metrics.QueueSends.WithLabelValues("failed").Inc()
		q.logger.Printf("email %d to %s failed permanently after %d attempts: %v", e.ID, e.To, e.Attempts+1, sendErr)
	} else {
		metrics.QueueSends.WithLabelValues("retry").Inc()
		q.logger.Printf("email %d to %s failed (attempt %d of %d): %v", e.ID, e.To, e.Attempts+1, MaxAttempts, sendErr)
	}
	return nil
}

// markSent records a delivery. It ignores cancellation so a shutdown
// mid-batch does not leave a delivered row in processing.
func (q *Queue) markSent(ctx context.Context, e *Email) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	for i := 1; i <= markSentAttempts; i++ {
		if err = q.repo.MarkSent(ctx, e.ID, q.now()); err == nil {
			return nil
		}
		if i < markSentAttempts {
			time.Sleep(q.markPause * time.Duration(i))
		}
	}
	metrics.QueueSends.WithLabelValues("unrecorded").Inc()
	q.logger.Printf("email %d to %s was DELIVERED but could not be marked sent; it may be re-sent after %s: %v",
		e.ID, e.To, q.staleTime, err)
	return fmt.Errorf("%w: email %d: %v", ErrSentNotRecorded, e.ID, err)
}

// Status reports queue counts and refreshes the depth gauge.
func (q *Queue) Status(ctx context.Context) (*QueueStatus, error) {
	st, err := q.repo.Status(ctx, q.now())
	if err != nil {
		return nil, err
	}
	metrics.QueueDepth.WithLabelValues(string(StatusPending)).Set(float64(st.Pending))
	metrics.QueueDepth.WithLabelValues(string(StatusProcessing)).Set(float64(st.Processing))
	metrics.QueueDepth.WithLabelValues(string(StatusFailed)).Set(float64(st.Failed))
	return st, nil
}

// RetryFailed requeues a permanently failed email.
func (q *Queue) RetryFailed(ctx context.Context, id int64) error {
	if err := q.repo.RetryFailed(ctx, id, q.now()); err != nil {
		return err
	}
	q.logger.Printf("email %d requeued by operator", id)
	return nil
}

// Purge removes sent emails older than retention.
func (q *Queue) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	n, err := q.repo.Purge(ctx, q.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Printf("purged %d sent emails", n)
	}
	return n, nil
}
