package connector

import (
	"context"
	"fmt"
	"log"
	"time"
)

const (
	defaultConnectAttempts = 3
	defaultConnectDelay    = 2 * time.Second
)

type retryPolicy struct {
	attempts int
	delay    time.Duration
	sleep    func(context.Context, time.Duration) error
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{attempts: defaultConnectAttempts, delay: defaultConnectDelay, sleep: sleepContext}
}

// connect runs dial up to p.attempts times with a fixed pause in between.
func connect[T any](ctx context.Context, p retryPolicy, logger *log.Logger, label string, dial func() (T, error)) (T, error) {
	var zero T
	attempts := p.attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := dial()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if logger != nil {
			logger.Printf("%s connect attempt %d/%d failed: %v", label, i, attempts, err)
		}
		if i == attempts {
			break
		}
		if err := p.sleep(ctx, p.delay); err != nil {
			return zero, err
		}
	}
	return zero, fmt.Errorf("%s connect: %w", label, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
