package connector

import (
	"context"
	"sync"
)

// Collector is a Handler that keeps every message it receives.
// It never fails, so a fetch through a Collector deletes everything
// when deletion is enabled.
type Collector struct {
	mu       sync.Mutex
	messages []*FetchedMessage
}

// Handle implements Handler.
func (c *Collector) Handle(_ context.Context, msg *FetchedMessage) error {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	return nil
}

// Messages returns the collected messages in fetch order.
func (c *Collector) Messages() []*FetchedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*FetchedMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// Collect fetches the account's mailbox and returns the messages as a slice.
func Collect(ctx context.Context, factory Factory, account Account) ([]*FetchedMessage, error) {
	fetcher, err := factory.FetcherFor(account)
	if err != nil {
		return nil, err
	}
	var c Collector
	if err := fetcher.Fetch(ctx, account, &c); err != nil {
		return c.Messages(), err
	}
	return c.Messages(), nil
}
