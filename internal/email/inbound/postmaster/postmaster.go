// Package postmaster parses fetched mail, runs the filter chain and hands
// the survivors to ticket processing.
package postmaster

import (
	"context"
	"log"

	"github.com/gotrs-io/shopdesk/internal/email/inbound/connector"
	"github.com/gotrs-io/shopdesk/internal/email/inbound/filters"
	"github.com/gotrs-io/shopdesk/internal/email/inbound/parser"
	"github.com/gotrs-io/shopdesk/internal/metrics"
)

// Processor handles a parsed and filtered message.
type Processor interface {
	Process(ctx context.Context, msg *connector.FetchedMessage, meta *filters.MessageContext) (Result, error)
}

// Result tracks what happened to a message.
type Result struct {
	TicketID int64
	ReplyID  int64
	Action   string // new_ticket, follow_up, duplicate, ignored
}

// Service wires connectors, filters, and ticket processing together.
type Service struct {
	FilterChain filters.Chain
	Handler     Processor
	Logger      *log.Logger
}

// Handle implements connector.Handler. A nil return means the message is
// safely stored or deliberately dropped and may be deleted remotely.
func (s Service) Handle(ctx context.Context, msg *connector.FetchedMessage) error {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}

	parsed, err := parser.ParseMessage(msg.Raw)
	if err != nil {
		// Unreadable mail would fail the same way on every pass.
		metrics.MessagesProcessed.WithLabelValues("unparseable").Inc()
		logger.Printf("ignored %s: unparseable: %v", msg.RemoteID, err)
		return nil
	}
	for _, w := range parsed.Warnings {
		logger.Printf("message %s: %s", msg.RemoteID, w)
	}

	ctxMsg := &filters.MessageContext{
		Account:     msg.AccountSnapshot(),
		Message:     msg,
		Parsed:      parsed,
		Annotations: map[string]any{},
	}
	if err := s.FilterChain.Run(ctx, ctxMsg); err != nil {
		metrics.MessagesProcessed.WithLabelValues("error").Inc()
		return err
	}

	res, err := s.Handler.Process(ctx, msg, ctxMsg)
	if err != nil {
		metrics.MessagesProcessed.WithLabelValues("error").Inc()
		return err
	}
	metrics.MessagesProcessed.WithLabelValues(res.Action).Inc()
	return nil
}
