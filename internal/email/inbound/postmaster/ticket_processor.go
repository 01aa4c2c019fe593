package postmaster

import (
	"context"
	"log"

	"github.com/gotrs-io/shopdesk/internal/email/inbound/connector"
	"github.com/gotrs-io/shopdesk/internal/email/inbound/filters"
	"github.com/gotrs-io/shopdesk/internal/email/inbound/parser"
	"github.com/gotrs-io/shopdesk/internal/tickets"
)

// Ingester files a parsed message into the ticket store.
type Ingester interface {
	Ingest(ctx context.Context, msg *parser.InboundMessage) (tickets.Outcome, error)
}

// TicketProcessor turns filtered messages into tickets or replies.
type TicketProcessor struct {
	tickets Ingester
	logger  *log.Logger
}

// TicketProcessorOption customizes TicketProcessor.
type TicketProcessorOption func(*TicketProcessor)

// WithTicketProcessorLogger overrides the logger used for diagnostics.
func WithTicketProcessorLogger(logger *log.Logger) TicketProcessorOption {
	return func(tp *TicketProcessor) {
		if logger != nil {
			tp.logger = logger
		}
	}
}

// NewTicketProcessor builds a processor backed by the ticket service.
func NewTicketProcessor(t Ingester, opts ...TicketProcessorOption) *TicketProcessor {
	tp := &TicketProcessor{
		tickets: t,
		logger:  log.New(log.Writer(), "[POSTMASTER] ", log.LstdFlags),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(tp)
		}
	}
	return tp
}

// Process implements Processor. Messages a filter ignored are acknowledged
// without touching the ticket store.
func (p *TicketProcessor) Process(ctx context.Context, msg *connector.FetchedMessage, meta *filters.MessageContext) (Result, error) {
	if ignored, reason := meta.Ignored(); ignored {
		p.logger.Printf("ignored %s: %s", msg.RemoteID, reason)
		return Result{Action: "ignored"}, nil
	}

	out, err := p.tickets.Ingest(ctx, meta.Parsed)
	if err != nil {
		p.logger.Printf("failed to ingest %s from %s: %v", msg.RemoteID, meta.Parsed.FromAddress, err)
		return Result{}, err
	}

	switch out.Action {
	case tickets.ActionNewTicket:
		p.logger.Printf("%s opened ticket %d", msg.RemoteID, out.TicketID)
	case tickets.ActionFollowUp:
		p.logger.Printf("%s appended to ticket %d via %s", msg.RemoteID, out.TicketID, out.Match)
	case tickets.ActionDuplicate:
		p.logger.Printf("%s already stored, skipping", msg.RemoteID)
	}
	return Result{TicketID: out.TicketID, ReplyID: out.ReplyID, Action: string(out.Action)}, nil
}
