package tickets

import (
	"context"
	"errors"

	"github.com/gotrs-io/shopdesk/internal/email/inbound/parser"
	"github.com/gotrs-io/shopdesk/internal/models"
	"github.com/gotrs-io/shopdesk/internal/repository"
)

// MatchKind records how an inbound message was tied to a ticket.
type MatchKind string

const (
	MatchInReplyTo  MatchKind = "in_reply_to"
	MatchReferences MatchKind = "references"
	MatchSender     MatchKind = "sender"
	MatchNone       MatchKind = "none"
)

// Finder is the lookup side of the ticket store.
type Finder interface {
	FindTicketByMessageID(ctx context.Context, messageID string) (*models.Ticket, error)
	FindTicketByReplyMessageID(ctx context.Context, messageID string) (*models.Ticket, error)
	FindLatestTicketBySender(ctx context.Context, email string, statuses []models.TicketStatus) (*models.Ticket, error)
}

// Resolver finds the ticket an inbound message continues.
type Resolver struct {
	finder Finder
}

// NewResolver creates a Resolver over finder.
func NewResolver(finder Finder) *Resolver {
	return &Resolver{finder: finder}
}

// Resolve tries In-Reply-To, then each References id in order, then the
// sender's most recent active ticket. A nil ticket with MatchNone means a
// new ticket should be opened. Store errors other than not-found are
// returned as-is.
func (r *Resolver) Resolve(ctx context.Context, msg *parser.InboundMessage) (*models.Ticket, MatchKind, error) {
	if msg.InReplyTo != "" {
		t, err := r.byMessageID(ctx, msg.InReplyTo)
		if err != nil || t != nil {
			return t, MatchInReplyTo, err
		}
	}

	for _, ref := range msg.References {
		if ref == "" || ref == msg.InReplyTo {
			continue
		}
		t, err := r.byMessageID(ctx, ref)
		if err != nil || t != nil {
			return t, MatchReferences, err
		}
	}

	if msg.FromAddress != "" {
		t, err := r.finder.FindLatestTicketBySender(ctx, msg.FromAddress, models.ActiveStatuses)
		switch {
		case err == nil:
			return t, MatchSender, nil
		case !errors.Is(err, repository.ErrNotFound):
			return nil, MatchSender, err
		}
	}
	return nil, MatchNone, nil
}

func (r *Resolver) byMessageID(ctx context.Context, id string) (*models.Ticket, error) {
	id = parser.NormalizeMessageID(id)
	if id == "" {
		return nil, nil
	}
	t, err := r.finder.FindTicketByMessageID(ctx, id)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	t, err = r.finder.FindTicketByReplyMessageID(ctx, id)
	if err == nil {
		return t, nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return nil, err
}
