// Package filters inspects inbound mail before it becomes a ticket.
package filters

import (
	"context"

	"github.com/gotrs-io/shopdesk/internal/email/inbound/connector"
	"github.com/gotrs-io/shopdesk/internal/email/inbound/parser"
)

// MessageContext is the mutable envelope filters operate on.
type MessageContext struct {
	Account     connector.Account
	Message     *connector.FetchedMessage
	Parsed      *parser.InboundMessage
	Annotations map[string]any
}

// Ignore marks the message to be dropped without creating a ticket.
func (m *MessageContext) Ignore(filterID, reason string) {
	if m.Annotations == nil {
		m.Annotations = make(map[string]any)
	}
	m.Annotations[AnnotationIgnoreMessage] = true
	m.Annotations[AnnotationIgnoreReason] = filterID + ": " + reason
}

// Ignored reports whether a filter dropped the message, and why.
func (m *MessageContext) Ignored() (bool, string) {
	if m == nil || m.Annotations == nil {
		return false, ""
	}
	ignored, _ := m.Annotations[AnnotationIgnoreMessage].(bool)
	reason, _ := m.Annotations[AnnotationIgnoreReason].(string)
	return ignored, reason
}

// Filter inspects or annotates a message before it hits PostMaster.
type Filter interface {
	ID() string
	Apply(ctx context.Context, m *MessageContext) error
}

// Chain executes filters in order, short-circuiting on error.
type Chain struct {
	filters []Filter
}

// NewChain returns a filter chain that runs the provided filters sequentially.
func NewChain(fs ...Filter) Chain {
	return Chain{filters: fs}
}

// Run executes the chain. Filters after one that ignores the message are
// skipped.
func (c Chain) Run(ctx context.Context, m *MessageContext) error {
	for _, f := range c.filters {
		if err := f.Apply(ctx, m); err != nil {
			return err
		}
		if ignored, _ := m.Ignored(); ignored {
			return nil
		}
	}
	return nil
}
