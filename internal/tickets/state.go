// Package tickets threads inbound mail into support tickets and drives
// their status.
package tickets

import (
	"errors"
	"fmt"

	"github.com/gotrs-io/shopdesk/internal/models"
)

// Event is something that moves a ticket between statuses.
type Event string

const (
	EventCustomerReply Event = "customer_reply"
	EventOperatorReply Event = "operator_reply"
	EventOpen          Event = "open"
	EventResolve       Event = "resolve"
	EventClose         Event = "close"
)

// ErrInvalidTransition is returned for an event the current status does
// not accept.
var ErrInvalidTransition = errors.New("invalid ticket status transition")

// Transition returns the status after ev. reopened is true when a
// resolved or closed ticket comes back to open.
func Transition(current models.TicketStatus, ev Event) (next models.TicketStatus, reopened bool, err error) {
	if !current.Valid() {
		return current, false, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, current)
	}
	switch ev {
	case EventCustomerReply, EventOpen:
		return models.TicketStatusOpen, current.Terminal(), nil
	case EventOperatorReply:
		if current.Terminal() {
			return current, false, nil
		}
		return models.TicketStatusPending, false, nil
	case EventResolve:
		if current == models.TicketStatusClosed {
			return current, false, fmt.Errorf("%w: %s -> resolved", ErrInvalidTransition, current)
		}
		return models.TicketStatusResolved, false, nil
	case EventClose:
		return models.TicketStatusClosed, false, nil
	}
	return current, false, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev)
}

// EventForStatus maps an operator's requested status onto an event.
func EventForStatus(s models.TicketStatus) (Event, error) {
	switch s {
	case models.TicketStatusOpen:
		return EventOpen, nil
	case models.TicketStatusPending:
		return EventOperatorReply, nil
	case models.TicketStatusResolved:
		return EventResolve, nil
	case models.TicketStatusClosed:
		return EventClose, nil
	}
	return "", fmt.Errorf("%w: cannot set status %q", ErrInvalidTransition, s)
}
