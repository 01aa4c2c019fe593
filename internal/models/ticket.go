package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// TicketStatus is the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketStatusNew      TicketStatus = "new"
	TicketStatusOpen     TicketStatus = "open"
	TicketStatusPending  TicketStatus = "pending"
	TicketStatusResolved TicketStatus = "resolved"
	TicketStatusClosed   TicketStatus = "closed"
)

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketStatusNew, TicketStatusOpen, TicketStatusPending, TicketStatusResolved, TicketStatusClosed:
		return true
	}
	return false
}

// Terminal reports whether the ticket is resolved or closed.
func (s TicketStatus) Terminal() bool {
	return s == TicketStatusResolved || s == TicketStatusClosed
}

// ActiveStatuses are the statuses a sender-based follow-up may attach to.
var ActiveStatuses = []TicketStatus{TicketStatusNew, TicketStatusOpen, TicketStatusPending}

// AuthorType says who wrote a reply.
type AuthorType string

const (
	AuthorCustomer AuthorType = "customer"
	AuthorOperator AuthorType = "operator"
	AuthorSystem   AuthorType = "system"
)

// StringList is stored as a JSON array.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("StringList: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(raw, (*[]string)(l))
}

// Ticket is a support conversation with one customer.
type Ticket struct {
	ID         int64        `json:"id" db:"id"`
	Subject    string       `json:"subject" db:"subject"`
	Status     TicketStatus `json:"status" db:"status"`
	Category   string       `json:"category" db:"category"`
	Urgency    string       `json:"urgency" db:"urgency"`
	Tone       string       `json:"tone" db:"tone"`
	KeyIssues  StringList   `json:"key_issues" db:"key_issues"`
	FromEmail  string       `json:"from_email" db:"from_email"`
	FromName   string       `json:"from_name" db:"from_name"`
	CustomerID *int64       `json:"customer_id,omitempty" db:"customer_id"`
	OrderID    *int64       `json:"order_id,omitempty" db:"order_id"`
	MessageID  string       `json:"message_id" db:"message_id"`
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at" db:"updated_at"`
}

// Reply is one entry in a ticket's conversation.
type Reply struct {
	ID          int64      `json:"id" db:"id"`
	TicketID    int64      `json:"ticket_id" db:"ticket_id"`
	AuthorType  AuthorType `json:"author_type" db:"author_type"`
	AuthorEmail string     `json:"author_email" db:"author_email"`
	AuthorName  string     `json:"author_name" db:"author_name"`
	Body        string     `json:"body" db:"body"`
	MessageID   string     `json:"message_id" db:"message_id"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// Attachment is a stored file belonging to a ticket and optionally a reply.
type Attachment struct {
	ID          int64     `json:"id" db:"id"`
	TicketID    int64     `json:"ticket_id" db:"ticket_id"`
	ReplyID     *int64    `json:"reply_id,omitempty" db:"reply_id"`
	Filename    string    `json:"filename" db:"filename"`
	StoredPath  string    `json:"stored_path" db:"stored_path"`
	ContentType string    `json:"content_type" db:"content_type"`
	Size        int64     `json:"size" db:"size"`
	Checksum    string    `json:"checksum" db:"checksum"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// TicketFilter narrows ticket listings.
type TicketFilter struct {
	Status    TicketStatus
	FromEmail string
	Limit     int
}
