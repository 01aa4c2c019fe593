package connector

import (
	"context"
	"time"
)

// Account carries the minimal set of fields a connector needs to open a mailbox.
type Account struct {
	ID       int
	Name     string
	Type     string // pop3, pop3s, imap, imaps
	Host     string
	Port     int
	Username string
	Password []byte
	Folder   string
	// SkipCertVerify mirrors the "novalidate-cert" mailbox flag.
	SkipCertVerify bool
	PollInterval   time.Duration
}

// HasCredentials reports whether both username and password are set.
func (a Account) HasCredentials() bool {
	return a.Username != "" && len(a.Password) > 0
}

// FetchedMessage wraps the on-wire RFC822 payload plus derived metadata.
type FetchedMessage struct {
	AccountID  int
	Connector  string
	UID        string
	RemoteID   string
	ReceivedAt time.Time
	SizeBytes  int64
	Raw        []byte
	Metadata   map[string]string
	account    Account
}

// AccountSnapshot returns the account metadata captured when the fetch occurred.
func (m FetchedMessage) AccountSnapshot() Account {
	return m.account
}

// WithAccount captures the account metadata on the message.
func (m *FetchedMessage) WithAccount(acc Account) {
	m.account = acc
	m.AccountID = acc.ID
}

// Handler receives fully fetched messages. A nil return means the message
// was persisted and may be removed from the server.
type Handler interface {
	Handle(ctx context.Context, msg *FetchedMessage) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *FetchedMessage) error

// Handle calls f(ctx, msg).
func (f HandlerFunc) Handle(ctx context.Context, msg *FetchedMessage) error {
	return f(ctx, msg)
}

// Fetcher implementations (POP3, IMAP) stream messages to a handler.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, account Account, handler Handler) error
}

// Factory resolves the correct connector implementation for a mailbox.
type Factory interface {
	FetcherFor(account Account) (Fetcher, error)
}

// BatchResult summarizes one fetch pass.
type BatchResult struct {
	Fetched int
	Handled int
	Failed  int
	Deleted int
}
