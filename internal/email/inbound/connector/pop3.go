package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/go-pop3"
)

type pop3Connection interface {
	Auth(user, password string) error
	Quit() error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
}

type pop3ConnFactory func(Account) (pop3Connection, error)

// POP3Fetcher drains POP3/POP3S mailboxes into the inbound pipeline.
type POP3Fetcher struct {
	deleteAfterFetch bool
	dialTimeout      time.Duration
	retry            retryPolicy
	now              func() time.Time
	logger           *log.Logger
	newConn          pop3ConnFactory
}

// POP3FetcherOption customizes fetcher behavior.
type POP3FetcherOption func(*POP3Fetcher)

// NewPOP3Fetcher returns a POP3 connector.
func NewPOP3Fetcher(opts ...POP3FetcherOption) *POP3Fetcher {
	f := &POP3Fetcher{
		deleteAfterFetch: true,
		dialTimeout:      10 * time.Second,
		retry:            defaultRetryPolicy(),
		now:              func() time.Time { return time.Now().UTC() },
		logger:           log.New(log.Writer(), "[POP3] ", log.LstdFlags),
	}
	f.newConn = f.defaultConnFactory
	for _, opt := range opts {
		opt(f)
	}
	if f.newConn == nil {
		f.newConn = f.defaultConnFactory
	}
	return f
}

// WithPOP3DeleteAfterFetch toggles destructive POP3 behavior.
func WithPOP3DeleteAfterFetch(delete bool) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		f.deleteAfterFetch = delete
	}
}

// WithPOP3Logger overrides the logger used for connector diagnostics.
func WithPOP3Logger(logger *log.Logger) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithPOP3DialTimeout overrides the socket dial timeout.
func WithPOP3DialTimeout(timeout time.Duration) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if timeout > 0 {
			f.dialTimeout = timeout
		}
	}
}

// WithPOP3ConnectRetry sets how many times a connection is attempted and the pause between attempts.
func WithPOP3ConnectRetry(attempts int, delay time.Duration) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if attempts > 0 {
			f.retry.attempts = attempts
		}
		if delay >= 0 {
			f.retry.delay = delay
		}
	}
}

func withPOP3ConnFactory(factory pop3ConnFactory) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		f.newConn = factory
	}
}

func withPOP3Sleep(sleep func(context.Context, time.Duration) error) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		f.retry.sleep = sleep
	}
}

// WithPOP3Clock overrides the wall clock, primarily for tests.
func WithPOP3Clock(now func() time.Time) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// Name returns the connector identifier.
func (f *POP3Fetcher) Name() string {
	return "pop3"
}

// Fetch hands every message in the mailbox to handler. Messages whose
// handler call fails stay on the server; the rest are marked for deletion
// and removed when the session ends.
func (f *POP3Fetcher) Fetch(ctx context.Context, account Account, handler Handler) error {
	_, err := f.FetchBatch(ctx, account, handler)
	return err
}

// FetchBatch is Fetch with a per-pass summary.
func (f *POP3Fetcher) FetchBatch(ctx context.Context, account Account, handler Handler) (BatchResult, error) {
	var result BatchResult
	if handler == nil {
		return result, errors.New("pop3 fetcher requires a handler")
	}
	if err := validateAccount(account); err != nil {
		return result, err
	}

	conn, err := connect(ctx, f.retry, f.logger, "pop3", func() (pop3Connection, error) {
		c, err := f.newConn(account)
		if err != nil {
			return nil, err
		}
		if err := c.Auth(account.Username, string(account.Password)); err != nil {
			f.safeQuit(c)
			return nil, fmt.Errorf("pop3 auth: %w", err)
		}
		return c, nil
	})
	if err != nil {
		return result, err
	}
	defer f.safeQuit(conn)

	msgs, err := conn.Uidl(0)
	if err != nil {
		return result, fmt.Errorf("pop3 uidl: %w", err)
	}

	var handled []int
	for _, meta := range msgs {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		payload, err := conn.RetrRaw(meta.ID)
		if err != nil {
			result.Failed++
			f.logger.Printf("pop3 retr %d: %v", meta.ID, err)
			continue
		}
		result.Fetched++

		uid := meta.UID
		if uid == "" {
			uid = strconv.Itoa(meta.ID)
		}
		raw := append([]byte(nil), payload.Bytes()...)
		msg := &FetchedMessage{
			Connector:  f.Name(),
			UID:        uid,
			RemoteID:   buildRemoteID(account, uid),
			ReceivedAt: f.now(),
			SizeBytes:  int64(len(raw)),
			Raw:        raw,
			Metadata: map[string]string{
				"uidl":    uid,
				"pop3_id": strconv.Itoa(meta.ID),
			},
		}
		if meta.Size > 0 {
			msg.Metadata["reported_size"] = strconv.Itoa(meta.Size)
		}
		msg.WithAccount(account)

		if err := handler.Handle(ctx, msg); err != nil {
			result.Failed++
			f.logger.Printf("message %s left on server: %v", uid, err)
			continue
		}
		result.Handled++
		handled = append(handled, meta.ID)
	}

	if f.deleteAfterFetch && len(handled) > 0 {
		if err := conn.Dele(handled...); err != nil {
			return result, fmt.Errorf("pop3 delete: %w", err)
		}
		result.Deleted = len(handled)
	}

	return result, nil
}

func (f *POP3Fetcher) safeQuit(conn pop3Connection) {
	if conn == nil {
		return
	}
	if err := conn.Quit(); err != nil && f.logger != nil {
		f.logger.Printf("pop3 quit error: %v", err)
	}
}

func (f *POP3Fetcher) defaultConnFactory(account Account) (pop3Connection, error) {
	if account.Host == "" {
		return nil, errors.New("pop3 account missing host")
	}
	port := account.Port
	if port == 0 {
		if usePOP3TLS(account.Type) {
			port = 995
		} else {
			port = 110
		}
	}
	client := pop3.New(pop3.Opt{
		Host:          account.Host,
		Port:          port,
		DialTimeout:   f.dialTimeout,
		TLSEnabled:    usePOP3TLS(account.Type),
		TLSSkipVerify: account.SkipCertVerify,
	})
	return client.NewConn()
}

func validateAccount(account Account) error {
	if !account.HasCredentials() {
		return errors.New("pop3 account missing credentials")
	}
	if !supportsPOP3(account.Type) {
		return fmt.Errorf("account type %s not supported by POP3 connector", account.Type)
	}
	return nil
}

func supportsPOP3(t string) bool {
	switch strings.ToLower(t) {
	case "pop3", "pop3s":
		return true
	default:
		return false
	}
}

func usePOP3TLS(t string) bool {
	return strings.EqualFold(t, "pop3s")
}

func buildRemoteID(account Account, uid string) string {
	if account.Username == "" {
		return fmt.Sprintf("%s:%s", account.Host, uid)
	}
	return fmt.Sprintf("%s@%s:%s", account.Username, account.Host, uid)
}
