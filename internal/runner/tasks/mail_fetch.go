package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gotrs-io/shopdesk/internal/config"
	"github.com/gotrs-io/shopdesk/internal/email/inbound/connector"
	"github.com/gotrs-io/shopdesk/internal/metrics"
	"github.com/gotrs-io/shopdesk/internal/runner"
)

// MailFetchTaskName is the registry name of the mailbox poll job.
const MailFetchTaskName = "mail-fetch"

type batchFetcher interface {
	FetchBatch(ctx context.Context, account connector.Account, handler connector.Handler) (connector.BatchResult, error)
}

// MailFetchTask polls the support mailbox and hands each message to the
// postmaster.
type MailFetchTask struct {
	factory connector.Factory
	account connector.Account
	handler connector.Handler
	cfg     config.MailboxConfig
	logger  *log.Logger
}

// NewMailFetchTask creates the poll job for one mailbox.
func NewMailFetchTask(factory connector.Factory, account connector.Account, handler connector.Handler, cfg config.MailboxConfig) runner.Task {
	return &MailFetchTask{
		factory: factory,
		account: account,
		handler: handler,
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[MAIL-FETCH] ", log.LstdFlags),
	}
}

// Name returns the task name
func (t *MailFetchTask) Name() string {
	return MailFetchTaskName
}

// Schedule returns the cron schedule, every fifteen minutes by default.
func (t *MailFetchTask) Schedule() string {
	if t.cfg.Schedule != "" {
		return t.cfg.Schedule
	}
	return "0 */15 * * * *"
}

// Timeout returns the task timeout
func (t *MailFetchTask) Timeout() time.Duration {
	if t.cfg.Timeout > 0 {
		return t.cfg.Timeout
	}
	return 10 * time.Minute
}

// Run performs one fetch pass. Per-message handler failures are counted
// and logged by the fetcher; only connection-level problems are returned.
func (t *MailFetchTask) Run(ctx context.Context) error {
	if !t.account.HasCredentials() {
		t.logger.Printf("Mailbox %s has no credentials, skipping fetch", t.account.Name)
		return errors.New("mailbox credentials are not configured")
	}
	fetcher, err := t.factory.FetcherFor(t.account)
	if err != nil {
		t.logger.Printf("No fetcher for mailbox %s: %v", t.account.Name, err)
		return err
	}

	label := t.account.Name
	counted := connector.HandlerFunc(func(ctx context.Context, msg *connector.FetchedMessage) error {
		metrics.MessagesFetched.WithLabelValues(label).Inc()
		return t.handler.Handle(ctx, msg)
	})

	if bf, ok := fetcher.(batchFetcher); ok {
		res, err := bf.FetchBatch(ctx, t.account, counted)
		t.logger.Printf("Mailbox %s: fetched=%d handled=%d failed=%d deleted=%d",
			label, res.Fetched, res.Handled, res.Failed, res.Deleted)
		return err
	}
	return fetcher.Fetch(ctx, t.account, counted)
}

// AccountFromConfig builds the connector account from mailbox settings. A
// mailbox spec string takes precedence over the discrete host fields.
func AccountFromConfig(cfg config.MailboxConfig) (connector.Account, error) {
	var acc connector.Account
	if strings.TrimSpace(cfg.Spec) != "" {
		parsed, err := connector.ParseMailboxSpec(cfg.Spec)
		if err != nil {
			return acc, err
		}
		acc = parsed
	} else {
		acc = connector.Account{
			Type:           strings.ToLower(strings.TrimSpace(cfg.Type)),
			Host:           cfg.Host,
			Port:           cfg.Port,
			Folder:         cfg.Folder,
			SkipCertVerify: cfg.SkipCertVerify,
		}
		if acc.Type == "" {
			return acc, fmt.Errorf("mailbox type is required")
		}
		if acc.Host == "" {
			return acc, fmt.Errorf("mailbox host is required")
		}
	}
	if cfg.SkipCertVerify {
		acc.SkipCertVerify = true
	}
	if acc.Folder == "" {
		acc.Folder = "INBOX"
	}
	acc.ID = 1
	acc.Username = cfg.Username
	acc.Password = []byte(cfg.Password)
	acc.Name = cfg.Username + "@" + acc.Host
	return acc, nil
}
