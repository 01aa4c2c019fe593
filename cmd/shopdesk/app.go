package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/gotrs-io/shopdesk/internal/config"
	"github.com/gotrs-io/shopdesk/internal/database"
	"github.com/gotrs-io/shopdesk/internal/email/inbound/classifier"
	"github.com/gotrs-io/shopdesk/internal/email/inbound/connector"
	"github.com/gotrs-io/shopdesk/internal/email/inbound/filters"
	"github.com/gotrs-io/shopdesk/internal/email/inbound/postmaster"
	"github.com/gotrs-io/shopdesk/internal/lock"
	"github.com/gotrs-io/shopdesk/internal/logging"
	"github.com/gotrs-io/shopdesk/internal/mailqueue"
	"github.com/gotrs-io/shopdesk/internal/notifications"
	"github.com/gotrs-io/shopdesk/internal/repository"
	"github.com/gotrs-io/shopdesk/internal/runner"
	"github.com/gotrs-io/shopdesk/internal/runner/tasks"
	"github.com/gotrs-io/shopdesk/internal/storage"
	"github.com/gotrs-io/shopdesk/internal/tickets"
)

// app holds the wired components shared by every command.
type app struct {
	cfg      *config.Config
	db       *database.DB
	store    *repository.SupportTicketRepository
	commerce *repository.CommerceRepository
	blocked  *repository.BlockedSenderRepository
	files    *storage.FilesystemStore
	queue    *mailqueue.Queue
	tickets  *tickets.Service
	redis    *redis.Client
	logs     io.Closer
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logs, err := logging.Setup(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logs: logs}

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db = db
	if cfg.Database.AutoMigrate {
		if n, err := db.Migrate(ctx); err != nil {
			a.Close()
			return nil, err
		} else if n > 0 {
			log.Printf("applied %d migrations", n)
		}
	}

	a.store = repository.NewSupportTicketRepository(db)
	a.commerce = repository.NewCommerceRepository(db)
	a.blocked = repository.NewBlockedSenderRepository(db)

	root, err := filepath.Abs(cfg.Storage.AttachmentsPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("resolve attachments path: %w", err)
	}
	if a.files, err = storage.NewFilesystemStore(root); err != nil {
		a.Close()
		return nil, err
	}

	branding, err := notifications.NewBranding(cfg.Queue.Branding)
	if err != nil {
		a.Close()
		return nil, err
	}
	mailer, err := notifications.NewMailer(cfg.SMTP, notifications.NewSMTPTransport(cfg.SMTP), branding,
		notifications.WithAttachmentReader(a.files))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.queue = mailqueue.New(mailqueue.NewRepository(db), mailer)

	analyzer := classifier.New(a.classifierOptions()...)
	a.tickets = tickets.NewService(a.store, analyzer,
		tickets.WithOutbox(a.queue),
		tickets.WithAttachmentWriter(a.files, cfg.Storage.MaxAttachmentSize),
		tickets.WithAttachmentResolver(a.files),
		tickets.WithAcknowledgement(cfg.Support.AcknowledgeTickets),
		tickets.WithSupportIdentity(cfg.Support.Address, cfg.Support.Name, cfg.Support.MessageIDDomain),
	)

	if cfg.Redis.Enabled {
		if a.redis, err = lock.Connect(ctx, cfg.Redis); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) classifierOptions() []classifier.Option {
	opts := []classifier.Option{classifier.WithDirectory(a.commerce)}
	c := a.cfg.Classifier
	if c.AIEnabled() {
		chat := classifier.NewChatClient(c.BaseURL, c.APIKey, c.Model,
			classifier.WithMaxTokens(c.MaxTokens),
			classifier.WithHTTPClient(&http.Client{Timeout: c.Timeout}),
		)
		opts = append(opts, classifier.WithCompleter(chat))
	}
	return opts
}

// inbound builds the handler the mail fetch task feeds.
func (a *app) inbound() postmaster.Service {
	filterLog := log.New(log.Writer(), "[FILTERS] ", log.LstdFlags)
	return postmaster.Service{
		FilterChain: filters.NewChain(
			filters.NewLoopGuardFilter(filterLog, a.cfg.Support.Address, a.cfg.SMTP.From),
			filters.NewBlocklistFilter(filterLog, a.cfg.Support.BlockedSenders, a.blocked),
		),
		Handler: postmaster.NewTicketProcessor(a.tickets),
		Logger:  log.New(log.Writer(), "[POSTMASTER] ", log.LstdFlags),
	}
}

// registry registers the queue task and, when the mailbox is enabled or
// always is set, the fetch task.
func (a *app) registry(always bool) (*runner.TaskRegistry, error) {
	reg := runner.NewTaskRegistry()
	if err := reg.Register(tasks.NewEmailQueueTask(a.queue, a.cfg.Queue)); err != nil {
		return nil, err
	}

	if a.cfg.Mailbox.Enabled || always {
		account, err := tasks.AccountFromConfig(a.cfg.Mailbox)
		if err != nil {
			return nil, fmt.Errorf("mailbox: %w", err)
		}
		mb := a.cfg.Mailbox
		factory := connector.DefaultFactory(
			[]connector.POP3FetcherOption{
				connector.WithPOP3DeleteAfterFetch(mb.DeleteAfterFetch),
				connector.WithPOP3DialTimeout(mb.DialTimeout),
				connector.WithPOP3ConnectRetry(mb.ConnectAttempts, mb.RetryDelay),
			},
			[]connector.IMAPFetcherOption{
				connector.WithIMAPDeleteAfterFetch(mb.DeleteAfterFetch),
				connector.WithIMAPDialTimeout(mb.DialTimeout),
				connector.WithIMAPConnectRetry(mb.ConnectAttempts, mb.RetryDelay),
			},
		)
		if err := reg.Register(tasks.NewMailFetchTask(factory, account, a.inbound(), mb)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (a *app) runner(reg *runner.TaskRegistry) *runner.Runner {
	var opts []runner.Option
	if a.redis != nil {
		opts = append(opts, runner.WithLocker(lock.NewRedisLocker(a.redis, "", a.cfg.Redis.LockTTL)))
	}
	return runner.NewRunner(reg, opts...)
}

// Close releases everything newApp opened.
func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.logs != nil {
		a.logs.Close()
	}
}
