package tasks

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/shopdesk/internal/config"
	"github.com/gotrs-io/shopdesk/internal/email/inbound/connector"
	"github.com/gotrs-io/shopdesk/internal/mailqueue"
)

type fakeQueue struct {
	drained   int
	limit     int
	drainErr  error
	retention time.Duration
	purged    bool
}

func (q *fakeQueue) Drain(_ context.Context, limit int) (int, error) {
	q.limit = limit
	return q.drained, q.drainErr
}

func (q *fakeQueue) Purge(_ context.Context, retention time.Duration) (int64, error) {
	q.purged = true
	q.retention = retention
	return 2, nil
}

func (q *fakeQueue) Status(context.Context) (*mailqueue.QueueStatus, error) {
	return &mailqueue.QueueStatus{}, nil
}

func quietTask[T interface{ setLogger(*log.Logger) }](t T) T {
	t.setLogger(log.New(io.Discard, "", 0))
	return t
}

func (t *EmailQueueTask) setLogger(l *log.Logger) { t.logger = l }
func (t *MailFetchTask) setLogger(l *log.Logger)  { t.logger = l }

func TestEmailQueueTaskDefaults(t *testing.T) {
	task := NewEmailQueueTask(&fakeQueue{}, config.QueueConfig{})
	assert.Equal(t, EmailQueueTaskName, task.Name())
	assert.Equal(t, "0 */5 * * * *", task.Schedule())
	assert.Equal(t, 5*time.Minute, task.Timeout())
}

func TestEmailQueueTaskDrainsThenPurges(t *testing.T) {
	q := &fakeQueue{drained: 3}
	task := quietTask(NewEmailQueueTask(q, config.QueueConfig{BatchSize: 20, RetentionDays: 30}).(*EmailQueueTask))

	require.NoError(t, task.Run(context.Background()))
	assert.Equal(t, 20, q.limit)
	assert.True(t, q.purged)
	assert.Equal(t, 30*24*time.Hour, q.retention)
}

func TestEmailQueueTaskStopsOnDrainError(t *testing.T) {
	boom := errors.New("db gone")
	q := &fakeQueue{drainErr: boom}
	task := quietTask(NewEmailQueueTask(q, config.QueueConfig{RetentionDays: 30}).(*EmailQueueTask))

	assert.ErrorIs(t, task.Run(context.Background()), boom)
	assert.False(t, q.purged)
}

type scriptedFetcher struct {
	messages []*connector.FetchedMessage
	handled  []error
}

func (f *scriptedFetcher) Name() string { return "scripted" }

func (f *scriptedFetcher) Fetch(ctx context.Context, account connector.Account, handler connector.Handler) error {
	for _, m := range f.messages {
		f.handled = append(f.handled, handler.Handle(ctx, m))
	}
	return nil
}

func TestMailFetchTaskHandsMessagesToHandler(t *testing.T) {
	fetcher := &scriptedFetcher{messages: []*connector.FetchedMessage{{UID: "1"}, {UID: "2"}}}
	factory := connector.NewFactory(connector.WithFetcher(fetcher, "pop3s"))
	var seen []string
	handler := connector.HandlerFunc(func(_ context.Context, m *connector.FetchedMessage) error {
		seen = append(seen, m.UID)
		if m.UID == "2" {
			return errors.New("store failed")
		}
		return nil
	})
	acc := connector.Account{Name: "support", Type: "pop3s", Host: "mail.example.com", Username: "u", Password: []byte("p")}

	task := quietTask(NewMailFetchTask(factory, acc, handler, config.MailboxConfig{}).(*MailFetchTask))
	require.NoError(t, task.Run(context.Background()))
	assert.Equal(t, []string{"1", "2"}, seen)
	require.Len(t, fetcher.handled, 2)
	assert.NoError(t, fetcher.handled[0])
	assert.Error(t, fetcher.handled[1])
	assert.Equal(t, "0 */15 * * * *", task.Schedule())
}

func TestMailFetchTaskRequiresCredentialsAndSupportedType(t *testing.T) {
	factory := connector.NewFactory()
	noop := connector.HandlerFunc(func(context.Context, *connector.FetchedMessage) error { return nil })

	task := quietTask(NewMailFetchTask(factory, connector.Account{Type: "imap"}, noop, config.MailboxConfig{}).(*MailFetchTask))
	require.Error(t, task.Run(context.Background()))

	acc := connector.Account{Type: "exchange", Username: "u", Password: []byte("p")}
	task = quietTask(NewMailFetchTask(factory, acc, noop, config.MailboxConfig{}).(*MailFetchTask))
	require.Error(t, task.Run(context.Background()))
}

func TestAccountFromConfig(t *testing.T) {
	acc, err := AccountFromConfig(config.MailboxConfig{
		Spec:     "{mail.example.com:995/pop3/ssl/novalidate-cert}INBOX",
		Username: "support@example.com",
		Password: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "pop3s", acc.Type)
	assert.Equal(t, "mail.example.com", acc.Host)
	assert.Equal(t, 995, acc.Port)
	assert.True(t, acc.SkipCertVerify)
	assert.True(t, acc.HasCredentials())

	acc, err = AccountFromConfig(config.MailboxConfig{Type: "IMAPS", Host: "imap.example.com", Port: 993, Username: "u", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, "imaps", acc.Type)
	assert.Equal(t, "INBOX", acc.Folder)

	_, err = AccountFromConfig(config.MailboxConfig{Host: "x"})
	require.Error(t, err)
	_, err = AccountFromConfig(config.MailboxConfig{Spec: "not-a-spec"})
	require.Error(t, err)
}
