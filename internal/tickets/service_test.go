package tickets

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/shopdesk/internal/database"
	"github.com/gotrs-io/shopdesk/internal/email/inbound/classifier"
	"github.com/gotrs-io/shopdesk/internal/email/inbound/parser"
	"github.com/gotrs-io/shopdesk/internal/mailqueue"
	"github.com/gotrs-io/shopdesk/internal/models"
	"github.com/gotrs-io/shopdesk/internal/repository"
	"github.com/gotrs-io/shopdesk/internal/storage"
)

type recordingOutbox struct {
	emails []mailqueue.Email
}

func (o *recordingOutbox) Enqueue(_ context.Context, e mailqueue.Email) (int64, error) {
	o.emails = append(o.emails, e)
	return int64(len(o.emails)), nil
}

type memoryAttachments struct {
	files map[string][]byte
}

func (m *memoryAttachments) Write(_ context.Context, ticketID int64, filename string, content []byte) (string, string, error) {
	if m.files == nil {
		m.files = map[string][]byte{}
	}
	path := fmt.Sprintf("ticket-%d/%s", ticketID, filename)
	m.files[path] = content
	return path, "sum-" + filename, nil
}

type fixture struct {
	svc      *Service
	db       *database.DB
	store    *repository.SupportTicketRepository
	commerce *repository.CommerceRepository
	outbox   *recordingOutbox
	files    *memoryAttachments
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db := database.NewTestDB(t)
	f := &fixture{
		db:       db,
		store:    repository.NewSupportTicketRepository(db),
		commerce: repository.NewCommerceRepository(db),
		outbox:   &recordingOutbox{},
		files:    &memoryAttachments{},
	}
	quiet := log.New(io.Discard, "", 0)
	analyzer := classifier.New(classifier.WithDirectory(f.commerce), classifier.WithLogger(quiet))
	base := []Option{
		WithOutbox(f.outbox),
		WithAttachmentWriter(f.files, 1024),
		WithSupportIdentity("support@shop.example", "Tee Shop Support", ""),
		WithClock(func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }),
		WithLogger(quiet),
	}
	f.svc = NewService(f.store, analyzer, append(base, opts...)...)
	return f
}

func (f *fixture) seedTicket(t *testing.T, messageID string, status models.TicketStatus) *models.Ticket {
	t.Helper()
	ctx := context.Background()
	tk := &models.Ticket{Subject: "Order #1085 issue", FromEmail: "jane@example.com", FromName: "Jane", MessageID: messageID}
	require.NoError(t, f.store.CreateTicket(ctx, tk))
	if status != models.TicketStatusNew {
		require.NoError(t, f.store.UpdateStatus(ctx, tk.ID, status))
		tk.Status = status
	}
	return tk
}

func countAuthors(replies []*models.Reply, kind models.AuthorType) int {
	n := 0
	for _, r := range replies {
		if r.AuthorType == kind {
			n++
		}
	}
	return n
}

func TestIngestOpensTicketWithAnalysis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.commerce.SaveOrder(ctx, &models.Order{ID: 2001, BillingEmail: "ada@example.com", Status: "processing"}))

	out, err := f.svc.Ingest(ctx, &parser.InboundMessage{
		FromAddress: "ada@example.com",
		FromName:    "Ada",
		Subject:     "Where is my order?",
		Body:        "Hi, order #2001 has not arrived yet. Still waiting!",
		MessageID:   "first@example.com",
		Attachments: []parser.Attachment{
			{Filename: "receipt.pdf", ContentType: "application/pdf", Content: []byte("%PDF-1.4")},
			{Filename: "huge.bin", ContentType: "application/octet-stream", Content: make([]byte, 4096)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, ActionNewTicket, out.Action)
	assert.Equal(t, MatchNone, out.Match)

	tk, err := f.store.GetTicket(ctx, out.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusNew, tk.Status)
	assert.Equal(t, "first@example.com", tk.MessageID)
	require.NotNil(t, tk.OrderID)
	assert.Equal(t, int64(2001), *tk.OrderID)
	assert.Equal(t, string(classifier.UrgencyHigh), tk.Urgency)

	replies, err := f.store.ListReplies(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, models.AuthorCustomer, replies[0].AuthorType)
	assert.Equal(t, "first@example.com", replies[0].MessageID)

	atts, err := f.store.ListAttachments(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "receipt.pdf", atts[0].Filename)
	require.NotNil(t, atts[0].ReplyID)
	assert.Equal(t, replies[0].ID, *atts[0].ReplyID)

	assert.Empty(t, f.outbox.emails)
}

func TestIngestInReplyToAppendsAndExtractsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.commerce.SaveOrder(ctx, &models.Order{ID: 1085, BillingEmail: "jane@example.com", Status: "shipped"}))
	tk := f.seedTicket(t, "orig-1@example.com", models.TicketStatusNew)

	out, err := f.svc.Ingest(ctx, &parser.InboundMessage{
		FromAddress: "jane@example.com",
		Subject:     "Re: Order #1085 issue",
		Body:        "<p>Any update on this?</p>",
		MessageID:   "followup-1@example.com",
		InReplyTo:   "orig-1@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionFollowUp, out.Action)
	assert.Equal(t, MatchInReplyTo, out.Match)
	assert.Equal(t, tk.ID, out.TicketID)
	require.NotNil(t, out.Analysis.OrderID)
	assert.Equal(t, int64(1085), *out.Analysis.OrderID)

	all, err := f.store.ListTickets(ctx, models.TicketFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	got, err := f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusOpen, got.Status)
	require.NotNil(t, got.OrderID)
	assert.Equal(t, int64(1085), *got.OrderID)

	replies, err := f.store.ListReplies(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "followup-1@example.com", replies[0].MessageID)
}

func TestIngestReopensResolvedTicketWithOneNote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.seedTicket(t, "orig-2@example.com", models.TicketStatusResolved)

	out, err := f.svc.Ingest(ctx, &parser.InboundMessage{
		FromAddress: "jane@example.com",
		Subject:     "Re: Order #1085 issue",
		Body:        "It broke again.",
		MessageID:   "again@example.com",
		InReplyTo:   "orig-2@example.com",
	})
	require.NoError(t, err)
	assert.True(t, out.Reopened)

	got, err := f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusOpen, got.Status)

	replies, err := f.store.ListReplies(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countAuthors(replies, models.AuthorSystem))
	assert.Equal(t, 1, countAuthors(replies, models.AuthorCustomer))
	for _, r := range replies {
		if r.AuthorType == models.AuthorSystem {
			assert.Contains(t, r.Body, "reopened")
		}
	}
}

func TestIngestReopenIsAtomicAcrossStoreFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.seedTicket(t, "orig-5@example.com", models.TicketStatusResolved)
	f.db.MustExec(`CREATE TRIGGER fail_reopen BEFORE UPDATE OF status ON support_tickets
		WHEN NEW.status = 'open' BEGIN SELECT RAISE(ABORT, 'db blip'); END`)

	msg := &parser.InboundMessage{
		FromAddress: "jane@example.com",
		Subject:     "Re: Order #1085 issue",
		Body:        "Still broken.",
		MessageID:   "retry-me@example.com",
		InReplyTo:   "orig-5@example.com",
	}
	_, err := f.svc.Ingest(ctx, msg)
	require.Error(t, err)

	replies, err := f.store.ListReplies(ctx, tk.ID)
	require.NoError(t, err)
	assert.Empty(t, replies, "failed reopen must not leave the customer reply behind")
	known, err := f.store.MessageIDKnown(ctx, "retry-me@example.com")
	require.NoError(t, err)
	assert.False(t, known)

	f.db.MustExec(`DROP TRIGGER fail_reopen`)
	out, err := f.svc.Ingest(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, ActionFollowUp, out.Action)
	assert.True(t, out.Reopened)

	got, err := f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusOpen, got.Status)
	replies, err = f.store.ListReplies(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countAuthors(replies, models.AuthorSystem))
	assert.Equal(t, 1, countAuthors(replies, models.AuthorCustomer))
}

func TestIngestNewTicketIsAtomicAcrossStoreFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.db.MustExec(`CREATE TRIGGER fail_reply BEFORE INSERT ON support_replies
		BEGIN SELECT RAISE(ABORT, 'db blip'); END`)

	msg := &parser.InboundMessage{FromAddress: "ada@example.com", Subject: "Wrong size", Body: "Sent an M, ordered an L.", MessageID: "first-try@example.com"}
	_, err := f.svc.Ingest(ctx, msg)
	require.Error(t, err)
	all, err := f.store.ListTickets(ctx, models.TicketFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)

	f.db.MustExec(`DROP TRIGGER fail_reply`)
	out, err := f.svc.Ingest(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, ActionNewTicket, out.Action)
	replies, err := f.store.ListReplies(ctx, out.TicketID)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "Sent an M, ordered an L.", replies[0].Body)
}

func TestIngestSkipsDuplicateMessageID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := &parser.InboundMessage{FromAddress: "ada@example.com", Subject: "Hello", Body: "hi", MessageID: "dup@example.com"}

	first, err := f.svc.Ingest(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, ActionNewTicket, first.Action)

	second, err := f.svc.Ingest(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, ActionDuplicate, second.Action)

	all, err := f.store.ListTickets(ctx, models.TicketFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestIngestSenderFallbackIgnoresClosedTickets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTicket(t, "old@example.com", models.TicketStatusClosed)

	out, err := f.svc.Ingest(ctx, &parser.InboundMessage{
		FromAddress: "jane@example.com",
		Subject:     "New question",
		Body:        "Do you ship to Canada?",
		MessageID:   "new-q@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionNewTicket, out.Action)

	out, err = f.svc.Ingest(ctx, &parser.InboundMessage{
		FromAddress: "jane@example.com",
		Subject:     "also",
		Body:        "And to Mexico?",
		MessageID:   "new-q2@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionFollowUp, out.Action)
	assert.Equal(t, MatchSender, out.Match)
}

func TestIngestAcknowledgesNewTickets(t *testing.T) {
	f := newFixture(t, WithAcknowledgement(true))
	ctx := context.Background()

	out, err := f.svc.Ingest(ctx, &parser.InboundMessage{
		FromAddress: "ada@example.com",
		FromName:    "Ada",
		Subject:     "Wrong size",
		Body:        "I got a small instead of a large.",
		MessageID:   "ws@example.com",
	})
	require.NoError(t, err)

	require.Len(t, f.outbox.emails, 1)
	ack := f.outbox.emails[0]
	assert.Equal(t, "ada@example.com", ack.To)
	assert.Equal(t, "Re: Wrong size", ack.Subject)
	assert.Equal(t, "<ws@example.com>", ack.Headers[mailqueue.HeaderInReplyTo])
	assert.True(t, strings.HasSuffix(ack.Headers[mailqueue.HeaderMessageID], "@shop.example>"))
	assert.Contains(t, ack.Message, fmt.Sprintf("ticket #%d", out.TicketID))

	// a reply to the acknowledgement threads back to the ticket
	ackID := parser.NormalizeMessageID(ack.Headers[mailqueue.HeaderMessageID])
	follow, err := f.svc.Ingest(ctx, &parser.InboundMessage{
		FromAddress: "ada@example.com",
		Subject:     "Re: Wrong size",
		Body:        "Photo attached.",
		MessageID:   "ws-2@example.com",
		InReplyTo:   ackID,
	})
	require.NoError(t, err)
	assert.Equal(t, out.TicketID, follow.TicketID)
	assert.Equal(t, MatchInReplyTo, follow.Match)
}

func TestReplyQueuesThreadedEmailAndPends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.seedTicket(t, "orig-3@example.com", models.TicketStatusOpen)
	require.NoError(t, f.store.AddReply(ctx, &models.Reply{
		TicketID: tk.ID, AuthorType: models.AuthorCustomer, AuthorEmail: "jane@example.com", MessageID: "cust-2@example.com",
	}))

	res, err := f.svc.Reply(ctx, tk.ID, ReplyInput{Body: "A replacement ships today."})
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusPending, res.Status)
	assert.Equal(t, int64(1), res.QueueID)

	require.Len(t, f.outbox.emails, 1)
	e := f.outbox.emails[0]
	assert.Equal(t, "jane@example.com", e.To)
	assert.Equal(t, "Re: Order #1085 issue", e.Subject)
	assert.Equal(t, "<cust-2@example.com>", e.Headers[mailqueue.HeaderInReplyTo])
	assert.Equal(t, "<orig-3@example.com> <cust-2@example.com>", e.Headers[mailqueue.HeaderReferences])
	assert.Equal(t, "<"+res.MessageID+">", e.Headers[mailqueue.HeaderMessageID])

	got, err := f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusPending, got.Status)

	replies, err := f.store.ListReplies(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.Equal(t, models.AuthorOperator, replies[1].AuthorType)
	assert.Equal(t, "support@shop.example", replies[1].AuthorEmail)
}

func TestReplyRequiresBodyAndOutbox(t *testing.T) {
	f := newFixture(t)
	tk := f.seedTicket(t, "orig-4@example.com", models.TicketStatusOpen)

	_, err := f.svc.Reply(context.Background(), tk.ID, ReplyInput{Body: "  "})
	require.Error(t, err)

	noOutbox := NewService(f.store, nil, WithLogger(log.New(io.Discard, "", 0)))
	_, err = noOutbox.Reply(context.Background(), tk.ID, ReplyInput{Body: "hi"})
	assert.ErrorIs(t, err, ErrNoOutbox)

	_, err = f.svc.Reply(context.Background(), 999, ReplyInput{Body: "hi"})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestReplyAttachmentsMustComeFromTheStore(t *testing.T) {
	files, err := storage.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	f := newFixture(t, WithAttachmentResolver(files))
	ctx := context.Background()
	tk := f.seedTicket(t, "orig-6@example.com", models.TicketStatusOpen)

	_, err = f.svc.Reply(ctx, tk.ID, ReplyInput{Body: "Label attached.", Attachments: []string{"/etc/passwd"}})
	assert.ErrorIs(t, err, ErrAttachmentNotAllowed)
	_, err = f.svc.Reply(ctx, tk.ID, ReplyInput{Body: "Label attached.", Attachments: []string{"../../etc/passwd"}})
	assert.ErrorIs(t, err, ErrAttachmentNotAllowed)
	assert.Empty(t, f.outbox.emails)
	replies, err := f.store.ListReplies(ctx, tk.ID)
	require.NoError(t, err)
	assert.Empty(t, replies)

	label, _, err := files.Write(ctx, tk.ID, "label.pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)
	_, err = f.svc.Reply(ctx, tk.ID, ReplyInput{Body: "Label attached.", Attachments: []string{label}})
	require.NoError(t, err)
	require.Len(t, f.outbox.emails, 1)
	require.Len(t, f.outbox.emails[0].Attachments, 1)
	assert.True(t, strings.HasSuffix(f.outbox.emails[0].Attachments[0], "-label.pdf"))

	noStore := NewService(f.store, nil, WithOutbox(f.outbox), WithLogger(log.New(io.Discard, "", 0)))
	_, err = noStore.Reply(ctx, tk.ID, ReplyInput{Body: "hi", Attachments: []string{label}})
	assert.ErrorIs(t, err, ErrAttachmentNotAllowed)
}

func TestSetStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.seedTicket(t, "orig-5@example.com", models.TicketStatusPending)

	got, err := f.svc.SetStatus(ctx, tk.ID, models.TicketStatusResolved)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusResolved, got)

	got, err = f.svc.SetStatus(ctx, tk.ID, models.TicketStatusClosed)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusClosed, got)

	_, err = f.svc.SetStatus(ctx, tk.ID, models.TicketStatusResolved)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	stored, err := f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusClosed, stored.Status)
}
