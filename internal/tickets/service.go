package tickets

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/xeonx/timeago"

	"github.com/gotrs-io/shopdesk/internal/email/inbound/classifier"
	"github.com/gotrs-io/shopdesk/internal/email/inbound/parser"
	"github.com/gotrs-io/shopdesk/internal/mailqueue"
	"github.com/gotrs-io/shopdesk/internal/metrics"
	"github.com/gotrs-io/shopdesk/internal/models"
)

const (
	defaultSubject         = "(no subject)"
	defaultAttachmentLimit = 25 * 1024 * 1024
)

// ErrNoOutbox is returned by Reply when no outbound queue is configured.
var ErrNoOutbox = errors.New("no outbound queue configured")

// ErrEmptyReply is returned when an operator reply has no body.
var ErrEmptyReply = errors.New("reply body is empty")

// ErrAttachmentNotAllowed is returned when an operator reply names a file
// outside the attachment store.
var ErrAttachmentNotAllowed = errors.New("attachment is not in the attachment store")

// Store is the persistence the service needs.
type Store interface {
	Finder
	MessageIDKnown(ctx context.Context, messageID string) (bool, error)
	OpenTicket(ctx context.Context, t *models.Ticket, first *models.Reply) error
	GetTicket(ctx context.Context, id int64) (*models.Ticket, error)
	UpdateStatus(ctx context.Context, id int64, status models.TicketStatus) error
	UpdateTicketLinks(ctx context.Context, id int64, customerID, orderID *int64) error
	AddReply(ctx context.Context, reply *models.Reply) error
	// AppendReply stores reply, the optional status change and the optional
	// note atomically.
	AppendReply(ctx context.Context, reply *models.Reply, status models.TicketStatus, note *models.Reply) error
	ListReplies(ctx context.Context, ticketID int64) ([]*models.Reply, error)
	AddAttachment(ctx context.Context, a *models.Attachment) error
}

// Analyzer classifies a message. It never fails.
type Analyzer interface {
	Analyze(ctx context.Context, in classifier.Input) classifier.Analysis
}

// Outbox accepts mail for later delivery.
type Outbox interface {
	Enqueue(ctx context.Context, e mailqueue.Email) (int64, error)
}

// AttachmentWriter stores attachment content for a ticket.
type AttachmentWriter interface {
	Write(ctx context.Context, ticketID int64, filename string, content []byte) (storedPath, checksum string, err error)
}

// AttachmentResolver maps an operator-supplied path to a stored file.
type AttachmentResolver interface {
	Resolve(path string) (string, error)
}

// Action says what Ingest did with a message.
type Action string

const (
	ActionNewTicket Action = "new_ticket"
	ActionFollowUp  Action = "follow_up"
	ActionDuplicate Action = "duplicate"
)

// Outcome describes one ingested message.
type Outcome struct {
	TicketID int64
	ReplyID  int64
	Action   Action
	Match    MatchKind
	Reopened bool
	Analysis classifier.Analysis
}

// ReplyInput is an operator's answer to a ticket.
type ReplyInput struct {
	Body        string
	AuthorEmail string
	AuthorName  string
	Attachments []string
}

// ReplyResult reports the stored reply and its queued email.
type ReplyResult struct {
	ReplyID   int64               `json:"reply_id"`
	QueueID   int64               `json:"queue_id"`
	MessageID string              `json:"message_id"`
	Status    models.TicketStatus `json:"status"`
}

// Service turns inbound mail into tickets and operator actions into mail.
type Service struct {
	store           Store
	resolver        *Resolver
	analyzer        Analyzer
	outbox          Outbox
	attachments     AttachmentWriter
	attachmentLimit int64
	files           AttachmentResolver
	acknowledge     bool
	supportAddress  string
	supportName     string
	messageIDDomain string
	now             func() time.Time
	logger          *log.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithOutbox sets the queue operator replies and acknowledgements go to.
func WithOutbox(o Outbox) Option {
	return func(s *Service) {
		s.outbox = o
	}
}

// WithAttachmentWriter stores inbound attachments up to maxSize bytes each.
// A non-positive maxSize keeps the default limit.
func WithAttachmentWriter(w AttachmentWriter, maxSize int64) Option {
	return func(s *Service) {
		s.attachments = w
		if maxSize > 0 {
			s.attachmentLimit = maxSize
		}
	}
}

// WithAttachmentResolver lets operator replies attach files from the
// attachment store. Without it, replies with attachments are rejected.
func WithAttachmentResolver(r AttachmentResolver) Option {
	return func(s *Service) {
		s.files = r
	}
}

// WithAcknowledgement sends a receipt to the customer for each new ticket.
func WithAcknowledgement(enabled bool) Option {
	return func(s *Service) {
		s.acknowledge = enabled
	}
}

// WithSupportIdentity sets the address and name used on system replies and
// the domain of generated Message-IDs.
func WithSupportIdentity(address, name, messageIDDomain string) Option {
	return func(s *Service) {
		s.supportAddress = strings.ToLower(strings.TrimSpace(address))
		s.supportName = name
		s.messageIDDomain = messageIDDomain
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger overrides the diagnostics logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService wires a Service.
func NewService(store Store, analyzer Analyzer, opts ...Option) *Service {
	s := &Service{
		store:           store,
		resolver:        NewResolver(store),
		analyzer:        analyzer,
		attachmentLimit: defaultAttachmentLimit,
		supportName:     "Support",
		now:             time.Now,
		logger:          log.New(log.Writer(), "[TICKETS] ", log.LstdFlags),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.messageIDDomain == "" {
		s.messageIDDomain = domainOf(s.supportAddress)
	}
	return s
}

// Ingest files msg under an existing ticket or opens a new one. A message
// whose Message-ID is already stored is reported as a duplicate.
func (s *Service) Ingest(ctx context.Context, msg *parser.InboundMessage) (Outcome, error) {
	if msg.MessageID != "" {
		known, err := s.store.MessageIDKnown(ctx, msg.MessageID)
		if err != nil {
			return Outcome{}, err
		}
		if known {
			return Outcome{Action: ActionDuplicate}, nil
		}
	}

	ticket, match, err := s.resolver.Resolve(ctx, msg)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to resolve ticket for %s: %w", msg.FromAddress, err)
	}

	analysis := s.classify(ctx, msg)
	if ticket != nil {
		return s.followUp(ctx, ticket, match, msg, analysis)
	}
	return s.open(ctx, msg, analysis)
}

func (s *Service) classify(ctx context.Context, msg *parser.InboundMessage) classifier.Analysis {
	var a classifier.Analysis
	if s.analyzer == nil {
		a = classifier.DefaultAnalysis()
	} else {
		a = s.analyzer.Analyze(ctx, classifier.Input{
			FromAddress: msg.FromAddress,
			Subject:     msg.Subject,
			Body:        msg.Body,
		})
	}
	metrics.Classifications.WithLabelValues(string(a.Source), string(a.Category)).Inc()
	return a
}

func (s *Service) open(ctx context.Context, msg *parser.InboundMessage, a classifier.Analysis) (Outcome, error) {
	subject := strings.TrimSpace(msg.Subject)
	if subject == "" {
		subject = defaultSubject
	}
	t := &models.Ticket{
		Subject:    subject,
		Status:     models.TicketStatusNew,
		Category:   string(a.Category),
		Urgency:    string(a.Urgency),
		Tone:       string(a.Tone),
		KeyIssues:  models.StringList(a.KeyIssues),
		FromEmail:  msg.FromAddress,
		FromName:   msg.FromName,
		CustomerID: a.CustomerID,
		OrderID:    a.OrderID,
		MessageID:  msg.MessageID,
	}
	reply := s.customerReply(0, msg)
	if err := s.store.OpenTicket(ctx, t, reply); err != nil {
		return Outcome{}, err
	}
	s.saveAttachments(ctx, t.ID, reply.ID, msg.Attachments)
	metrics.TicketTransitions.WithLabelValues("", string(t.Status)).Inc()
	s.logger.Printf("opened ticket %d for %s (%s/%s)", t.ID, t.FromEmail, t.Category, t.Urgency)

	if s.acknowledge {
		if err := s.sendAcknowledgement(ctx, t, msg); err != nil {
			s.logger.Printf("acknowledgement for ticket %d not queued: %v", t.ID, err)
		}
	}
	return Outcome{TicketID: t.ID, ReplyID: reply.ID, Action: ActionNewTicket, Match: MatchNone, Analysis: a}, nil
}

func (s *Service) followUp(ctx context.Context, t *models.Ticket, match MatchKind, msg *parser.InboundMessage, a classifier.Analysis) (Outcome, error) {
	next, reopened, err := Transition(t.Status, EventCustomerReply)
	if err != nil {
		return Outcome{}, err
	}

	var status models.TicketStatus
	if next != t.Status {
		status = next
	}
	var note *models.Reply
	if reopened {
		note = &models.Reply{
			TicketID:    t.ID,
			AuthorType:  models.AuthorSystem,
			AuthorEmail: s.supportAddress,
			AuthorName:  s.supportName,
			Body: fmt.Sprintf("Ticket reopened by a reply from %s. It was %s, last updated %s.",
				msg.FromAddress, t.Status, timeago.English.FormatReference(t.UpdatedAt, s.now())),
		}
	}

	reply := s.customerReply(t.ID, msg)
	if err := s.store.AppendReply(ctx, reply, status, note); err != nil {
		return Outcome{}, err
	}
	s.saveAttachments(ctx, t.ID, reply.ID, msg.Attachments)
	if status != "" {
		metrics.TicketTransitions.WithLabelValues(string(t.Status), string(next)).Inc()
	}
	if reopened {
		s.logger.Printf("reopened ticket %d (was %s)", t.ID, t.Status)
	}

	if (t.CustomerID == nil && a.CustomerID != nil) || (t.OrderID == nil && a.OrderID != nil) {
		if err := s.store.UpdateTicketLinks(ctx, t.ID, a.CustomerID, a.OrderID); err != nil {
			s.logger.Printf("ticket %d links not updated: %v", t.ID, err)
		}
	}
	return Outcome{TicketID: t.ID, ReplyID: reply.ID, Action: ActionFollowUp, Match: match, Reopened: reopened, Analysis: a}, nil
}

func (s *Service) customerReply(ticketID int64, msg *parser.InboundMessage) *models.Reply {
	return &models.Reply{
		TicketID:    ticketID,
		AuthorType:  models.AuthorCustomer,
		AuthorEmail: msg.FromAddress,
		AuthorName:  msg.FromName,
		Body:        msg.Body,
		MessageID:   msg.MessageID,
	}
}

func (s *Service) saveAttachments(ctx context.Context, ticketID, replyID int64, atts []parser.Attachment) {
	if s.attachments == nil {
		return
	}
	for _, att := range atts {
		if int64(len(att.Content)) > s.attachmentLimit {
			s.logger.Printf("ticket %d: skipping attachment %q (%d bytes over limit)", ticketID, att.Filename, len(att.Content))
			continue
		}
		path, checksum, err := s.attachments.Write(ctx, ticketID, att.Filename, att.Content)
		if err != nil {
			s.logger.Printf("ticket %d: failed to store attachment %q: %v", ticketID, att.Filename, err)
			continue
		}
		rid := replyID
		rec := &models.Attachment{
			TicketID:    ticketID,
			ReplyID:     &rid,
			Filename:    att.Filename,
			StoredPath:  path,
			ContentType: att.ContentType,
			Size:        int64(len(att.Content)),
			Checksum:    checksum,
		}
		if err := s.store.AddAttachment(ctx, rec); err != nil {
			s.logger.Printf("ticket %d: failed to record attachment %q: %v", ticketID, att.Filename, err)
		}
	}
}

func (s *Service) sendAcknowledgement(ctx context.Context, t *models.Ticket, msg *parser.InboundMessage) error {
	if s.outbox == nil {
		return ErrNoOutbox
	}
	if s.supportAddress != "" && strings.EqualFold(t.FromEmail, s.supportAddress) {
		return nil
	}
	messageID := mailqueue.GenerateMessageID(s.messageIDDomain)
	name := t.FromName
	if name == "" {
		name = "there"
	}
	body := fmt.Sprintf("Hi %s,\n\nThanks for contacting %s. We received your message and opened ticket #%d.\n"+
		"Our team will get back to you shortly. Just reply to this email if you have anything to add.",
		name, s.supportName, t.ID)

	refs := append(append([]string(nil), msg.References...), msg.MessageID)
	if _, err := s.outbox.Enqueue(ctx, mailqueue.Email{
		To:      t.FromEmail,
		Subject: ReplySubject(t.Subject),
		Message: body,
		Headers: mailqueue.ThreadingHeaders(messageID, msg.MessageID, refs),
	}); err != nil {
		return err
	}
	return s.store.AddReply(ctx, &models.Reply{
		TicketID:    t.ID,
		AuthorType:  models.AuthorSystem,
		AuthorEmail: s.supportAddress,
		AuthorName:  s.supportName,
		Body:        body,
		MessageID:   parser.NormalizeMessageID(messageID),
	})
}

// Reply stores an operator reply, queues it to the customer threaded under
// the conversation and moves the ticket to pending.
func (s *Service) Reply(ctx context.Context, ticketID int64, in ReplyInput) (ReplyResult, error) {
	if strings.TrimSpace(in.Body) == "" {
		return ReplyResult{}, ErrEmptyReply
	}
	if s.outbox == nil {
		return ReplyResult{}, ErrNoOutbox
	}
	attachments, err := s.resolveAttachments(in.Attachments)
	if err != nil {
		return ReplyResult{}, err
	}
	t, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return ReplyResult{}, err
	}
	next, _, err := Transition(t.Status, EventOperatorReply)
	if err != nil {
		return ReplyResult{}, err
	}
	replies, err := s.store.ListReplies(ctx, ticketID)
	if err != nil {
		return ReplyResult{}, err
	}
	inReplyTo, refs := threadOf(t, replies)

	messageID := mailqueue.GenerateMessageID(s.messageIDDomain)
	author, authorName := in.AuthorEmail, in.AuthorName
	if author == "" {
		author = s.supportAddress
	}
	if authorName == "" {
		authorName = s.supportName
	}
	reply := &models.Reply{
		TicketID:    ticketID,
		AuthorType:  models.AuthorOperator,
		AuthorEmail: author,
		AuthorName:  authorName,
		Body:        in.Body,
		MessageID:   parser.NormalizeMessageID(messageID),
	}
	var status models.TicketStatus
	if next != t.Status {
		status = next
	}
	if err := s.store.AppendReply(ctx, reply, status, nil); err != nil {
		return ReplyResult{}, err
	}
	if status != "" {
		metrics.TicketTransitions.WithLabelValues(string(t.Status), string(next)).Inc()
	}

	queueID, err := s.outbox.Enqueue(ctx, mailqueue.Email{
		To:          t.FromEmail,
		Subject:     ReplySubject(t.Subject),
		Message:     in.Body,
		Headers:     mailqueue.ThreadingHeaders(messageID, inReplyTo, refs),
		Attachments: models.StringList(attachments),
	})
	if err != nil {
		return ReplyResult{}, fmt.Errorf("failed to queue reply for ticket %d: %w", ticketID, err)
	}
	return ReplyResult{ReplyID: reply.ID, QueueID: queueID, MessageID: reply.MessageID, Status: next}, nil
}

func (s *Service) resolveAttachments(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	if s.files == nil {
		return nil, ErrAttachmentNotAllowed
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		resolved, err := s.files.Resolve(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrAttachmentNotAllowed, p, err)
		}
		out = append(out, resolved)
	}
	return out, nil
}

// SetStatus applies an operator status change such as resolve or close.
func (s *Service) SetStatus(ctx context.Context, ticketID int64, status models.TicketStatus) (models.TicketStatus, error) {
	ev, err := EventForStatus(status)
	if err != nil {
		return "", err
	}
	t, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return "", err
	}
	next, _, err := Transition(t.Status, ev)
	if err != nil {
		return t.Status, err
	}
	if next == t.Status {
		return next, nil
	}
	if err := s.store.UpdateStatus(ctx, ticketID, next); err != nil {
		return "", err
	}
	metrics.TicketTransitions.WithLabelValues(string(t.Status), string(next)).Inc()
	s.logger.Printf("ticket %d: %s -> %s", ticketID, t.Status, next)
	return next, nil
}

// threadOf picks the id to answer, the latest customer message or else the
// ticket's own, and the References chain, oldest first.
func threadOf(t *models.Ticket, replies []*models.Reply) (string, []string) {
	inReplyTo := t.MessageID
	seen := map[string]struct{}{}
	var refs []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		refs = append(refs, id)
	}
	add(t.MessageID)
	for _, r := range replies {
		add(r.MessageID)
		if r.AuthorType == models.AuthorCustomer && r.MessageID != "" {
			inReplyTo = r.MessageID
		}
	}
	return inReplyTo, refs
}

// ReplySubject prefixes subject with "Re: " unless it already has one.
func ReplySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if len(subject) >= 3 && strings.EqualFold(subject[:3], "re:") {
		return subject
	}
	return "Re: " + subject
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[i+1:]
	}
	return ""
}
