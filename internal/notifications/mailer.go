package notifications

import (
	"context"
	"fmt"
	"log"
	"net/mail"
	"time"

	"golang.org/x/time/rate"

	"github.com/gotrs-io/shopdesk/internal/config"
	"github.com/gotrs-io/shopdesk/internal/mailqueue"
)

// Mailer is the queue's Sender: it renders, composes and transmits one row.
type Mailer struct {
	from      *mail.Address
	transport Transport
	branding  *Branding
	files     mailqueue.AttachmentReader
	limiter   *rate.Limiter
	now       func() time.Time
	logger    *log.Logger
}

// MailerOption customizes a Mailer.
type MailerOption func(*Mailer)

// WithMailerClock overrides the Date header clock.
func WithMailerClock(now func() time.Time) MailerOption {
	return func(m *Mailer) {
		if now != nil {
			m.now = now
		}
	}
}

// WithAttachmentReader sets where queued attachment paths are loaded from.
// Without one, rows carrying attachments fail to compose.
func WithAttachmentReader(r mailqueue.AttachmentReader) MailerOption {
	return func(m *Mailer) {
		m.files = r
	}
}

// WithRateLimit caps sends per second. A non-positive limit disables it.
func WithRateLimit(perSecond float64, burst int) MailerOption {
	return func(m *Mailer) {
		if perSecond <= 0 {
			m.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewMailer builds a Mailer sending as cfg.From.
func NewMailer(cfg config.SMTPConfig, transport Transport, branding *Branding, opts ...MailerOption) (*Mailer, error) {
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("invalid smtp.from %q: %w", cfg.From, err)
	}
	if cfg.FromName != "" {
		from.Name = cfg.FromName
	}
	if branding == nil {
		if branding, err = NewBranding(config.BrandingConfig{}); err != nil {
			return nil, err
		}
	}
	m := &Mailer{
		from:      from,
		transport: transport,
		branding:  branding,
		now:       time.Now,
		logger:    log.New(log.Writer(), "[MAILER] ", log.LstdFlags),
	}
	WithRateLimit(cfg.RateLimit, cfg.RateBurst)(m)
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Send implements mailqueue.Sender.
func (m *Mailer) Send(ctx context.Context, e *mailqueue.Email) error {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	body, err := m.branding.Render(e.Subject, e.Message)
	if err != nil {
		return err
	}
	raw, err := mailqueue.Compose(m.from, e, body, m.files, m.now())
	if err != nil {
		return fmt.Errorf("failed to compose email %d: %w", e.ID, err)
	}
	if err := m.transport.SendRaw(ctx, m.from.Address, []string{e.To}, raw); err != nil {
		return err
	}
	m.logger.Printf("sent email %d to %s", e.ID, e.To)
	return nil
}
