package mailqueue

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/gabriel-vasile/mimetype"
)

// Threading header names carried in Email.Headers.
const (
	HeaderMessageID  = "Message-ID"
	HeaderInReplyTo  = "In-Reply-To"
	HeaderReferences = "References"
)

var storedNamePrefix = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}-`)

// ErrNoAttachmentReader is returned when a row lists attachments but no
// reader was given to load them.
var ErrNoAttachmentReader = errors.New("no attachment reader configured")

// AttachmentReader loads attachment content by stored path.
type AttachmentReader interface {
	Read(path string) ([]byte, error)
}

// Body is the rendered content of an outbound email.
type Body struct {
	Text string
	HTML string
}

// GenerateMessageID creates a unique Message-ID, angle brackets included.
func GenerateMessageID(domain string) string {
	randomBytes := make([]byte, 8)
	rand.Read(randomBytes)
	if domain == "" {
		domain = "localhost"
	}
	return fmt.Sprintf("<%d.%s@%s>", time.Now().Unix(), hex.EncodeToString(randomBytes), domain)
}

// ThreadingHeaders builds the headers that make a reply thread under the
// conversation. references is oldest first; ids may carry angle brackets.
func ThreadingHeaders(messageID, inReplyTo string, references []string) Headers {
	h := Headers{}
	if messageID != "" {
		h[HeaderMessageID] = bracket(messageID)
	}
	if inReplyTo != "" {
		h[HeaderInReplyTo] = bracket(inReplyTo)
	}
	var refs []string
	for _, r := range references {
		if r = strings.TrimSpace(r); r != "" {
			refs = append(refs, bracket(r))
		}
	}
	if len(refs) > 0 {
		h[HeaderReferences] = strings.Join(refs, " ")
	}
	return h
}

// Compose renders e as an RFC 5322 message from the given sender. A
// Message-ID is generated when e.Headers has none. Attachments listed on the
// row are loaded through files.
func Compose(from *mail.Address, e *Email, body Body, files AttachmentReader, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{from})
	to, err := mail.ParseAddress(e.To)
	if err != nil {
		return nil, fmt.Errorf("parse recipient: %w", err)
	}
	h.SetAddressList("To", []*mail.Address{to})
	h.SetSubject(e.Subject)
	h.Set("MIME-Version", "1.0")

	keys := make([]string, 0, len(e.Headers))
	for k := range e.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := e.Headers[k]
		switch strings.ToLower(k) {
		case "message-id":
			h.SetMessageID(unbracket(v))
		case "in-reply-to", "references":
			h.SetMsgIDList(k, splitIDs(v))
		default:
			h.Set(k, v)
		}
	}
	if h.Get("Message-Id") == "" {
		h.SetMessageID(unbracket(GenerateMessageID(domainOf(from.Address))))
	}

	var buf bytes.Buffer
	if len(e.Attachments) == 0 {
		if err := writeSingle(&buf, h, body); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	if files == nil {
		return nil, ErrNoAttachmentReader
	}
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message writer: %w", err)
	}
	if err := writeInline(mw, body); err != nil {
		return nil, err
	}
	for _, path := range e.Attachments {
		if err := writeAttachment(mw, files, path); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSingle(w io.Writer, h mail.Header, body Body) error {
	if body.HTML != "" && body.Text != "" {
		iw, err := mail.CreateInlineWriter(w, h)
		if err != nil {
			return fmt.Errorf("create body writer: %w", err)
		}
		if err := writeAlternatives(iw, body); err != nil {
			return err
		}
		return iw.Close()
	}

	content, mediaType := body.Text, "text/plain"
	if body.HTML != "" {
		content, mediaType = body.HTML, "text/html"
	}
	h.SetContentType(mediaType, map[string]string{"charset": "utf-8"})
	pw, err := mail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return fmt.Errorf("create body writer: %w", err)
	}
	if _, err := io.WriteString(pw, content); err != nil {
		return err
	}
	return pw.Close()
}

func writeInline(mw *mail.Writer, body Body) error {
	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("create inline part: %w", err)
	}
	if err := writeAlternatives(iw, body); err != nil {
		return err
	}
	return iw.Close()
}

func writeAlternatives(iw *mail.InlineWriter, body Body) error {
	parts := []struct{ mediaType, content string }{
		{"text/plain", body.Text},
		{"text/html", body.HTML},
	}
	for _, p := range parts {
		if p.content == "" {
			continue
		}
		var ih mail.InlineHeader
		ih.SetContentType(p.mediaType, map[string]string{"charset": "utf-8"})
		pw, err := iw.CreatePart(ih)
		if err != nil {
			return fmt.Errorf("create %s part: %w", p.mediaType, err)
		}
		if _, err := io.WriteString(pw, p.content); err != nil {
			return err
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}
	return nil
}

func writeAttachment(mw *mail.Writer, files AttachmentReader, path string) error {
	data, err := files.Read(path)
	if err != nil {
		return fmt.Errorf("read attachment %s: %w", path, err)
	}
	var ah mail.AttachmentHeader
	ah.SetContentType(mimetype.Detect(data).String(), nil)
	ah.SetFilename(storedNamePrefix.ReplaceAllString(filepath.Base(path), ""))
	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("create attachment part: %w", err)
	}
	if _, err := aw.Write(data); err != nil {
		return err
	}
	return aw.Close()
}

func bracket(id string) string {
	return "<" + unbracket(id) + ">"
}

func unbracket(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

func splitIDs(v string) []string {
	var out []string
	for _, f := range strings.Fields(v) {
		if id := unbracket(f); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[i+1:]
	}
	return ""
}
