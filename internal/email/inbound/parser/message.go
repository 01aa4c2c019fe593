package parser

import (
	"net/mail"
	"regexp"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"
)

func init() {
	gomessage.CharsetReader = htmlcharset.NewReaderLabel
}

var bareAddressPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

// InboundMessage is the decoded form of one fetched mail.
type InboundMessage struct {
	FromAddress string
	FromName    string
	To          []string
	Subject     string
	Date        time.Time
	MessageID   string
	InReplyTo   string
	References  []string
	Body        string
	Attachments []Attachment
	Header      gomail.Header
	RawHeader   string
	Warnings    []string
}

// ParseMessage decodes raw into an InboundMessage. Body and attachment
// problems degrade into Warnings; only an unreadable header fails.
func ParseMessage(raw []byte) (*InboundMessage, error) {
	tree, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	h := gomail.Header{Header: gomessage.Header{Header: tree.Header}}
	msg := &InboundMessage{
		Header:    h,
		RawHeader: tree.RawHeader,
		Subject:   DecodeHeaderString(ExtractHeader(tree.RawHeader, "Subject")),
		Warnings:  append([]string(nil), tree.Warnings...),
	}

	msg.FromAddress, msg.FromName = parseSender(h, tree.RawHeader)
	if to, err := h.AddressList("To"); err == nil {
		for _, addr := range to {
			msg.To = append(msg.To, strings.ToLower(addr.Address))
		}
	}
	if date, err := h.Date(); err == nil {
		msg.Date = date
	}

	threading := ThreadingHeaders(tree.RawHeader)
	msg.MessageID = threading.MessageID
	msg.InReplyTo = threading.InReplyTo
	msg.References = threading.References

	msg.Body = body(tree.Root, &msg.Warnings)
	msg.Attachments = attachments(tree.Root, &msg.Warnings)
	return msg, nil
}

func parseSender(h gomail.Header, rawHeader string) (address, name string) {
	if list, err := h.AddressList("From"); err == nil && len(list) > 0 {
		return strings.ToLower(list[0].Address), list[0].Name
	}
	raw := DecodeHeaderString(ExtractHeader(rawHeader, "From"))
	if addr, err := mail.ParseAddress(raw); err == nil {
		return strings.ToLower(addr.Address), addr.Name
	}
	if m := bareAddressPattern.FindString(raw); m != "" {
		return strings.ToLower(m), strings.TrimSpace(strings.Trim(strings.Replace(raw, m, "", 1), `"<> `))
	}
	return "", raw
}

// Automated reports whether the message carries the usual auto-reply or
// bulk markers.
func (m *InboundMessage) Automated() bool {
	if v := strings.ToLower(m.Header.Get("Auto-Submitted")); v != "" && v != "no" {
		return true
	}
	switch strings.ToLower(m.Header.Get("Precedence")) {
	case "bulk", "junk", "list", "auto_reply":
		return true
	}
	return m.Header.Get("X-Autoreply") != "" || m.Header.Get("X-Autorespond") != ""
}
