package parser

import (
	"io"
	"mime"
	"regexp"
	"strings"

	htmlcharset "golang.org/x/net/html/charset"
)

var (
	encodedWordPattern = regexp.MustCompile(`=\?[^?\s]+\?[bBqQ]\?[^?\s]*\?=`)
	encodedWordGap     = regexp.MustCompile(`(\?=)[ \t\r\n]+(=\?)`)
	foldPattern        = regexp.MustCompile(`\r?\n[ \t]+`)
	messageIDPattern   = regexp.MustCompile(`<([^<>]+)>`)

	wordDecoder = &mime.WordDecoder{CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}}
)

// DecodeHeaderString decodes RFC 2047 encoded words one at a time. Words
// that fail to decode are left as they were.
func DecodeHeaderString(raw string) string {
	if !strings.Contains(raw, "=?") {
		return strings.ToValidUTF8(raw, "")
	}
	joined := encodedWordGap.ReplaceAllString(raw, "$1$2")
	decoded := encodedWordPattern.ReplaceAllStringFunc(joined, func(word string) string {
		out, err := wordDecoder.Decode(word)
		if err != nil {
			return word
		}
		return out
	})
	return strings.ToValidUTF8(decoded, "")
}

// ExtractHeader returns the first value of header name from a raw header
// block, with folded continuation lines joined into one line. It returns ""
// when the header is absent.
func ExtractHeader(rawHeaders, name string) string {
	re, err := regexp.Compile(`(?im)^` + regexp.QuoteMeta(name) + `[ \t]*:[ \t]*(.*(?:\r?\n[ \t]+.*)*)`)
	if err != nil {
		return ""
	}
	m := re.FindStringSubmatch(rawHeaders)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(foldPattern.ReplaceAllString(m[1], " "), "\r"))
}

// Threading holds the headers used to attach a message to an existing ticket.
type Threading struct {
	MessageID  string
	InReplyTo  string
	References []string
}

// ThreadingHeaders pulls Message-ID, In-Reply-To and References out of a raw
// header block. Identifiers are returned without angle brackets.
func ThreadingHeaders(rawHeaders string) Threading {
	t := Threading{
		MessageID: firstMessageID(ExtractHeader(rawHeaders, "Message-ID")),
		InReplyTo: firstMessageID(ExtractHeader(rawHeaders, "In-Reply-To")),
	}
	t.References = ParseMessageIDs(ExtractHeader(rawHeaders, "References"))
	return t
}

// ParseMessageIDs splits a References style value into identifiers. Values
// without angle brackets are split on whitespace.
func ParseMessageIDs(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	var ids []string
	if matches := messageIDPattern.FindAllStringSubmatch(value, -1); len(matches) > 0 {
		for _, m := range matches {
			ids = append(ids, m[1])
		}
	} else {
		ids = strings.Fields(value)
	}
	return uniqueMessageIDs(ids)
}

// NormalizeMessageID strips whitespace and angle brackets.
func NormalizeMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

func firstMessageID(value string) string {
	ids := ParseMessageIDs(value)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func uniqueMessageIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = NormalizeMessageID(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
