// Package parser turns raw RFC 5322 messages into a part tree and the
// inbound message shape the ticket pipeline consumes.
package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
)

const maxPartDepth = 24

// Part is either a *Leaf or a *Multipart.
type Part interface {
	isPart()
}

// Leaf is a single body part. Raw holds the content exactly as it appeared
// on the wire, still transfer-encoded.
type Leaf struct {
	Header      textproto.Header
	Type        string // "text", "image", "application", ...
	SubType     string // "html", "plain", "pdf", ...
	Params      map[string]string
	Encoding    string
	Charset     string
	Disposition string
	Filename    string
	ContentID   string
	Raw         []byte
}

// Multipart is a container part.
type Multipart struct {
	Header   textproto.Header
	SubType  string // "mixed", "alternative", "related", ...
	Children []Part
}

func (*Leaf) isPart()      {}
func (*Multipart) isPart() {}

// MediaType returns "type/subtype".
func (l *Leaf) MediaType() string {
	return l.Type + "/" + l.SubType
}

// IsAttachment reports whether the leaf should be surfaced as a file rather
// than as body text.
func (l *Leaf) IsAttachment() bool {
	return l.Disposition == "attachment" || l.Filename != ""
}

// Decoded returns the content with its transfer encoding removed.
func (l *Leaf) Decoded() ([]byte, error) {
	return DecodeTransfer(l.Encoding, l.Raw)
}

// Text returns the decoded content converted to UTF-8.
func (l *Leaf) Text() (string, error) {
	data, err := l.Decoded()
	if err != nil {
		return "", err
	}
	return ToUTF8(data, l.Charset), nil
}

// Tree is a parsed message: its top-level header, the raw header block and
// the root part.
type Tree struct {
	Header    textproto.Header
	RawHeader string
	Root      Part
	Warnings  []string
}

// Parse reads raw into a part tree. Malformed top-level header lines are
// dropped with a warning; only a header that stays unreadable after that is
// an error. Damaged bodies are kept as far as they could be read and the
// problem is reported in Warnings.
func Parse(raw []byte) (*Tree, error) {
	t := &Tree{}
	h, body, err := readEntity(raw)
	if err != nil {
		cleaned, dropped := dropMalformedHeaderLines(raw)
		if dropped == 0 {
			return nil, fmt.Errorf("read header: %w", err)
		}
		if h, body, err = readEntity(cleaned); err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		t.Warnings = append(t.Warnings, fmt.Sprintf("dropped %d malformed header line(s)", dropped))
		raw = cleaned
	}
	t.Header = h
	t.RawHeader = headerBlock(raw)
	t.Root = parseEntity(h, body, 0, &t.Warnings)
	return t, nil
}

func readEntity(raw []byte) (textproto.Header, []byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return textproto.Header{}, nil, fmt.Errorf("read body: %w", err)
	}
	return h, body, nil
}

// dropMalformedHeaderLines rewrites the header block of raw keeping only
// "Name: value" fields and their continuation lines. It returns the
// rewritten message and the number of lines removed.
func dropMalformedHeaderLines(raw []byte) ([]byte, int) {
	end, sepLen := len(raw), 0
	for _, sep := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n")} {
		if i := bytes.Index(raw, sep); i >= 0 && i < end {
			end, sepLen = i, len(sep)
		}
	}

	var out bytes.Buffer
	dropped, keep := 0, false
	for _, line := range bytes.SplitAfter(raw[:end], []byte("\n")) {
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			continue
		}
		if line[0] != ' ' && line[0] != '\t' {
			keep = isFieldLine(line)
		}
		if !keep {
			dropped++
			continue
		}
		out.Write(line)
		out.WriteString("\r\n")
	}
	out.WriteString("\r\n")
	if end < len(raw) {
		out.Write(raw[end+sepLen:])
	}
	return out.Bytes(), dropped
}

func isFieldLine(line []byte) bool {
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return false
	}
	for _, c := range line[:i] {
		if c < 33 || c > 126 {
			return false
		}
	}
	return true
}

func parseEntity(h textproto.Header, body []byte, depth int, warnings *[]string) Part {
	mh := message.Header{Header: h}
	mediaType, params, err := mh.ContentType()
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("content-type %q: %v", h.Get("Content-Type"), err))
		mediaType, params = "text/plain", nil
	}
	mediaType = strings.ToLower(mediaType)

	if strings.HasPrefix(mediaType, "multipart/") && params["boundary"] != "" {
		if depth >= maxPartDepth {
			*warnings = append(*warnings, "multipart nesting too deep, part skipped")
			return &Multipart{Header: h, SubType: strings.TrimPrefix(mediaType, "multipart/")}
		}
		return parseMultipart(h, mediaType, params["boundary"], body, depth, warnings)
	}

	typ, sub, ok := strings.Cut(mediaType, "/")
	if !ok {
		typ, sub = "text", "plain"
	}
	leaf := &Leaf{
		Header:    h,
		Type:      typ,
		SubType:   sub,
		Params:    params,
		Encoding:  strings.ToLower(strings.TrimSpace(h.Get("Content-Transfer-Encoding"))),
		Charset:   strings.ToLower(params["charset"]),
		ContentID: strings.Trim(strings.TrimSpace(h.Get("Content-Id")), "<>"),
		Raw:       body,
	}
	disp, dispParams, _ := mh.ContentDisposition()
	leaf.Disposition = strings.ToLower(strings.TrimSpace(disp))
	switch {
	case dispParams["filename"] != "":
		leaf.Filename = DecodeHeaderString(dispParams["filename"])
	case params["name"] != "":
		leaf.Filename = DecodeHeaderString(params["name"])
	}
	return leaf
}

func parseMultipart(h textproto.Header, mediaType, boundary string, body []byte, depth int, warnings *[]string) Part {
	mp := &Multipart{Header: h, SubType: strings.TrimPrefix(mediaType, "multipart/")}
	mr := textproto.NewMultipartReader(bytes.NewReader(body), boundary)
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			*warnings = append(*warnings, fmt.Sprintf("multipart/%s: %v", mp.SubType, err))
			break
		}
		data, err := io.ReadAll(p)
		if err != nil {
			*warnings = append(*warnings, fmt.Sprintf("multipart/%s part: %v", mp.SubType, err))
			break
		}
		mp.Children = append(mp.Children, parseEntity(p.Header, data, depth+1, warnings))
	}
	return mp
}

// Leaves returns every leaf under p in document order.
func Leaves(p Part) []*Leaf {
	var out []*Leaf
	var walk func(Part)
	walk = func(p Part) {
		switch v := p.(type) {
		case *Leaf:
			out = append(out, v)
		case *Multipart:
			for _, c := range v.Children {
				walk(c)
			}
		}
	}
	walk(p)
	return out
}

func headerBlock(raw []byte) string {
	end := len(raw)
	for _, sep := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n")} {
		if i := bytes.Index(raw, sep); i >= 0 && i < end {
			end = i
		}
	}
	return string(raw[:end])
}
