package parser

import (
	"fmt"
	"html"
	"mime"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var htmlMarkers = regexp.MustCompile(`(?i)<(?:!doctype|html|head|body|div|p|br|table|span|font|a\s)[\s>/]`)

// Attachment is a file carried by a message.
type Attachment struct {
	Filename    string
	ContentType string
	ContentID   string
	Content     []byte
	Size        int64
}

// Body returns the best body for display: HTML when the message has any,
// otherwise the plain text escaped for HTML with line breaks as <br>.
func Body(p Part) string {
	return body(p, nil)
}

func body(p Part, warnings *[]string) string {
	htmlText, plain := collectText(p, warnings)
	if htmlText != "" {
		return htmlText
	}
	return PlainToHTML(plain)
}

// PlainToHTML escapes text and turns every newline, trailing ones included,
// into <br>.
func PlainToHTML(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(html.EscapeString(text), "\n", "<br>")
}

// collectText walks p and aggregates HTML and plain text separately.
func collectText(p Part, warnings *[]string) (htmlText, plain string) {
	switch v := p.(type) {
	case *Leaf:
		if v.IsAttachment() || v.Type != "text" {
			return "", ""
		}
		text, err := v.Text()
		if err != nil {
			warn(warnings, "%s part: %v", v.MediaType(), err)
			return "", ""
		}
		if v.SubType == "html" {
			return text, ""
		}
		return "", text
	case *Multipart:
		var hb, pb strings.Builder
		for _, child := range v.Children {
			h, t := collectText(child, warnings)
			if _, nested := child.(*Multipart); nested && h == "" && htmlMarkers.MatchString(t) {
				h, t = t, ""
			}
			hb.WriteString(h)
			pb.WriteString(t)
		}
		return hb.String(), pb.String()
	}
	return "", ""
}

// Attachments returns the decoded attachments under p in document order.
func Attachments(p Part) []Attachment {
	return attachments(p, nil)
}

func attachments(p Part, warnings *[]string) []Attachment {
	var out []Attachment
	for _, leaf := range Leaves(p) {
		if !leaf.IsAttachment() {
			continue
		}
		content, err := leaf.Decoded()
		if err != nil {
			warn(warnings, "attachment %q: %v", leaf.Filename, err)
			continue
		}
		name := leaf.Filename
		if name == "" {
			name = "attachment"
		}
		out = append(out, Attachment{
			Filename:    name,
			ContentType: detectContentType(leaf.MediaType(), name, content),
			ContentID:   leaf.ContentID,
			Content:     content,
			Size:        int64(len(content)),
		})
	}
	return out
}

var extensionTypes = map[string]string{
	".pdf":  "application/pdf",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".txt":  "text/plain",
	".csv":  "text/csv",
	".zip":  "application/zip",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".mp4":  "video/mp4",
	".heic": "image/heic",
}

// detectContentType keeps a specific declared type and otherwise falls back
// to the filename extension, then to content sniffing.
func detectContentType(declared, filename string, content []byte) string {
	declared = strings.ToLower(declared)
	if declared != "" && declared != "application/octet-stream" && declared != "text/plain" {
		return declared
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
	}
	if declared == "text/plain" {
		return declared
	}
	if len(content) > 0 {
		if mt, _, err := mime.ParseMediaType(mimetype.Detect(content).String()); err == nil && mt != "text/plain" {
			return mt
		}
	}
	return "application/octet-stream"
}

func warn(warnings *[]string, format string, args ...any) {
	if warnings != nil {
		*warnings = append(*warnings, fmt.Sprintf(format, args...))
	}
}
