package notifications

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/flosch/pongo2/v6"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/gotrs-io/shopdesk/internal/config"
	"github.com/gotrs-io/shopdesk/internal/mailqueue"
)

const defaultShell = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{ subject }}</title></head>
<body style="margin:0;padding:0;background:#f4f4f5;font-family:Helvetica,Arial,sans-serif;">
<table width="100%" cellpadding="0" cellspacing="0"><tr><td align="center" style="padding:24px;">
<table width="600" cellpadding="0" cellspacing="0" style="background:#ffffff;border-radius:6px;">
{% if logo_url %}<tr><td style="padding:24px 24px 0;"><img src="{{ logo_url }}" alt="{{ store_name }}" height="40"></td></tr>{% endif %}
<tr><td style="padding:24px;color:#18181b;font-size:15px;line-height:1.5;">{{ content|safe }}</td></tr>
<tr><td style="padding:16px 24px;color:#71717a;font-size:12px;border-top:1px solid #e4e4e7;">{% if footer %}{{ footer }}{% else %}{{ store_name }}{% endif %}</td></tr>
</table>
</td></tr></table>
</body>
</html>`

var (
	htmlMarker     = regexp.MustCompile(`(?i)<(?:html|body|p|br|div|span|table|a\s|strong|em|ul|ol|li|h[1-6])[\s>/]`)
	markdownMarker = regexp.MustCompile(`(?m)^(?:#{1,6}\s|[-*]\s|\d+\.\s|>\s)|\*\*[^*]+\*\*|\[[^\]]+\]\([^)]+\)`)
)

// Branding turns a stored queue message into the text and HTML parts of an
// outgoing mail.
type Branding struct {
	cfg    config.BrandingConfig
	shell  *pongo2.Template
	md     goldmark.Markdown
	policy *bluemonday.Policy
	strict *bluemonday.Policy
}

// NewBranding compiles the configured shell template, or the built-in one.
func NewBranding(cfg config.BrandingConfig) (*Branding, error) {
	var (
		tpl *pongo2.Template
		err error
	)
	if strings.TrimSpace(cfg.Template) != "" {
		tpl, err = pongo2.FromFile(cfg.Template)
	} else {
		tpl, err = pongo2.FromString(defaultShell)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to compile branding template: %w", err)
	}
	return &Branding{
		cfg:   cfg,
		shell: tpl,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
		),
		policy: bluemonday.UGCPolicy(),
		strict: bluemonday.StrictPolicy(),
	}, nil
}

// Render builds the message body. Plain text is always produced; HTML is
// produced for HTML and markdown input, and for any input when branding
// is enabled.
func (b *Branding) Render(subject, message string) (mailqueue.Body, error) {
	message = strings.TrimSpace(message)
	var body mailqueue.Body

	switch {
	case containsHTML(message):
		body.HTML = b.policy.Sanitize(message)
		body.Text = htmlToText(b.strict, message)
	case isMarkdown(message):
		var buf bytes.Buffer
		if err := b.md.Convert([]byte(message), &buf); err != nil {
			return mailqueue.Body{}, fmt.Errorf("failed to render markdown: %w", err)
		}
		body.HTML = b.policy.Sanitize(buf.String())
		body.Text = message
	default:
		body.Text = message
		if b.cfg.Enabled {
			body.HTML = plainToHTML(message)
		}
	}

	if body.HTML == "" || !b.cfg.Enabled {
		return body, nil
	}
	out, err := b.shell.Execute(pongo2.Context{
		"subject":    subject,
		"content":    body.HTML,
		"store_name": b.cfg.StoreName,
		"logo_url":   b.cfg.LogoURL,
		"footer":     b.cfg.Footer,
	})
	if err != nil {
		return mailqueue.Body{}, fmt.Errorf("failed to render branding template: %w", err)
	}
	body.HTML = out
	if b.cfg.Footer != "" {
		body.Text += "\n\n--\n" + b.cfg.Footer
	}
	return body, nil
}

func containsHTML(s string) bool {
	return htmlMarker.MatchString(s)
}

func isMarkdown(s string) bool {
	return markdownMarker.MatchString(s)
}

func plainToHTML(s string) string {
	paras := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n\n")
	var out []string
	for _, p := range paras {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, "<p>"+strings.ReplaceAll(html.EscapeString(p), "\n", "<br>")+"</p>")
	}
	return strings.Join(out, "\n")
}

func htmlToText(strict *bluemonday.Policy, s string) string {
	s = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n\n", "</li>", "\n").Replace(s)
	text := html.UnescapeString(strict.Sanitize(s))
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
