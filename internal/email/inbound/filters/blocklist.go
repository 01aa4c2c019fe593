package filters

import (
	"context"
	"log"
	"strings"
)

// PatternSource supplies blocked addresses and "@domain" entries.
type PatternSource interface {
	Patterns(ctx context.Context) ([]string, error)
}

// BlocklistFilter drops mail from configured or stored blocked senders.
type BlocklistFilter struct {
	logger *log.Logger
	static []string
	source PatternSource
}

// NewBlocklistFilter combines static config entries with an optional
// stored source.
func NewBlocklistFilter(logger *log.Logger, static []string, source PatternSource) *BlocklistFilter {
	normalized := make([]string, 0, len(static))
	for _, s := range static {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			normalized = append(normalized, s)
		}
	}
	return &BlocklistFilter{logger: logger, static: normalized, source: source}
}

// ID returns the filter identifier.
func (f *BlocklistFilter) ID() string { return "blocklist" }

// Apply ignores the message when its sender matches a pattern. A failing
// source is logged and only the static entries apply.
func (f *BlocklistFilter) Apply(ctx context.Context, m *MessageContext) error {
	if m == nil || m.Parsed == nil || m.Parsed.FromAddress == "" {
		return nil
	}
	patterns := f.static
	if f.source != nil {
		stored, err := f.source.Patterns(ctx)
		if err != nil {
			if f.logger != nil {
				f.logger.Printf("blocklist: stored patterns unavailable: %v", err)
			}
		} else {
			patterns = append(append([]string(nil), patterns...), stored...)
		}
	}
	from := strings.ToLower(m.Parsed.FromAddress)
	for _, p := range patterns {
		if MatchSender(p, from) {
			m.Ignore(f.ID(), "sender matches "+p)
			if f.logger != nil {
				f.logger.Printf("blocklist: ignoring mail from %s (%s)", from, p)
			}
			return nil
		}
	}
	return nil
}

// MatchSender reports whether addr matches pattern, which is either a full
// address or "@domain". Subdomains match a domain entry.
func MatchSender(pattern, addr string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	addr = strings.ToLower(strings.TrimSpace(addr))
	if pattern == "" || addr == "" {
		return false
	}
	if !strings.HasPrefix(pattern, "@") {
		return pattern == addr
	}
	_, domain, ok := strings.Cut(addr, "@")
	if !ok {
		return false
	}
	want := pattern[1:]
	return domain == want || strings.HasSuffix(domain, "."+want)
}
