package connector

import (
	"fmt"
	"sort"
	"strings"
)

// protocolFactory maps a mailbox protocol (Account.Type) to its fetcher. It
// is filled once at startup and read-only afterwards.
type protocolFactory map[string]Fetcher

// FactoryOption registers fetchers on a factory.
type FactoryOption func(protocolFactory)

// NewFactory builds a factory from opts.
func NewFactory(opts ...FactoryOption) Factory {
	f := protocolFactory{}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// DefaultFactory serves the support mailbox over POP3 or IMAP, plain or TLS.
func DefaultFactory(pop3Opts []POP3FetcherOption, imapOpts []IMAPFetcherOption) Factory {
	return NewFactory(
		WithFetcher(NewPOP3Fetcher(pop3Opts...), "pop3", "pop3s"),
		WithFetcher(NewIMAPFetcher(imapOpts...), "imap", "imaps"),
	)
}

// WithFetcher serves the given protocols with fetcher. Protocol names are
// case-insensitive.
func WithFetcher(fetcher Fetcher, protocols ...string) FactoryOption {
	return func(f protocolFactory) {
		if fetcher == nil {
			return
		}
		for _, p := range protocols {
			if key := protocolKey(p); key != "" {
				f[key] = fetcher
			}
		}
	}
}

// FetcherFor implements Factory.
func (f protocolFactory) FetcherFor(account Account) (Fetcher, error) {
	if fetcher, ok := f[protocolKey(account.Type)]; ok {
		return fetcher, nil
	}
	return nil, fmt.Errorf("mailbox protocol %q not supported (have %s)", account.Type, strings.Join(f.protocols(), ", "))
}

func (f protocolFactory) protocols() []string {
	out := make([]string, 0, len(f))
	for p := range f {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func protocolKey(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}
