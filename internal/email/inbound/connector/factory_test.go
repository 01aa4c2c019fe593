package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type noopFetcher struct{}

func (noopFetcher) Name() string { return "noop" }

func (noopFetcher) Fetch(ctx context.Context, account Account, handler Handler) error {
	return handler.Handle(ctx, &FetchedMessage{UID: "1"})
}

func TestFactoryReturnsRegisteredFetcher(t *testing.T) {
	factory := NewFactory(WithFetcher(noopFetcher{}, "Pop3"))

	fetcher, err := factory.FetcherFor(Account{Type: "POP3"})
	require.NoError(t, err)
	require.Equal(t, "noop", fetcher.Name())

	_, err = factory.FetcherFor(Account{Type: "graph"})
	require.ErrorContains(t, err, `mailbox protocol "graph" not supported (have pop3)`)
}

func TestDefaultFactoryRegistersBuiltins(t *testing.T) {
	factory := DefaultFactory(nil, nil)
	for typ, name := range map[string]string{"pop3": "pop3", "pop3s": "pop3", "imap": "imap", "IMAPS": "imap"} {
		fetcher, err := factory.FetcherFor(Account{Type: typ})
		require.NoError(t, err, typ)
		require.Equal(t, name, fetcher.Name())
	}
}

func TestCollectReturnsMessages(t *testing.T) {
	factory := NewFactory(WithFetcher(noopFetcher{}, "imap"))
	msgs, err := Collect(context.Background(), factory, Account{Type: "imap"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "1", msgs[0].UID)
}

func TestParseMailboxSpec(t *testing.T) {
	acc, err := ParseMailboxSpec("{mail.shop.example:995/pop3/ssl/novalidate-cert}INBOX")
	require.NoError(t, err)
	require.Equal(t, "mail.shop.example", acc.Host)
	require.Equal(t, 995, acc.Port)
	require.Equal(t, "pop3s", acc.Type)
	require.True(t, acc.SkipCertVerify)
	require.Equal(t, "INBOX", acc.Folder)

	acc, err = ParseMailboxSpec("{imap.shop.example/imap}Support")
	require.NoError(t, err)
	require.Equal(t, "imap", acc.Type)
	require.Zero(t, acc.Port)
	require.Equal(t, "Support", acc.Folder)

	for _, bad := range []string{"mail.example:110", "{mail.example:abc/pop3}", "{:993/imap}", "{host/nntp}"} {
		_, err := ParseMailboxSpec(bad)
		require.Error(t, err, bad)
	}
}
