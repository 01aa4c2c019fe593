package postmaster

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/shopdesk/internal/email/inbound/connector"
	"github.com/gotrs-io/shopdesk/internal/email/inbound/filters"
)

type stubProcessor struct {
	called bool
	meta   *filters.MessageContext
	err    error
}

func (s *stubProcessor) Process(_ context.Context, _ *connector.FetchedMessage, meta *filters.MessageContext) (Result, error) {
	s.called = true
	s.meta = meta
	return Result{Action: "new_ticket"}, s.err
}

type stubFilter struct {
	err error
}

func (f stubFilter) ID() string { return "stub" }

func (f stubFilter) Apply(_ context.Context, m *filters.MessageContext) error {
	if f.err != nil {
		return f.err
	}
	m.Annotations["seen"] = true
	return nil
}

var quiet = log.New(io.Discard, "", 0)

const simpleRaw = "From: Jane <jane@example.com>\r\nSubject: Hello\r\nMessage-ID: <m1@example.com>\r\n\r\nHi there\r\n"

func TestServiceHandleRunsChainAndProcessor(t *testing.T) {
	proc := &stubProcessor{}
	svc := Service{FilterChain: filters.NewChain(stubFilter{}), Handler: proc, Logger: quiet}

	require.NoError(t, svc.Handle(context.Background(), &connector.FetchedMessage{RemoteID: "r1", Raw: []byte(simpleRaw)}))
	require.True(t, proc.called)
	assert.Equal(t, true, proc.meta.Annotations["seen"])
	require.NotNil(t, proc.meta.Parsed)
	assert.Equal(t, "jane@example.com", proc.meta.Parsed.FromAddress)
	assert.Equal(t, "m1@example.com", proc.meta.Parsed.MessageID)
}

func TestServiceHandlePropagatesFilterError(t *testing.T) {
	proc := &stubProcessor{}
	boom := errors.New("filter failed")
	svc := Service{FilterChain: filters.NewChain(stubFilter{err: boom}), Handler: proc, Logger: quiet}

	err := svc.Handle(context.Background(), &connector.FetchedMessage{Raw: []byte(simpleRaw)})
	assert.ErrorIs(t, err, boom)
	assert.False(t, proc.called)
}

func TestServiceHandlePropagatesProcessorError(t *testing.T) {
	boom := errors.New("db down")
	svc := Service{Handler: &stubProcessor{err: boom}, Logger: quiet}
	err := svc.Handle(context.Background(), &connector.FetchedMessage{Raw: []byte(simpleRaw)})
	assert.ErrorIs(t, err, boom)
}

func TestServiceHandleRecoversMalformedHeader(t *testing.T) {
	proc := &stubProcessor{}
	svc := Service{Handler: proc, Logger: quiet}
	raw := "From: Jane <jane@example.com>\r\nthis line has no colon\r\nSubject: Hello\r\n\r\nHi there\r\n"

	require.NoError(t, svc.Handle(context.Background(), &connector.FetchedMessage{RemoteID: "r2", Raw: []byte(raw)}))
	require.True(t, proc.called)
	assert.Equal(t, "jane@example.com", proc.meta.Parsed.FromAddress)
	assert.Equal(t, "Hello", proc.meta.Parsed.Subject)
	assert.NotEmpty(t, proc.meta.Parsed.Warnings)
}
