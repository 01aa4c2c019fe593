package filters

import (
	"context"
	"log"
	"strings"
)

var systemLocalParts = []string{"mailer-daemon", "postmaster", "no-reply", "noreply", "do-not-reply", "donotreply"}

// LoopGuardFilter drops auto-replies, bounces and mail that already passed
// through this system.
type LoopGuardFilter struct {
	logger       *log.Logger
	ownAddresses map[string]struct{}
}

// NewLoopGuardFilter builds the filter. ownAddresses are the addresses
// this system sends from.
func NewLoopGuardFilter(logger *log.Logger, ownAddresses ...string) *LoopGuardFilter {
	own := make(map[string]struct{}, len(ownAddresses))
	for _, a := range ownAddresses {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			own[a] = struct{}{}
		}
	}
	return &LoopGuardFilter{logger: logger, ownAddresses: own}
}

// ID returns the filter identifier.
func (f *LoopGuardFilter) ID() string { return "loop_guard" }

// Apply ignores the message when it looks automated or self-sent.
func (f *LoopGuardFilter) Apply(_ context.Context, m *MessageContext) error {
	if m == nil || m.Parsed == nil {
		return nil
	}
	msg := m.Parsed

	switch {
	case msg.Automated():
		f.ignore(m, "automated message")
	case f.isOwn(msg.FromAddress):
		f.ignore(m, "sent by this system")
	case f.isOwn(strings.Trim(strings.TrimSpace(msg.Header.Get("X-Loop")), "<>")):
		f.ignore(m, "X-Loop matches this system")
	case strings.TrimSpace(msg.Header.Get("Return-Path")) == "<>":
		f.ignore(m, "bounce with null return path")
	case isSystemSender(msg.FromAddress):
		f.ignore(m, "system sender "+msg.FromAddress)
	}
	return nil
}

func (f *LoopGuardFilter) isOwn(addr string) bool {
	_, ok := f.ownAddresses[strings.ToLower(addr)]
	return ok && addr != ""
}

func (f *LoopGuardFilter) ignore(m *MessageContext, reason string) {
	m.Ignore(f.ID(), reason)
	if f.logger != nil {
		f.logger.Printf("loop_guard: ignoring %s from %s: %s", m.Parsed.MessageID, m.Parsed.FromAddress, reason)
	}
}

func isSystemSender(addr string) bool {
	local, _, ok := strings.Cut(strings.ToLower(addr), "@")
	if !ok {
		return false
	}
	for _, p := range systemLocalParts {
		if local == p {
			return true
		}
	}
	return false
}
