package connector

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseMailboxSpec reads a c-client style mailbox string such as
// "{imap.example.com:993/imap/ssl/novalidate-cert}INBOX" into an Account.
// Credentials are not part of the string and must be filled by the caller.
func ParseMailboxSpec(spec string) (Account, error) {
	var acc Account
	spec = strings.TrimSpace(spec)
	if !strings.HasPrefix(spec, "{") {
		return acc, fmt.Errorf("mailbox %q: missing opening brace", spec)
	}
	end := strings.Index(spec, "}")
	if end < 0 {
		return acc, fmt.Errorf("mailbox %q: missing closing brace", spec)
	}
	acc.Folder = strings.TrimSpace(spec[end+1:])
	if acc.Folder == "" {
		acc.Folder = "INBOX"
	}

	parts := strings.Split(spec[1:end], "/")
	hostPort := parts[0]
	if hostPort == "" {
		return acc, fmt.Errorf("mailbox %q: missing host", spec)
	}
	if i := strings.LastIndex(hostPort, ":"); i >= 0 {
		port, err := strconv.Atoi(hostPort[i+1:])
		if err != nil || port <= 0 || port > 65535 {
			return acc, fmt.Errorf("mailbox %q: invalid port", spec)
		}
		acc.Host = hostPort[:i]
		acc.Port = port
	} else {
		acc.Host = hostPort
	}

	protocol := "imap"
	secure := false
	for _, flag := range parts[1:] {
		switch strings.ToLower(strings.TrimSpace(flag)) {
		case "pop3":
			protocol = "pop3"
		case "imap", "imap4", "imap4rev1":
			protocol = "imap"
		case "ssl", "tls":
			secure = true
		case "notls":
			secure = false
		case "novalidate-cert":
			acc.SkipCertVerify = true
		case "validate-cert", "":
		default:
			return acc, fmt.Errorf("mailbox %q: unsupported flag %q", spec, flag)
		}
	}
	acc.Type = protocol
	if secure {
		acc.Type += "s"
	}
	return acc, nil
}
