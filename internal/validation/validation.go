// Package validation provides input validation functions.
package validation

import (
	"errors"
	"net"
	"regexp"
	"strings"
)

var (
	// ErrInvalidHost is returned when a server host is neither a domain name nor an IP
	ErrInvalidHost = errors.New("invalid host: must be a domain name or IP address")
	// ErrInvalidUsername is returned when a LOGIN user name cannot be sent
	ErrInvalidUsername = errors.New("invalid username: must be 1-255 bytes without CR, LF or NUL")
	// ErrInvalidMailbox is returned when a mailbox name cannot be sent
	ErrInvalidMailbox = errors.New("invalid mailbox name: must be 1-1024 bytes without CR, LF or NUL")
)

const (
	maxUsernameLength = 255
	maxMailboxLength  = 1024

	// Domain name constraints (RFC 1035)
	maxDomainLength = 253
)

// RFC 1035 compliant domain name pattern
// Labels: 1-63 chars, alphanumeric and hyphen, not starting/ending with hyphen
var domainPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)*[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// Host checks a server host: an IP address or an RFC 1035 domain name.
func Host(host string) error {
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return nil
	}
	return domain(strings.TrimSuffix(host, "."))
}

func domain(name string) error {
	name = strings.ToLower(name)
	if len(name) == 0 || len(name) > maxDomainLength {
		return ErrInvalidHost
	}
	if !domainPattern.MatchString(name) {
		return ErrInvalidHost
	}
	return nil
}

// Username checks a LOGIN user name. Anything the protocol can carry as a
// quoted string or literal is accepted.
func Username(username string) error {
	if len(username) == 0 || len(username) > maxUsernameLength || hasLineBreak(username) {
		return ErrInvalidUsername
	}
	return nil
}

// Mailbox checks a mailbox name given on the command line.
func Mailbox(name string) error {
	if len(name) == 0 || len(name) > maxMailboxLength || hasLineBreak(name) {
		return ErrInvalidMailbox
	}
	return nil
}

func hasLineBreak(s string) bool {
	return strings.ContainsAny(s, "\r\n\x00")
}
