// Package protocol holds the IMAP wire types shared by the parser: command
// tags, pre-serialized commands and parsed server responses.
package protocol

import (
	"fmt"
	"strings"
)

// Handle identifies a command sent to the server. It is the command's tag,
// unique for the lifetime of one connection.
type Handle string

// DefaultTagPrefix is used when no prefix is configured.
const DefaultTagPrefix = "A"

// TagGenerator issues strictly increasing command tags (A001, A002, ...).
// It is instance-scoped so independent connections never share a sequence.
// It is not safe for concurrent use; the parser guards it with its command
// queue lock.
type TagGenerator struct {
	prefix string
	last   uint64
}

// NewTagGenerator returns a generator whose tags start with prefix. The
// prefix must begin with a letter and contain only ASCII letters and digits.
func NewTagGenerator(prefix string) (*TagGenerator, error) {
	if prefix == "" {
		prefix = DefaultTagPrefix
	}
	if !isAlpha(prefix[0]) {
		return nil, fmt.Errorf("tag prefix must start with a letter (got: %q)", prefix)
	}
	if !ValidTag(prefix) {
		return nil, fmt.Errorf("tag prefix must be alphanumeric (got: %q)", prefix)
	}
	return &TagGenerator{prefix: prefix}, nil
}

// Next returns the next unused tag.
func (g *TagGenerator) Next() Handle {
	for {
		g.last++
		tag := fmt.Sprintf("%s%03d", g.prefix, g.last)
		if !IsReservedTag(tag) {
			return Handle(tag)
		}
	}
}

// Issued reports how many counter values have been consumed.
func (g *TagGenerator) Issued() uint64 {
	return g.last
}

// ValidTag reports whether tag matches ^[A-Za-z0-9]+$.
func ValidTag(tag string) bool {
	if tag == "" {
		return false
	}
	for i := 0; i < len(tag); i++ {
		if !isAlpha(tag[i]) && !isDigit(tag[i]) {
			return false
		}
	}
	return true
}

// IsReservedTag reports whether tag could be confused with an untagged (*)
// or continuation (+) marker, a literal count, or a nil value.
func IsReservedTag(tag string) bool {
	if !ValidTag(tag) {
		return true
	}
	if strings.EqualFold(tag, "NIL") {
		return true
	}
	for i := 0; i < len(tag); i++ {
		if !isDigit(tag[i]) {
			return false
		}
	}
	return true
}

func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
