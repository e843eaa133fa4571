package protocol

import (
	"bytes"
	"strconv"
)

// PartKind selects how a command part is rendered on the wire.
type PartKind int

const (
	// PartAtom is written verbatim.
	PartAtom PartKind = iota
	// PartQuoted is written as a quoted string with \ and " escaped.
	PartQuoted
	// PartLiteral is announced with {n} and sent as raw bytes.
	PartLiteral
)

// maxQuotedLength is the longest argument AString will quote; longer values
// are sent as literals.
const maxQuotedLength = 1024

// Part is one space-separated element of a command.
type Part struct {
	Kind PartKind
	Data []byte
}

// Atom returns a part written verbatim.
func Atom(s string) Part {
	return Part{Kind: PartAtom, Data: []byte(s)}
}

// Quoted returns a quoted-string part.
func Quoted(s string) Part {
	return Part{Kind: PartQuoted, Data: []byte(s)}
}

// Literal returns a literal part carrying b.
func Literal(b []byte) Part {
	return Part{Kind: PartLiteral, Data: b}
}

// AString picks the cheapest encoding that can carry s: an atom when it has
// no special characters, a quoted string when it is short 7-bit text, and a
// literal otherwise.
func AString(s string) Part {
	if s == "" {
		return Quoted(s)
	}
	atom, quotable := true, len(s) <= maxQuotedLength
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\r' || c == '\n' || c == 0 || c >= 0x80:
			return Literal([]byte(s))
		case c < 0x20 || c == 0x7f:
			quotable = false
			atom = false
		case isAtomSpecial(c):
			atom = false
		}
	}
	switch {
	case atom:
		return Atom(s)
	case quotable:
		return Quoted(s)
	default:
		return Literal([]byte(s))
	}
}

func isAtomSpecial(c byte) bool {
	switch c {
	case '(', ')', '{', ' ', '%', '*', '"', '\\', ']':
		return true
	}
	return false
}

// Segment is a contiguous run of command bytes. When AwaitContinuation is
// set the sender must not transmit anything else until the server answers
// with a continuation request.
type Segment struct {
	Data              []byte
	AwaitContinuation bool
}

// Command is a pre-serialized request. It is immutable: the With* methods
// return modified copies.
type Command struct {
	tag       Handle
	verb      string
	parts     []Part
	sensitive bool
	idle      bool
	untagged  bool
}

// NewCommand builds a command from its verb ("FETCH", "UID SEARCH") and
// arguments.
func NewCommand(verb string, args ...Part) *Command {
	parts := make([]Part, 0, len(args)+1)
	parts = append(parts, Atom(verb))
	parts = append(parts, args...)
	return &Command{verb: verb, parts: parts}
}

// NewIdleCommand builds an IDLE command. After its line is written the
// sender waits for the server's continuation request.
func NewIdleCommand() *Command {
	c := NewCommand("IDLE")
	c.idle = true
	return c
}

// NewContinuationLine builds an untagged line sent in the middle of another
// command's exchange, such as the DONE that ends IDLE.
func NewContinuationLine(text string) *Command {
	return &Command{verb: text, parts: []Part{Atom(text)}, untagged: true}
}

// Sensitive returns a copy whose arguments must never appear in traces or
// logs.
func (c *Command) Sensitive() *Command {
	cp := *c
	cp.sensitive = true
	return &cp
}

// WithTag returns a copy carrying tag.
func (c *Command) WithTag(tag Handle) *Command {
	cp := *c
	cp.tag = tag
	return &cp
}

// Tag returns the assigned tag, empty for untagged lines.
func (c *Command) Tag() Handle { return c.tag }

// Verb returns the command name.
func (c *Command) Verb() string { return c.verb }

// IsSensitive reports whether the arguments must be redacted.
func (c *Command) IsSensitive() bool { return c.sensitive }

// IsUntagged reports whether the command is a bare continuation line.
func (c *Command) IsUntagged() bool { return c.untagged }

// Summary is the loggable form of the command: tag and verb only.
func (c *Command) Summary() string {
	if c.untagged {
		return c.verb
	}
	return string(c.tag) + " " + c.verb
}

// Segments renders the command into wire segments. Every synchronizing
// literal ends a segment that must wait for the server's permission before
// the literal bytes are sent. With literalPlus the non-synchronizing {n+}
// form is used and the command is a single segment.
func (c *Command) Segments(literalPlus bool) []Segment {
	var segs []Segment
	var buf bytes.Buffer
	if !c.untagged {
		buf.WriteString(string(c.tag))
		buf.WriteByte(' ')
	}
	for i, p := range c.parts {
		if i > 0 {
			buf.WriteByte(' ')
		}
		switch p.Kind {
		case PartAtom:
			buf.Write(p.Data)
		case PartQuoted:
			writeQuoted(&buf, p.Data)
		case PartLiteral:
			buf.WriteByte('{')
			buf.WriteString(strconv.Itoa(len(p.Data)))
			if literalPlus {
				buf.WriteString("+}\r\n")
			} else {
				buf.WriteString("}\r\n")
				segs = append(segs, Segment{Data: bytes.Clone(buf.Bytes()), AwaitContinuation: true})
				buf.Reset()
			}
			buf.Write(p.Data)
		}
	}
	buf.WriteString("\r\n")
	return append(segs, Segment{Data: bytes.Clone(buf.Bytes()), AwaitContinuation: c.idle})
}

func writeQuoted(buf *bytes.Buffer, s []byte) {
	buf.WriteByte('"')
	for _, c := range s {
		if c == '"' || c == '\\' {
			buf.WriteByte('\\')
		}
		buf.WriteByte(c)
	}
	buf.WriteByte('"')
}
