// Package framer splits the byte stream received from an IMAP server into
// logical response lines.
//
// A logical line is one or more physical lines joined by literals: when the
// text before a CRLF ends with a {n} announcement, the next n bytes are raw
// literal data (which may contain CRLFs of their own) and the line continues
// after them. The framer is incremental: Feed appends whatever the transport
// delivered and Next reports complete lines, or "not yet" when more bytes are
// needed. It never blocks.
package framer

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// Size limits used when New is given zero values.
const (
	DefaultMaxLineLength  = 65536
	DefaultMaxLiteralSize = 64 << 20
)

// Limit for the number of bytes quoted in error messages.
const rawLimit = 1024

var crlf = []byte("\r\n")

// Framing violations.
var (
	ErrLineTooLong     = errors.New("line too long")
	ErrBadLiteral      = errors.New("malformed literal count")
	ErrLiteralTooLarge = errors.New("literal exceeds size limit")
	ErrTruncated       = errors.New("stream truncated")
)

// FramingError reports a logical line that was discarded. Fatal errors mean
// the framer could not resynchronize and the connection must be dropped.
type FramingError struct {
	Reason error
	Line   []byte // Full or partial line, literal data included
	Fatal  bool
}

func (e *FramingError) Error() string {
	if len(e.Line) == 0 {
		return "framer: " + e.Reason.Error()
	}
	line, ellipsis := e.Line, ""
	if len(line) > rawLimit {
		line, ellipsis = line[:rawLimit], "..."
	}
	return fmt.Sprintf("framer: %s (%+q%s)", e.Reason, line, ellipsis)
}

func (e *FramingError) Unwrap() error {
	return e.Reason
}

// Line is one logical response line without its final CRLF. Parts holds the
// text segments; every part except the last ends with a {n} announcement and
// is followed by the literal of the same index.
type Line struct {
	Parts    [][]byte
	Literals [][]byte
}

// Bytes returns the line as it appeared on the wire, minus the final CRLF.
func (l Line) Bytes() []byte {
	var b []byte
	for i, p := range l.Parts {
		b = append(b, p...)
		if i < len(l.Literals) {
			b = append(b, crlf...)
			b = append(b, l.Literals[i]...)
		}
	}
	return b
}

func (l Line) String() string {
	return string(l.Bytes())
}

// Framer is the line/literal state machine. It is not safe for concurrent
// use; the parser's worker owns it.
type Framer struct {
	maxLine    int
	maxLiteral int

	buf     []byte
	off     int // start of unconsumed input
	scanned int // bytes past off known to hold no CRLF

	inLiteral  bool
	literal    int // literal bytes still owed
	discarding bool
	failed     error

	cur    Line
	curLen int
}

// New returns a framer with the given limits. Zero or negative values select
// the defaults.
func New(maxLine, maxLiteral int) *Framer {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineLength
	}
	if maxLiteral <= 0 {
		maxLiteral = DefaultMaxLiteralSize
	}
	return &Framer{maxLine: maxLine, maxLiteral: maxLiteral}
}

// Feed appends bytes received from the transport.
func (f *Framer) Feed(p []byte) {
	switch {
	case f.off == len(f.buf):
		f.buf = f.buf[:0]
		f.off = 0
	case f.off > 4096 && f.off > len(f.buf)/2:
		n := copy(f.buf, f.buf[f.off:])
		f.buf = f.buf[:n]
		f.off = 0
	}
	f.buf = append(f.buf, p...)
}

// Buffered reports how many received bytes have not been consumed yet.
func (f *Framer) Buffered() int {
	return len(f.buf) - f.off
}

// Next returns the next complete logical line. ok is false when the buffered
// input holds no complete line. A non-nil error describes a discarded line;
// unless it is fatal the caller may keep calling Next.
func (f *Framer) Next() (line Line, ok bool, err error) {
	if f.failed != nil {
		return Line{}, false, f.failed
	}
	for {
		if f.inLiteral {
			if f.Buffered() < f.literal {
				return Line{}, false, nil
			}
			lit := make([]byte, f.literal)
			copy(lit, f.buf[f.off:])
			f.cur.Literals = append(f.cur.Literals, lit)
			f.off += f.literal
			f.inLiteral = false
			f.literal = 0
			f.scanned = 0
			continue
		}

		data := f.buf[f.off:]
		i := bytes.Index(data[f.scanned:], crlf)
		if i < 0 {
			if f.discarding {
				f.off += len(data) - trailingCR(data)
				f.scanned = 0
				return Line{}, false, nil
			}
			if f.curLen+len(data) > f.maxLine {
				raw := f.partial(data)
				f.reset()
				f.discarding = true
				f.off += len(data) - trailingCR(data)
				f.scanned = 0
				return Line{}, false, &FramingError{Reason: ErrLineTooLong, Line: raw}
			}
			f.scanned = len(data) - trailingCR(data)
			return Line{}, false, nil
		}

		text := data[:f.scanned+i]
		f.off += len(text) + len(crlf)
		f.scanned = 0
		if f.discarding {
			f.discarding = false
			continue
		}
		if f.curLen+len(text) > f.maxLine {
			raw := f.partial(text)
			f.reset()
			return Line{}, false, &FramingError{Reason: ErrLineTooLong, Line: raw}
		}

		n, isLiteral, err := literalSize(text)
		if err != nil {
			raw := f.partial(text)
			f.reset()
			return Line{}, false, &FramingError{Reason: err, Line: raw}
		}

		f.cur.Parts = append(f.cur.Parts, bytes.Clone(text))
		f.curLen += len(text)
		if !isLiteral {
			line = f.cur
			f.reset()
			return line, true, nil
		}
		if n > f.maxLiteral {
			f.failed = &FramingError{Reason: ErrLiteralTooLarge, Line: f.partial(nil), Fatal: true}
			f.reset()
			return Line{}, false, f.failed
		}
		f.inLiteral = true
		f.literal = n
	}
}

// Close discards the framer state. It reports ErrTruncated when a partial
// line or unconsumed bytes remain.
func (f *Framer) Close() error {
	var err error
	if f.failed == nil && (f.Buffered() > 0 || len(f.cur.Parts) > 0) && !f.discarding {
		err = &FramingError{Reason: ErrTruncated, Line: f.partial(f.buf[f.off:]), Fatal: true}
	}
	f.reset()
	f.buf = nil
	f.off = 0
	f.scanned = 0
	f.discarding = false
	return err
}

// partial renders the line under construction followed by extra.
func (f *Framer) partial(extra []byte) []byte {
	l := Line{Parts: append(append([][]byte(nil), f.cur.Parts...), extra), Literals: f.cur.Literals}
	return l.Bytes()
}

func (f *Framer) reset() {
	f.cur = Line{}
	f.curLen = 0
	f.inLiteral = false
	f.literal = 0
}

func trailingCR(b []byte) int {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return 1
	}
	return 0
}

// literalSize inspects the end of a physical line for a {n} announcement.
// Text ending in braces that do not hold a count is ordinary text.
func literalSize(text []byte) (n int, ok bool, err error) {
	if len(text) < 3 || text[len(text)-1] != '}' {
		return 0, false, nil
	}
	open := bytes.LastIndexByte(text, '{')
	if open < 0 {
		return 0, false, nil
	}
	digits := text[open+1 : len(text)-1]
	if len(digits) == 0 || !isDigit(digits[0]) {
		return 0, false, nil
	}
	for _, c := range digits {
		if !isDigit(c) {
			return 0, false, ErrBadLiteral
		}
	}
	v, err := strconv.ParseUint(string(digits), 10, 31)
	if err != nil {
		return 0, false, ErrBadLiteral
	}
	return int(v), true, nil
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
