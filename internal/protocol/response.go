package protocol

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/fenilsonani/imap-engine/internal/framer"
)

// Kind distinguishes the three shapes of server response.
type Kind int

const (
	KindUntagged Kind = iota
	KindTagged
	KindContinuation
)

func (k Kind) String() string {
	switch k {
	case KindUntagged:
		return "untagged"
	case KindTagged:
		return "tagged"
	case KindContinuation:
		return "continuation"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Response is one parsed server line. Some examples:
//
//	S: * OK [UNSEEN 12] Message 12 is first unseen
//	&Response{Kind: KindUntagged, Status: "OK", Code: "UNSEEN",
//	          CodeArgs: [12], Text: "Message 12 is first unseen"}
//
//	S: * 3 FETCH (FLAGS (\Seen))
//	&Response{Kind: KindUntagged, Label: "FETCH",
//	          Fields: [3 FETCH ( FLAGS ( \Seen ) )]}
//
//	S: A142 OK [READ-WRITE] SELECT completed
//	&Response{Kind: KindTagged, Tag: "A142", Status: "OK",
//	          Code: "READ-WRITE", Text: "SELECT completed"}
type Response struct {
	Kind Kind

	// Command tag, set for tagged responses.
	Tag Handle

	// Status condition of tagged responses and of untagged OK, NO, BAD,
	// PREAUTH and BYE. Empty for untagged data.
	Status imap.StatusResponseType

	// Bracketed response code of a status response, upper-cased, and its
	// arguments.
	Code     imap.ResponseCode
	CodeArgs []Token

	// Human-readable text of a status or continuation response.
	Text string

	// First atom of an untagged data response, upper-cased ("CAPABILITY",
	// "EXISTS", "FETCH").
	Label string

	// Untagged data payload, everything after the "*".
	Fields []Token

	// Literal payloads in the order they were received.
	Literals [][]byte

	// The complete line, literals included, without the final CRLF.
	Raw []byte
}

func (r *Response) String() string {
	return string(r.Raw)
}

// IsStatus reports whether the response carries a status condition.
func (r *Response) IsStatus() bool {
	return r.Status != ""
}

// Err converts a NO or BAD status into an error.
func (r *Response) Err() error {
	switch r.Status {
	case imap.StatusResponseTypeNo, imap.StatusResponseTypeBad:
		return &StatusError{Tag: r.Tag, Status: r.Status, Code: r.Code, Text: r.Text}
	}
	return nil
}

// StatusError is a command completed with NO or BAD.
type StatusError struct {
	Tag    Handle
	Status imap.StatusResponseType
	Code   imap.ResponseCode
	Text   string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("imap: %s %s [%s] %s", e.Tag, e.Status, e.Code, e.Text)
	}
	return fmt.Sprintf("imap: %s %s %s", e.Tag, e.Status, e.Text)
}

// Parse classifies a logical line by its first token and builds the
// matching Response. Tag validity against outstanding commands is the
// caller's concern.
func Parse(line framer.Line) (*Response, error) {
	if len(line.Parts) == 0 || len(line.Parts[0]) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrMalformed)
	}
	first := line.Parts[0]
	parts := make([][]byte, len(line.Parts))
	copy(parts, line.Parts)
	resp := &Response{Raw: line.Bytes(), Literals: line.Literals}

	// "+" may be followed directly by text.
	if first[0] == '+' {
		parts[0] = bytes.TrimPrefix(first[1:], []byte(" "))
		resp.Kind = KindContinuation
		resp.Text = string(framer.Line{Parts: parts, Literals: line.Literals}.Bytes())
		return resp, nil
	}

	tag, rest, _ := bytes.Cut(first, []byte(" "))
	parts[0] = rest
	switch {
	case len(tag) == 1 && tag[0] == '*':
		resp.Kind = KindUntagged
		if status, ok := statusWord(rest); ok {
			resp.Status = status
			return resp, parseCodeAndText(resp, parts, line.Literals)
		}
		fields, err := Tokenize(parts, line.Literals)
		if err != nil {
			return nil, err
		}
		resp.Fields = fields
		resp.Label = label(fields)
		return resp, nil
	}

	if !ValidTag(string(tag)) {
		return nil, fmt.Errorf("%w: invalid tag %q", ErrMalformed, tag)
	}
	resp.Kind = KindTagged
	resp.Tag = Handle(tag)
	status, ok := statusWord(rest)
	if !ok {
		return resp, fmt.Errorf("%w: tagged response without status", ErrMalformed)
	}
	resp.Status = status
	return resp, parseCodeAndText(resp, parts, line.Literals)
}

// statusWord reports the status condition that starts text, if any.
func statusWord(text []byte) (imap.StatusResponseType, bool) {
	word, _, _ := bytes.Cut(text, []byte(" "))
	switch s := imap.StatusResponseType(strings.ToUpper(string(word))); s {
	case imap.StatusResponseTypeOK, imap.StatusResponseTypeNo, imap.StatusResponseTypeBad,
		imap.StatusResponseTypePreAuth, imap.StatusResponseTypeBye:
		return s, true
	}
	return "", false
}

// parseCodeAndText splits "<status> [CODE args] text" into its pieces. parts[0]
// starts with the status word.
func parseCodeAndText(resp *Response, parts [][]byte, literals [][]byte) error {
	_, text, _ := bytes.Cut(parts[0], []byte(" "))
	text = bytes.TrimLeft(text, " ")
	if len(text) > 0 && text[0] == '[' {
		end := codeEnd(text)
		if end < 0 {
			return fmt.Errorf("%w: unterminated response code", ErrMalformed)
		}
		inner := text[1:end]
		name, args, _ := bytes.Cut(inner, []byte(" "))
		resp.Code = imap.ResponseCode(strings.ToUpper(string(name)))
		if len(args) > 0 {
			toks, err := Tokenize([][]byte{args}, nil)
			if err != nil {
				return err
			}
			resp.CodeArgs = toks
		}
		text = bytes.TrimLeft(text[end+1:], " ")
	}
	rest := make([][]byte, len(parts))
	copy(rest, parts)
	rest[0] = text
	resp.Text = string(framer.Line{Parts: rest, Literals: literals}.Bytes())
	return nil
}

// codeEnd returns the index of the bracket closing the response code that
// opens text, skipping quoted strings and nested brackets.
func codeEnd(text []byte) int {
	depth := 0
	quoted := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case quoted && c == '\\':
			i++
		case c == '"':
			quoted = !quoted
		case quoted:
		case c == '[':
			depth++
		case c == ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func label(fields []Token) string {
	for _, f := range fields {
		switch f.Kind {
		case TokenNumber:
			continue
		case TokenAtom:
			return strings.ToUpper(string(f.Value))
		}
		break
	}
	return ""
}
