package protocol

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"
)

// ListData is one untagged LIST or LSUB response.
type ListData struct {
	Attrs   []imap.MailboxAttr
	Delim   string // empty when the server sent NIL
	Mailbox string
}

// ParseList decodes "* LIST (attrs) delim name".
func ParseList(r *Response) (*ListData, error) {
	if (r.Label != "LIST" && r.Label != "LSUB") || len(r.Fields) < 5 {
		return nil, fmt.Errorf("%w: not a LIST response", ErrMalformed)
	}
	toks := r.Fields[1:]
	if toks[0].Kind != TokenListStart {
		return nil, fmt.Errorf("%w: LIST attributes are not a list", ErrMalformed)
	}

	d := &ListData{}
	i := 1
	for ; i < len(toks) && toks[i].Kind != TokenListEnd; i++ {
		if toks[i].Kind != TokenAtom {
			return nil, fmt.Errorf("%w: LIST attribute %s", ErrMalformed, toks[i])
		}
		d.Attrs = append(d.Attrs, imap.MailboxAttr(toks[i].Value))
	}
	rest := toks[min(i+1, len(toks)):]
	if len(rest) != 2 {
		return nil, fmt.Errorf("%w: LIST needs a delimiter and a name", ErrMalformed)
	}

	switch rest[0].Kind {
	case TokenQuoted:
		d.Delim = string(rest[0].Value)
	case TokenNIL:
	default:
		return nil, fmt.Errorf("%w: LIST delimiter %s", ErrMalformed, rest[0])
	}

	switch rest[1].Kind {
	case TokenAtom, TokenQuoted, TokenLiteral, TokenNumber:
		d.Mailbox = string(rest[1].Value)
	case TokenNIL:
		// A mailbox literally named NIL.
		d.Mailbox = "NIL"
	default:
		return nil, fmt.Errorf("%w: LIST mailbox %s", ErrMalformed, rest[1])
	}
	return d, nil
}

// HasAttr reports whether the mailbox carries attr.
func (d *ListData) HasAttr(attr imap.MailboxAttr) bool {
	for _, a := range d.Attrs {
		if strings.EqualFold(string(a), string(attr)) {
			return true
		}
	}
	return false
}
