package protocol

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"
)

// FetchData is the message data of one untagged FETCH response.
type FetchData struct {
	SeqNum     uint32
	UID        imap.UID
	Flags      []imap.Flag
	RFC822Size int64
	// Sections maps body section names as sent by the server
	// ("BODY[]", "BODY[HEADER]") to their contents.
	Sections map[string][]byte
}

// Body returns the full message if the server sent one, preferring BODY[]
// over RFC822.
func (d *FetchData) Body() []byte {
	for _, name := range []string{"BODY[]", "RFC822", "BINARY[]"} {
		if b, ok := d.Sections[name]; ok {
			return b
		}
	}
	return nil
}

// ParseFetch decodes the items of a "* n FETCH (...)" response. Items it
// does not know are skipped.
func ParseFetch(r *Response) (*FetchData, error) {
	if r.Label != "FETCH" || len(r.Fields) < 3 || r.Fields[0].Kind != TokenNumber {
		return nil, fmt.Errorf("%w: not a FETCH response", ErrMalformed)
	}
	toks := r.Fields[2:]
	if toks[0].Kind != TokenListStart || toks[len(toks)-1].Kind != TokenListEnd {
		return nil, fmt.Errorf("%w: FETCH items are not a list", ErrMalformed)
	}
	toks = toks[1 : len(toks)-1]

	d := &FetchData{SeqNum: uint32(r.Fields[0].Num), Sections: make(map[string][]byte)}
	for len(toks) > 0 {
		key := toks[0]
		if key.Kind != TokenAtom {
			return nil, fmt.Errorf("%w: FETCH item name %s", ErrMalformed, key)
		}
		value, rest, err := fetchValue(toks[1:])
		if err != nil {
			return nil, err
		}
		toks = rest

		name := strings.ToUpper(string(key.Value))
		switch {
		case name == "UID" && len(value) == 1 && value[0].Kind == TokenNumber:
			d.UID = imap.UID(value[0].Num)
		case name == "RFC822.SIZE" && len(value) == 1 && value[0].Kind == TokenNumber:
			d.RFC822Size = int64(value[0].Num)
		case name == "FLAGS":
			for _, t := range value {
				if t.Kind == TokenAtom {
					d.Flags = append(d.Flags, imap.Flag(t.Value))
				}
			}
		case isSection(name) && len(value) == 1:
			switch value[0].Kind {
			case TokenLiteral, TokenQuoted:
				d.Sections[sectionKey(key.Value)] = value[0].Value
			case TokenNIL:
				d.Sections[sectionKey(key.Value)] = nil
			}
		}
	}
	return d, nil
}

// fetchValue splits off one item value. List values are returned without
// their outer parentheses.
func fetchValue(toks []Token) (value, rest []Token, err error) {
	if len(toks) == 0 {
		return nil, nil, fmt.Errorf("%w: FETCH item without value", ErrMalformed)
	}
	if toks[0].Kind != TokenListStart {
		return toks[:1], toks[1:], nil
	}
	depth := 0
	for i, t := range toks {
		switch t.Kind {
		case TokenListStart:
			depth++
		case TokenListEnd:
			depth--
			if depth == 0 {
				return toks[1:i], toks[i+1:], nil
			}
		}
	}
	return nil, nil, fmt.Errorf("%w: unbalanced FETCH list", ErrMalformed)
}

func isSection(name string) bool {
	return strings.HasPrefix(name, "BODY[") || strings.HasPrefix(name, "BINARY[") ||
		name == "RFC822" || name == "RFC822.HEADER" || name == "RFC822.TEXT"
}

// sectionKey upper-cases the item name and drops a partial <origin> suffix.
func sectionKey(name []byte) string {
	if i := bytes.LastIndexByte(name, ']'); i >= 0 {
		name = name[:i+1]
	}
	return strings.ToUpper(string(name))
}
