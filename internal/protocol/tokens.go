package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformed reports a response line that does not follow the grammar.
var ErrMalformed = errors.New("malformed response")

var nilAtom = []byte("NIL")

// TokenKind classifies a response token.
type TokenKind int

const (
	TokenAtom TokenKind = iota
	TokenNumber
	TokenQuoted
	TokenLiteral
	TokenNIL
	TokenListStart
	TokenListEnd
)

func (k TokenKind) String() string {
	switch k {
	case TokenAtom:
		return "atom"
	case TokenNumber:
		return "number"
	case TokenQuoted:
		return "quoted"
	case TokenLiteral:
		return "literal"
	case TokenNIL:
		return "NIL"
	case TokenListStart:
		return "list-start"
	case TokenListEnd:
		return "list-end"
	default:
		return fmt.Sprintf("TokenKind(%d)", int(k))
	}
}

// Token is one element of an untagged payload or response code. Lists are
// flattened into ListStart/ListEnd markers.
type Token struct {
	Kind  TokenKind
	Value []byte
	Num   uint64 // TokenNumber only
}

func (t Token) String() string {
	switch t.Kind {
	case TokenQuoted:
		return strconv.Quote(string(t.Value))
	case TokenLiteral:
		return fmt.Sprintf("{%d}", len(t.Value))
	case TokenListStart:
		return "("
	case TokenListEnd:
		return ")"
	default:
		return string(t.Value)
	}
}

// scanner walks the text parts of a logical line. Reaching the {n} at the
// end of part i yields literal i.
//
// Whitespace handling is lenient: any run of spaces or tabs separates tokens.
type scanner struct {
	parts    [][]byte
	literals [][]byte
	part     int
	pos      int
}

func newScanner(parts, literals [][]byte) *scanner {
	return &scanner{parts: parts, literals: literals}
}

func (s *scanner) cur() []byte {
	if s.part >= len(s.parts) {
		return nil
	}
	return s.parts[s.part]
}

func (s *scanner) skipSpace() {
	for {
		p := s.cur()
		for s.pos < len(p) && (p[s.pos] == ' ' || p[s.pos] == '\t') {
			s.pos++
		}
		if s.pos < len(p) || s.part >= len(s.parts)-1 {
			return
		}
		// A part only ends early at a literal; move past it.
		s.part++
		s.pos = 0
	}
}

func (s *scanner) done() bool {
	s.skipSpace()
	return s.part >= len(s.parts) || (s.part == len(s.parts)-1 && s.pos >= len(s.cur()))
}

// Tokenize splits the parts of a logical line into tokens.
func Tokenize(parts, literals [][]byte) ([]Token, error) {
	return newScanner(parts, literals).tokens()
}

func (s *scanner) tokens() ([]Token, error) {
	var toks []Token
	for !s.done() {
		tok, err := s.next()
		if err != nil {
			return toks, err
		}
		toks = append(toks, tok)
	}
	return toks, nil
}

func (s *scanner) next() (Token, error) {
	p := s.cur()
	switch c := p[s.pos]; c {
	case '(':
		s.pos++
		return Token{Kind: TokenListStart}, nil
	case ')':
		s.pos++
		return Token{Kind: TokenListEnd}, nil
	case '"':
		return s.quoted()
	case '{':
		return s.literal()
	case '~':
		if s.pos+1 < len(p) && p[s.pos+1] == '{' {
			s.pos++
			return s.literal()
		}
	}
	return s.atom()
}

func (s *scanner) quoted() (Token, error) {
	p := s.cur()
	s.pos++ // opening quote
	var v []byte
	for s.pos < len(p) {
		c := p[s.pos]
		s.pos++
		switch c {
		case '"':
			return Token{Kind: TokenQuoted, Value: v}, nil
		case '\\':
			if s.pos >= len(p) {
				return Token{}, fmt.Errorf("%w: unterminated quoted string", ErrMalformed)
			}
			v = append(v, p[s.pos])
			s.pos++
		default:
			v = append(v, c)
		}
	}
	return Token{}, fmt.Errorf("%w: unterminated quoted string", ErrMalformed)
}

func (s *scanner) literal() (Token, error) {
	p := s.cur()
	end := s.pos + 1
	for end < len(p) && isDigit(p[end]) {
		end++
	}
	if end >= len(p) || p[end] != '}' || end == s.pos+1 {
		return Token{}, fmt.Errorf("%w: bad literal announcement %q", ErrMalformed, p[s.pos:])
	}
	if end != len(p)-1 || s.part >= len(s.literals) {
		return Token{}, fmt.Errorf("%w: literal announcement not at end of line", ErrMalformed)
	}
	lit := s.literals[s.part]
	s.part++
	s.pos = 0
	return Token{Kind: TokenLiteral, Value: lit}, nil
}

// atom reads up to the next delimiter. Bracketed sections such as
// BODY[HEADER.FIELDS (SUBJECT)] are kept whole, spaces and parentheses
// included.
func (s *scanner) atom() (Token, error) {
	p := s.cur()
	start := s.pos
	depth := 0
loop:
	for s.pos < len(p) {
		c := p[s.pos]
		switch {
		case c == '[':
			depth++
		case c == ']':
			if depth > 0 {
				depth--
			} else if s.pos > start {
				// closing bracket of an enclosing response code
				break loop
			}
		case depth > 0:
		case c == ' ' || c == '\t' || c == '(' || c == ')' || c == '"':
			break loop
		case c == '{' && s.pos > start:
			break loop
		}
		s.pos++
	}
	if depth > 0 {
		return Token{}, fmt.Errorf("%w: unbalanced brackets in %q", ErrMalformed, p[start:])
	}
	v := p[start:s.pos]
	if len(v) == 0 {
		return Token{}, fmt.Errorf("%w: unexpected %q", ErrMalformed, p[s.pos:])
	}
	tok := Token{Kind: TokenAtom, Value: v}
	if isNumber(v) {
		if n, err := strconv.ParseUint(string(v), 10, 64); err == nil {
			tok.Kind = TokenNumber
			tok.Num = n
		}
	} else if bytes.EqualFold(v, nilAtom) {
		tok.Kind = TokenNIL
	}
	return tok, nil
}

func isNumber(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if !isDigit(c) {
			return false
		}
	}
	return true
}
