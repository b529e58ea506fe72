// Package query implements the declarative query language's lexer,
// parser, planner, and tree-walking executor.
package query

import (
	"fmt"
	"strings"
)

// TokenKind classifies a lexical token.
type TokenKind int

const (
	TokenEOF TokenKind = iota
	TokenIdent
	TokenKeyword
	TokenBindVar
	TokenNumber
	TokenString
	TokenPunct
)

// Token is one lexical unit.
type Token struct {
	Kind TokenKind
	Text string
	Pos  int
}

var keywords = map[string]bool{
	"FOR": true, "IN": true, "FILTER": true, "LET": true,
	"INSERT": true, "INTO": true, "UPDATE": true, "WITH": true,
	"REMOVE": true, "SORT": true, "ASC": true, "DESC": true,
	"LIMIT": true, "RETURN": true, "AND": true, "OR": true,
	"NOT": true, "TRUE": true, "FALSE": true, "NULL": true,
	"COLLECT": true,
}

// Lexer tokenizes the query language's flat, non-nesting-keyword
// grammar one rune at a time.
type Lexer struct {
	src []rune
	pos int
}

// NewLexer constructs a Lexer over src.
func NewLexer(src string) *Lexer {
	return &Lexer{src: []rune(src)}
}

func (l *Lexer) peek() rune {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *Lexer) peekAt(offset int) rune {
	idx := l.pos + offset
	if idx >= len(l.src) {
		return 0
	}
	return l.src[idx]
}

func (l *Lexer) advance() rune {
	r := l.peek()
	l.pos++
	return r
}

func (l *Lexer) skipSpaceAndComments() {
	for {
		for l.pos < len(l.src) && isSpace(l.peek()) {
			l.pos++
		}
		if l.peek() == '/' && l.peekAt(1) == '/' {
			for l.pos < len(l.src) && l.peek() != '\n' {
				l.pos++
			}
			continue
		}
		break
	}
}

// Next returns the next token in the stream, TokenEOF once exhausted.
func (l *Lexer) Next() (Token, error) {
	l.skipSpaceAndComments()
	start := l.pos
	if l.pos >= len(l.src) {
		return Token{Kind: TokenEOF, Pos: start}, nil
	}

	r := l.peek()
	switch {
	case r == '@':
		l.advance()
		for l.pos < len(l.src) && isIdentRune(l.peek()) {
			l.advance()
		}
		return Token{Kind: TokenBindVar, Text: string(l.src[start+1 : l.pos]), Pos: start}, nil
	case r == '"' || r == '\'':
		return l.lexString(r)
	case isDigit(r):
		return l.lexNumber()
	case isIdentStart(r):
		for l.pos < len(l.src) && isIdentRune(l.peek()) {
			l.advance()
		}
		text := string(l.src[start:l.pos])
		upper := strings.ToUpper(text)
		if keywords[upper] {
			return Token{Kind: TokenKeyword, Text: upper, Pos: start}, nil
		}
		return Token{Kind: TokenIdent, Text: text, Pos: start}, nil
	default:
		return l.lexPunct()
	}
}

func (l *Lexer) lexString(quote rune) (Token, error) {
	start := l.pos
	l.advance()
	var b strings.Builder
	for {
		if l.pos >= len(l.src) {
			return Token{}, fmt.Errorf("unterminated string starting at %d", start)
		}
		r := l.advance()
		if r == quote {
			break
		}
		if r == '\\' && l.pos < len(l.src) {
			esc := l.advance()
			switch esc {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			default:
				b.WriteRune(esc)
			}
			continue
		}
		b.WriteRune(r)
	}
	return Token{Kind: TokenString, Text: b.String(), Pos: start}, nil
}

func (l *Lexer) lexNumber() (Token, error) {
	start := l.pos
	for l.pos < len(l.src) && isDigit(l.peek()) {
		l.advance()
	}
	if l.peek() == '.' && isDigit(l.peekAt(1)) {
		l.advance()
		for l.pos < len(l.src) && isDigit(l.peek()) {
			l.advance()
		}
	}
	if l.peek() == 'e' || l.peek() == 'E' {
		save := l.pos
		l.advance()
		if l.peek() == '+' || l.peek() == '-' {
			l.advance()
		}
		if isDigit(l.peek()) {
			for l.pos < len(l.src) && isDigit(l.peek()) {
				l.advance()
			}
		} else {
			l.pos = save
		}
	}
	return Token{Kind: TokenNumber, Text: string(l.src[start:l.pos]), Pos: start}, nil
}

func (l *Lexer) lexPunct() (Token, error) {
	start := l.pos
	two := string(l.peek()) + string(l.peekAt(1))
	switch two {
	case "==", "!=", "<=", ">=", "&&", "||":
		l.pos += 2
		return Token{Kind: TokenPunct, Text: two, Pos: start}, nil
	}
	r := l.advance()
	switch r {
	case '.', ',', '(', ')', '[', ']', '{', '}', '<', '>', '+', '-', '*', '/', '%', '=', ':':
		return Token{Kind: TokenPunct, Text: string(r), Pos: start}, nil
	default:
		return Token{}, fmt.Errorf("unexpected character %q at %d", r, start)
	}
}

func isSpace(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' }
func isDigit(r rune) bool { return r >= '0' && r <= '9' }
func isIdentStart(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}
func isIdentRune(r rune) bool { return isIdentStart(r) || isDigit(r) }
