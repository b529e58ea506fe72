package query

import (
	"fmt"
	"strconv"

	"github.com/cuemby/solidb/internal/errs"
)

// Parser is a recursive-descent parser over the token stream produced
// by Lexer.
type Parser struct {
	lex     *Lexer
	cur     Token
	lookErr error
}

// NewParser constructs a Parser over source src.
func NewParser(src string) (*Parser, error) {
	p := &Parser{lex: NewLexer(src)}
	if err := p.next(); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseQuery parses src as a single query, the entry point callers
// outside this package use instead of driving Parser directly.
func ParseQuery(src string) (*Query, error) {
	p, err := NewParser(src)
	if err != nil {
		return nil, err
	}
	return p.ParseQuery()
}

func (p *Parser) next() error {
	tok, err := p.lex.Next()
	if err != nil {
		return errs.Wrap(errs.ParseError, "lex error", err)
	}
	p.cur = tok
	return nil
}

func (p *Parser) errf(format string, args ...any) error {
	return errs.New(errs.ParseError, fmt.Sprintf(format, args...))
}

func (p *Parser) isKeyword(kw string) bool {
	return p.cur.Kind == TokenKeyword && p.cur.Text == kw
}

func (p *Parser) isPunct(s string) bool {
	return p.cur.Kind == TokenPunct && p.cur.Text == s
}

func (p *Parser) expectPunct(s string) error {
	if !p.isPunct(s) {
		return p.errf("expected %q, got %q", s, p.cur.Text)
	}
	return p.next()
}

func (p *Parser) expectKeyword(kw string) error {
	if !p.isKeyword(kw) {
		return p.errf("expected keyword %s, got %q", kw, p.cur.Text)
	}
	return p.next()
}

// ParseQuery parses a full query: pre-body LETs, body clauses, then
// optional SORT, LIMIT, and RETURN.
func (p *Parser) ParseQuery() (*Query, error) {
	q := &Query{}

	for p.isKeyword("LET") {
		let, err := p.parseLet()
		if err != nil {
			return nil, err
		}
		q.PreLets = append(q.PreLets, let)
	}

	for p.isKeyword("FOR") || p.isKeyword("FILTER") || p.isKeyword("LET") ||
		p.isKeyword("INSERT") || p.isKeyword("UPDATE") || p.isKeyword("REMOVE") ||
		p.isKeyword("COLLECT") {
		clause, err := p.parseClause()
		if err != nil {
			return nil, err
		}
		q.Body = append(q.Body, clause)
	}

	if p.isKeyword("SORT") {
		sort, err := p.parseSort()
		if err != nil {
			return nil, err
		}
		q.Sort = sort
	}

	if p.isKeyword("LIMIT") {
		limit, err := p.parseLimit()
		if err != nil {
			return nil, err
		}
		q.Limit = limit
	}

	if p.isKeyword("RETURN") {
		if err := p.next(); err != nil {
			return nil, err
		}
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		q.Return = expr
	}

	if p.cur.Kind != TokenEOF {
		return nil, p.errf("unexpected trailing token %q", p.cur.Text)
	}
	return q, nil
}

func (p *Parser) parseClause() (Clause, error) {
	switch {
	case p.isKeyword("FOR"):
		return p.parseFor()
	case p.isKeyword("FILTER"):
		return p.parseFilter()
	case p.isKeyword("LET"):
		return p.parseLet()
	case p.isKeyword("INSERT"):
		return p.parseInsert()
	case p.isKeyword("UPDATE"):
		return p.parseUpdate()
	case p.isKeyword("REMOVE"):
		return p.parseRemove()
	case p.isKeyword("COLLECT"):
		return p.parseCollect()
	}
	return nil, p.errf("unexpected token %q in body", p.cur.Text)
}

func (p *Parser) parseCollect() (Clause, error) {
	if err := p.expectKeyword("COLLECT"); err != nil {
		return nil, err
	}
	if p.cur.Kind != TokenIdent {
		return nil, p.errf("expected variable name after COLLECT, got %q", p.cur.Text)
	}
	varName := p.cur.Text
	if err := p.next(); err != nil {
		return nil, err
	}
	if err := p.expectPunct("="); err != nil {
		return nil, err
	}
	val, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	into := ""
	if p.isKeyword("INTO") {
		if err := p.next(); err != nil {
			return nil, err
		}
		if p.cur.Kind != TokenIdent {
			return nil, p.errf("expected variable name after INTO, got %q", p.cur.Text)
		}
		into = p.cur.Text
		if err := p.next(); err != nil {
			return nil, err
		}
	}
	return CollectClause{Var: varName, Value: val, Into: into}, nil
}

func (p *Parser) parseFor() (Clause, error) {
	if err := p.expectKeyword("FOR"); err != nil {
		return nil, err
	}
	if p.cur.Kind != TokenIdent {
		return nil, p.errf("expected variable name after FOR, got %q", p.cur.Text)
	}
	varName := p.cur.Text
	if err := p.next(); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("IN"); err != nil {
		return nil, err
	}
	source, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return ForClause{Var: varName, Source: source}, nil
}

func (p *Parser) parseFilter() (Clause, error) {
	if err := p.expectKeyword("FILTER"); err != nil {
		return nil, err
	}
	pred, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return FilterClause{Predicate: pred}, nil
}

func (p *Parser) parseLet() (LetClause, error) {
	if err := p.expectKeyword("LET"); err != nil {
		return LetClause{}, err
	}
	if p.cur.Kind != TokenIdent {
		return LetClause{}, p.errf("expected variable name after LET, got %q", p.cur.Text)
	}
	varName := p.cur.Text
	if err := p.next(); err != nil {
		return LetClause{}, err
	}
	if err := p.expectPunct("="); err != nil {
		return LetClause{}, err
	}
	val, err := p.parseExpr()
	if err != nil {
		return LetClause{}, err
	}
	return LetClause{Var: varName, Value: val}, nil
}

func (p *Parser) parseInsert() (Clause, error) {
	if err := p.expectKeyword("INSERT"); err != nil {
		return nil, err
	}
	doc, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("INTO"); err != nil {
		return nil, err
	}
	if p.cur.Kind != TokenIdent {
		return nil, p.errf("expected collection name, got %q", p.cur.Text)
	}
	coll := p.cur.Text
	return InsertClause{Doc: doc, Collection: coll}, p.next()
}

func (p *Parser) parseUpdate() (Clause, error) {
	if err := p.expectKeyword("UPDATE"); err != nil {
		return nil, err
	}
	sel, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("WITH"); err != nil {
		return nil, err
	}
	changes, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("IN"); err != nil {
		return nil, err
	}
	if p.cur.Kind != TokenIdent {
		return nil, p.errf("expected collection name, got %q", p.cur.Text)
	}
	coll := p.cur.Text
	return UpdateClause{Selector: sel, Changes: changes, Collection: coll}, p.next()
}

func (p *Parser) parseRemove() (Clause, error) {
	if err := p.expectKeyword("REMOVE"); err != nil {
		return nil, err
	}
	sel, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("IN"); err != nil {
		return nil, err
	}
	if p.cur.Kind != TokenIdent {
		return nil, p.errf("expected collection name, got %q", p.cur.Text)
	}
	coll := p.cur.Text
	return RemoveClause{Selector: sel, Collection: coll}, p.next()
}

func (p *Parser) parseSort() (*SortClause, error) {
	if err := p.expectKeyword("SORT"); err != nil {
		return nil, err
	}
	field, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	ascending := true
	if p.isKeyword("ASC") {
		if err := p.next(); err != nil {
			return nil, err
		}
	} else if p.isKeyword("DESC") {
		ascending = false
		if err := p.next(); err != nil {
			return nil, err
		}
	}
	return &SortClause{Field: field, Ascending: ascending}, nil
}

func (p *Parser) parseLimit() (*LimitClause, error) {
	if err := p.expectKeyword("LIMIT"); err != nil {
		return nil, err
	}
	first, err := p.parseIntLiteral()
	if err != nil {
		return nil, err
	}
	if p.isPunct(",") {
		if err := p.next(); err != nil {
			return nil, err
		}
		second, err := p.parseIntLiteral()
		if err != nil {
			return nil, err
		}
		return &LimitClause{Offset: first, Count: second}, nil
	}
	return &LimitClause{Offset: 0, Count: first}, nil
}

func (p *Parser) parseIntLiteral() (int, error) {
	if p.cur.Kind != TokenNumber {
		return 0, p.errf("expected integer literal, got %q", p.cur.Text)
	}
	n, err := strconv.Atoi(p.cur.Text)
	if err != nil {
		return 0, p.errf("invalid integer literal %q", p.cur.Text)
	}
	return n, p.next()
}

// --- expressions, precedence-climbing ---

func (p *Parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *Parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("OR") || p.isPunct("||") {
		if err := p.next(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("AND") || p.isPunct("&&") {
		if err := p.next(); err != nil {
			return nil, err
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseNot() (Expr, error) {
	if p.isKeyword("NOT") {
		if err := p.next(); err != nil {
			return nil, err
		}
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return UnaryExpr{Op: "NOT", Operand: operand}, nil
	}
	return p.parseComparison()
}

var comparisonOps = map[string]bool{"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true}

func (p *Parser) parseComparison() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if p.cur.Kind == TokenPunct && comparisonOps[p.cur.Text] {
		op := p.cur.Text
		if err := p.next(); err != nil {
			return nil, err
		}
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return BinaryExpr{Op: op, Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *Parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.isPunct("+") || p.isPunct("-") {
		op := p.cur.Text
		if err := p.next(); err != nil {
			return nil, err
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isPunct("*") || p.isPunct("/") || p.isPunct("%") {
		op := p.cur.Text
		if err := p.next(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseUnary() (Expr, error) {
	if p.isPunct("-") {
		if err := p.next(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return UnaryExpr{Op: "-", Operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *Parser) parsePostfix() (Expr, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.isPunct("."):
			if err := p.next(); err != nil {
				return nil, err
			}
			if p.cur.Kind != TokenIdent && p.cur.Kind != TokenKeyword {
				return nil, p.errf("expected field name after '.', got %q", p.cur.Text)
			}
			field := p.cur.Text
			if err := p.next(); err != nil {
				return nil, err
			}
			expr = FieldAccessExpr{Target: expr, Field: field}
		case p.isPunct("["):
			if err := p.next(); err != nil {
				return nil, err
			}
			idx, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct("]"); err != nil {
				return nil, err
			}
			expr = IndexAccessExpr{Target: expr, Index: idx}
		default:
			return expr, nil
		}
	}
}

func (p *Parser) parsePrimary() (Expr, error) {
	switch {
	case p.cur.Kind == TokenNumber:
		n, err := strconv.ParseFloat(p.cur.Text, 64)
		if err != nil {
			return nil, p.errf("invalid number literal %q", p.cur.Text)
		}
		return LiteralExpr{Value: n}, p.next()
	case p.cur.Kind == TokenString:
		s := p.cur.Text
		return LiteralExpr{Value: s}, p.next()
	case p.cur.Kind == TokenBindVar:
		name := p.cur.Text
		return BindVarExpr{Name: name}, p.next()
	case p.isKeyword("TRUE"):
		return LiteralExpr{Value: true}, p.next()
	case p.isKeyword("FALSE"):
		return LiteralExpr{Value: false}, p.next()
	case p.isKeyword("NULL"):
		return LiteralExpr{Value: nil}, p.next()
	case p.isPunct("("):
		if err := p.next(); err != nil {
			return nil, err
		}
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return expr, p.expectPunct(")")
	case p.isPunct("["):
		return p.parseArrayLit()
	case p.isPunct("{"):
		return p.parseObjectLit()
	case p.cur.Kind == TokenIdent:
		name := p.cur.Text
		if err := p.next(); err != nil {
			return nil, err
		}
		if p.isPunct("(") {
			return p.parseFuncCallArgs(name)
		}
		return IdentExpr{Name: name}, nil
	}
	return nil, p.errf("unexpected token %q", p.cur.Text)
}

func (p *Parser) parseArrayLit() (Expr, error) {
	if err := p.expectPunct("["); err != nil {
		return nil, err
	}
	var elems []Expr
	for !p.isPunct("]") {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
		if p.isPunct(",") {
			if err := p.next(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	return ArrayExpr{Elements: elems}, p.expectPunct("]")
}

func (p *Parser) parseObjectLit() (Expr, error) {
	if err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	var keys []string
	var values []Expr
	for !p.isPunct("}") {
		if p.cur.Kind != TokenIdent && p.cur.Kind != TokenString {
			return nil, p.errf("expected object key, got %q", p.cur.Text)
		}
		key := p.cur.Text
		if err := p.next(); err != nil {
			return nil, err
		}
		if err := p.expectPunct(":"); err != nil {
			return nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
		values = append(values, val)
		if p.isPunct(",") {
			if err := p.next(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	return ObjectExpr{Keys: keys, Values: values}, p.expectPunct("}")
}

func (p *Parser) parseFuncCallArgs(name string) (Expr, error) {
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	var args []Expr
	for !p.isPunct(")") {
		a, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, a)
		if p.isPunct(",") {
			if err := p.next(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	return FuncCallExpr{Name: name, Args: args}, p.expectPunct(")")
}
