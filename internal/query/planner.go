package query

import (
	"github.com/cuemby/solidb/internal/document"
	"github.com/cuemby/solidb/internal/value"
)

// AccessKind classifies how the executor satisfies the query's first
// FOR clause: equality beats range, a two-sided range beats a one-sided
// one, and the losers are re-applied as residual filters.
type AccessKind string

const (
	AccessScan       AccessKind = "full_scan"
	AccessIndexEq    AccessKind = "index_lookup"
	AccessIndexRange AccessKind = "index_range"
	AccessIndexSort  AccessKind = "index_sort"
)

// AccessPlan is the outcome of inspecting "FOR v IN <collection>"
// together with the clause immediately following it (or the trailing
// SORT/LIMIT), before the body is executed.
type AccessPlan struct {
	Kind       AccessKind
	Collection string
	Var        string
	Field      string

	EqValue   *value.Value
	LowOp     string
	LowValue  *value.Value
	HighOp    string
	HighValue *value.Value

	// ScanLimit bounds the underlying scan/index walk (0 = unbounded).
	ScanLimit int
	Ascending bool

	// Residual holds filter conjuncts the index did not satisfy; these
	// are re-applied in-memory against each candidate row.
	Residual []Expr
	// FilterConsumed reports whether body[1] (a FILTER clause) was
	// fully handled by this plan and should be skipped by the executor.
	FilterConsumed bool
}

// planAccess inspects q's body against db's collections and returns the
// chosen access plan, or nil if the body does not start with a FOR over
// a known collection (the generic row pipeline then applies unassisted).
func planAccess(q *Query, db *document.Database) *AccessPlan {
	if db == nil || len(q.Body) == 0 {
		return nil
	}
	forClause, ok := q.Body[0].(ForClause)
	if !ok {
		return nil
	}
	src, ok := forClause.Source.(IdentExpr)
	if !ok {
		return nil
	}
	coll, ok := db.Collection(src.Name)
	if !ok {
		return nil
	}

	// Sort-via-index: "FOR v IN c SORT v.field [ASC|DESC] LIMIT n
	// RETURN ..." with nothing else in the body and an ordered index on
	// field — pull documents in index order and skip SORT entirely.
	if len(q.Body) == 1 && q.Sort != nil {
		if fa, ok := q.Sort.Field.(FieldAccessExpr); ok {
			if id, ok := fa.Target.(IdentExpr); ok && id.Name == forClause.Var {
				if _, ok := coll.IndexOn(fa.Field); ok {
					limit := 0
					if q.Limit != nil {
						limit = q.Limit.Offset + q.Limit.Count
					}
					return &AccessPlan{
						Kind: AccessIndexSort, Collection: src.Name, Var: forClause.Var,
						Field: fa.Field, ScanLimit: limit, Ascending: q.Sort.Ascending,
					}
				}
			}
		}
	}

	// Index-assisted filter: the clause right after FOR is FILTER.
	if len(q.Body) >= 2 {
		if filt, ok := q.Body[1].(FilterClause); ok {
			conjuncts := flattenAnd(filt.Predicate)
			if p := planFilterConjuncts(coll, forClause.Var, conjuncts); p != nil {
				p.Collection = src.Name
				p.Var = forClause.Var
				p.FilterConsumed = true
				return p
			}
		}
	}

	// Single unfiltered FOR + LIMIT + no SORT: push the scan limit down.
	if len(q.Body) == 1 && q.Sort == nil && q.Limit != nil {
		return &AccessPlan{Kind: AccessScan, Collection: src.Name, Var: forClause.Var, ScanLimit: q.Limit.Offset + q.Limit.Count}
	}

	return &AccessPlan{Kind: AccessScan, Collection: src.Name, Var: forClause.Var}
}

type fieldMatch struct {
	idx        int
	field, op  string
	lit        value.Value
}

// planFilterConjuncts picks one indexable conjunct: an equality first;
// otherwise a field carrying both a lower and an upper bound (the first
// of each; when several fields qualify, which one is used is not
// defined); otherwise the first one-sided range. Range widths are not
// compared. The remaining conjuncts are returned as residual filters.
func planFilterConjuncts(coll *document.CollectionRuntime, forVar string, conjuncts []Expr) *AccessPlan {
	var matches []fieldMatch
	for i, c := range conjuncts {
		field, op, lit, ok := matchFieldLiteral(c, forVar)
		if !ok {
			continue
		}
		if _, ok := coll.IndexOn(field); !ok {
			continue
		}
		matches = append(matches, fieldMatch{idx: i, field: field, op: op, lit: lit})
	}
	if len(matches) == 0 {
		return nil
	}

	for _, m := range matches {
		if m.op == "==" {
			lit := m.lit
			return &AccessPlan{Kind: AccessIndexEq, Field: m.field, EqValue: &lit, Residual: residualExcept(conjuncts, m.idx)}
		}
	}

	byField := map[string][]fieldMatch{}
	for _, m := range matches {
		byField[m.field] = append(byField[m.field], m)
	}
	for field, ms := range byField {
		var lowM, highM *fieldMatch
		for i := range ms {
			switch ms[i].op {
			case ">", ">=":
				if lowM == nil {
					lowM = &ms[i]
				}
			case "<", "<=":
				if highM == nil {
					highM = &ms[i]
				}
			}
		}
		if lowM != nil && highM != nil {
			low, high := lowM.lit, highM.lit
			return &AccessPlan{
				Kind: AccessIndexRange, Field: field,
				LowOp: lowM.op, LowValue: &low, HighOp: highM.op, HighValue: &high,
				Residual: residualExcept(conjuncts, lowM.idx, highM.idx),
			}
		}
	}

	m := matches[0]
	lit := m.lit
	switch m.op {
	case ">", ">=":
		return &AccessPlan{Kind: AccessIndexRange, Field: m.field, LowOp: m.op, LowValue: &lit, Residual: residualExcept(conjuncts, m.idx)}
	case "<", "<=":
		return &AccessPlan{Kind: AccessIndexRange, Field: m.field, HighOp: m.op, HighValue: &lit, Residual: residualExcept(conjuncts, m.idx)}
	}
	return nil
}

func residualExcept(conjuncts []Expr, skip ...int) []Expr {
	skipSet := make(map[int]bool, len(skip))
	for _, i := range skip {
		skipSet[i] = true
	}
	var out []Expr
	for i, c := range conjuncts {
		if !skipSet[i] {
			out = append(out, c)
		}
	}
	return out
}

// flattenAnd splits a predicate into its top-level AND conjuncts.
func flattenAnd(e Expr) []Expr {
	if be, ok := e.(BinaryExpr); ok && be.Op == "AND" {
		return append(flattenAnd(be.Left), flattenAnd(be.Right)...)
	}
	return []Expr{e}
}

// matchFieldLiteral recognizes "v.field OP literal" or its mirror
// "literal OP v.field", returning the field, the operator normalized to
// the field-on-the-left form, and the literal as a value.Value.
func matchFieldLiteral(e Expr, forVar string) (field, op string, lit value.Value, ok bool) {
	be, isBin := e.(BinaryExpr)
	if !isBin || !comparisonOps[be.Op] {
		return "", "", value.Value{}, false
	}
	if f, l, ok2 := asFieldLiteral(be.Left, be.Right, forVar); ok2 {
		return f, be.Op, l, true
	}
	if f, l, ok2 := asFieldLiteral(be.Right, be.Left, forVar); ok2 {
		return f, mirrorOp(be.Op), l, true
	}
	return "", "", value.Value{}, false
}

func asFieldLiteral(fieldSide, litSide Expr, forVar string) (field string, lit value.Value, ok bool) {
	fa, isField := fieldSide.(FieldAccessExpr)
	if !isField {
		return "", value.Value{}, false
	}
	id, isIdent := fa.Target.(IdentExpr)
	if !isIdent || id.Name != forVar {
		return "", value.Value{}, false
	}
	le, isLit := litSide.(LiteralExpr)
	if !isLit {
		return "", value.Value{}, false
	}
	return fa.Field, literalToValue(le.Value), true
}

func mirrorOp(op string) string {
	switch op {
	case "<":
		return ">"
	case ">":
		return "<"
	case "<=":
		return ">="
	case ">=":
		return "<="
	default:
		return op
	}
}
