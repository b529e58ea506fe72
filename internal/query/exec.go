// Package query implements the declarative query language's lexer,
// parser, planner, and tree-walking executor: a
// FOR/FILTER/LET/SORT/LIMIT/RETURN/INSERT/UPDATE/REMOVE pipeline over
// rows carrying a variable->value context, with index-assisted access
// paths chosen by planAccess before the body runs.
package query

import (
	"fmt"
	"math"
	"sort"

	"github.com/cuemby/solidb/internal/document"
	"github.com/cuemby/solidb/internal/errs"
	"github.com/cuemby/solidb/internal/value"
)

// Row is one row of the executor's working set: a variable->value
// context extended by each body clause to its right.
type Row map[string]value.Value

func (r Row) clone() Row {
	out := make(Row, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	return out
}

func (r Row) toValue() value.Value {
	obj := make(map[string]value.Value, len(r))
	for k, v := range r {
		obj[k] = v
	}
	return value.Object(obj)
}

// Executor runs a parsed Query against a Database and a set of bind
// variables.
type Executor struct {
	db    *document.Database
	binds map[string]value.Value

	documentsScanned  int
	documentsReturned int
	accessType        string
	sortSkipped       bool
	clauseTimings     []ClauseTiming
}

// NewExecutor constructs an Executor over db with the given bind vars.
func NewExecutor(db *document.Database, binds map[string]value.Value) *Executor {
	if binds == nil {
		binds = map[string]value.Value{}
	}
	return &Executor{db: db, binds: binds, accessType: string(AccessScan)}
}

// Execute runs q and returns the RETURNed values (nil if q has no
// RETURN clause, per the "unchanged row set, returning nothing" rule).
func (ex *Executor) Execute(q *Query) ([]value.Value, error) {
	rows, err := ex.run(q, false)
	if err != nil {
		return nil, err
	}
	return ex.project(q, rows)
}

func (ex *Executor) project(q *Query, rows []Row) ([]value.Value, error) {
	if q.Return == nil {
		return nil, nil
	}
	out := make([]value.Value, 0, len(rows))
	for _, row := range rows {
		v, err := ex.evalExpr(row, q.Return)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	ex.documentsReturned = len(out)
	return out, nil
}

// run executes the pre-lets and body, applies SORT/LIMIT, and returns
// the final row set (before RETURN projection).
func (ex *Executor) run(q *Query, recordTimings bool) ([]Row, error) {
	plan := planAccess(q, ex.db)

	rows := []Row{{}}
	for _, let := range q.PreLets {
		v, err := ex.evalExpr(rows[0], let.Value)
		if err != nil {
			return nil, err
		}
		rows[0][let.Var] = v
	}

	bodyStart := 0
	if plan != nil {
		newRows, err := ex.applyPlan(rows, plan)
		if err != nil {
			return nil, err
		}
		rows = newRows
		ex.accessType = string(plan.Kind)
		bodyStart = 1
		if plan.FilterConsumed {
			bodyStart = 2
		}
		if plan.Kind == AccessIndexSort {
			ex.sortSkipped = true
		}
	}

	for i := bodyStart; i < len(q.Body); i++ {
		clause := q.Body[i]
		start := timeNow()
		var err error
		rows, err = ex.applyClause(rows, clause)
		if recordTimings {
			ex.clauseTimings = append(ex.clauseTimings, ClauseTiming{Clause: clauseName(clause), Rows: len(rows), Duration: timeSince(start)})
		}
		if err != nil {
			return nil, err
		}
	}

	if q.Sort != nil && !ex.sortSkipped {
		if err := ex.sortRows(rows, q.Sort); err != nil {
			return nil, err
		}
	}

	if q.Limit != nil {
		rows = sliceLimit(rows, q.Limit.Offset, q.Limit.Count)
	}

	return rows, nil
}

func sliceLimit(rows []Row, offset, count int) []Row {
	if offset >= len(rows) {
		return nil
	}
	end := offset + count
	if count <= 0 || end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end]
}

func (ex *Executor) sortRows(rows []Row, s *SortClause) error {
	var sortErr error
	sort.SliceStable(rows, func(i, j int) bool {
		vi, err := ex.evalExpr(rows[i], s.Field)
		if err != nil {
			sortErr = err
			return false
		}
		vj, err := ex.evalExpr(rows[j], s.Field)
		if err != nil {
			sortErr = err
			return false
		}
		c := value.Compare(vi, vj)
		if s.Ascending {
			return c < 0
		}
		return c > 0
	})
	return sortErr
}

// applyPlan executes the chosen access path for the query's first FOR,
// returning the row set as if FOR (and a consumed FILTER) had run.
func (ex *Executor) applyPlan(rows []Row, plan *AccessPlan) ([]Row, error) {
	coll, ok := ex.db.Collection(plan.Collection)
	if !ok {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("collection %q not found", plan.Collection))
	}

	var docs []value.Value
	var err error
	switch plan.Kind {
	case AccessIndexEq:
		idx, _ := coll.IndexOn(plan.Field)
		keys, lerr := idx.Lookup([]value.Value{*plan.EqValue})
		if lerr != nil {
			return nil, lerr
		}
		docs, err = coll.FetchByKeys(keys)
	case AccessIndexRange:
		idx, _ := coll.IndexOn(plan.Field)
		low, high := rangeBounds(plan)
		keys, lerr := idx.RangeLookup(low, high, plan.ScanLimit)
		if lerr != nil {
			return nil, lerr
		}
		docs, err = coll.FetchByKeys(keys)
	case AccessIndexSort:
		idx, _ := coll.IndexOn(plan.Field)
		keys, lerr := idx.ScanOrdered(plan.Ascending, plan.ScanLimit)
		if lerr != nil {
			return nil, lerr
		}
		docs, err = coll.FetchByKeys(keys)
	default:
		if plan.ScanLimit > 0 {
			docs, err = coll.Scan(plan.ScanLimit)
		} else {
			docs, err = coll.All()
		}
	}
	if err != nil {
		return nil, err
	}
	ex.documentsScanned += len(docs)

	var out []Row
	for _, base := range rows {
		for _, doc := range docs {
			nr := base.clone()
			nr[plan.Var] = doc
			if len(plan.Residual) > 0 {
				ok, err := ex.matchesResidual(nr, plan.Residual)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
			}
			out = append(out, nr)
		}
	}
	return out, nil
}

func (ex *Executor) matchesResidual(row Row, residual []Expr) (bool, error) {
	for _, e := range residual {
		v, err := ex.evalExpr(row, e)
		if err != nil {
			return false, err
		}
		if !v.Truthy() {
			return false, nil
		}
	}
	return true, nil
}

// rangeBounds adjusts a range plan's literal bounds to account for
// strict (>, <) vs inclusive (>=, <=) operators, nudging numeric bounds
// to the next representable float64 so the underlying inclusive-low/
// exclusive-high index walk lands on the exact boundary.
func rangeBounds(plan *AccessPlan) (low, high []value.Value) {
	if plan.LowValue != nil {
		v := *plan.LowValue
		if plan.LowOp == ">" {
			v = nudgeUp(v)
		}
		low = []value.Value{v}
	}
	if plan.HighValue != nil {
		v := *plan.HighValue
		if plan.HighOp == "<=" {
			v = nudgeUp(v)
		}
		high = []value.Value{v}
	}
	return low, high
}

func nudgeUp(v value.Value) value.Value {
	if v.Kind != value.KindNumber {
		return v
	}
	return value.Number(math.Nextafter(v.Number, math.Inf(1)))
}

// applyClause transforms rows by one body clause not handled by the
// access plan.
func (ex *Executor) applyClause(rows []Row, clause Clause) ([]Row, error) {
	switch c := clause.(type) {
	case ForClause:
		return ex.applyFor(rows, c)
	case FilterClause:
		return ex.applyFilter(rows, c)
	case LetClause:
		return ex.applyLet(rows, c)
	case InsertClause:
		return ex.applyInsert(rows, c)
	case UpdateClause:
		return ex.applyUpdate(rows, c)
	case RemoveClause:
		return ex.applyRemove(rows, c)
	case CollectClause:
		return ex.applyCollect(rows, c)
	default:
		return nil, errs.New(errs.ExecutionError, "unknown clause type")
	}
}

func (ex *Executor) applyFor(rows []Row, c ForClause) ([]Row, error) {
	var out []Row
	for _, row := range rows {
		vals, fromCollection, err := ex.sourceValues(row, c.Source)
		if err != nil {
			return nil, err
		}
		if fromCollection {
			ex.documentsScanned += len(vals)
		}
		for _, v := range vals {
			nr := row.clone()
			nr[c.Var] = v
			out = append(out, nr)
		}
	}
	return out, nil
}

// sourceValues resolves a FOR clause's source: a bare collection name
// (not shadowed by an existing row binding) scans the collection;
// anything else evaluates as an array-valued expression.
func (ex *Executor) sourceValues(row Row, src Expr) (vals []value.Value, fromCollection bool, err error) {
	if id, ok := src.(IdentExpr); ok {
		if _, bound := row[id.Name]; !bound {
			if coll, ok := ex.db.Collection(id.Name); ok {
				docs, err := coll.All()
				return docs, true, err
			}
		}
	}
	v, err := ex.evalExpr(row, src)
	if err != nil {
		return nil, false, err
	}
	if v.Kind != value.KindArray {
		return nil, false, errs.New(errs.ExecutionError, "FOR source must be a collection or an array")
	}
	return v.Array, false, nil
}

func (ex *Executor) applyFilter(rows []Row, c FilterClause) ([]Row, error) {
	var out []Row
	for _, row := range rows {
		v, err := ex.evalExpr(row, c.Predicate)
		if err != nil {
			return nil, err
		}
		if v.Truthy() {
			out = append(out, row)
		}
	}
	return out, nil
}

func (ex *Executor) applyLet(rows []Row, c LetClause) ([]Row, error) {
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		v, err := ex.evalExpr(row, c.Value)
		if err != nil {
			return nil, err
		}
		nr := row.clone()
		nr[c.Var] = v
		out = append(out, nr)
	}
	return out, nil
}

func (ex *Executor) applyInsert(rows []Row, c InsertClause) ([]Row, error) {
	coll, ok := ex.db.Collection(c.Collection)
	if !ok {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("collection %q not found", c.Collection))
	}
	// The clause applies to the whole row set at once, so all its
	// documents go through the store's bulk path in one atomic batch.
	docs := make([]value.Value, 0, len(rows))
	for _, row := range rows {
		docVal, err := ex.evalExpr(row, c.Doc)
		if err != nil {
			return nil, err
		}
		docs = append(docs, docVal)
	}
	if len(docs) > 0 {
		if _, err := coll.InsertBatch(docs); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (ex *Executor) applyUpdate(rows []Row, c UpdateClause) ([]Row, error) {
	coll, ok := ex.db.Collection(c.Collection)
	if !ok {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("collection %q not found", c.Collection))
	}
	for _, row := range rows {
		selVal, err := ex.evalExpr(row, c.Selector)
		if err != nil {
			return nil, err
		}
		key, err := selectorKey(selVal)
		if err != nil {
			return nil, err
		}
		changes, err := ex.evalExpr(row, c.Changes)
		if err != nil {
			return nil, err
		}
		if _, err := coll.Update(key, changes, false); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (ex *Executor) applyRemove(rows []Row, c RemoveClause) ([]Row, error) {
	coll, ok := ex.db.Collection(c.Collection)
	if !ok {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("collection %q not found", c.Collection))
	}
	for _, row := range rows {
		selVal, err := ex.evalExpr(row, c.Selector)
		if err != nil {
			return nil, err
		}
		key, err := selectorKey(selVal)
		if err != nil {
			return nil, err
		}
		if err := coll.Remove(key); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// selectorKey extracts a document key from an UPDATE/REMOVE selector:
// either a bare string key or an object carrying _key.
func selectorKey(v value.Value) (string, error) {
	switch v.Kind {
	case value.KindString:
		return v.Str, nil
	case value.KindObject:
		if k, ok := v.Get("_key"); ok && k.Kind == value.KindString {
			return k.Str, nil
		}
	}
	return "", errs.New(errs.ExecutionError, "selector does not resolve to a document key")
}

// applyCollect groups rows by c.Value, binding c.Var to the distinct
// group value and, if c.Into is set, collecting each group's original
// row contexts into an array bound to c.Into.
func (ex *Executor) applyCollect(rows []Row, c CollectClause) ([]Row, error) {
	type group struct {
		key    value.Value
		member []Row
	}
	var order []string
	groups := map[string]*group{}
	for _, row := range rows {
		v, err := ex.evalExpr(row, c.Value)
		if err != nil {
			return nil, err
		}
		k := fmt.Sprintf("%v", v.ToJSON())
		g, ok := groups[k]
		if !ok {
			g = &group{key: v}
			groups[k] = g
			order = append(order, k)
		}
		g.member = append(g.member, row)
	}
	out := make([]Row, 0, len(order))
	for _, k := range order {
		g := groups[k]
		nr := Row{c.Var: g.key}
		if c.Into != "" {
			members := make([]value.Value, len(g.member))
			for i, m := range g.member {
				members[i] = m.toValue()
			}
			nr[c.Into] = value.Array(members)
		}
		out = append(out, nr)
	}
	return out, nil
}

func literalToValue(v any) value.Value {
	switch t := v.(type) {
	case nil:
		return value.Null()
	case bool:
		return value.Bool(t)
	case float64:
		return value.Number(t)
	case string:
		return value.String(t)
	default:
		return value.Null()
	}
}

func clauseName(c Clause) string {
	switch c.(type) {
	case ForClause:
		return "FOR"
	case FilterClause:
		return "FILTER"
	case LetClause:
		return "LET"
	case InsertClause:
		return "INSERT"
	case UpdateClause:
		return "UPDATE"
	case RemoveClause:
		return "REMOVE"
	case CollectClause:
		return "COLLECT"
	default:
		return "?"
	}
}
