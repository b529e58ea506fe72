package query

import (
	"github.com/cuemby/solidb/internal/errs"
	"github.com/cuemby/solidb/internal/value"
)

// evalExpr evaluates e against row's variable context and the
// executor's bind variables.
func (ex *Executor) evalExpr(row Row, e Expr) (value.Value, error) {
	switch n := e.(type) {
	case LiteralExpr:
		return literalToValue(n.Value), nil
	case IdentExpr:
		v, ok := row[n.Name]
		if !ok {
			return value.Null(), errs.New(errs.ExecutionError, "unknown variable "+n.Name)
		}
		return v, nil
	case BindVarExpr:
		v, ok := ex.binds[n.Name]
		if !ok {
			return value.Null(), errs.New(errs.ExecutionError, "unknown bind variable @"+n.Name)
		}
		return v, nil
	case FieldAccessExpr:
		target, err := ex.evalExpr(row, n.Target)
		if err != nil {
			return value.Null(), err
		}
		v, ok := target.Get(n.Field)
		if !ok {
			return value.Null(), nil
		}
		return v, nil
	case IndexAccessExpr:
		return ex.evalIndexAccess(row, n)
	case BinaryExpr:
		return ex.evalBinary(row, n)
	case UnaryExpr:
		return ex.evalUnary(row, n)
	case FuncCallExpr:
		return ex.evalFuncCall(row, n)
	case ArrayExpr:
		out := make([]value.Value, len(n.Elements))
		for i, el := range n.Elements {
			v, err := ex.evalExpr(row, el)
			if err != nil {
				return value.Null(), err
			}
			out[i] = v
		}
		return value.Array(out), nil
	case ObjectExpr:
		obj := make(map[string]value.Value, len(n.Keys))
		for i, k := range n.Keys {
			v, err := ex.evalExpr(row, n.Values[i])
			if err != nil {
				return value.Null(), err
			}
			obj[k] = v
		}
		return value.Object(obj), nil
	}
	return value.Null(), errs.New(errs.ExecutionError, "unknown expression node")
}

func (ex *Executor) evalIndexAccess(row Row, n IndexAccessExpr) (value.Value, error) {
	target, err := ex.evalExpr(row, n.Target)
	if err != nil {
		return value.Null(), err
	}
	idx, err := ex.evalExpr(row, n.Index)
	if err != nil {
		return value.Null(), err
	}
	switch {
	case target.Kind == value.KindArray && idx.Kind == value.KindNumber:
		i := int(idx.Number)
		if i < 0 || i >= len(target.Array) {
			return value.Null(), nil
		}
		return target.Array[i], nil
	case target.Kind == value.KindObject && idx.Kind == value.KindString:
		v, ok := target.Get(idx.Str)
		if !ok {
			return value.Null(), nil
		}
		return v, nil
	default:
		return value.Null(), nil
	}
}

func (ex *Executor) evalUnary(row Row, n UnaryExpr) (value.Value, error) {
	switch n.Op {
	case "NOT":
		v, err := ex.evalExpr(row, n.Operand)
		if err != nil {
			return value.Null(), err
		}
		return value.Bool(!v.Truthy()), nil
	case "-":
		v, err := ex.evalExpr(row, n.Operand)
		if err != nil {
			return value.Null(), err
		}
		if v.Kind != value.KindNumber {
			return value.Null(), errs.New(errs.ExecutionError, "unary - requires a number")
		}
		return value.Number(-v.Number), nil
	}
	return value.Null(), errs.New(errs.ExecutionError, "unknown unary operator "+n.Op)
}

func (ex *Executor) evalBinary(row Row, n BinaryExpr) (value.Value, error) {
	switch n.Op {
	case "AND":
		left, err := ex.evalExpr(row, n.Left)
		if err != nil {
			return value.Null(), err
		}
		if !left.Truthy() {
			return value.Bool(false), nil
		}
		right, err := ex.evalExpr(row, n.Right)
		if err != nil {
			return value.Null(), err
		}
		return value.Bool(right.Truthy()), nil
	case "OR":
		left, err := ex.evalExpr(row, n.Left)
		if err != nil {
			return value.Null(), err
		}
		if left.Truthy() {
			return value.Bool(true), nil
		}
		right, err := ex.evalExpr(row, n.Right)
		if err != nil {
			return value.Null(), err
		}
		return value.Bool(right.Truthy()), nil
	}

	left, err := ex.evalExpr(row, n.Left)
	if err != nil {
		return value.Null(), err
	}
	right, err := ex.evalExpr(row, n.Right)
	if err != nil {
		return value.Null(), err
	}

	switch n.Op {
	case "==":
		return value.Bool(value.Equal(left, right)), nil
	case "!=":
		return value.Bool(!value.Equal(left, right)), nil
	case "<":
		return value.Bool(value.Compare(left, right) < 0), nil
	case "<=":
		return value.Bool(value.Compare(left, right) <= 0), nil
	case ">":
		return value.Bool(value.Compare(left, right) > 0), nil
	case ">=":
		return value.Bool(value.Compare(left, right) >= 0), nil
	case "+":
		if left.Kind == value.KindString || right.Kind == value.KindString {
			return value.String(stringify(left) + stringify(right)), nil
		}
		return numericBinary(left, right, func(a, b float64) (float64, error) { return a + b, nil })
	case "-":
		return numericBinary(left, right, func(a, b float64) (float64, error) { return a - b, nil })
	case "*":
		return numericBinary(left, right, func(a, b float64) (float64, error) { return a * b, nil })
	case "/":
		return numericBinary(left, right, func(a, b float64) (float64, error) {
			if b == 0 {
				return 0, errs.New(errs.ExecutionError, "division by zero")
			}
			return a / b, nil
		})
	case "%":
		return numericBinary(left, right, func(a, b float64) (float64, error) {
			if b == 0 {
				return 0, errs.New(errs.ExecutionError, "division by zero")
			}
			return float64(int64(a) % int64(b)), nil
		})
	}
	return value.Null(), errs.New(errs.ExecutionError, "unknown binary operator "+n.Op)
}

func numericBinary(left, right value.Value, fn func(a, b float64) (float64, error)) (value.Value, error) {
	if left.Kind != value.KindNumber || right.Kind != value.KindNumber {
		return value.Null(), errs.New(errs.ExecutionError, "arithmetic operator requires numbers")
	}
	r, err := fn(left.Number, right.Number)
	if err != nil {
		return value.Null(), err
	}
	return value.Number(r), nil
}

func stringify(v value.Value) string {
	switch v.Kind {
	case value.KindString:
		return v.Str
	case value.KindNull:
		return ""
	default:
		return jsonStringify(v)
	}
}
