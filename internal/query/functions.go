package query

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/agext/levenshtein"

	"github.com/cuemby/solidb/internal/errs"
	"github.com/cuemby/solidb/internal/index"
	"github.com/cuemby/solidb/internal/value"
)

// builtin is one closed-set query-language function. args are already
// evaluated; ex gives access to the database for functions that read a
// collection or index (FULLTEXT, COLLECTION_COUNT).
type builtin func(ex *Executor, args []value.Value) (value.Value, error)

var builtins map[string]builtin

func init() {
	builtins = map[string]builtin{
		"ABS":     fnAbs,
		"ROUND":   fnRound,
		"FLOOR":   fnFloor,
		"CEIL":    fnCeil,
		"SQRT":    fnSqrt,
		"POW":     fnPow,
		"LENGTH":  fnLength,
		"CONCAT":  fnConcat,
		"UPPER":   fnUpper,
		"LOWER":   fnLower,
		"TRIM":    fnTrim,
		"SUBSTRING": fnSubstring,
		"SPLIT":   fnSplit,
		"CONTAINS": fnContains,

		"UNION":        fnUnion,
		"MINUS":        fnMinus,
		"INTERSECTION": fnIntersection,
		"UNIQUE":       fnUnique,

		"SUM":            fnSum,
		"AVG":            fnAvg,
		"MIN":            fnMin,
		"MAX":            fnMax,
		"COUNT":          fnCount,
		"COUNT_DISTINCT": fnCountDistinct,
		"VARIANCE":       fnVariance,
		"STDDEV":         fnStddev,
		"MEDIAN":         fnMedian,
		"PERCENTILE":     fnPercentile,

		"DATE_NOW":      fnDateNow,
		"DATE_ISO8601":  fnDateISO8601,
		"DATE_TIMESTAMP": fnDateTimestamp,
		"DATE_TRUNC":    fnDateTrunc,
		"DATE_ADD":      fnDateAdd,
		"DATE_SUBTRACT": fnDateSubtract,
		"DATE_DIFF":     fnDateDiff,
		"DATE_FORMAT":   fnDateFormat,

		"DISTANCE":     fnDistance,
		"GEO_DISTANCE": fnDistance,

		"LEVENSHTEIN": fnLevenshtein,
		"FULLTEXT":    fnFulltext,

		"MERGE":            fnMerge,
		"COLLECTION_COUNT": fnCollectionCount,
	}
}

func (ex *Executor) evalFuncCall(row Row, n FuncCallExpr) (value.Value, error) {
	fn, ok := builtins[strings.ToUpper(n.Name)]
	if !ok {
		return value.Null(), errs.New(errs.ExecutionError, "unknown function "+n.Name)
	}
	args := make([]value.Value, len(n.Args))
	for i, a := range n.Args {
		v, err := ex.evalExpr(row, a)
		if err != nil {
			return value.Null(), err
		}
		args[i] = v
	}
	return fn(ex, args)
}

func arityErr(name string, want int, got int) error {
	return errs.New(errs.ExecutionError, fmt.Sprintf("%s: expected %d argument(s), got %d", name, want, got))
}

func typeErr(name string) error {
	return errs.New(errs.ExecutionError, name+": argument type mismatch")
}

func numArg(name string, args []value.Value, i int) (float64, error) {
	if i >= len(args) || args[i].Kind != value.KindNumber {
		return 0, typeErr(name)
	}
	return args[i].Number, nil
}

func strArg(name string, args []value.Value, i int) (string, error) {
	if i >= len(args) || args[i].Kind != value.KindString {
		return "", typeErr(name)
	}
	return args[i].Str, nil
}

// --- arithmetic / string ---

func fnAbs(ex *Executor, args []value.Value) (value.Value, error) {
	n, err := numArg("ABS", args, 0)
	if err != nil {
		return value.Null(), err
	}
	return value.Number(math.Abs(n)), nil
}

func fnRound(ex *Executor, args []value.Value) (value.Value, error) {
	n, err := numArg("ROUND", args, 0)
	if err != nil {
		return value.Null(), err
	}
	return value.Number(math.Round(n)), nil
}

func fnFloor(ex *Executor, args []value.Value) (value.Value, error) {
	n, err := numArg("FLOOR", args, 0)
	if err != nil {
		return value.Null(), err
	}
	return value.Number(math.Floor(n)), nil
}

func fnCeil(ex *Executor, args []value.Value) (value.Value, error) {
	n, err := numArg("CEIL", args, 0)
	if err != nil {
		return value.Null(), err
	}
	return value.Number(math.Ceil(n)), nil
}

func fnSqrt(ex *Executor, args []value.Value) (value.Value, error) {
	n, err := numArg("SQRT", args, 0)
	if err != nil {
		return value.Null(), err
	}
	return value.Number(math.Sqrt(n)), nil
}

func fnPow(ex *Executor, args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Null(), arityErr("POW", 2, len(args))
	}
	base, err := numArg("POW", args, 0)
	if err != nil {
		return value.Null(), err
	}
	exp, err := numArg("POW", args, 1)
	if err != nil {
		return value.Null(), err
	}
	return value.Number(math.Pow(base, exp)), nil
}

func fnLength(ex *Executor, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Null(), arityErr("LENGTH", 1, len(args))
	}
	switch args[0].Kind {
	case value.KindString:
		return value.Number(float64(len([]rune(args[0].Str)))), nil
	case value.KindArray:
		return value.Number(float64(len(args[0].Array))), nil
	case value.KindObject:
		return value.Number(float64(len(args[0].Object))), nil
	default:
		return value.Number(0), nil
	}
}

func fnConcat(ex *Executor, args []value.Value) (value.Value, error) {
	var b strings.Builder
	for _, a := range args {
		b.WriteString(stringify(a))
	}
	return value.String(b.String()), nil
}

func fnUpper(ex *Executor, args []value.Value) (value.Value, error) {
	s, err := strArg("UPPER", args, 0)
	if err != nil {
		return value.Null(), err
	}
	return value.String(strings.ToUpper(s)), nil
}

func fnLower(ex *Executor, args []value.Value) (value.Value, error) {
	s, err := strArg("LOWER", args, 0)
	if err != nil {
		return value.Null(), err
	}
	return value.String(strings.ToLower(s)), nil
}

func fnTrim(ex *Executor, args []value.Value) (value.Value, error) {
	s, err := strArg("TRIM", args, 0)
	if err != nil {
		return value.Null(), err
	}
	return value.String(strings.TrimSpace(s)), nil
}

func fnSubstring(ex *Executor, args []value.Value) (value.Value, error) {
	if len(args) < 2 {
		return value.Null(), arityErr("SUBSTRING", 2, len(args))
	}
	s, err := strArg("SUBSTRING", args, 0)
	if err != nil {
		return value.Null(), err
	}
	start, err := numArg("SUBSTRING", args, 1)
	if err != nil {
		return value.Null(), err
	}
	runes := []rune(s)
	from := clampIndex(int(start), len(runes))
	length := len(runes) - from
	if len(args) >= 3 {
		l, err := numArg("SUBSTRING", args, 2)
		if err != nil {
			return value.Null(), err
		}
		length = int(l)
	}
	to := clampIndex(from+length, len(runes))
	if to < from {
		to = from
	}
	return value.String(string(runes[from:to])), nil
}

func clampIndex(i, n int) int {
	if i < 0 {
		i = 0
	}
	if i > n {
		i = n
	}
	return i
}

func fnSplit(ex *Executor, args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Null(), arityErr("SPLIT", 2, len(args))
	}
	s, err := strArg("SPLIT", args, 0)
	if err != nil {
		return value.Null(), err
	}
	sep, err := strArg("SPLIT", args, 1)
	if err != nil {
		return value.Null(), err
	}
	parts := strings.Split(s, sep)
	out := make([]value.Value, len(parts))
	for i, p := range parts {
		out[i] = value.String(p)
	}
	return value.Array(out), nil
}

func fnContains(ex *Executor, args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Null(), arityErr("CONTAINS", 2, len(args))
	}
	s, err := strArg("CONTAINS", args, 0)
	if err != nil {
		return value.Null(), err
	}
	sub, err := strArg("CONTAINS", args, 1)
	if err != nil {
		return value.Null(), err
	}
	return value.Bool(strings.Contains(s, sub)), nil
}

// --- array set-ops ---

func arrayArg(name string, args []value.Value, i int) ([]value.Value, error) {
	if i >= len(args) || args[i].Kind != value.KindArray {
		return nil, typeErr(name)
	}
	return args[i].Array, nil
}

func fnUnion(ex *Executor, args []value.Value) (value.Value, error) {
	var out []value.Value
	for i := range args {
		arr, err := arrayArg("UNION", args, i)
		if err != nil {
			return value.Null(), err
		}
		out = append(out, arr...)
	}
	return value.Array(out), nil
}

func fnMinus(ex *Executor, args []value.Value) (value.Value, error) {
	if len(args) < 2 {
		return value.Null(), arityErr("MINUS", 2, len(args))
	}
	base, err := arrayArg("MINUS", args, 0)
	if err != nil {
		return value.Null(), err
	}
	var excluded []value.Value
	for i := 1; i < len(args); i++ {
		arr, err := arrayArg("MINUS", args, i)
		if err != nil {
			return value.Null(), err
		}
		excluded = append(excluded, arr...)
	}
	var out []value.Value
	for _, v := range base {
		if !containsValue(excluded, v) {
			out = append(out, v)
		}
	}
	return value.Array(out), nil
}

func fnIntersection(ex *Executor, args []value.Value) (value.Value, error) {
	if len(args) < 2 {
		return value.Null(), arityErr("INTERSECTION", 2, len(args))
	}
	result, err := arrayArg("INTERSECTION", args, 0)
	if err != nil {
		return value.Null(), err
	}
	for i := 1; i < len(args); i++ {
		arr, err := arrayArg("INTERSECTION", args, i)
		if err != nil {
			return value.Null(), err
		}
		var next []value.Value
		for _, v := range result {
			if containsValue(arr, v) {
				next = append(next, v)
			}
		}
		result = next
	}
	return value.Array(result), nil
}

func fnUnique(ex *Executor, args []value.Value) (value.Value, error) {
	arr, err := arrayArg("UNIQUE", args, 0)
	if err != nil {
		return value.Null(), err
	}
	var out []value.Value
	for _, v := range arr {
		if !containsValue(out, v) {
			out = append(out, v)
		}
	}
	return value.Array(out), nil
}

func containsValue(arr []value.Value, v value.Value) bool {
	for _, a := range arr {
		if value.Equal(a, v) {
			return true
		}
	}
	return false
}

// --- aggregates ---

// aggregateOperand accepts either a single array argument (SUM(arr)) or
// a variadic list of scalars (SUM(1,2,3)), matching the overloaded
// calling convention the query language's aggregate functions share.
func aggregateOperand(args []value.Value) []value.Value {
	if len(args) == 1 && args[0].Kind == value.KindArray {
		return args[0].Array
	}
	return args
}

func fnSum(ex *Executor, args []value.Value) (value.Value, error) {
	var sum float64
	for _, v := range aggregateOperand(args) {
		if v.Kind == value.KindNumber {
			sum += v.Number
		}
	}
	return value.Number(sum), nil
}

func fnAvg(ex *Executor, args []value.Value) (value.Value, error) {
	vals := numericValues(aggregateOperand(args))
	if len(vals) == 0 {
		return value.Null(), nil
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return value.Number(sum / float64(len(vals))), nil
}

func fnMin(ex *Executor, args []value.Value) (value.Value, error) {
	operand := aggregateOperand(args)
	if len(operand) == 0 {
		return value.Null(), nil
	}
	best := operand[0]
	for _, v := range operand[1:] {
		if value.Compare(v, best) < 0 {
			best = v
		}
	}
	return best, nil
}

func fnMax(ex *Executor, args []value.Value) (value.Value, error) {
	operand := aggregateOperand(args)
	if len(operand) == 0 {
		return value.Null(), nil
	}
	best := operand[0]
	for _, v := range operand[1:] {
		if value.Compare(v, best) > 0 {
			best = v
		}
	}
	return best, nil
}

func fnCount(ex *Executor, args []value.Value) (value.Value, error) {
	return value.Number(float64(len(aggregateOperand(args)))), nil
}

func fnCountDistinct(ex *Executor, args []value.Value) (value.Value, error) {
	operand := aggregateOperand(args)
	var seen []value.Value
	for _, v := range operand {
		if !containsValue(seen, v) {
			seen = append(seen, v)
		}
	}
	return value.Number(float64(len(seen))), nil
}

func numericValues(vs []value.Value) []float64 {
	out := make([]float64, 0, len(vs))
	for _, v := range vs {
		if v.Kind == value.KindNumber {
			out = append(out, v.Number)
		}
	}
	return out
}

func fnVariance(ex *Executor, args []value.Value) (value.Value, error) {
	vals := numericValues(aggregateOperand(args))
	if len(vals) == 0 {
		return value.Null(), nil
	}
	return value.Number(variance(vals)), nil
}

func variance(vals []float64) float64 {
	var mean float64
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	var sq float64
	for _, v := range vals {
		d := v - mean
		sq += d * d
	}
	return sq / float64(len(vals))
}

func fnStddev(ex *Executor, args []value.Value) (value.Value, error) {
	vals := numericValues(aggregateOperand(args))
	if len(vals) == 0 {
		return value.Null(), nil
	}
	return value.Number(math.Sqrt(variance(vals))), nil
}

func fnMedian(ex *Executor, args []value.Value) (value.Value, error) {
	vals := numericValues(aggregateOperand(args))
	if len(vals) == 0 {
		return value.Null(), nil
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return value.Number(sorted[mid]), nil
	}
	return value.Number((sorted[mid-1] + sorted[mid]) / 2), nil
}

func fnPercentile(ex *Executor, args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Null(), arityErr("PERCENTILE", 2, len(args))
	}
	arr, err := arrayArg("PERCENTILE", args, 0)
	if err != nil {
		return value.Null(), err
	}
	p, err := numArg("PERCENTILE", args, 1)
	if err != nil {
		return value.Null(), err
	}
	vals := numericValues(arr)
	if len(vals) == 0 {
		return value.Null(), nil
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	rank := (p / 100) * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo < 0 {
		lo = 0
	}
	if hi >= len(sorted) {
		hi = len(sorted) - 1
	}
	frac := rank - float64(lo)
	return value.Number(sorted[lo] + (sorted[hi]-sorted[lo])*frac), nil
}

// --- date ---

const dateLayout = "2006-01-02T15:04:05.000Z07:00"

func fnDateNow(ex *Executor, args []value.Value) (value.Value, error) {
	return value.Number(float64(time.Now().UnixMilli())), nil
}

func parseDateArg(v value.Value) (time.Time, error) {
	switch v.Kind {
	case value.KindNumber:
		return time.UnixMilli(int64(v.Number)).UTC(), nil
	case value.KindString:
		t, err := time.Parse(time.RFC3339, v.Str)
		if err != nil {
			return time.Time{}, errs.New(errs.ExecutionError, "invalid date string "+v.Str)
		}
		return t.UTC(), nil
	}
	return time.Time{}, errs.New(errs.ExecutionError, "date argument must be a timestamp or ISO8601 string")
}

func fnDateISO8601(ex *Executor, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Null(), arityErr("DATE_ISO8601", 1, len(args))
	}
	t, err := parseDateArg(args[0])
	if err != nil {
		return value.Null(), err
	}
	return value.String(t.Format(dateLayout)), nil
}

func fnDateTimestamp(ex *Executor, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Null(), arityErr("DATE_TIMESTAMP", 1, len(args))
	}
	t, err := parseDateArg(args[0])
	if err != nil {
		return value.Null(), err
	}
	return value.Number(float64(t.UnixMilli())), nil
}

func fnDateTrunc(ex *Executor, args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Null(), arityErr("DATE_TRUNC", 2, len(args))
	}
	t, err := parseDateArg(args[0])
	if err != nil {
		return value.Null(), err
	}
	unit, err := strArg("DATE_TRUNC", args, 1)
	if err != nil {
		return value.Null(), err
	}
	truncated, err := truncateToUnit(t, unit)
	if err != nil {
		return value.Null(), err
	}
	return value.Number(float64(truncated.UnixMilli())), nil
}

func truncateToUnit(t time.Time, unit string) (time.Time, error) {
	switch strings.ToLower(unit) {
	case "year":
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, t.Location()), nil
	case "month":
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()), nil
	case "day":
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()), nil
	case "hour":
		return t.Truncate(time.Hour), nil
	case "minute":
		return t.Truncate(time.Minute), nil
	case "second":
		return t.Truncate(time.Second), nil
	default:
		return time.Time{}, errs.New(errs.ExecutionError, "unknown date unit "+unit)
	}
}

// addCalendarUnit adds amount units to t, clamping day-of-month for
// month/year arithmetic (e.g. Jan 31 + 1 month -> Feb 28/29, never
// rolling into March).
func addCalendarUnit(t time.Time, amount int, unit string) (time.Time, error) {
	switch strings.ToLower(unit) {
	case "year":
		return addMonthsClamped(t, amount*12), nil
	case "month":
		return addMonthsClamped(t, amount), nil
	case "week":
		return t.AddDate(0, 0, amount*7), nil
	case "day":
		return t.AddDate(0, 0, amount), nil
	case "hour":
		return t.Add(time.Duration(amount) * time.Hour), nil
	case "minute":
		return t.Add(time.Duration(amount) * time.Minute), nil
	case "second":
		return t.Add(time.Duration(amount) * time.Second), nil
	default:
		return time.Time{}, errs.New(errs.ExecutionError, "unknown date unit "+unit)
	}
}

func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	totalMonths := int(month) - 1 + months
	newYear := year + totalMonths/12
	newMonth := totalMonths % 12
	if newMonth < 0 {
		newMonth += 12
		newYear--
	}
	firstOfMonth := time.Date(newYear, time.Month(newMonth+1), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := firstOfMonth.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(newYear, time.Month(newMonth+1), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func fnDateAdd(ex *Executor, args []value.Value) (value.Value, error) {
	if len(args) != 3 {
		return value.Null(), arityErr("DATE_ADD", 3, len(args))
	}
	t, err := parseDateArg(args[0])
	if err != nil {
		return value.Null(), err
	}
	amount, err := numArg("DATE_ADD", args, 1)
	if err != nil {
		return value.Null(), err
	}
	unit, err := strArg("DATE_ADD", args, 2)
	if err != nil {
		return value.Null(), err
	}
	result, err := addCalendarUnit(t, int(amount), unit)
	if err != nil {
		return value.Null(), err
	}
	return value.Number(float64(result.UnixMilli())), nil
}

func fnDateSubtract(ex *Executor, args []value.Value) (value.Value, error) {
	if len(args) != 3 {
		return value.Null(), arityErr("DATE_SUBTRACT", 3, len(args))
	}
	t, err := parseDateArg(args[0])
	if err != nil {
		return value.Null(), err
	}
	amount, err := numArg("DATE_SUBTRACT", args, 1)
	if err != nil {
		return value.Null(), err
	}
	unit, err := strArg("DATE_SUBTRACT", args, 2)
	if err != nil {
		return value.Null(), err
	}
	result, err := addCalendarUnit(t, -int(amount), unit)
	if err != nil {
		return value.Null(), err
	}
	return value.Number(float64(result.UnixMilli())), nil
}

func fnDateDiff(ex *Executor, args []value.Value) (value.Value, error) {
	if len(args) != 3 {
		return value.Null(), arityErr("DATE_DIFF", 3, len(args))
	}
	t1, err := parseDateArg(args[0])
	if err != nil {
		return value.Null(), err
	}
	t2, err := parseDateArg(args[1])
	if err != nil {
		return value.Null(), err
	}
	unit, err := strArg("DATE_DIFF", args, 2)
	if err != nil {
		return value.Null(), err
	}
	d := t2.Sub(t1)
	switch strings.ToLower(unit) {
	case "second":
		return value.Number(d.Seconds()), nil
	case "minute":
		return value.Number(d.Minutes()), nil
	case "hour":
		return value.Number(d.Hours()), nil
	case "day":
		return value.Number(d.Hours() / 24), nil
	default:
		return value.Null(), errs.New(errs.ExecutionError, "unknown date unit "+unit)
	}
}

func fnDateFormat(ex *Executor, args []value.Value) (value.Value, error) {
	if len(args) < 2 {
		return value.Null(), arityErr("DATE_FORMAT", 2, len(args))
	}
	t, err := parseDateArg(args[0])
	if err != nil {
		return value.Null(), err
	}
	layout, err := strArg("DATE_FORMAT", args, 1)
	if err != nil {
		return value.Null(), err
	}
	if len(args) >= 3 {
		tzName, err := strArg("DATE_FORMAT", args, 2)
		if err != nil {
			return value.Null(), err
		}
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return value.Null(), errs.New(errs.ExecutionError, "unknown timezone "+tzName)
		}
		t = t.In(loc)
	}
	return value.String(t.Format(goLayoutFromTokens(layout))), nil
}

// goLayoutFromTokens translates a small set of strftime-like tokens
// (%Y %m %d %H %M %S) into a Go reference layout; any string without
// those tokens is passed through as a literal Go layout.
func goLayoutFromTokens(layout string) string {
	replacer := strings.NewReplacer(
		"%Y", "2006", "%m", "01", "%d", "02",
		"%H", "15", "%M", "04", "%S", "05",
	)
	return replacer.Replace(layout)
}

// --- geo / text ---

func fnDistance(ex *Executor, args []value.Value) (value.Value, error) {
	if len(args) != 4 {
		return value.Null(), arityErr("DISTANCE", 4, len(args))
	}
	lat1, err := numArg("DISTANCE", args, 0)
	if err != nil {
		return value.Null(), err
	}
	lon1, err := numArg("DISTANCE", args, 1)
	if err != nil {
		return value.Null(), err
	}
	lat2, err := numArg("DISTANCE", args, 2)
	if err != nil {
		return value.Null(), err
	}
	lon2, err := numArg("DISTANCE", args, 3)
	if err != nil {
		return value.Null(), err
	}
	d := index.Haversine(index.Point{Lat: lat1, Lon: lon1}, index.Point{Lat: lat2, Lon: lon2})
	return value.Number(d), nil
}

func fnLevenshtein(ex *Executor, args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Null(), arityErr("LEVENSHTEIN", 2, len(args))
	}
	a, err := strArg("LEVENSHTEIN", args, 0)
	if err != nil {
		return value.Null(), err
	}
	b, err := strArg("LEVENSHTEIN", args, 1)
	if err != nil {
		return value.Null(), err
	}
	return value.Number(float64(levenshtein.Distance(a, b, nil))), nil
}

// fnFulltext implements FULLTEXT(collection, index, query[, limit]),
// usable as a FOR source: FOR d IN FULLTEXT("coll", "idx", "query").
func fnFulltext(ex *Executor, args []value.Value) (value.Value, error) {
	if len(args) < 3 {
		return value.Null(), arityErr("FULLTEXT", 3, len(args))
	}
	collName, err := strArg("FULLTEXT", args, 0)
	if err != nil {
		return value.Null(), err
	}
	idxName, err := strArg("FULLTEXT", args, 1)
	if err != nil {
		return value.Null(), err
	}
	query, err := strArg("FULLTEXT", args, 2)
	if err != nil {
		return value.Null(), err
	}
	limit := 0
	if len(args) >= 4 {
		n, err := numArg("FULLTEXT", args, 3)
		if err != nil {
			return value.Null(), err
		}
		limit = int(n)
	}
	coll, ok := ex.db.Collection(collName)
	if !ok {
		return value.Null(), errs.New(errs.NotFound, "collection "+collName+" not found")
	}
	ft, ok := coll.FullTextIndexByName(idxName)
	if !ok {
		return value.Null(), errs.New(errs.ExecutionError, "full-text index "+idxName+" not found")
	}
	matches, err := ft.Search(query, limit, func(key string) (value.Value, bool) {
		v, ok, _ := coll.Get(key)
		return v, ok
	})
	if err != nil {
		return value.Null(), err
	}
	out := make([]value.Value, 0, len(matches))
	for _, m := range matches {
		doc, ok, err := coll.Get(m.Key)
		if err != nil {
			return value.Null(), err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return value.Array(out), nil
}

// --- object ---

func fnMerge(ex *Executor, args []value.Value) (value.Value, error) {
	out := map[string]value.Value{}
	for _, a := range args {
		if a.Kind != value.KindObject {
			return value.Null(), typeErr("MERGE")
		}
		for k, v := range a.Object {
			out[k] = v
		}
	}
	return value.Object(out), nil
}

func fnCollectionCount(ex *Executor, args []value.Value) (value.Value, error) {
	name, err := strArg("COLLECTION_COUNT", args, 0)
	if err != nil {
		return value.Null(), err
	}
	coll, ok := ex.db.Collection(name)
	if !ok {
		return value.Null(), errs.New(errs.NotFound, "collection "+name+" not found")
	}
	return value.Number(float64(coll.Store().Count())), nil
}

func jsonStringify(v value.Value) string {
	b, err := json.Marshal(v.ToJSON())
	if err != nil {
		return ""
	}
	return string(b)
}
