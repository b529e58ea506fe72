// Package value implements the dynamic JSON value type that document
// payloads, index keys, and the query executor all branch on. Comparison
// order is null < bool < number < string < array < object, matching the
// codec's order-preserving encoding one-for-one.
package value

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is a tagged union over the JSON data model. Only the field
// matching Kind is meaningful.
type Value struct {
	Kind   Kind
	Bool   bool
	Number float64
	Str    string
	Array  []Value
	Object map[string]Value
}

func Null() Value               { return Value{Kind: KindNull} }
func Bool(b bool) Value         { return Value{Kind: KindBool, Bool: b} }
func Number(n float64) Value    { return Value{Kind: KindNumber, Number: n} }
func String(s string) Value     { return Value{Kind: KindString, Str: s} }
func Array(vs []Value) Value    { return Value{Kind: KindArray, Array: vs} }
func Object(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{Kind: KindObject, Object: m}
}

func (v Value) IsNull() bool { return v.Kind == KindNull }

// Get reads a field of an object value; returns Null and false if v is
// not an object or the field is absent.
func (v Value) Get(field string) (Value, bool) {
	if v.Kind != KindObject {
		return Null(), false
	}
	val, ok := v.Object[field]
	return val, ok
}

// Path resolves a dotted field path against nested objects, e.g. "a.b.c".
func (v Value) Path(path []string) (Value, bool) {
	cur := v
	for _, seg := range path {
		next, ok := cur.Get(seg)
		if !ok {
			return Null(), false
		}
		cur = next
	}
	return cur, true
}

// Truthy implements the executor's FILTER predicate coercion: null,
// false, 0, "", empty array and empty object are falsy.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindNull:
		return false
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Number != 0
	case KindString:
		return v.Str != ""
	case KindArray:
		return len(v.Array) != 0
	case KindObject:
		return len(v.Object) != 0
	}
	return false
}

// Compare implements the total order null < bool < number < string <
// array < object, with numeric comparison independent of int/float
// representation and lexicographic (byte-wise) string comparison.
func Compare(a, b Value) int {
	if a.Kind != b.Kind {
		if a.Kind < b.Kind {
			return -1
		}
		return 1
	}
	switch a.Kind {
	case KindNull:
		return 0
	case KindBool:
		if a.Bool == b.Bool {
			return 0
		}
		if !a.Bool {
			return -1
		}
		return 1
	case KindNumber:
		switch {
		case a.Number < b.Number:
			return -1
		case a.Number > b.Number:
			return 1
		default:
			return 0
		}
	case KindString:
		switch {
		case a.Str < b.Str:
			return -1
		case a.Str > b.Str:
			return 1
		default:
			return 0
		}
	case KindArray:
		for i := 0; i < len(a.Array) && i < len(b.Array); i++ {
			if c := Compare(a.Array[i], b.Array[i]); c != 0 {
				return c
			}
		}
		return len(a.Array) - len(b.Array)
	case KindObject:
		ak := sortedKeys(a.Object)
		bk := sortedKeys(b.Object)
		for i := 0; i < len(ak) && i < len(bk); i++ {
			if ak[i] != bk[i] {
				if ak[i] < bk[i] {
					return -1
				}
				return 1
			}
			if c := Compare(a.Object[ak[i]], b.Object[bk[i]]); c != 0 {
				return c
			}
		}
		return len(ak) - len(bk)
	}
	return 0
}

// Equal treats integer N and float N.0 as equal, per the numeric
// equality rule in the query language.
func Equal(a, b Value) bool {
	return Compare(a, b) == 0
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FromJSON converts a generic decoded JSON value (as produced by
// encoding/json into interface{} / map[string]interface{} / []interface{})
// into a Value.
func FromJSON(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case string:
		return String(t)
	case []any:
		arr := make([]Value, len(t))
		for i, e := range t {
			arr[i] = FromJSON(e)
		}
		return Array(arr)
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, e := range t {
			obj[k] = FromJSON(e)
		}
		return Object(obj)
	default:
		return Null()
	}
}

// ToJSON converts a Value back into plain Go types suitable for
// encoding/json marshaling.
func (v Value) ToJSON() any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Number
	case KindString:
		return v.Str
	case KindArray:
		out := make([]any, len(v.Array))
		for i, e := range v.Array {
			out[i] = e.ToJSON()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.Object))
		for k, e := range v.Object {
			out[k] = e.ToJSON()
		}
		return out
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToJSON())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = fromJSONNumber(raw)
	return nil
}

// fromJSONNumber is like FromJSON but handles json.Number produced by a
// decoder configured with UseNumber, preserving int/float distinctions
// only insofar as they parse to the same float64 magnitude.
func fromJSONNumber(v any) Value {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	case []any:
		arr := make([]Value, len(t))
		for i, e := range t {
			arr[i] = fromJSONNumber(e)
		}
		return Array(arr)
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, e := range t {
			obj[k] = fromJSONNumber(e)
		}
		return Object(obj)
	default:
		return FromJSON(v)
	}
}

