// Package codec implements the order-preserving byte encoding used for
// every index entry that embeds field values: IDX/<name>/<encoded>/<key>.
// Encoding a value yields a byte string whose lexicographic (byte-wise)
// order matches value.Compare's total order: null < bool < number <
// string < array < object, numbers compared numerically regardless of
// int/float representation, strings compared by code unit.
package codec

import (
	"math"

	"github.com/cuemby/solidb/internal/value"
)

// Tag bytes. tagEnd is reserved as a composite terminator and as the
// sentinel that makes a strict prefix of a longer array/object sort
// before it (0x00 is smaller than every other tag).
const (
	tagEnd = iota
	tagNull
	tagFalse
	tagTrue
	tagNumber
	tagString
	tagArray
	tagObject
)

// Encode returns the order-preserving encoding of v. The result is
// self-terminating: concatenating Encode(a) and Encode(b) (as done for
// compound index keys) yields a byte string whose order matches
// comparing a then b field-by-field.
func Encode(v value.Value) []byte {
	var buf []byte
	return appendValue(buf, v)
}

// EncodeValues concatenates the encodings of several field values, in
// order, for use as a compound index key.
func EncodeValues(vs ...value.Value) []byte {
	var buf []byte
	for _, v := range vs {
		buf = appendValue(buf, v)
	}
	return buf
}

func appendValue(buf []byte, v value.Value) []byte {
	switch v.Kind {
	case value.KindNull:
		return append(buf, tagNull)
	case value.KindBool:
		if v.Bool {
			return append(buf, tagTrue)
		}
		return append(buf, tagFalse)
	case value.KindNumber:
		buf = append(buf, tagNumber)
		return append(buf, encodeFloat(v.Number)...)
	case value.KindString:
		buf = append(buf, tagString)
		return appendEscapedTerminated(buf, []byte(v.Str))
	case value.KindArray:
		buf = append(buf, tagArray)
		for _, e := range v.Array {
			buf = appendValue(buf, e)
		}
		return append(buf, tagEnd)
	case value.KindObject:
		buf = append(buf, tagObject)
		for _, k := range sortedKeys(v.Object) {
			buf = appendEscapedTerminated(buf, []byte(k))
			buf = appendValue(buf, v.Object[k])
		}
		return append(buf, tagEnd)
	}
	return buf
}

// encodeFloat produces an 8-byte big-endian encoding of an IEEE-754
// float64 such that unsigned byte comparison matches numeric order:
// flip the sign bit for non-negatives, flip every bit for negatives.
func encodeFloat(f float64) []byte {
	bits := math.Float64bits(f)
	if bits&signBit != 0 {
		bits = ^bits
	} else {
		bits |= signBit
	}
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = byte(bits)
		bits >>= 8
	}
	return out
}

const signBit = uint64(1) << 63

// appendEscapedTerminated appends b with every 0x00 byte escaped to
// 0x00 0xFF, followed by a 0x00 0x00 terminator. This keeps the
// encoding prefix-free (a strict prefix always sorts first) while
// preserving byte-wise lexicographic order of the original string.
func appendEscapedTerminated(buf, b []byte) []byte {
	for _, c := range b {
		if c == 0x00 {
			buf = append(buf, 0x00, 0xFF)
		} else {
			buf = append(buf, c)
		}
	}
	return append(buf, 0x00, 0x00)
}

func sortedKeys(m map[string]value.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	insertionSort(keys)
	return keys
}

// insertionSort is fine here: object field counts are small (document
// field counts), and avoiding sort.Strings keeps this package
// allocation-free for the common case.
func insertionSort(keys []string) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
}
