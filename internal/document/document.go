package document

import (
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/solidb/internal/hlc"
	"github.com/cuemby/solidb/internal/value"
)

// Document is the wire and storage representation of one collection
// member. Data holds every non-system field; the system fields are
// promoted to named struct fields so callers don't re-derive them from
// Data on every access.
type Document struct {
	Key       string                 `json:"_key"`
	ID        string                 `json:"_id"`
	Rev       string                 `json:"_rev"`
	CreatedAt int64                  `json:"_created_at"`
	UpdatedAt int64                  `json:"_updated_at"`
	Data      map[string]value.Value `json:"-"`
}

// NewKey generates a content-independent unique document key.
func NewKey() string {
	return uuid.NewString()
}

// NewRev generates an opaque, monotonically ordered revision token
// from the collection's HLC clock.
func NewRev(clock *hlc.Clock) string {
	return clock.Now().StringKey()
}

// ToValue flattens a Document into a single object Value carrying both
// the system fields and Data, the shape persisted under DOC/<key> and
// returned to query executor row contexts.
func (d Document) ToValue() value.Value {
	obj := make(map[string]value.Value, len(d.Data)+5)
	for k, v := range d.Data {
		obj[k] = v
	}
	obj["_key"] = value.String(d.Key)
	obj["_id"] = value.String(d.ID)
	obj["_rev"] = value.String(d.Rev)
	obj["_created_at"] = value.Number(float64(d.CreatedAt))
	obj["_updated_at"] = value.Number(float64(d.UpdatedAt))
	return value.Object(obj)
}

// FromValue splits an object Value into a Document, extracting the
// system fields and leaving the rest in Data.
func FromValue(v value.Value) Document {
	doc := Document{Data: map[string]value.Value{}}
	if v.Kind != value.KindObject {
		return doc
	}
	for k, val := range v.Object {
		switch k {
		case "_key":
			doc.Key = val.Str
		case "_id":
			doc.ID = val.Str
		case "_rev":
			doc.Rev = val.Str
		case "_created_at":
			doc.CreatedAt = int64(val.Number)
		case "_updated_at":
			doc.UpdatedAt = int64(val.Number)
		default:
			doc.Data[k] = val
		}
	}
	return doc
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
