package document

import (
	"fmt"

	"github.com/cuemby/solidb/internal/errs"
	"github.com/cuemby/solidb/internal/value"
)

// Type classifies a collection's document shape.
type Type string

const (
	TypeDocument Type = "document"
	TypeEdge     Type = "edge"
	TypeBlob     Type = "blob"
)

// SchemaMode controls how a Collection's validator treats violations.
type SchemaMode string

const (
	// SchemaOff skips validation entirely.
	SchemaOff SchemaMode = "off"
	// SchemaStrict rejects any document violating the schema.
	SchemaStrict SchemaMode = "strict"
	// SchemaLenient coerces violating fields where possible and warns,
	// never rejecting the write.
	SchemaLenient SchemaMode = "lenient"
)

// FieldRule is one required-field constraint in a Schema.
type FieldRule struct {
	Field    string
	Kind     value.Kind
	Required bool
}

// Schema is a minimal JSON-schema-like validator: a flat list of
// per-field kind/required rules, sufficient for the strict/lenient/off
// modes the store contract calls for.
type Schema struct {
	Mode  SchemaMode
	Rules []FieldRule
}

// Violation describes a single schema rule violation.
type Violation struct {
	Field   string
	Message string
}

// Validate checks doc.Data against s's rules. In SchemaStrict, any
// violation is returned as an error. In SchemaLenient, type-mismatched
// fields are coerced to a zero value of the expected kind and returned
// as warnings rather than failing the write. SchemaOff always passes.
func (s Schema) Validate(data map[string]value.Value) (warnings []Violation, err error) {
	if s.Mode == SchemaOff {
		return nil, nil
	}
	for _, rule := range s.Rules {
		v, present := data[rule.Field]
		if !present {
			if rule.Required {
				msg := fmt.Sprintf("field %q is required", rule.Field)
				if s.Mode == SchemaStrict {
					return nil, errs.New(errs.InvalidDocument, msg)
				}
				warnings = append(warnings, Violation{Field: rule.Field, Message: msg})
			}
			continue
		}
		if v.Kind != rule.Kind {
			msg := fmt.Sprintf("field %q expected kind %d, got %d", rule.Field, rule.Kind, v.Kind)
			if s.Mode == SchemaStrict {
				return nil, errs.New(errs.InvalidDocument, msg)
			}
			warnings = append(warnings, Violation{Field: rule.Field, Message: msg})
			data[rule.Field] = zeroValue(rule.Kind)
		}
	}
	return warnings, nil
}

func zeroValue(kind value.Kind) value.Value {
	switch kind {
	case value.KindBool:
		return value.Bool(false)
	case value.KindNumber:
		return value.Number(0)
	case value.KindString:
		return value.String("")
	case value.KindArray:
		return value.Array(nil)
	case value.KindObject:
		return value.Object(nil)
	default:
		return value.Null()
	}
}

// ShardConfig is the per-collection routing configuration consulted by
// internal/shard when NumShards > 0.
type ShardConfig struct {
	NumShards         uint32
	ShardKey          string
	ReplicationFactor int
}

// Config is a Collection's persisted metadata, stored alongside its
// column family.
type Config struct {
	Name   string
	Type   Type
	Schema Schema
	Shard  ShardConfig
}
