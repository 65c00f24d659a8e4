package types

// FieldType names the abstract type of a schema field.
type FieldType string

// Field types.
const (
	TypeString   FieldType = "string"
	TypeNumber   FieldType = "number"
	TypeBoolean  FieldType = "boolean"
	TypeDate     FieldType = "date"
	TypeObjectID FieldType = "objectId"
	TypeArray    FieldType = "array"
	TypeObject   FieldType = "object"
	TypeJSON     FieldType = "json"
	TypeMixed    FieldType = "mixed"
	TypeBuffer   FieldType = "buffer"
	TypeUUID     FieldType = "uuid"
	TypeSet      FieldType = "set"
	TypeMap      FieldType = "map"
)

// FieldTypes lists every known type.
var FieldTypes = []FieldType{
	TypeString, TypeNumber, TypeBoolean, TypeDate, TypeObjectID, TypeArray,
	TypeObject, TypeJSON, TypeMixed, TypeBuffer, TypeUUID, TypeSet, TypeMap,
}

// IsKnown reports whether t is one of FieldTypes.
func (t FieldType) IsKnown() bool {
	for _, k := range FieldTypes {
		if k == t {
			return true
		}
	}
	return false
}

// FieldDef describes one field.
//
// Ref is only valid for objectId fields, Items only for array and set
// fields, Properties only for object and json fields. An object without
// Properties, and an array without Items, holds dynamic content.
type FieldDef struct {
	Type       FieldType `json:"type" yaml:"type"`
	Required   bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Unique     bool      `json:"unique,omitempty" yaml:"unique,omitempty"`
	Default    any       `json:"default,omitempty" yaml:"default,omitempty"`
	Ref        string    `json:"ref,omitempty" yaml:"ref,omitempty"`
	Items      *FieldDef `json:"items,omitempty" yaml:"items,omitempty"`
	Properties Schema    `json:"properties,omitempty" yaml:"properties,omitempty"`

	// Fallback records the original type when an unknown type was mapped
	// to mixed during normalization.
	Fallback string `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// Schema maps field names to their definitions.
type Schema map[string]FieldDef

// Field is shorthand for a FieldDef of the given type.
func Field(t FieldType) FieldDef {
	return FieldDef{Type: t}
}
