package elastic

import (
	"strings"

	"github.com/iancoleman/strcase"

	"github.com/mesh-intelligence/unidb/internal/schema"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

// object is a JSON object in a request or response body.
type object = map[string]any

var disabled = object{"type": "object", "enabled": false}

// mappingTarget compiles canonical schemas to index mappings.
type mappingTarget struct{}

func (mappingTarget) Scalar(path string, def types.FieldDef) (object, error) {
	if def.Unique {
		return nil, types.InvalidSchema(path, "unique constraints are not supported by elasticsearch")
	}
	switch def.Type {
	case types.TypeNumber:
		return object{"type": "double"}, nil
	case types.TypeBoolean:
		return object{"type": "boolean"}, nil
	case types.TypeDate:
		return object{"type": "date_nanos"}, nil
	case types.TypeBuffer:
		return object{"type": "binary"}, nil
	case types.TypeMap:
		return disabled, nil
	}
	return object{"type": "keyword"}, nil
}

// Array maps to its items: every field holds arrays natively. Arrays of
// objects become nested so each element is matched on its own.
func (mappingTarget) Array(_ string, _ types.FieldDef, items object) (object, error) {
	if props, ok := items["properties"]; ok {
		return object{"type": "nested", "properties": props}, nil
	}
	return items, nil
}

func (mappingTarget) Object(_ string, _ types.FieldDef, props []schema.Prop[object]) (object, error) {
	return object{"properties": properties(props)}, nil
}

func (mappingTarget) Dynamic(string, types.FieldDef) (object, error) {
	return disabled, nil
}

func (mappingTarget) NativeTimestamps() bool { return false }

func properties(props []schema.Prop[object]) object {
	out := make(object, len(props))
	for _, p := range props {
		out[p.Name] = p.Node
	}
	return out
}

// dynamicTemplates map undeclared strings to keyword, whole numbers to
// double and detected dates to date_nanos, matching declared fields.
var dynamicTemplates = []any{
	object{"strings": object{"match_mapping_type": "string", "mapping": object{"type": "keyword"}}},
	object{"numbers": object{"match_mapping_type": "long", "mapping": object{"type": "double"}}},
	object{"dates": object{"match_mapping_type": "date", "mapping": object{"type": "date_nanos"}}},
}

// indexBody returns the create-index body for a canonical schema.
func indexBody(s types.Schema) (object, error) {
	props, err := schema.Compile[object](s, mappingTarget{})
	if err != nil {
		return nil, err
	}
	mapped := properties(props)
	mapped[types.FieldID] = object{"type": "keyword"}
	return object{
		"mappings": object{
			"dynamic_templates": dynamicTemplates,
			"properties":        mapped,
		},
	}, nil
}

// indexName maps a collection to a valid, lowercase index name.
func indexName(prefix, collection string) string {
	return strings.ToLower(prefix + strcase.ToSnake(collection))
}

// resolved describes what a query path points at.
type resolved struct {
	typ types.FieldType
	// declared is false for paths the schema does not declare.
	declared bool
	// scalar is set for declared fields holding one value, not an array.
	scalar bool
	// ok is false when the path cannot be searched: it lies inside a
	// disabled or nested object, or below a scalar.
	ok bool
}

// fieldType resolves a query path against the schema.
func fieldType(s types.Schema, path string) resolved {
	switch path {
	case types.FieldID:
		return resolved{typ: types.TypeString, declared: true, scalar: true, ok: true}
	case types.FieldCreatedAt, types.FieldUpdatedAt:
		return resolved{typ: types.TypeDate, declared: true, scalar: true, ok: true}
	}
	segs := strings.Split(path, ".")
	props := s
	for i, seg := range segs {
		def, found := props[seg]
		if !found {
			// Undeclared keys are mapped dynamically, at the root or below
			// a declared object.
			return resolved{ok: true}
		}
		last := i == len(segs)-1
		switch def.Type {
		case types.TypeMixed, types.TypeMap:
			return resolved{declared: true}
		case types.TypeObject, types.TypeJSON:
			if len(def.Properties) == 0 {
				return resolved{declared: true}
			}
			if last {
				return resolved{typ: def.Type, declared: true, ok: true}
			}
			props = def.Properties
			continue
		case types.TypeArray, types.TypeSet:
			if !last || def.Items == nil || !schema.IsScalar(def.Items.Type) {
				return resolved{declared: true}
			}
			return resolved{typ: def.Items.Type, declared: true, ok: true}
		}
		if !last {
			return resolved{declared: true}
		}
		return resolved{typ: def.Type, declared: true, scalar: true, ok: true}
	}
	return resolved{ok: true}
}
