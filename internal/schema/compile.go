package schema

import (
	"sort"

	"github.com/mesh-intelligence/unidb/pkg/types"
)

// Target builds backend-native nodes for a canonical descriptor. N is the
// node type: a bson.M for a validator, a column definition, a mapping.
type Target[N any] interface {
	// Scalar builds string, number, boolean, date, objectId, uuid, buffer
	// and map fields.
	Scalar(path string, def types.FieldDef) (N, error)
	// Array builds array and set fields around their compiled items.
	Array(path string, def types.FieldDef, items N) (N, error)
	// Object builds object and json fields that declare properties.
	Object(path string, def types.FieldDef, props []Prop[N]) (N, error)
	// Dynamic builds mixed fields, objects without properties, and the
	// items of arrays without items.
	Dynamic(path string, def types.FieldDef) (N, error)
	// NativeTimestamps reports whether the backend maintains createdAt and
	// updatedAt itself, in which case the envelope is not added.
	NativeTimestamps() bool
}

// Prop is one compiled field.
type Prop[N any] struct {
	Name string
	Def  types.FieldDef
	Node N
}

// Envelope returns the timestamp fields merged into every model.
func Envelope() types.Schema {
	return types.Schema{
		types.FieldCreatedAt: {Type: types.TypeDate, Required: true},
		types.FieldUpdatedAt: {Type: types.TypeDate, Required: true},
	}
}

// Compile walks a canonical schema and returns its top-level fields in name
// order followed by the envelope, unless t manages timestamps natively.
func Compile[N any](s types.Schema, t Target[N]) ([]Prop[N], error) {
	props, err := compileProps(s, "", t)
	if err != nil {
		return nil, err
	}
	if t.NativeTimestamps() {
		return props, nil
	}
	env, err := compileProps(Envelope(), "", t)
	if err != nil {
		return nil, err
	}
	return append(props, env...), nil
}

func compileProps[N any](s types.Schema, prefix string, t Target[N]) ([]Prop[N], error) {
	names := SortedNames(s)
	out := make([]Prop[N], 0, len(names))
	for _, name := range names {
		def := s[name]
		node, err := compileDef(join(prefix, name), def, t)
		if err != nil {
			return nil, err
		}
		out = append(out, Prop[N]{Name: name, Def: def, Node: node})
	}
	return out, nil
}

func compileDef[N any](path string, def types.FieldDef, t Target[N]) (N, error) {
	switch def.Type {
	case types.TypeArray, types.TypeSet:
		var items N
		var err error
		if def.Items != nil {
			items, err = compileDef(path+"[]", *def.Items, t)
		} else {
			items, err = t.Dynamic(path+"[]", types.Field(types.TypeMixed))
		}
		if err != nil {
			return items, err
		}
		return t.Array(path, def, items)
	case types.TypeObject, types.TypeJSON:
		if len(def.Properties) == 0 {
			return t.Dynamic(path, def)
		}
		props, err := compileProps(def.Properties, path, t)
		if err != nil {
			var zero N
			return zero, err
		}
		return t.Object(path, def, props)
	case types.TypeMixed:
		return t.Dynamic(path, def)
	}
	return t.Scalar(path, def)
}

// SortedNames returns the field names of s in sorted order.
func SortedNames(s types.Schema) []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
