// Package schema validates abstract schema descriptors, compiles them into
// backend-native model definitions through a Target, and enforces them on
// records for backends without native validation.
package schema

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/unidb/pkg/types"
)

// Normalize validates s and returns its canonical form. Unknown types
// become mixed, with the original type kept in Fallback and a warning
// logged. Defaults are converted to plain Go values. The input is not
// modified, and Normalize(Normalize(s)) equals Normalize(s).
func Normalize(s types.Schema, log *zap.Logger) (types.Schema, error) {
	if log == nil {
		log = zap.NewNop()
	}
	return normalizeProps(s, "", true, log)
}

func normalizeProps(s types.Schema, prefix string, top bool, log *zap.Logger) (types.Schema, error) {
	out := make(types.Schema, len(s))
	for name, def := range s {
		path := join(prefix, name)
		if name == "" || strings.ContainsAny(name, ".$") {
			return nil, types.InvalidSchema(path, "invalid field name")
		}
		if top && types.IsReserved(name) {
			return nil, types.InvalidSchema(path, "reserved field name")
		}
		nd, err := normalizeDef(def, path, log)
		if err != nil {
			return nil, err
		}
		out[name] = nd
	}
	return out, nil
}

func normalizeDef(def types.FieldDef, path string, log *zap.Logger) (types.FieldDef, error) {
	if def.Type == "" {
		return def, types.InvalidSchema(path, "type is required")
	}
	if !def.Type.IsKnown() {
		log.Warn("unknown schema type mapped to mixed",
			zap.String("field", path),
			zap.String("type", string(def.Type)))
		def.Fallback = string(def.Type)
		def.Type = types.TypeMixed
	}

	if def.Ref != "" && def.Type != types.TypeObjectID {
		return def, types.InvalidSchema(path, fmt.Sprintf("ref is only valid on objectId fields, not %s", def.Type))
	}
	if def.Items != nil && def.Type != types.TypeArray && def.Type != types.TypeSet {
		return def, types.InvalidSchema(path, fmt.Sprintf("items is only valid on array and set fields, not %s", def.Type))
	}
	if def.Properties != nil && def.Type != types.TypeObject && def.Type != types.TypeJSON {
		return def, types.InvalidSchema(path, fmt.Sprintf("properties is only valid on object and json fields, not %s", def.Type))
	}
	if def.Unique && !IsScalar(def.Type) {
		return def, types.InvalidSchema(path, fmt.Sprintf("unique needs a scalar type, not %s", def.Type))
	}

	if def.Items != nil {
		items, err := normalizeDef(*def.Items, path+"[]", log)
		if err != nil {
			return def, err
		}
		if items.Required || items.Unique || items.Default != nil {
			return def, types.InvalidSchema(path+"[]", "items cannot be required, unique or have a default")
		}
		def.Items = &items
	}
	if def.Properties != nil {
		props, err := normalizeProps(def.Properties, path, false, log)
		if err != nil {
			return def, err
		}
		def.Properties = props
	}

	if def.Default != nil {
		v, err := types.ValueOf(def.Default)
		if err != nil {
			return def, types.InvalidSchema(path, fmt.Sprintf("default is not representable: %v", err))
		}
		v = coerceValue(def, v)
		if err := conforms(def, v, path); err != nil {
			return def, types.InvalidSchema(path, fmt.Sprintf("default does not match type %s", def.Type))
		}
		def.Default = v.Interface()
	}
	return def, nil
}

// IsScalar reports whether values of t are single comparable values that
// can carry a unique constraint.
func IsScalar(t types.FieldType) bool {
	switch t {
	case types.TypeString, types.TypeNumber, types.TypeBoolean, types.TypeDate,
		types.TypeObjectID, types.TypeUUID, types.TypeBuffer:
		return true
	}
	return false
}

// Unique returns the paths of top-level unique fields in sorted order.
func Unique(s types.Schema) []string {
	var out []string
	for _, name := range SortedNames(s) {
		if s[name].Unique {
			out = append(out, name)
		}
	}
	return out
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
