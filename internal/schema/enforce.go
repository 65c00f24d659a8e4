package schema

import (
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/unidb/pkg/types"
)

// Enforce applies defaults to missing fields and then validates the result
// against s. Used on create by backends with no native validation.
// Violations fail with ErrDatabase, the kind a native validator produces.
func Enforce(s types.Schema, f types.Fields) (types.Fields, error) {
	out := f.Clone()
	for name, def := range s {
		if v, ok := out[name]; (!ok || v.IsNull()) && def.Default != nil {
			out[name] = types.MustValue(def.Default)
		}
	}
	return Validate(s, out)
}

// Validate coerces declared fields and checks required fields and types.
// Undeclared fields pass through unchanged.
func Validate(s types.Schema, f types.Fields) (types.Fields, error) {
	out := Coerce(s, f)
	for _, name := range SortedNames(s) {
		def := s[name]
		v, ok := out[name]
		if !ok || v.IsNull() {
			if def.Required {
				return nil, types.Malformed("field %q is required", name)
			}
			continue
		}
		if err := conforms(def, v, name); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Coerce restores typed values that arrive as strings from JSON documents:
// TimeLayout or RFC 3339 strings for date fields and base64 for buffer
// fields. Values that do not parse are left alone.
func Coerce(s types.Schema, f types.Fields) types.Fields {
	out := f.Clone()
	for name, def := range s {
		if v, ok := out[name]; ok {
			out[name] = coerceValue(def, v)
		}
	}
	return out
}

func coerceValue(def types.FieldDef, v types.Value) types.Value {
	switch def.Type {
	case types.TypeDate:
		if s, ok := v.AsString(); ok {
			if t, err := parseTime(s); err == nil {
				return types.TimeValue(t)
			}
		}
		if ms, ok := v.AsInt(); ok {
			return types.TimeValue(time.UnixMilli(ms))
		}
	case types.TypeBuffer:
		if s, ok := v.AsString(); ok {
			if b, err := base64.StdEncoding.DecodeString(s); err == nil {
				return types.BytesValue(b)
			}
		}
	case types.TypeArray, types.TypeSet:
		items, ok := v.AsList()
		if !ok || def.Items == nil {
			return v
		}
		out := make([]types.Value, len(items))
		for i, item := range items {
			out[i] = coerceValue(*def.Items, item)
		}
		return types.ListValue(out...)
	case types.TypeObject, types.TypeJSON:
		m, ok := v.AsMap()
		if !ok || len(def.Properties) == 0 {
			return v
		}
		return types.MapValue(map[string]types.Value(Coerce(def.Properties, types.Fields(m))))
	}
	return v
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(types.TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func conforms(def types.FieldDef, v types.Value, path string) error {
	if v.IsNull() {
		return nil
	}
	ok := true
	switch def.Type {
	case types.TypeString, types.TypeObjectID:
		_, ok = v.AsString()
	case types.TypeUUID:
		s, isString := v.AsString()
		ok = isString && uuid.Validate(s) == nil
	case types.TypeNumber:
		ok = v.IsNumber()
	case types.TypeBoolean:
		_, ok = v.AsBool()
	case types.TypeDate:
		_, ok = v.AsTime()
	case types.TypeBuffer:
		_, ok = v.AsBytes()
	case types.TypeMap:
		_, ok = v.AsMap()
	case types.TypeObject:
		var m map[string]types.Value
		m, ok = v.AsMap()
		if ok && len(def.Properties) > 0 {
			return conformsProps(def.Properties, types.Fields(m), path)
		}
	case types.TypeJSON:
		if m, isMap := v.AsMap(); isMap && len(def.Properties) > 0 {
			return conformsProps(def.Properties, types.Fields(m), path)
		}
	case types.TypeArray, types.TypeSet:
		var items []types.Value
		items, ok = v.AsList()
		if ok && def.Items != nil {
			for _, item := range items {
				if err := conforms(*def.Items, item, path+"[]"); err != nil {
					return err
				}
			}
		}
	}
	if !ok {
		return types.Malformed("field %q: expected %s, got %s", path, def.Type, v.Kind())
	}
	return nil
}

func conformsProps(s types.Schema, f types.Fields, prefix string) error {
	for _, name := range SortedNames(s) {
		def := s[name]
		path := join(prefix, name)
		v, ok := f[name]
		if !ok || v.IsNull() {
			if def.Required {
				return types.Malformed("field %q is required", path)
			}
			continue
		}
		if err := conforms(def, v, path); err != nil {
			return err
		}
	}
	return nil
}
