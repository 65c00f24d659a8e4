package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the fixed-width UTC layout used wherever a time is stored as
// text. Strings in this layout sort in chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ValueKind tags the variant held by a Value.
type ValueKind uint8

// Value kinds.
const (
	ValueNull ValueKind = iota
	ValueString
	ValueInt
	ValueFloat
	ValueBool
	ValueTime
	ValueBytes
	ValueList
	ValueMap
)

var valueKindNames = [...]string{"null", "string", "int", "float", "bool", "time", "bytes", "list", "map"}

func (k ValueKind) String() string {
	if int(k) < len(valueKindNames) {
		return valueKindNames[k]
	}
	return "ValueKind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a tagged union over the shapes a record field can hold. The zero
// Value is null.
type Value struct {
	kind ValueKind
	v    any
}

// Fields is a dynamic field bag keyed by field name.
type Fields map[string]Value

// NullValue returns the null Value.
func NullValue() Value { return Value{} }

// StringValue returns a string Value.
func StringValue(s string) Value { return Value{kind: ValueString, v: s} }

// IntValue returns an integer Value.
func IntValue(i int64) Value { return Value{kind: ValueInt, v: i} }

// FloatValue returns a floating point Value.
func FloatValue(f float64) Value { return Value{kind: ValueFloat, v: f} }

// BoolValue returns a boolean Value.
func BoolValue(b bool) Value { return Value{kind: ValueBool, v: b} }

// TimeValue returns a time Value normalized to UTC.
func TimeValue(t time.Time) Value { return Value{kind: ValueTime, v: t.UTC()} }

// BytesValue returns a byte string Value.
func BytesValue(b []byte) Value { return Value{kind: ValueBytes, v: b} }

// ListValue returns a list Value.
func ListValue(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: ValueList, v: items}
}

// MapValue returns a nested map Value.
func MapValue(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: ValueMap, v: m}
}

// ValueOf converts a Go native into a Value. Supported inputs are nil,
// Value, strings, every integer and float width, bool, time.Time, []byte,
// json.Number, and slices or string-keyed maps of those.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Value{}, nil
	case Value:
		return t, nil
	case *Value:
		if t == nil {
			return Value{}, nil
		}
		return *t, nil
	case string:
		return StringValue(t), nil
	case bool:
		return BoolValue(t), nil
	case int:
		return IntValue(int64(t)), nil
	case int8:
		return IntValue(int64(t)), nil
	case int16:
		return IntValue(int64(t)), nil
	case int32:
		return IntValue(int64(t)), nil
	case int64:
		return IntValue(t), nil
	case uint:
		return uintValue(uint64(t))
	case uint8:
		return IntValue(int64(t)), nil
	case uint16:
		return IntValue(int64(t)), nil
	case uint32:
		return IntValue(int64(t)), nil
	case uint64:
		return uintValue(t)
	case float32:
		return FloatValue(float64(t)), nil
	case float64:
		return FloatValue(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return IntValue(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return FloatValue(f), nil
	case time.Time:
		return TimeValue(t), nil
	case *time.Time:
		if t == nil {
			return Value{}, nil
		}
		return TimeValue(*t), nil
	case []byte:
		return BytesValue(t), nil
	case Fields:
		return MapValue(map[string]Value(t.Clone())), nil
	case map[string]Value:
		return MapValue(t), nil
	case []Value:
		return ListValue(t...), nil
	case []any:
		items := make([]Value, len(t))
		for i, e := range t {
			v, err := ValueOf(e)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items[i] = v
		}
		return ListValue(items...), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			v, err := ValueOf(e)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			m[k] = v
		}
		return MapValue(m), nil
	}
	return reflectValueOf(x)
}

func uintValue(u uint64) (Value, error) {
	if u > math.MaxInt64 {
		return Value{}, fmt.Errorf("integer %d overflows int64", u)
	}
	return IntValue(int64(u)), nil
}

// reflectValueOf covers typed slices, arrays, string-keyed maps and
// pointers, e.g. []string or map[string]int.
func reflectValueOf(x any) (Value, error) {
	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return Value{}, nil
		}
		return ValueOf(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return Value{}, nil
		}
		items := make([]Value, rv.Len())
		for i := range items {
			v, err := ValueOf(rv.Index(i).Interface())
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items[i] = v
		}
		return ListValue(items...), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, fmt.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		m := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			v, err := ValueOf(iter.Value().Interface())
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", iter.Key().String(), err)
			}
			m[iter.Key().String()] = v
		}
		return MapValue(m), nil
	case reflect.String:
		return StringValue(rv.String()), nil
	case reflect.Bool:
		return BoolValue(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return IntValue(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return uintValue(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return FloatValue(rv.Float()), nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", x)
}

// MustValue is ValueOf that panics on error. Intended for literals in tests
// and examples.
func MustValue(x any) Value {
	v, err := ValueOf(x)
	if err != nil {
		panic(err)
	}
	return v
}

// Kind returns the variant tag.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == ValueNull }

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) {
	s, ok := v.v.(string)
	return s, ok && v.kind == ValueString
}

// AsInt returns the integer held by v.
func (v Value) AsInt() (int64, bool) {
	i, ok := v.v.(int64)
	return i, ok
}

// AsFloat returns the float held by v.
func (v Value) AsFloat() (float64, bool) {
	f, ok := v.v.(float64)
	return f, ok
}

// AsNumber returns v as a float64 when it is an int or a float.
func (v Value) AsNumber() (float64, bool) {
	switch v.kind {
	case ValueInt:
		return float64(v.v.(int64)), true
	case ValueFloat:
		return v.v.(float64), true
	}
	return 0, false
}

// IsNumber reports whether v is an int or a float.
func (v Value) IsNumber() bool {
	return v.kind == ValueInt || v.kind == ValueFloat
}

// AsBool returns the bool held by v.
func (v Value) AsBool() (bool, bool) {
	b, ok := v.v.(bool)
	return b, ok
}

// AsTime returns the time held by v.
func (v Value) AsTime() (time.Time, bool) {
	t, ok := v.v.(time.Time)
	return t, ok
}

// AsBytes returns the bytes held by v.
func (v Value) AsBytes() ([]byte, bool) {
	b, ok := v.v.([]byte)
	return b, ok && v.kind == ValueBytes
}

// AsList returns the elements held by v.
func (v Value) AsList() ([]Value, bool) {
	l, ok := v.v.([]Value)
	return l, ok
}

// AsMap returns the nested map held by v.
func (v Value) AsMap() (map[string]Value, bool) {
	m, ok := v.v.(map[string]Value)
	return m, ok
}

// Interface converts v back to plain Go values: nil, string, int64,
// float64, bool, time.Time, []byte, []any and map[string]any.
func (v Value) Interface() any {
	switch v.kind {
	case ValueList:
		l := v.v.([]Value)
		out := make([]any, len(l))
		for i, e := range l {
			out[i] = e.Interface()
		}
		return out
	case ValueMap:
		m := v.v.(map[string]Value)
		out := make(map[string]any, len(m))
		for k, e := range m {
			out[k] = e.Interface()
		}
		return out
	}
	return v.v
}

// Equal reports deep equality. Integers and floats are equal when they hold
// the same numeric value.
func (v Value) Equal(o Value) bool {
	if v.IsNumber() && o.IsNumber() {
		if v.kind == ValueInt && o.kind == ValueInt {
			return v.v.(int64) == o.v.(int64)
		}
		a, _ := v.AsNumber()
		b, _ := o.AsNumber()
		return a == b
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case ValueNull:
		return true
	case ValueTime:
		return v.v.(time.Time).Equal(o.v.(time.Time))
	case ValueBytes:
		return bytes.Equal(v.v.([]byte), o.v.([]byte))
	case ValueList:
		a, b := v.v.([]Value), o.v.([]Value)
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if !a[i].Equal(b[i]) {
				return false
			}
		}
		return true
	case ValueMap:
		a, b := v.v.(map[string]Value), o.v.(map[string]Value)
		if len(a) != len(b) {
			return false
		}
		for k, x := range a {
			y, ok := b[k]
			if !ok || !x.Equal(y) {
				return false
			}
		}
		return true
	}
	return v.v == o.v
}

// Compare orders v against o. ok is false when the two are not ordered
// relative to each other (different kinds, lists, maps, null).
func (v Value) Compare(o Value) (c int, ok bool) {
	if v.IsNumber() && o.IsNumber() {
		if v.kind == ValueInt && o.kind == ValueInt {
			return cmpOrdered(v.v.(int64), o.v.(int64)), true
		}
		a, _ := v.AsNumber()
		b, _ := o.AsNumber()
		return cmpOrdered(a, b), true
	}
	if v.kind != o.kind {
		return 0, false
	}
	switch v.kind {
	case ValueString:
		return strings.Compare(v.v.(string), o.v.(string)), true
	case ValueTime:
		return v.v.(time.Time).Compare(o.v.(time.Time)), true
	case ValueBool:
		a, b := v.v.(bool), o.v.(bool)
		switch {
		case a == b:
			return 0, true
		case !a:
			return -1, true
		}
		return 1, true
	case ValueBytes:
		return bytes.Compare(v.v.([]byte), o.v.([]byte)), true
	}
	return 0, false
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Key returns a canonical string for v such that Equal values share a key.
// Backends use it to index unique fields.
func (v Value) Key() string {
	var b strings.Builder
	v.writeKey(&b)
	return b.String()
}

func (v Value) writeKey(b *strings.Builder) {
	switch v.kind {
	case ValueNull:
		b.WriteString("null")
	case ValueString:
		b.WriteString(strconv.Quote(v.v.(string)))
	case ValueInt:
		b.WriteString(strconv.FormatInt(v.v.(int64), 10))
	case ValueFloat:
		f := v.v.(float64)
		if f == math.Trunc(f) && math.Abs(f) < 1<<63 {
			b.WriteString(strconv.FormatInt(int64(f), 10))
			return
		}
		b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	case ValueBool:
		b.WriteString(strconv.FormatBool(v.v.(bool)))
	case ValueTime:
		b.WriteString("t:" + v.v.(time.Time).Format(TimeLayout))
	case ValueBytes:
		b.WriteString("b:" + strconv.Quote(string(v.v.([]byte))))
	case ValueList:
		b.WriteByte('[')
		for i, e := range v.v.([]Value) {
			if i > 0 {
				b.WriteByte(',')
			}
			e.writeKey(b)
		}
		b.WriteByte(']')
	case ValueMap:
		m := v.v.(map[string]Value)
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k) + ":")
			m[k].writeKey(b)
		}
		b.WriteByte('}')
	}
}

// String renders v for logs and error messages.
func (v Value) String() string {
	if v.kind == ValueString {
		return strconv.Quote(v.v.(string))
	}
	return v.Key()
}

// MarshalJSON encodes times in TimeLayout and bytes as base64.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case ValueNull:
		return []byte("null"), nil
	case ValueTime:
		return json.Marshal(v.v.(time.Time).Format(TimeLayout))
	case ValueFloat:
		f := v.v.(float64)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("cannot encode %v as JSON", f)
		}
	}
	return json.Marshal(v.v)
}

// UnmarshalJSON decodes any JSON value. Integral numbers become ints; times
// and bytes arrive as strings and are restored by schema coercion.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return err
	}
	out, err := ValueOf(x)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// FieldsOf converts a native map into Fields.
func FieldsOf(m map[string]any) (Fields, error) {
	f := make(Fields, len(m))
	for k, x := range m {
		v, err := ValueOf(x)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		f[k] = v
	}
	return f, nil
}

// MustFields is FieldsOf that panics on error.
func MustFields(m map[string]any) Fields {
	f, err := FieldsOf(m)
	if err != nil {
		panic(err)
	}
	return f
}

// Clone returns a shallow copy of f. Values are immutable once built, so
// sharing them is safe.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Interface converts f to a native map.
func (f Fields) Interface() map[string]any {
	out := make(map[string]any, len(f))
	for k, v := range f {
		out[k] = v.Interface()
	}
	return out
}

// Get resolves a dotted path such as "address.city" through nested maps.
func (f Fields) Get(path string) (Value, bool) {
	head, rest, nested := strings.Cut(path, ".")
	v, ok := f[head]
	if !ok {
		return Value{}, false
	}
	if !nested {
		return v, true
	}
	m, ok := v.AsMap()
	if !ok {
		return Value{}, false
	}
	return Fields(m).Get(rest)
}

// Set assigns a dotted path, creating intermediate maps. It fails when an
// intermediate segment holds a non-map value.
func (f Fields) Set(path string, v Value) error {
	head, rest, nested := strings.Cut(path, ".")
	if !nested {
		f[head] = v
		return nil
	}
	child := Fields{}
	if cur, ok := f[head]; ok && !cur.IsNull() {
		m, ok := cur.AsMap()
		if !ok {
			return fmt.Errorf("%s is a %s, not a map", head, cur.Kind())
		}
		child = Fields(m).Clone()
	}
	if err := child.Set(rest, v); err != nil {
		return err
	}
	f[head] = MapValue(map[string]Value(child))
	return nil
}
