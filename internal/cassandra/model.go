package cassandra

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"github.com/mesh-intelligence/unidb/internal/record"
	"github.com/mesh-intelligence/unidb/internal/schema"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

// Reserved columns every table carries.
const (
	colID        = "id"
	colExtra     = "_extra"
	colCreatedAt = "created_at"
	colUpdatedAt = "updated_at"
	modelsTable  = "_unidb_models"
)

type kind int

const (
	kindText kind = iota
	kindUUID
	kindDouble
	kindBool
	kindTime
	kindBlob
	kindList
	kindSet
	kindMap
	kindJSON
)

// column is one declared top-level field. Lists and sets of scalars use
// native collections; everything nested is JSON text.
type column struct {
	field string
	cql   string
	kind  kind
	elem  *column
}

func (c *column) collection() bool { return c.kind == kindList || c.kind == kindSet }

func (c *column) scalar() bool { return c.kind <= kindBlob }

// goType is what gocql unmarshals the column into.
func (c *column) goType() reflect.Type {
	switch c.kind {
	case kindUUID:
		return reflect.TypeOf(gocql.UUID{})
	case kindDouble:
		return reflect.TypeOf(float64(0))
	case kindBool:
		return reflect.TypeOf(false)
	case kindTime:
		return reflect.TypeOf(time.Time{})
	case kindBlob:
		return reflect.TypeOf([]byte(nil))
	case kindList, kindSet:
		return reflect.SliceOf(c.elem.goType())
	case kindMap:
		return reflect.TypeOf(map[string]string(nil))
	}
	return reflect.TypeOf("")
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// cqlTarget compiles schema fields into columns.
type cqlTarget struct{}

func scalarColumn(path string, t types.FieldType) *column {
	switch t {
	case types.TypeUUID:
		return &column{field: path, cql: "uuid", kind: kindUUID}
	case types.TypeNumber:
		return &column{field: path, cql: "double", kind: kindDouble}
	case types.TypeBoolean:
		return &column{field: path, cql: "boolean", kind: kindBool}
	case types.TypeDate:
		return &column{field: path, cql: "timestamp", kind: kindTime}
	case types.TypeBuffer:
		return &column{field: path, cql: "blob", kind: kindBlob}
	case types.TypeMap:
		return &column{field: path, cql: "map<text, text>", kind: kindMap}
	}
	return &column{field: path, cql: "text", kind: kindText}
}

func jsonColumn(path string) *column {
	return &column{field: path, cql: "text", kind: kindJSON}
}

func (cqlTarget) Scalar(path string, def types.FieldDef) (*column, error) {
	if def.Unique {
		return nil, types.InvalidSchema(path, "unique constraints are not supported by cassandra")
	}
	return scalarColumn(path, def.Type), nil
}

func (cqlTarget) Array(path string, def types.FieldDef, items *column) (*column, error) {
	if !items.scalar() {
		return jsonColumn(path), nil
	}
	if def.Type == types.TypeSet {
		return &column{field: path, cql: "set<" + items.cql + ">", kind: kindSet, elem: items}, nil
	}
	return &column{field: path, cql: "list<" + items.cql + ">", kind: kindList, elem: items}, nil
}

func (cqlTarget) Object(path string, _ types.FieldDef, _ []schema.Prop[*column]) (*column, error) {
	return jsonColumn(path), nil
}

func (cqlTarget) Dynamic(path string, _ types.FieldDef) (*column, error) {
	return jsonColumn(path), nil
}

func (cqlTarget) NativeTimestamps() bool { return false }

var reservedColumns = map[string]bool{colID: true, colExtra: true, colCreatedAt: true, colUpdatedAt: true}

// model is the compiled table of one collection. Undeclared fields live in
// the _extra JSON column.
type model struct {
	keyspace string
	table    string
	schema   types.Schema
	cols     []*column
	byField  map[string]*column
}

func compileModel(keyspace, table string, s types.Schema) (*model, error) {
	props, err := schema.Compile[*column](s, cqlTarget{})
	if err != nil {
		return nil, err
	}
	m := &model{keyspace: keyspace, table: table, schema: s, byField: make(map[string]*column, len(props))}
	for _, p := range props {
		if p.Name == types.FieldCreatedAt || p.Name == types.FieldUpdatedAt {
			continue
		}
		// Column names are quoted, so case is kept and only exact clashes matter.
		if reservedColumns[p.Name] {
			return nil, types.InvalidSchema(p.Name, "column "+p.Name+" is reserved")
		}
		m.cols = append(m.cols, p.Node)
		m.byField[p.Name] = p.Node
	}
	return m, nil
}

func (m *model) ref() string { return quote(m.keyspace) + "." + quote(m.table) }

// tableDDL returns the CREATE TABLE statement for m.
func (m *model) tableDDL() string {
	defs := []string{colID + " text PRIMARY KEY"}
	for _, c := range m.cols {
		defs = append(defs, quote(c.field)+" "+c.cql)
	}
	defs = append(defs, colExtra+" text", colCreatedAt+" timestamp", colUpdatedAt+" timestamp")
	return "CREATE TABLE IF NOT EXISTS " + m.ref() + " (" + strings.Join(defs, ", ") + ")"
}

// columns lists id, the declared columns, _extra and the timestamps.
func (m *model) columns() string {
	names := []string{colID}
	for _, c := range m.cols {
		names = append(names, quote(c.field))
	}
	names = append(names, colExtra, colCreatedAt, colUpdatedAt)
	return strings.Join(names, ", ")
}

func (m *model) insert() string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(m.cols)+4), ", ")
	return "INSERT INTO " + m.ref() + " (" + m.columns() + ") VALUES (" + marks + ")"
}

func (m *model) selectFrom() string {
	return "SELECT " + m.columns() + " FROM " + m.ref()
}

// bind converts a value to what gocql marshals for c.
func bind(c *column, v types.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	switch c.kind {
	case kindText:
		if s, ok := v.AsString(); ok {
			return s, nil
		}
	case kindUUID:
		if s, ok := v.AsString(); ok {
			return gocql.ParseUUID(s)
		}
	case kindDouble:
		if f, ok := v.AsNumber(); ok {
			return f, nil
		}
	case kindBool:
		if b, ok := v.AsBool(); ok {
			return b, nil
		}
	case kindTime:
		if t, ok := v.AsTime(); ok {
			return t, nil
		}
		if s, ok := v.AsString(); ok {
			return record.ParseTime(s)
		}
	case kindBlob:
		if b, ok := v.AsBytes(); ok {
			return b, nil
		}
	case kindList, kindSet:
		if items, ok := v.AsList(); ok {
			out := make([]any, len(items))
			for i, item := range items {
				x, err := bind(c.elem, item)
				if err != nil {
					return nil, err
				}
				out[i] = x
			}
			return out, nil
		}
	case kindMap:
		if m, ok := v.AsMap(); ok {
			out := make(map[string]string, len(m))
			for k, item := range m {
				data, err := json.Marshal(item)
				if err != nil {
					return nil, err
				}
				out[k] = string(data)
			}
			return out, nil
		}
	case kindJSON:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
	return nil, fmt.Errorf("%s value does not fit a %s column", v.Kind(), c.cql)
}

// decode converts what gocql returned for c.
func decode(c *column, x any) (types.Value, error) {
	switch c.kind {
	case kindText:
		return types.StringValue(x.(string)), nil
	case kindUUID:
		return types.StringValue(x.(gocql.UUID).String()), nil
	case kindDouble:
		f := x.(float64)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return types.IntValue(int64(f)), nil
		}
		return types.FloatValue(f), nil
	case kindBool:
		return types.BoolValue(x.(bool)), nil
	case kindTime:
		return types.TimeValue(x.(time.Time)), nil
	case kindBlob:
		return types.BytesValue(x.([]byte)), nil
	case kindList, kindSet:
		rv := reflect.ValueOf(x)
		items := make([]types.Value, rv.Len())
		for i := range items {
			v, err := decode(c.elem, rv.Index(i).Interface())
			if err != nil {
				return types.Value{}, err
			}
			items[i] = v
		}
		return types.ListValue(items...), nil
	case kindMap:
		m := x.(map[string]string)
		out := make(map[string]types.Value, len(m))
		for k, text := range m {
			var v types.Value
			if err := json.Unmarshal([]byte(text), &v); err != nil {
				return types.Value{}, err
			}
			out[k] = v
		}
		return types.MapValue(out), nil
	}
	var v types.Value
	if err := json.Unmarshal([]byte(x.(string)), &v); err != nil {
		return types.Value{}, err
	}
	return v, nil
}

// row converts r into bind arguments in column order.
func (m *model) row(r *types.Record) ([]any, error) {
	out := []any{r.ID}
	extra := make(types.Fields)
	for name, v := range r.Fields {
		if _, declared := m.byField[name]; !declared {
			extra[name] = v
		}
	}
	for _, c := range m.cols {
		x, err := bind(c, r.Fields[c.field])
		if err != nil {
			return nil, types.Malformed("field %q: %v", c.field, err)
		}
		out = append(out, x)
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return nil, types.Malformed("encoding undeclared fields: %v", err)
	}
	return append(out, string(data), r.CreatedAt, r.UpdatedAt), nil
}

// scanDest returns nullable destinations for one row: a pointer to a
// pointer per column, left nil when the column is null.
func (m *model) scanDest() []any {
	dest := []any{new(string)}
	for _, c := range m.cols {
		dest = append(dest, reflect.New(reflect.PointerTo(c.goType())).Interface())
	}
	return append(dest, new(*string), new(time.Time), new(time.Time))
}

// record rebuilds a record from scanned destinations.
func (m *model) record(dest []any) (*types.Record, error) {
	r := &types.Record{ID: *dest[0].(*string), Fields: make(types.Fields)}
	i := 1
	for _, c := range m.cols {
		p := reflect.ValueOf(dest[i]).Elem()
		i++
		if p.IsNil() {
			continue
		}
		v, err := decode(c, p.Elem().Interface())
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.field, err)
		}
		r.Fields[c.field] = v
	}
	if extra := *dest[i].(**string); extra != nil && *extra != "" {
		var fields map[string]types.Value
		if err := json.Unmarshal([]byte(*extra), &fields); err != nil {
			return nil, fmt.Errorf("column %s: %w", colExtra, err)
		}
		for k, v := range fields {
			r.Fields[k] = v
		}
	}
	r.CreatedAt = dest[i+1].(*time.Time).UTC()
	r.UpdatedAt = dest[i+2].(*time.Time).UTC()
	r.Fields = schema.Coerce(m.schema, r.Fields)
	return r, nil
}
