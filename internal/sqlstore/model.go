package sqlstore

import (
	"strings"

	"github.com/iancoleman/strcase"

	"github.com/mesh-intelligence/unidb/internal/schema"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

// column is one declared top-level field stored in its own column.
type column struct {
	field    string
	name     string
	sqlType  string
	def      types.FieldDef
	json     bool
	envelope bool
}

// model is the compiled table layout of one collection. Fields the schema
// does not declare live in the _extra JSON column.
type model struct {
	table   string
	schema  types.Schema
	cols    []*column
	byField map[string]*column
	unique  []string
}

// columnTarget compiles schema fields into columns.
type columnTarget struct{ d dialect }

func (t columnTarget) col(path string, def types.FieldDef, sqlType string, json bool) (*column, error) {
	return &column{field: path, name: strcase.ToSnake(path), sqlType: sqlType, def: def, json: json}, nil
}

func (t columnTarget) Scalar(path string, def types.FieldDef) (*column, error) {
	if def.Type == types.TypeMap {
		return t.col(path, def, t.d.jsonType(), true)
	}
	return t.col(path, def, t.d.columnType(def.Type), false)
}

func (t columnTarget) Array(path string, def types.FieldDef, _ *column) (*column, error) {
	return t.col(path, def, t.d.jsonType(), true)
}

func (t columnTarget) Object(path string, def types.FieldDef, _ []schema.Prop[*column]) (*column, error) {
	return t.col(path, def, t.d.jsonType(), true)
}

func (t columnTarget) Dynamic(path string, def types.FieldDef) (*column, error) {
	return t.col(path, def, t.d.jsonType(), true)
}

func (t columnTarget) NativeTimestamps() bool { return t.d.nativeTimestamps() }

var reservedColumns = map[string]bool{
	colID:        true,
	colExtra:     true,
	colCreatedAt: true,
	colUpdatedAt: true,
}

// compileModel maps a canonical schema to columns named in snake case. Two
// fields that map to the same column, or a field that maps onto a reserved
// column, make the schema invalid.
func compileModel(d dialect, table string, s types.Schema) (*model, error) {
	props, err := schema.Compile[*column](s, columnTarget{d: d})
	if err != nil {
		return nil, err
	}
	m := &model{
		table:   table,
		schema:  s,
		byField: make(map[string]*column, len(props)),
		unique:  schema.Unique(s),
	}
	taken := make(map[string]string, len(props))
	for _, p := range props {
		c := p.Node
		if p.Name == types.FieldCreatedAt || p.Name == types.FieldUpdatedAt {
			c.envelope = true
			m.cols = append(m.cols, c)
			continue
		}
		if reservedColumns[c.name] {
			return nil, types.InvalidSchema(p.Name, "column "+c.name+" is reserved")
		}
		if other, ok := taken[c.name]; ok {
			return nil, types.InvalidSchema(p.Name, "column "+c.name+" is already used by "+other)
		}
		taken[c.name] = p.Name
		m.cols = append(m.cols, c)
		m.byField[p.Name] = c
	}
	return m, nil
}

// columns lists every column of a row in scan order: id, the declared
// fields, _extra, then the timestamps.
func (m *model) columns(d dialect) []string {
	out := []string{quoteIdent(colID)}
	for _, c := range m.cols {
		if !c.envelope {
			out = append(out, d.selectExpr(c))
		}
	}
	extra := &column{name: colExtra, json: true}
	out = append(out, d.selectExpr(extra), quoteIdent(colCreatedAt), quoteIdent(colUpdatedAt))
	return out
}

// writeColumns lists the column names an insert or full-row update sets,
// matching the order of row.
func (m *model) writeColumns() []string {
	out := []string{quoteIdent(colID)}
	for _, c := range m.cols {
		if !c.envelope {
			out = append(out, quoteIdent(c.name))
		}
	}
	return append(out, quoteIdent(colExtra), quoteIdent(colCreatedAt), quoteIdent(colUpdatedAt))
}

func (m *model) selectFrom(d dialect) string {
	return "SELECT " + strings.Join(m.columns(d), ", ") + " FROM " + quoteIdent(m.table)
}
