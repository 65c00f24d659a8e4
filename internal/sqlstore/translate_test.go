package sqlstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/unidb/internal/query"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

var peopleSchema = types.Schema{
	"name": {Type: types.TypeString},
	"age":  {Type: types.TypeNumber},
	"tags": {Type: types.TypeArray, Items: &types.FieldDef{Type: types.TypeString}},
	"meta": {Type: types.TypeObject},
}

func translate(t *testing.T, d sqlDialect, q types.Query) (string, []any) {
	t.Helper()
	m, err := compileModel(d, "people", peopleSchema)
	require.NoError(t, err)
	f, err := query.Parse(q)
	require.NoError(t, err)
	a := &args{d: d}
	w, err := where(d, buildTable(d), m, f, a)
	require.NoError(t, err)
	return w, a.vals
}

func TestSQLiteWhere(t *testing.T) {
	tests := []struct {
		name  string
		query types.Query
		sql   string
		args  []any
	}{
		{
			name:  "match all",
			query: types.Query{},
			sql:   "",
		},
		{
			name:  "id",
			query: types.Query{"_id": "abc", "age": 3},
			sql:   ` WHERE "id" = ?`,
			args:  []any{"abc"},
		},
		{
			name:  "typed range",
			query: types.Query{"age": types.Ops{types.OpGt: 18}},
			sql:   ` WHERE "age" > ?`,
			args:  []any{int64(18)},
		},
		{
			name:  "conjunction in field order",
			query: types.Query{"name": "Bob", "age": types.Ops{types.OpGte: 18}},
			sql:   ` WHERE "age" >= ? AND "name" = ?`,
			args:  []any{int64(18), "Bob"},
		},
		{
			name:  "ne matches null",
			query: types.Query{"name": types.Ops{types.OpNe: "Bob"}},
			sql:   ` WHERE ("name" = ?) IS NOT TRUE`,
			args:  []any{"Bob"},
		},
		{
			name:  "undeclared field",
			query: types.Query{"nick": "annie"},
			sql:   ` WHERE (json_type("_extra", '$."nick"') = 'text' AND json_extract("_extra", '$."nick"') = ?)`,
			args:  []any{"annie"},
		},
		{
			name:  "exists false",
			query: types.Query{"nick": types.Ops{types.OpExists: false}},
			sql:   ` WHERE (json_extract("_extra", '$."nick"') IS NOT NULL) IS NOT TRUE`,
		},
		{
			name:  "contains",
			query: types.Query{"tags": types.Ops{types.OpContains: "b"}},
			sql:   ` WHERE (json_type("tags", '$') = 'array' AND EXISTS (SELECT 1 FROM json_each("tags", '$') WHERE type = 'text' AND value = ?))`,
			args:  []any{"b"},
		},
		{
			name:  "empty in",
			query: types.Query{"name": types.Ops{types.OpIn: []string{}}},
			sql:   ` WHERE 1 = 0`,
		},
		{
			name:  "in",
			query: types.Query{"name": types.Ops{types.OpIn: []string{"a", "b"}}},
			sql:   ` WHERE ("name" = ? OR "name" = ?)`,
			args:  []any{"a", "b"},
		},
		{
			name:  "regex on nested path",
			query: types.Query{"meta.city": types.Ops{types.OpRegex: "^O"}},
			sql:   ` WHERE (json_type("meta", '$."city"') = 'text' AND json_extract("meta", '$."city"') REGEXP ?)`,
			args:  []any{"^O"},
		},
		{
			name:  "path below scalar column",
			query: types.Query{"age.value": 1},
			sql:   ` WHERE 1 = 0`,
		},
		{
			name:  "type mismatch on typed column",
			query: types.Query{"age": "old"},
			sql:   ` WHERE 1 = 0`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := translate(t, sqliteDialect{}, tt.query)
			assert.Equal(t, tt.sql, sql)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestPostgresWhere(t *testing.T) {
	pg := postgresDialect{kind: types.BackendPostgres}
	tests := []struct {
		name  string
		query types.Query
		sql   string
		args  []any
	}{
		{
			name:  "typed range numbers placeholders",
			query: types.Query{"age": types.Ops{types.OpGt: 18, types.OpLt: 30}},
			sql:   ` WHERE "age" > $1 AND "age" < $2`,
			args:  []any{int64(18), int64(30)},
		},
		{
			name:  "string range uses byte order",
			query: types.Query{"name": types.Ops{types.OpGte: "B"}},
			sql:   ` WHERE "name" COLLATE "C" >= $1`,
			args:  []any{"B"},
		},
		{
			name:  "jsonb equality",
			query: types.Query{"meta.city": "Oslo"},
			sql:   ` WHERE ("meta" #> '{city}') = $1::jsonb`,
			args:  []any{`"Oslo"`},
		},
		{
			name:  "contains",
			query: types.Query{"tags": types.Ops{types.OpContains: "b"}},
			sql:   ` WHERE (jsonb_typeof("tags") = 'array' AND "tags" @> $1::jsonb)`,
			args:  []any{`["b"]`},
		},
		{
			name:  "regex on undeclared",
			query: types.Query{"nick": types.Ops{types.OpRegex: "^a"}},
			sql:   ` WHERE (jsonb_typeof(("_extra" #> '{nick}')) = 'string' AND ("_extra" #>> '{nick}') ~ $1)`,
			args:  []any{"^a"},
		},
		{
			name:  "numeric range on jsonb",
			query: types.Query{"score": types.Ops{types.OpLte: 2.5}},
			sql:   ` WHERE (jsonb_typeof(("_extra" #> '{score}')) = 'number' AND ("_extra" #> '{score}') <= $1::jsonb)`,
			args:  []any{"2.5"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := translate(t, pg, tt.query)
			assert.Equal(t, tt.sql, sql)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestUnaddressableField(t *testing.T) {
	m, err := compileModel(sqliteDialect{}, "people", peopleSchema)
	require.NoError(t, err)
	f, err := query.Parse(types.Query{`odd"name`: 1})
	require.NoError(t, err)
	_, err = where(sqliteDialect{}, buildTable(sqliteDialect{}), m, f, &args{d: sqliteDialect{}})
	assert.ErrorIs(t, err, types.ErrDatabase)
}
