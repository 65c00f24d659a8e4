package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/unidb/pkg/types"
)

func people() []*types.Record {
	mk := func(id string, f map[string]any) *types.Record {
		return &types.Record{ID: id, Fields: types.MustFields(f)}
	}
	return []*types.Record{
		mk("a", map[string]any{"name": "Ann", "age": 18, "tags": []string{"go", "sql"}}),
		mk("b", map[string]any{"name": "Bob", "age": 25, "tags": []string{"rust"}}),
		mk("c", map[string]any{"name": "Cid", "age": 30.0, "nick": nil}),
	}
}

func matching(t *testing.T, q types.Query) []string {
	t.Helper()
	f, err := Parse(q)
	require.NoError(t, err)
	ids := []string{}
	for _, r := range people() {
		if Match(f, r) {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

func TestMatchOperators(t *testing.T) {
	tests := []struct {
		name  string
		query types.Query
		want  []string
	}{
		{"empty", types.Query{}, []string{"a", "b", "c"}},
		{"eq literal", types.Query{"age": 25}, []string{"b"}},
		{"eq across int and float", types.Query{"age": types.Ops{types.OpEq: 30}}, []string{"c"}},
		{"ne matches missing", types.Query{"tags": types.Ops{types.OpNe: []string{"rust"}}}, []string{"a", "c"}},
		{"gte", types.Query{"age": types.Ops{types.OpGte: 25}}, []string{"b", "c"}},
		{"gt", types.Query{"age": types.Ops{types.OpGt: 25}}, []string{"c"}},
		{"lt", types.Query{"age": types.Ops{types.OpLt: 25}}, []string{"a"}},
		{"lte", types.Query{"age": types.Ops{types.OpLte: 25}}, []string{"a", "b"}},
		{"range conjunction", types.Query{"age": types.Ops{types.OpGt: 18, types.OpLt: 30}}, []string{"b"}},
		{"range skips other kinds", types.Query{"name": types.Ops{types.OpGt: 1}}, []string{}},
		{"in", types.Query{"name": types.Ops{types.OpIn: []string{"Ann", "Cid"}}}, []string{"a", "c"}},
		{"nin", types.Query{"name": types.Ops{types.OpNin: []string{"Ann"}}}, []string{"b", "c"}},
		{"contains", types.Query{"tags": types.Ops{types.OpContains: "go"}}, []string{"a"}},
		{"regex", types.Query{"name": types.Ops{types.OpRegex: "^[AB]"}}, []string{"a", "b"}},
		{"exists true", types.Query{"tags": types.Ops{types.OpExists: true}}, []string{"a", "b"}},
		{"exists false treats null as missing", types.Query{"nick": types.Ops{types.OpExists: false}}, []string{"a", "b", "c"}},
		{"eq null matches missing", types.Query{"tags": nil}, []string{"c"}},
		{"across fields", types.Query{"age": types.Ops{types.OpGte: 18}, "name": "Bob"}, []string{"b"}},
		{"ne with eq", types.Query{"name": types.Ops{types.OpNe: "x"}, "age": 18}, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matching(t, tt.query))
		})
	}
}

func TestMatchShorthandEquivalence(t *testing.T) {
	for _, v := range []any{"Ann", 25, 30.0, []string{"rust"}} {
		field := "name"
		switch v.(type) {
		case int, float64:
			field = "age"
		case []string:
			field = "tags"
		}
		assert.Equal(t,
			matching(t, types.Query{field: v}),
			matching(t, types.Query{field: types.Ops{types.OpEq: v}}),
			"%v", v)
	}
}

func TestMatchIDBypass(t *testing.T) {
	assert.Equal(t, []string{"b"}, matching(t, types.Query{"id": "b", "name": "Ann"}))
	assert.Equal(t, []string{}, matching(t, types.Query{"id": "zz"}))
}

func TestMatchTimes(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := &types.Record{
		ID:        "x",
		CreatedAt: t0,
		Fields:    types.Fields{"due": types.StringValue(t0.Add(time.Hour).Format(types.TimeLayout))},
	}
	f, err := Parse(types.Query{"due": types.Ops{types.OpGt: t0}, "createdAt": types.Ops{types.OpLte: t0}})
	require.NoError(t, err)
	assert.True(t, Match(f, r))

	f, err = Parse(types.Query{"due": t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.True(t, Match(f, r))
}

func TestCompilePredicate(t *testing.T) {
	table := Predicates(types.BackendMemory)
	f, err := Parse(types.Query{"age": types.Ops{types.OpGte: 25}})
	require.NoError(t, err)
	pred, err := CompilePredicate(table, f)
	require.NoError(t, err)

	var got []string
	for _, r := range people() {
		if pred(r) {
			got = append(got, r.ID)
		}
	}
	assert.Equal(t, []string{"b", "c"}, got)

	f, err = Parse(types.Query{"id": "a", "age": 99})
	require.NoError(t, err)
	pred, err = CompilePredicate(table, f)
	require.NoError(t, err)
	assert.True(t, pred(people()[0]))
}

func TestMatchArraysAreWholeValues(t *testing.T) {
	tests := []struct {
		name  string
		query types.Query
		want  []string
	}{
		{"eq element", types.Query{"tags": "sql"}, []string{}},
		{"eq whole array", types.Query{"tags": []string{"go", "sql"}}, []string{"a"}},
		{"in element", types.Query{"tags": types.Ops{types.OpIn: []string{"sql"}}}, []string{}},
		{"in whole array", types.Query{"tags": types.Ops{types.OpIn: []any{[]string{"rust"}}}}, []string{"b"}},
		{"ne element", types.Query{"tags": types.Ops{types.OpNe: "sql"}}, []string{"a", "b", "c"}},
		{"nin element", types.Query{"tags": types.Ops{types.OpNin: []string{"sql"}}}, []string{"a", "b", "c"}},
		{"range", types.Query{"tags": types.Ops{types.OpGte: "a"}}, []string{}},
		{"regex", types.Query{"tags": types.Ops{types.OpRegex: "^s"}}, []string{}},
		{"contains element", types.Query{"tags": types.Ops{types.OpContains: "sql"}}, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matching(t, tt.query))
		})
	}
}
