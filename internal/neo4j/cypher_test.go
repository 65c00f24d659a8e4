package neo4j

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/unidb/internal/adaptertest"
	"github.com/mesh-intelligence/unidb/internal/query"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

func TestWhere(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name   string
		query  types.Query
		want   string
		params params
	}{
		{"empty", types.Query{}, "", params{}},
		{"id", types.Query{"id": "abc", "age": 3}, " WHERE n.id = $p0", params{"p0": "abc"}},
		{
			"literal",
			types.Query{"age": 25},
			" WHERE (n.`age` = $p0 OR $p1 IN n._unidb_opaque)",
			params{"p0": int64(25), "p1": "age"},
		},
		{
			"null equality",
			types.Query{"nick": nil},
			" WHERE NOT $p0 IN n._unidb_keys",
			params{"p0": "nick"},
		},
		{
			"ne",
			types.Query{"name": types.Ops{types.OpNe: "Bob"}},
			" WHERE (NOT coalesce(n.`name` = $p0, false) OR $p1 IN n._unidb_opaque)",
			params{"p0": "Bob", "p1": "name"},
		},
		{
			"envelope range",
			types.Query{"createdAt": types.Ops{types.OpGte: at}},
			" WHERE n.createdAt >= $p0",
			params{"p0": at.Format(types.TimeLayout)},
		},
		{
			"in with null",
			types.Query{"nick": types.Ops{types.OpIn: []any{"x", nil}}},
			" WHERE ((NOT $p1 IN n._unidb_keys OR coalesce(n.`nick` IN $p0, false)) OR $p2 IN n._unidb_opaque)",
			params{"p0": []any{"x"}, "p1": "nick", "p2": "nick"},
		},
		{
			"contains",
			types.Query{"tags": types.Ops{types.OpContains: "b"}},
			" WHERE (CASE WHEN valueType(n.`tags`) STARTS WITH 'LIST' THEN $p0 IN n.`tags` ELSE false END OR $p1 IN n._unidb_opaque)",
			params{"p0": "b", "p1": "tags"},
		},
		{
			"regex matches a substring",
			types.Query{"name": types.Ops{types.OpRegex: "^A"}},
			" WHERE (coalesce(n.`name` =~ $p0, false) OR $p1 IN n._unidb_opaque)",
			params{"p0": "(?s).*(?:^A).*", "p1": "name"},
		},
		{
			"exists",
			types.Query{"nick": types.Ops{types.OpExists: false}},
			" WHERE NOT $p0 IN n._unidb_keys",
			params{"p0": "nick"},
		},
		{"nested paths are left to the matcher", types.Query{"address.city": "Oslo"}, "", params{}},
		{"map operands are left to the matcher", types.Query{"meta": map[string]any{"a": 1}}, "", params{}},
		{
			"quoted field",
			types.Query{"odd`name": true},
			" WHERE (n.`odd``name` = $p0 OR $p1 IN n._unidb_opaque)",
			params{"p0": true, "p1": "odd`name"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := query.Parse(tt.query)
			require.NoError(t, err)
			p := params{}
			got, err := where(f, p)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.params, p)
		})
	}
}

func TestCypherValue(t *testing.T) {
	mixed, ok := cypherValue(types.MustValue([]any{1, 2.5}))
	require.True(t, ok)
	assert.Equal(t, []any{1.0, 2.5}, mixed)

	_, ok = cypherValue(types.MustValue([]any{"a", 1}))
	assert.False(t, ok, "heterogeneous list")
	_, ok = cypherValue(types.MustValue([]any{map[string]any{"a": 1}}))
	assert.False(t, ok, "list of objects")
	_, ok = cypherValue(types.MustValue(map[string]any{"a": 1}))
	assert.False(t, ok, "object")
}

func TestProperties(t *testing.T) {
	at := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	r := &types.Record{
		ID:        "r1",
		CreatedAt: at,
		UpdatedAt: at,
		Fields: types.MustFields(map[string]any{
			"name": "Ann",
			"tags": []string{"a", "b"},
			"meta": map[string]any{"k": "v"},
			"when": at,
			"nick": nil,
		}),
	}
	props := properties(r, "{}")

	assert.Equal(t, "r1", props["id"])
	assert.Equal(t, at.Format(types.TimeLayout), props["createdAt"])
	assert.Equal(t, "{}", props[docProp])
	assert.Equal(t, "Ann", props["name"])
	assert.Equal(t, []any{"a", "b"}, props["tags"])
	assert.Equal(t, at.Format(types.TimeLayout), props["when"])
	assert.NotContains(t, props, "meta")
	assert.NotContains(t, props, "nick")
	assert.Equal(t, []any{"meta", "name", "tags", "when"}, props[keysProp])
	assert.Equal(t, []any{"meta"}, props[opaqueProp])
}

func TestDecodeRoundTrip(t *testing.T) {
	c := &collection{name: "people", schema: types.Schema{"born": {Type: types.TypeDate}}}
	at := time.Date(2001, 2, 3, 0, 0, 0, 0, time.UTC)
	r := &types.Record{
		ID:        "r1",
		CreatedAt: at,
		UpdatedAt: at,
		Fields:    types.MustFields(map[string]any{"born": at, "n": 3}),
	}
	props, err := encode(r)
	require.NoError(t, err)

	back, err := c.decode(props[docProp].(string))
	require.NoError(t, err)
	assert.Equal(t, "r1", back.ID)
	born, ok := back.Fields["born"].AsTime()
	require.True(t, ok)
	assert.True(t, at.Equal(born))
	n, _ := back.Fields["n"].AsInt()
	assert.Equal(t, int64(3), n)
}

func TestTarget(t *testing.T) {
	assert.Equal(t, "neo4j://localhost:7687", target(types.Config{}))
	assert.Equal(t, "neo4j+s://db:7688", target(types.Config{Host: "db", Port: 7688, TLS: true}))
	assert.Equal(t, "bolt://x:1", target(types.Config{URI: "bolt://x:1"}))
}

func TestLifecycleWithoutServer(t *testing.T) {
	db := New(types.Config{Backend: "neo4j"}, nil)
	adaptertest.LifecycleCheck(t, db, types.ErrNotInitialized)
	require.NoError(t, db.Close(context.Background()))
	adaptertest.LifecycleCheck(t, db, types.ErrAlreadyClosed)
}

func TestUnreachable(t *testing.T) {
	db := New(types.Config{Backend: "neo4j", Port: 1, ConnectTimeout: time.Second}, nil)
	err := db.Initialize(context.Background())
	assert.ErrorIs(t, err, types.ErrConnection)
}

func TestNeo4jLive(t *testing.T) {
	base := adaptertest.LiveConfig(t, types.BackendNeo4j, "UNIDB_TEST_NEO4J_URI")
	base.Username = os.Getenv("UNIDB_TEST_NEO4J_USER")
	base.Password = os.Getenv("UNIDB_TEST_NEO4J_PASSWORD")
	adaptertest.Run(t, func(t *testing.T) types.Adapter {
		cfg := base
		cfg.Options = map[string]string{"label_prefix": adaptertest.Namespace() + "_"}
		return New(cfg, nil)
	}, adaptertest.Options{})
}
