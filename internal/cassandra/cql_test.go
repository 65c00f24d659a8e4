package cassandra

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/unidb/internal/adaptertest"
	"github.com/mesh-intelligence/unidb/internal/query"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

var people = types.Schema{
	"name":  {Type: types.TypeString, Required: true},
	"age":   {Type: types.TypeNumber},
	"tags":  {Type: types.TypeSet, Items: &types.FieldDef{Type: types.TypeString}},
	"meta":  {Type: types.TypeObject},
	"attrs": {Type: types.TypeMap},
	"ref":   {Type: types.TypeUUID},
}

func compiled(t *testing.T) *model {
	t.Helper()
	m, err := compileModel("app", "people", people)
	require.NoError(t, err)
	return m
}

func TestTableDDL(t *testing.T) {
	assert.Equal(t,
		`CREATE TABLE IF NOT EXISTS "app"."people" (id text PRIMARY KEY, "age" double, "attrs" map<text, text>, `+
			`"meta" text, "name" text, "ref" uuid, "tags" set<text>, _extra text, created_at timestamp, updated_at timestamp)`,
		compiled(t).tableDDL())
}

func TestUniqueRejected(t *testing.T) {
	_, err := compileModel("app", "people", types.Schema{"email": {Type: types.TypeString, Unique: true}})
	assert.ErrorIs(t, err, types.ErrInvalidSchema)
}

func TestReservedColumn(t *testing.T) {
	_, err := compileModel("app", "people", types.Schema{"_extra": {Type: types.TypeString}})
	assert.ErrorIs(t, err, types.ErrInvalidSchema)
}

func TestSelectStmt(t *testing.T) {
	m := compiled(t)
	base := m.selectFrom()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name  string
		query types.Query
		where string
		args  []any
	}{
		{"empty", types.Query{}, "", nil},
		{"id", types.Query{"id": "r1"}, " WHERE id = ?", []any{"r1"}},
		{"typed column", types.Query{"age": 30}, ` WHERE "age" = ? ALLOW FILTERING`, []any{30.0}},
		{
			"range and envelope",
			types.Query{"age": types.Ops{types.OpGte: 18}, "createdAt": types.Ops{types.OpLt: at}},
			` WHERE "age" >= ? AND created_at < ? ALLOW FILTERING`,
			[]any{18.0, at},
		},
		{"contains", types.Query{"tags": types.Ops{types.OpContains: "b"}}, ` WHERE "tags" CONTAINS ? ALLOW FILTERING`, []any{"b"}},
		{"undeclared field is left to the matcher", types.Query{"nick": "x"}, "", nil},
		{"json column is left to the matcher", types.Query{"meta.a": 1}, "", nil},
		{"mistyped operand is left to the matcher", types.Query{"age": "old"}, "", nil},
		{"null is left to the matcher", types.Query{"name": nil}, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := query.Parse(tt.query)
			require.NoError(t, err)
			stmt, args, err := selectStmt(m, f)
			require.NoError(t, err)
			assert.Equal(t, base+tt.where, stmt)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestUnsupportedOperators(t *testing.T) {
	m := compiled(t)
	for _, op := range []types.Operator{types.OpNe, types.OpIn, types.OpNin, types.OpRegex} {
		f, err := query.Parse(types.Query{"name": types.Ops{op: "Ann"}})
		require.NoError(t, err)
		_, _, err = selectStmt(m, f)
		assert.ErrorIs(t, err, types.ErrUnsupportedOperator, op)
	}
	f, err := query.Parse(types.Query{"name": types.Ops{types.OpExists: true}})
	require.NoError(t, err)
	_, _, err = selectStmt(m, f)
	assert.ErrorIs(t, err, types.ErrUnsupportedOperator)
}

func TestBindDecode(t *testing.T) {
	m := compiled(t)
	u := gocql.TimeUUID()

	tests := []struct {
		field  string
		value  types.Value
		native any
	}{
		{"name", types.StringValue("Ann"), "Ann"},
		{"age", types.IntValue(30), 30.0},
		{"tags", types.MustValue([]string{"a", "b"}), []any{"a", "b"}},
		{"attrs", types.MustValue(map[string]any{"k": 1}), map[string]string{"k": "1"}},
		{"meta", types.MustValue(map[string]any{"a": "b"}), `{"a":"b"}`},
		{"ref", types.StringValue(u.String()), u},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			c := m.byField[tt.field]
			got, err := bind(c, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.native, got)
		})
	}

	age, err := decode(m.byField["age"], 2.5)
	require.NoError(t, err)
	f, _ := age.AsFloat()
	assert.Equal(t, 2.5, f)

	tags, err := decode(m.byField["tags"], []string{"x"})
	require.NoError(t, err)
	assert.True(t, tags.Equal(types.MustValue([]string{"x"})))

	attrs, err := decode(m.byField["attrs"], map[string]string{"k": `"v"`})
	require.NoError(t, err)
	assert.True(t, attrs.Equal(types.MustValue(map[string]any{"k": "v"})))

	_, err = bind(m.byField["age"], types.StringValue("old"))
	assert.Error(t, err)
}

func TestRowPlacesUndeclaredFields(t *testing.T) {
	m := compiled(t)
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	r := &types.Record{
		ID:        "r1",
		CreatedAt: at,
		UpdatedAt: at,
		Fields:    types.MustFields(map[string]any{"name": "Ann", "nick": "annie"}),
	}
	row, err := m.row(r)
	require.NoError(t, err)
	require.Len(t, row, len(m.cols)+4)
	assert.Equal(t, "r1", row[0])
	assert.Equal(t, `{"nick":"annie"}`, row[len(row)-3])
	assert.Equal(t, at, row[len(row)-2])
}

func TestClusterConfig(t *testing.T) {
	cluster, err := clusterConfig(types.Config{Hosts: []string{"a", "b"}, Port: 9043, Username: "u"}.WithDefaults())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, cluster.Hosts)
	assert.Equal(t, 9043, cluster.Port)
	assert.Equal(t, gocql.Quorum, cluster.Consistency)
	assert.Equal(t, types.DefaultOperationTimeout, cluster.Timeout)

	_, err = clusterConfig(types.Config{Options: map[string]string{"consistency": "SOMETIMES"}})
	assert.Error(t, err)
}

func TestLifecycleWithoutServer(t *testing.T) {
	db := New(types.Config{Backend: "cassandra"}, nil)
	adaptertest.LifecycleCheck(t, db, types.ErrNotInitialized)
	require.NoError(t, db.Close(context.Background()))
	adaptertest.LifecycleCheck(t, db, types.ErrAlreadyClosed)
}

func TestCassandraLive(t *testing.T) {
	base := adaptertest.LiveConfig(t, types.BackendCassandra, "UNIDB_TEST_CASSANDRA_HOSTS")
	base.Hosts, base.URI = strings.Split(base.URI, ","), ""
	adaptertest.Run(t, func(t *testing.T) types.Adapter {
		cfg := base
		cfg.Options = map[string]string{"keyspace": adaptertest.Namespace(), "consistency": "ONE"}
		return New(cfg, nil)
	}, adaptertest.Options{
		Unsupported: []types.Operator{types.OpNe, types.OpIn, types.OpNin, types.OpRegex, types.OpExists},
		NoUnique:    true,
	})
}
