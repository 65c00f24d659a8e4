// Package adaptertest is the behavioral suite every adapter test runs: the
// lifecycle contract, the create/update/delete scenario, operator
// semantics against a fixed fixture, id short-circuiting, and bulk update
// atomicity.
package adaptertest

import (
	"context"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/unidb/pkg/types"
)

// Factory returns a new, uninitialized adapter backed by empty storage.
type Factory func(t *testing.T) types.Adapter

// Options describes backend capabilities the suite must account for.
type Options struct {
	// Unsupported lists query operators the backend rejects.
	Unsupported []types.Operator
	// NoUnique is set when the backend cannot enforce unique fields.
	NoUnique bool
}

// Run executes the whole suite.
func Run(t *testing.T, newAdapter Factory, opts Options) {
	t.Run("Lifecycle", func(t *testing.T) { testLifecycle(t, newAdapter) })
	t.Run("Scenario", func(t *testing.T) { testScenario(t, newAdapter) })
	t.Run("Operators", func(t *testing.T) { testOperators(t, newAdapter, opts) })
	t.Run("IDBypass", func(t *testing.T) { testIDBypass(t, newAdapter) })
	t.Run("Bulk", func(t *testing.T) { testBulk(t, newAdapter) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newAdapter) })
	t.Run("Models", func(t *testing.T) { testModels(t, newAdapter) })
	t.Run("ReadBack", func(t *testing.T) { testReadBack(t, newAdapter) })
	if !opts.NoUnique {
		t.Run("BulkAtomicity", func(t *testing.T) { testBulkAtomicity(t, newAdapter) })
	}
}

// Open returns an initialized adapter that is closed when the test ends.
func Open(t *testing.T, newAdapter Factory) types.Adapter {
	t.Helper()
	db := newAdapter(t)
	require.NoError(t, db.Initialize(context.Background()))
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	return db
}

// LiveConfig returns a config for the server whose URI is in the
// environment variable env, or skips the test when it is unset.
func LiveConfig(t *testing.T, backend types.Backend, env string) types.Config {
	t.Helper()
	uri := os.Getenv(env)
	if uri == "" {
		t.Skipf("%s not set", env)
	}
	return types.Config{Backend: string(backend), URI: uri}
}

// Namespace returns a fresh lowercase identifier for isolating one adapter
// on a shared server: a database, keyspace, schema or name prefix.
func Namespace() string {
	return "unidb_t" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// LifecycleCheck exercises every CRUD call outside the Ready state. It
// needs no running backend, since no call may reach the driver.
func LifecycleCheck(t *testing.T, db types.Adapter, want error) {
	t.Helper()
	ctx := context.Background()
	q := types.Query{"name": "Ann"}

	_, err := db.Create(ctx, "users", types.Fields{"name": types.StringValue("Ann")})
	assert.ErrorIs(t, err, want, "create")
	_, err = db.FindOne(ctx, "users", q)
	assert.ErrorIs(t, err, want, "findOne")
	_, err = db.FindMany(ctx, "users", q)
	assert.ErrorIs(t, err, want, "findMany")
	_, err = db.Update(ctx, "users", q, types.Update{"age": 1})
	assert.ErrorIs(t, err, want, "update")
	_, err = db.Delete(ctx, "users", q)
	assert.ErrorIs(t, err, want, "delete")
	err = db.DefineModel(ctx, "users", types.Schema{"name": types.Field(types.TypeString)})
	assert.ErrorIs(t, err, want, "defineModel")
}

func testLifecycle(t *testing.T, newAdapter Factory) {
	ctx := context.Background()
	db := newAdapter(t)
	LifecycleCheck(t, db, types.ErrNotInitialized)

	require.NoError(t, db.Initialize(ctx))
	assert.ErrorIs(t, db.Initialize(ctx), types.ErrConnection)
	_, err := db.FindMany(ctx, "users", types.Query{})
	require.NoError(t, err)

	require.NoError(t, db.Close(ctx))
	LifecycleCheck(t, db, types.ErrAlreadyClosed)
	assert.ErrorIs(t, db.Close(ctx), types.ErrAlreadyClosed)
}

func testScenario(t *testing.T, newAdapter Factory) {
	ctx := context.Background()
	db := Open(t, newAdapter)

	require.NoError(t, db.DefineModel(ctx, "people", types.Schema{
		"name": {Type: types.TypeString, Required: true},
		"age":  {Type: types.TypeNumber},
	}))

	created, err := db.Create(ctx, "people", types.MustFields(map[string]any{"name": "Ann", "age": 30}))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)
	assertNumber(t, 30, created.Fields["age"])

	found, err := db.FindOne(ctx, "people", types.ByID(created.ID))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, "Ann", str(found.Fields["name"]))
	assert.True(t, created.CreatedAt.Equal(found.CreatedAt))

	res, err := db.Update(ctx, "people", types.ByID(created.ID), types.Update{"age": 31})
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.Equal(t, int64(1), res.Matched)
	assertNumber(t, 31, res.Record.Fields["age"])
	assert.Equal(t, "Ann", str(res.Record.Fields["name"]))
	assert.True(t, res.Record.UpdatedAt.After(res.Record.CreatedAt))
	assert.True(t, res.Record.CreatedAt.Equal(created.CreatedAt))

	del, err := db.Delete(ctx, "people", types.ByID(created.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(1), del.Deleted)

	gone, err := db.FindOne(ctx, "people", types.ByID(created.ID))
	require.NoError(t, err)
	assert.Nil(t, gone)

	_, err = db.Create(ctx, "people", types.MustFields(map[string]any{"age": 5}))
	assert.Error(t, err, "missing required field")
}

// seed creates the operator fixture: ages 18, 25 and 30.
func seed(t *testing.T, db types.Adapter, collection string) map[string]*types.Record {
	t.Helper()
	ctx := context.Background()
	out := map[string]*types.Record{}
	for _, f := range []map[string]any{
		{"name": "Ann", "age": 18, "tags": []string{"a", "b"}, "nick": "annie"},
		{"name": "Bob", "age": 25, "tags": []string{"b"}},
		{"name": "Cid", "age": 30, "tags": []string{"c"}},
	} {
		r, err := db.Create(ctx, collection, types.MustFields(f))
		require.NoError(t, err)
		out[str(r.Fields["name"])] = r
		// Distinct creation instants keep the default ordering deterministic.
		time.Sleep(2 * time.Millisecond)
	}
	return out
}

func names(records []*types.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, str(r.Fields["name"]))
	}
	sort.Strings(out)
	return out
}

func testOperators(t *testing.T, newAdapter Factory, opts Options) {
	ctx := context.Background()
	db := Open(t, newAdapter)
	seed(t, db, "people")

	unsupported := map[types.Operator]bool{}
	for _, op := range opts.Unsupported {
		unsupported[op] = true
	}

	tests := []struct {
		name  string
		op    types.Operator
		query types.Query
		want  []string
	}{
		{"empty", "", types.Query{}, []string{"Ann", "Bob", "Cid"}},
		{"literal", types.OpEq, types.Query{"age": 25}, []string{"Bob"}},
		{"eq", types.OpEq, types.Query{"name": types.Ops{types.OpEq: "Cid"}}, []string{"Cid"}},
		{"ne", types.OpNe, types.Query{"age": types.Ops{types.OpNe: 25}}, []string{"Ann", "Cid"}},
		{"ne matches missing", types.OpNe, types.Query{"nick": types.Ops{types.OpNe: "annie"}}, []string{"Bob", "Cid"}},
		{"gt", types.OpGt, types.Query{"age": types.Ops{types.OpGt: 25}}, []string{"Cid"}},
		{"gte", types.OpGte, types.Query{"age": types.Ops{types.OpGte: 25}}, []string{"Bob", "Cid"}},
		{"lt", types.OpLt, types.Query{"age": types.Ops{types.OpLt: 25}}, []string{"Ann"}},
		{"lte", types.OpLte, types.Query{"age": types.Ops{types.OpLte: 25}}, []string{"Ann", "Bob"}},
		{"range", types.OpGt, types.Query{"age": types.Ops{types.OpGt: 18, types.OpLt: 30}}, []string{"Bob"}},
		{"in", types.OpIn, types.Query{"name": types.Ops{types.OpIn: []string{"Ann", "Cid"}}}, []string{"Ann", "Cid"}},
		{"in scalar", types.OpIn, types.Query{"name": types.Ops{types.OpIn: "Bob"}}, []string{"Bob"}},
		{"nin", types.OpNin, types.Query{"name": types.Ops{types.OpNin: []string{"Ann", "Cid"}}}, []string{"Bob"}},
		{"contains", types.OpContains, types.Query{"tags": types.Ops{types.OpContains: "b"}}, []string{"Ann", "Bob"}},
		{"regex", types.OpRegex, types.Query{"name": types.Ops{types.OpRegex: "^[AB]"}}, []string{"Ann", "Bob"}},
		{"exists", types.OpExists, types.Query{"nick": types.Ops{types.OpExists: true}}, []string{"Ann"}},
		{"not exists", types.OpExists, types.Query{"nick": types.Ops{types.OpExists: false}}, []string{"Bob", "Cid"}},
		{"across fields", types.OpGte, types.Query{"age": types.Ops{types.OpGte: 18}, "name": "Bob"}, []string{"Bob"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.FindMany(ctx, "people", tt.query)
			if unsupported[tt.op] {
				assert.ErrorIs(t, err, types.ErrUnsupportedOperator)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(got))
		})
	}

	t.Run("shorthand equivalence", func(t *testing.T) {
		for field, v := range map[string]any{"name": "Ann", "age": 30} {
			short, err := db.FindMany(ctx, "people", types.Query{field: v})
			require.NoError(t, err)
			long, err := db.FindMany(ctx, "people", types.Query{field: types.Ops{types.OpEq: v}})
			require.NoError(t, err)
			assert.Equal(t, names(short), names(long))
			assert.Len(t, short, 1)
		}
	})

	t.Run("unknown operator rejected", func(t *testing.T) {
		_, err := db.FindMany(ctx, "people", types.Query{"age": types.Ops{"$between": []int{1, 2}}})
		assert.ErrorIs(t, err, types.ErrUnsupportedOperator)
	})

	t.Run("findOne nil on no match", func(t *testing.T) {
		r, err := db.FindOne(ctx, "people", types.Query{"age": 99})
		require.NoError(t, err)
		assert.Nil(t, r)
	})

	t.Run("findMany empty not nil", func(t *testing.T) {
		rs, err := db.FindMany(ctx, "people", types.Query{"age": 99})
		require.NoError(t, err)
		assert.NotNil(t, rs)
		assert.Empty(t, rs)
	})
}

func testIDBypass(t *testing.T, newAdapter Factory) {
	ctx := context.Background()
	db := Open(t, newAdapter)
	fixture := seed(t, db, "people")
	bob := fixture["Bob"]

	// Every other predicate excludes Bob; an AND would return nothing.
	q := types.Query{"id": bob.ID, "name": "Ann", "age": types.Ops{types.OpGt: 100}}
	one, err := db.FindOne(ctx, "people", q)
	require.NoError(t, err)
	require.NotNil(t, one)
	assert.Equal(t, bob.ID, one.ID)

	many, err := db.FindMany(ctx, "people", q)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bob"}, names(many))

	q = types.Query{"_id": bob.ID, "name": "Ann"}
	one, err = db.FindOne(ctx, "people", q)
	require.NoError(t, err)
	require.NotNil(t, one)
	assert.Equal(t, bob.ID, one.ID)

	missing, err := db.FindOne(ctx, "people", types.ByID(missingID(bob.ID)))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testBulk(t *testing.T, newAdapter Factory) {
	ctx := context.Background()
	db := Open(t, newAdapter)
	fixture := seed(t, db, "people")

	res, err := db.Update(ctx, "people", types.Query{"age": types.Ops{types.OpGte: 25}},
		types.Update{"$set": map[string]any{"status": "senior"}, "$push": map[string]any{"tags": "z"}})
	require.NoError(t, err)
	assert.Nil(t, res.Record)
	assert.Equal(t, int64(2), res.Matched)

	seniors, err := db.FindMany(ctx, "people", types.Query{"status": "senior"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Bob", "Cid"}, names(seniors))
	for _, r := range seniors {
		assert.True(t, r.UpdatedAt.After(fixture[str(r.Fields["name"])].UpdatedAt))
		tags, _ := r.Fields["tags"].AsList()
		assert.Equal(t, "z", str(tags[len(tags)-1]))
	}

	res, err = db.Update(ctx, "people", types.Query{"age": 99}, types.Update{"status": "none"})
	require.NoError(t, err, "empty bulk match is not an error")
	assert.Equal(t, int64(0), res.Matched)

	del, err := db.Delete(ctx, "people", types.Query{"status": "senior"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), del.Deleted)

	left, err := db.FindMany(ctx, "people", types.Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Ann"}, names(left))

	del, err = db.Delete(ctx, "people", types.Query{"age": 99})
	require.NoError(t, err)
	assert.Equal(t, int64(0), del.Deleted)
}

func testNotFound(t *testing.T, newAdapter Factory) {
	ctx := context.Background()
	db := Open(t, newAdapter)
	fixture := seed(t, db, "people")
	id := missingID(fixture["Ann"].ID)

	_, err := db.Update(ctx, "people", types.ByID(id), types.Update{"age": 1})
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = db.Delete(ctx, "people", types.ByID(id))
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = db.Update(ctx, "people", types.ByID(fixture["Ann"].ID), types.Update{"id": "other"})
	assert.ErrorIs(t, err, types.ErrDatabase)
}

func testModels(t *testing.T, newAdapter Factory) {
	ctx := context.Background()
	db := Open(t, newAdapter)

	s := types.Schema{"title": {Type: types.TypeString, Required: true}}
	require.NoError(t, db.DefineModel(ctx, "books", s))
	assert.ErrorIs(t, db.DefineModel(ctx, "books", s), types.ErrInvalidSchema)

	_, err := db.Create(ctx, "notes", types.MustFields(map[string]any{"text": "lazy"}))
	require.NoError(t, err)
	assert.ErrorIs(t, db.DefineModel(ctx, "notes", s), types.ErrInvalidSchema)

	err = db.DefineModel(ctx, "bad", types.Schema{"x": {Type: types.TypeString, Ref: "users"}})
	assert.ErrorIs(t, err, types.ErrInvalidSchema)

	_, err = db.Create(ctx, "bad-name", types.Fields{})
	assert.ErrorIs(t, err, types.ErrInvalidSchema)
}

// sameRecord asserts got holds exactly the fields and timestamps of want.
func sameRecord(t *testing.T, want, got *types.Record) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "createdAt %v != %v", want.CreatedAt, got.CreatedAt)
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt), "updatedAt %v != %v", want.UpdatedAt, got.UpdatedAt)
	assert.ElementsMatch(t, keys(want.Fields), keys(got.Fields))
	for k, v := range want.Fields {
		assert.True(t, v.Equal(got.Fields[k]), "field %s: returned %v, stored %v", k, v, got.Fields[k])
	}
}

// testReadBack checks that writes return the record as stored, including
// values an undeclared field cannot keep natively.
func testReadBack(t *testing.T, newAdapter Factory) {
	ctx := context.Background()
	db := Open(t, newAdapter)
	when := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	created, err := db.Create(ctx, "events", types.Fields{
		"name": types.StringValue("deploy"),
		"when": types.TimeValue(when),
		"blob": types.BytesValue([]byte{1, 2, 3}),
		"n":    types.MustValue(7),
	})
	require.NoError(t, err)
	found, err := db.FindOne(ctx, "events", types.ByID(created.ID))
	require.NoError(t, err)
	sameRecord(t, found, created)

	res, err := db.Update(ctx, "events", types.ByID(created.ID),
		types.Update{"$set": map[string]any{"when": when.Add(time.Hour)}})
	require.NoError(t, err)
	found, err = db.FindOne(ctx, "events", types.ByID(created.ID))
	require.NoError(t, err)
	sameRecord(t, found, res.Record)
}

func testBulkAtomicity(t *testing.T, newAdapter Factory) {
	ctx := context.Background()
	db := Open(t, newAdapter)
	require.NoError(t, db.DefineModel(ctx, "codes", types.Schema{
		"code":  {Type: types.TypeString, Unique: true},
		"group": {Type: types.TypeString},
	}))
	for _, code := range []string{"a", "b", "c"} {
		_, err := db.Create(ctx, "codes", types.MustFields(map[string]any{"code": code, "group": "g"}))
		require.NoError(t, err)
	}

	_, err := db.Create(ctx, "codes", types.MustFields(map[string]any{"code": "a", "group": "h"}))
	assert.Error(t, err, "duplicate unique value")

	// Setting the same code on every record fails at the second write.
	_, err = db.Update(ctx, "codes", types.Query{"group": "g"}, types.Update{"code": "same"})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrDatabase)

	all, err := db.FindMany(ctx, "codes", types.Query{"group": "g"})
	require.NoError(t, err)
	codes := make([]string, 0, len(all))
	for _, r := range all {
		codes = append(codes, str(r.Fields["code"]))
	}
	sort.Strings(codes)
	assert.Equal(t, []string{"a", "b", "c"}, codes, "no record observably changed")
}

// missingID returns an id of the same shape as id that no record has.
func missingID(id string) string {
	b := []byte(id)
	for i := len(b) - 1; i >= 0; i-- {
		switch {
		case b[i] >= '0' && b[i] <= '8', b[i] >= 'a' && b[i] <= 'e':
			b[i]++
			return string(b)
		case b[i] == '9':
			b[i] = 'a'
			return string(b)
		}
	}
	return id + "0"
}

func keys(f types.Fields) []string {
	out := make([]string, 0, len(f))
	for k := range f {
		out = append(out, k)
	}
	return out
}

func str(v types.Value) string {
	s, _ := v.AsString()
	return s
}

func assertNumber(t *testing.T, want float64, v types.Value) {
	t.Helper()
	got, ok := v.AsNumber()
	if assert.True(t, ok, "not a number: %v", v) {
		assert.Equal(t, want, got)
	}
}
