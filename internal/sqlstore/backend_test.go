package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/unidb/internal/adaptertest"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

func sqliteConfig(dir string) types.Config {
	return types.Config{Backend: string(types.BackendSQLite), DataDir: dir}
}

func TestSQLiteAdapter(t *testing.T) {
	adaptertest.Run(t, func(t *testing.T) types.Adapter {
		return NewSQLite(sqliteConfig(t.TempDir()), nil)
	}, adaptertest.Options{})
}

func TestPostgresLifecycleWithoutServer(t *testing.T) {
	for _, db := range []types.Adapter{
		NewPostgres(types.Config{Backend: "postgres"}, nil),
		NewTimescale(types.Config{Backend: "timescaledb"}, nil),
	} {
		adaptertest.LifecycleCheck(t, db, types.ErrNotInitialized)
		require.NoError(t, db.Close(context.Background()))
		adaptertest.LifecycleCheck(t, db, types.ErrAlreadyClosed)
	}
}

func TestPostgresInitializeUnreachable(t *testing.T) {
	db := NewPostgres(types.Config{
		Backend:        "postgres",
		Host:           "127.0.0.1",
		Port:           1,
		ConnectTimeout: 500 * time.Millisecond,
	}, nil)
	err := db.Initialize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConnection)
}

func TestSQLiteTypedColumnsRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := adaptertest.Open(t, func(t *testing.T) types.Adapter {
		return NewSQLite(sqliteConfig(t.TempDir()), nil)
	})

	require.NoError(t, db.DefineModel(ctx, "events", types.Schema{
		"title":    {Type: types.TypeString, Required: true},
		"score":    {Type: types.TypeNumber},
		"active":   {Type: types.TypeBoolean, Default: true},
		"at":       {Type: types.TypeDate},
		"blob":     {Type: types.TypeBuffer},
		"labels":   {Type: types.TypeArray, Items: &types.FieldDef{Type: types.TypeString}},
		"location": {Type: types.TypeObject, Properties: types.Schema{"city": {Type: types.TypeString}}},
	}))

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	created, err := db.Create(ctx, "events", types.MustFields(map[string]any{
		"title":    "launch",
		"score":    4.5,
		"at":       at,
		"blob":     []byte{1, 2, 3},
		"labels":   []string{"x", "y"},
		"location": map[string]any{"city": "Oslo"},
		"extra":    "kept",
	}))
	require.NoError(t, err)

	got, err := db.FindOne(ctx, "events", types.ByID(created.ID))
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, "launch", str(got.Fields["title"]))
	score, _ := got.Fields["score"].AsFloat()
	assert.Equal(t, 4.5, score)
	active, _ := got.Fields["active"].AsBool()
	assert.True(t, active, "default applied")
	when, ok := got.Fields["at"].AsTime()
	require.True(t, ok)
	assert.True(t, at.Equal(when))
	blob, _ := got.Fields["blob"].AsBytes()
	assert.Equal(t, []byte{1, 2, 3}, blob)
	labels, _ := got.Fields["labels"].AsList()
	assert.Len(t, labels, 2)
	city, _ := got.Fields.Get("location.city")
	assert.Equal(t, "Oslo", str(city))
	assert.Equal(t, "kept", str(got.Fields["extra"]))

	for name, q := range map[string]types.Query{
		"nested json path": {"location.city": "Oslo"},
		"date range":       {"at": types.Ops{types.OpGte: at.Add(-time.Hour)}},
		"date string":      {"at": at.Format(time.RFC3339)},
		"bool column":      {"active": true},
		"undeclared":       {"extra": types.Ops{types.OpRegex: "^ke"}},
		"array column":     {"labels": types.Ops{types.OpContains: "y"}},
		"created range":    {"createdAt": types.Ops{types.OpLte: time.Now().Add(time.Minute)}},
	} {
		rs, err := db.FindMany(ctx, "events", q)
		require.NoError(t, err, name)
		assert.Len(t, rs, 1, name)
	}
}

func TestSQLiteModelPersistsAcrossOpens(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := types.Schema{"sku": {Type: types.TypeString, Unique: true}}

	first := NewSQLite(sqliteConfig(dir), nil)
	require.NoError(t, first.Initialize(ctx))
	require.NoError(t, first.DefineModel(ctx, "products", s))
	_, err := first.Create(ctx, "products", types.MustFields(map[string]any{"sku": "A1"}))
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	second := NewSQLite(sqliteConfig(dir), nil)
	require.NoError(t, second.Initialize(ctx))
	defer second.Close(ctx)

	// Lazy use picks up the persisted schema, so uniqueness still holds.
	_, err = second.Create(ctx, "products", types.MustFields(map[string]any{"sku": "A1"}))
	assert.ErrorIs(t, err, types.ErrDatabase)

	third := NewSQLite(sqliteConfig(dir), nil)
	require.NoError(t, third.Initialize(ctx))
	defer third.Close(ctx)
	require.NoError(t, third.DefineModel(ctx, "products", s), "identical schema")

	fourth := NewSQLite(sqliteConfig(dir), nil)
	require.NoError(t, fourth.Initialize(ctx))
	defer fourth.Close(ctx)
	err = fourth.DefineModel(ctx, "products", types.Schema{"sku": {Type: types.TypeNumber}})
	assert.ErrorIs(t, err, types.ErrInvalidSchema)
}

func TestColumnCollisions(t *testing.T) {
	_, err := compileModel(sqliteDialect{}, "t", types.Schema{
		"userId":  {Type: types.TypeString},
		"user_id": {Type: types.TypeString},
	})
	assert.ErrorIs(t, err, types.ErrInvalidSchema)

	_, err = compileModel(sqliteDialect{}, "t", types.Schema{"created_at": {Type: types.TypeString}})
	assert.ErrorIs(t, err, types.ErrInvalidSchema)
}

func TestTableDDL(t *testing.T) {
	s := types.Schema{
		"name": {Type: types.TypeString, Required: true, Unique: true},
		"age":  {Type: types.TypeNumber, Default: 1},
	}

	m, err := compileModel(sqliteDialect{}, "people", s)
	require.NoError(t, err)
	stmts, err := sqliteDialect{}.tableDDL("people", m.cols)
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Equal(t, `CREATE TABLE IF NOT EXISTS "people" (
    "id" TEXT PRIMARY KEY,
    "age" NUMERIC DEFAULT 1,
    "name" TEXT NOT NULL UNIQUE,
    "created_at" TEXT NOT NULL,
    "updated_at" TEXT NOT NULL,
    "_extra" TEXT NOT NULL DEFAULT '{}'
)`, stmts[0])

	pg := postgresDialect{kind: types.BackendPostgres}
	m, err = compileModel(pg, "people", s)
	require.NoError(t, err)
	stmts, err = pg.tableDDL("people", m.cols)
	require.NoError(t, err)
	assert.Contains(t, stmts[0], `"age" DOUBLE PRECISION DEFAULT 1`)
	assert.Contains(t, stmts[0], `"created_at" TIMESTAMPTZ NOT NULL DEFAULT now()`)
	assert.Contains(t, stmts[0], `PRIMARY KEY ("id")`)

	ts := postgresDialect{kind: types.BackendTimescale, timescale: true}
	m, err = compileModel(ts, "people", s)
	require.NoError(t, err)
	_, err = ts.tableDDL("people", m.cols)
	assert.ErrorIs(t, err, types.ErrInvalidSchema, "unique on a hypertable")

	m, err = compileModel(ts, "metrics", types.Schema{"value": {Type: types.TypeNumber}})
	require.NoError(t, err)
	stmts, err = ts.tableDDL("metrics", m.cols)
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], `PRIMARY KEY ("id", "created_at")`)
	assert.Equal(t, "SELECT create_hypertable('metrics', 'created_at', if_not_exists => TRUE)", stmts[1])
}

func TestPostgresDSN(t *testing.T) {
	dsn, err := postgresDialect{}.dsn(types.Config{
		Host: "db", Port: 5433, Database: "app", Username: "u", Password: "p",
	})
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db:5433/app?connect_timeout=10&sslmode=disable", dsn)

	dsn, err = postgresDialect{}.dsn(types.Config{URI: "postgres://x/y"})
	require.NoError(t, err)
	assert.Equal(t, "postgres://x/y", dsn)

	dsn, err = postgresDialect{}.dsn(types.Config{URI: "postgres://x/y?sslmode=disable", Options: map[string]string{"schema": "t1"}})
	require.NoError(t, err)
	assert.Equal(t, "postgres://x/y?search_path=t1&sslmode=disable", dsn)
}

func TestPostgresLive(t *testing.T) {
	base := adaptertest.LiveConfig(t, types.BackendPostgres, "UNIDB_TEST_POSTGRES_URI")
	adaptertest.Run(t, func(t *testing.T) types.Adapter {
		cfg := base
		cfg.Options = map[string]string{"schema": adaptertest.Namespace()}
		return NewPostgres(cfg, nil)
	}, adaptertest.Options{})
}

func TestTimescaleLive(t *testing.T) {
	base := adaptertest.LiveConfig(t, types.BackendTimescale, "UNIDB_TEST_TIMESCALE_URI")
	adaptertest.Run(t, func(t *testing.T) types.Adapter {
		cfg := base
		cfg.Options = map[string]string{"schema": adaptertest.Namespace()}
		return NewTimescale(cfg, nil)
	}, adaptertest.Options{})
}

func str(v types.Value) string {
	s, _ := v.AsString()
	return s
}
