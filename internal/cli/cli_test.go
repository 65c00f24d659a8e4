package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/unidb/pkg/types"
)

// testEnv runs the CLI against a private config and data directory.
type testEnv struct {
	t         *testing.T
	configDir string
	dataDir   string
}

type result struct {
	code   int
	stdout string
	stderr string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	for _, k := range configKeys {
		t.Setenv(envPrefix+"_"+strings.ToUpper(k), "")
	}
	root := t.TempDir()
	return &testEnv{
		t:         t,
		configDir: filepath.Join(root, "config"),
		dataDir:   filepath.Join(root, "data"),
	}
}

func (e *testEnv) run(args ...string) result {
	var stdout, stderr bytes.Buffer
	all := append([]string{"--config-dir", e.configDir, "--data-dir", e.dataDir}, args...)
	code := Run(all, &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func (e *testEnv) mustRun(args ...string) result {
	e.t.Helper()
	r := e.run(args...)
	require.Equal(e.t, exitSuccess, r.code, "unidb %v: %s", args, r.stderr)
	return r
}

func parseJSON[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(s), &v), s)
	return v
}

func TestInitWritesConfig(t *testing.T) {
	env := newTestEnv(t)
	r := env.mustRun("init")
	assert.Contains(t, r.stdout, "unidb initialized")

	data, err := os.ReadFile(filepath.Join(env.configDir, configFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "backend: sqlite")
	assert.FileExists(t, filepath.Join(env.dataDir, "unidb.db"))

	// A second init keeps the existing file.
	r = env.mustRun("init")
	assert.NotContains(t, r.stdout, "wrote")
}

func TestRecordCommands(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("init")

	schemaFile := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(schemaFile, []byte("name: {type: string, required: true}\nage: number\ntags: [string]\n"), 0o644))
	env.mustRun("define", "users", schemaFile)

	ann := parseJSON[map[string]any](t, env.mustRun("--json", "create", "users", `{"name": "Ann", "age": 30, "tags": ["a"]}`).stdout)
	bob := parseJSON[map[string]any](t, env.mustRun("--json", "create", "users", `{"name": "Bob", "age": 17}`).stdout)
	id := ann["id"].(string)
	assert.NotEmpty(t, id)
	assert.Equal(t, ann["createdAt"], ann["updatedAt"])

	got := parseJSON[map[string]any](t, env.mustRun("get", "users", id).stdout)
	assert.Equal(t, "Ann", got["name"])

	adults := parseJSON[[]map[string]any](t, env.mustRun("list", "users", `{"age": {"$gte": 18}}`).stdout)
	require.Len(t, adults, 1)
	assert.Equal(t, id, adults[0]["id"])

	all := parseJSON[[]map[string]any](t, env.mustRun("list", "users").stdout)
	require.Len(t, all, 2)

	updated := parseJSON[map[string]any](t, env.mustRun("update", "users", id, `{"age": 31}`).stdout)
	assert.EqualValues(t, 31, updated["age"])

	bulk := parseJSON[types.UpdateResult](t, env.mustRun("update", "users", `{"age": {"$lt": 100}}`, `{"$inc": {"age": 1}}`).stdout)
	assert.Equal(t, int64(2), bulk.Matched)

	deleted := parseJSON[types.DeleteResult](t, env.mustRun("delete", "users", bob["id"].(string)).stdout)
	assert.Equal(t, int64(1), deleted.Deleted)

	r := env.run("get", "users", bob["id"].(string))
	assert.Equal(t, exitUserError, r.code)
	assert.Contains(t, r.stderr, "no record")
}

func TestUserErrors(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("init")

	tests := []struct {
		name string
		args []string
	}{
		{"invalid json", []string{"create", "users", `{"name":`}},
		{"not an object", []string{"create", "users", `[1]`}},
		{"unknown operator", []string{"list", "users", `{"age": {"$near": 1}}`}},
		{"unknown backend", []string{"--backend", "oracle", "list", "users"}},
		{"missing arguments", []string{"create", "users"}},
		{"update by missing id", []string{"update", "users", "nope", `{"a": 1}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := env.run(tt.args...)
			assert.Equal(t, exitUserError, r.code, r.stderr)
			assert.Contains(t, r.stderr, "Error:")
		})
	}
}

func TestRedefinitionRejected(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("init")
	dir := t.TempDir()
	first := filepath.Join(dir, "a.json")
	second := filepath.Join(dir, "b.json")
	require.NoError(t, os.WriteFile(first, []byte(`{"name": "string"}`), 0o644))
	require.NoError(t, os.WriteFile(second, []byte(`{"name": "number"}`), 0o644))

	env.mustRun("define", "users", first)
	env.mustRun("define", "users", first)
	r := env.run("define", "users", second)
	assert.Equal(t, exitUserError, r.code)
	assert.Contains(t, r.stderr, "different schema")
}

func TestMissingSchemaFileIsSystemError(t *testing.T) {
	env := newTestEnv(t)
	r := env.run("define", "users", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Equal(t, exitSysError, r.code)
}

func TestEnvironmentOverridesConfig(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("init")
	t.Setenv("UNIDB_BACKEND", "mem")

	a := &app{configDir: env.configDir, dataDir: env.dataDir}
	cfg, err := a.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "mem", cfg.Backend)

	a.backend = "postgres"
	cfg, err = a.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Backend)
}

func TestDotenv(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.MkdirAll(env.configDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.configDir, dotenvFile),
		[]byte("UNIDB_HOST=db.internal\nUNIDB_PORT=6380\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("UNIDB_HOST")
		os.Unsetenv("UNIDB_PORT")
	})
	os.Unsetenv("UNIDB_HOST")
	os.Unsetenv("UNIDB_PORT")

	a := &app{configDir: env.configDir, dataDir: env.dataDir}
	cfg, err := a.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Host)
	assert.Equal(t, 6380, cfg.Port)
}

func TestDecodeSchemaShorthands(t *testing.T) {
	s, err := decodeSchema([]byte(`
name: string
tags: [string]
address:
  city: string
  zip: {type: string, required: true}
owner: {type: objectId, ref: users}
scores: {type: array, items: {type: number}}
`))
	require.NoError(t, err)
	assert.Equal(t, types.Schema{
		"name":    {Type: types.TypeString},
		"tags":    {Type: types.TypeArray, Items: &types.FieldDef{Type: types.TypeString}},
		"address": {Type: types.TypeObject, Properties: types.Schema{"city": {Type: types.TypeString}, "zip": {Type: types.TypeString, Required: true}}},
		"owner":   {Type: types.TypeObjectID, Ref: "users"},
		"scores":  {Type: types.TypeArray, Items: &types.FieldDef{Type: types.TypeNumber}},
	}, s)

	_, err = decodeSchema([]byte(`- name`))
	assert.Error(t, err)
}

func TestVersionAndBackends(t *testing.T) {
	env := newTestEnv(t)
	r := env.mustRun("version")
	assert.Contains(t, r.stdout, "unidb v")

	r = env.mustRun("backends")
	assert.Contains(t, r.stdout, "elasticsearch")
	assert.Contains(t, r.stdout, "cockroach")
}
