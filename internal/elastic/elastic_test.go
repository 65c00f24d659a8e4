package elastic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/unidb/internal/adaptertest"
	"github.com/mesh-intelligence/unidb/internal/query"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

var people = types.Schema{
	"name": {Type: types.TypeString},
	"age":  {Type: types.TypeNumber},
	"born": {Type: types.TypeDate},
	"tags": {Type: types.TypeArray, Items: &types.FieldDef{Type: types.TypeString}},
	"meta": {Type: types.TypeObject, Properties: types.Schema{"city": {Type: types.TypeString}}},
	"blob": {Type: types.TypeMixed},
}

func TestIndexBody(t *testing.T) {
	body, err := indexBody(people)
	require.NoError(t, err)
	props := body["mappings"].(object)["properties"].(object)
	assert.Equal(t, object{"type": "keyword"}, props["id"])
	assert.Equal(t, object{"type": "double"}, props["age"])
	assert.Equal(t, object{"type": "date_nanos"}, props["born"])
	assert.Equal(t, object{"type": "keyword"}, props["tags"])
	assert.Equal(t, disabled, props["blob"])
	assert.Equal(t, object{"properties": object{"city": object{"type": "keyword"}}}, props["meta"])

	_, err = indexBody(types.Schema{"email": {Type: types.TypeString, Unique: true}})
	assert.ErrorIs(t, err, types.ErrInvalidSchema)
}

func TestIndexName(t *testing.T) {
	assert.Equal(t, "unidb-user_profiles", indexName(DefaultPrefix, "UserProfiles"))
	assert.Equal(t, "app-orders", indexName("App-", "orders"))
}

func TestFieldType(t *testing.T) {
	tests := []struct {
		path string
		want resolved
	}{
		{"id", resolved{typ: types.TypeString, declared: true, scalar: true, ok: true}},
		{"age", resolved{typ: types.TypeNumber, declared: true, scalar: true, ok: true}},
		{"tags", resolved{typ: types.TypeString, declared: true, ok: true}},
		{"meta.city", resolved{typ: types.TypeString, declared: true, scalar: true, ok: true}},
		{"meta.zip", resolved{ok: true}},
		{"blob.x", resolved{declared: true}},
		{"age.x", resolved{declared: true}},
		{"nick", resolved{ok: true}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, fieldType(people, tt.path), tt.path)
	}
}

func TestTranslate(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	eq := func(field string, v any) object { return match(field, v) }

	tests := []struct {
		name  string
		query types.Query
		want  object
	}{
		{"empty", types.Query{}, object{"match_all": object{}}},
		{"id", types.Query{"id": "r1", "age": 3}, object{"ids": object{"values": []string{"r1"}}}},
		{"equality", types.Query{"name": "Ann"}, object{"bool": object{"filter": []any{eq("name", "Ann")}}}},
		{"null", types.Query{"nick": nil}, object{"bool": object{"filter": []any{missing("nick")}}}},
		{
			"range on declared date",
			types.Query{"born": types.Ops{types.OpGte: at}},
			object{"bool": object{"filter": []any{object{"range": object{"born": object{"gte": at.Format(types.TimeLayout)}}}}}},
		},
		{"range on undeclared field", types.Query{"score": types.Ops{types.OpGt: 1}}, object{"match_all": object{}}},
		{"range with mistyped operand", types.Query{"age": types.Ops{types.OpGt: "x"}}, object{"match_all": object{}}},
		{
			"ne on scalar",
			types.Query{"name": types.Ops{types.OpNe: "Ann"}},
			object{"bool": object{"must_not": []any{eq("name", "Ann")}}},
		},
		{"ne on array", types.Query{"tags": types.Ops{types.OpNe: "a"}}, object{"match_all": object{}}},
		{
			"in with null",
			types.Query{"name": types.Ops{types.OpIn: []any{"Ann", nil}}},
			object{"bool": object{"filter": []any{object{"bool": object{
				"should":               []any{eq("name", "Ann"), missing("name")},
				"minimum_should_match": 1,
			}}}}},
		},
		{"empty in", types.Query{"name": types.Ops{types.OpIn: []any{}}}, object{"bool": object{"filter": []any{object{"match_none": object{}}}}}},
		{"contains", types.Query{"tags": types.Ops{types.OpContains: "a"}}, object{"bool": object{"filter": []any{eq("tags", "a")}}}},
		{"regex", types.Query{"name": types.Ops{types.OpRegex: "^A"}}, object{"match_all": object{}}},
		{"exists false", types.Query{"name": types.Ops{types.OpExists: false}}, object{"bool": object{"filter": []any{missing("name")}}}},
		{"exists true", types.Query{"name": types.Ops{types.OpExists: true}}, object{"match_all": object{}}},
		{"inside mixed", types.Query{"blob.x": 1}, object{"match_all": object{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := query.Parse(tt.query)
			require.NoError(t, err)
			got, err := translate(people, f)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAddresses(t *testing.T) {
	assert.Equal(t, []string{"http://localhost:9200"}, addresses(types.Config{}))
	assert.Equal(t, []string{"https://a:9201", "https://b:9201"}, addresses(types.Config{Hosts: []string{"a:9201", "b:9201"}, TLS: true}))
	assert.Equal(t, []string{"http://x:1", "http://y:2"}, addresses(types.Config{URI: "http://x:1,http://y:2"}))
}

func TestLifecycleWithoutServer(t *testing.T) {
	db := New(types.Config{Backend: "elasticsearch"}, nil)
	adaptertest.LifecycleCheck(t, db, types.ErrNotInitialized)
	require.NoError(t, db.Close(context.Background()))
	adaptertest.LifecycleCheck(t, db, types.ErrAlreadyClosed)
}

// fakeCluster answers the requests Initialize and DefineModel make.
type fakeCluster struct {
	mu      sync.Mutex
	indices map[string]bool
	docs    map[string][]byte
}

func (c *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.URL.Path == "/":
		_, _ = io.WriteString(w, `{"version":{"number":"8.18.1"}}`)
	case len(parts) == 1 && r.Method == http.MethodPut:
		if c.indices[parts[0]] {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"type":"resource_already_exists_exception"}}`)
			return
		}
		c.indices[parts[0]] = true
		_, _ = io.WriteString(w, `{"acknowledged":true}`)
	case len(parts) == 3 && parts[1] == "_create":
		key := parts[0] + "/" + parts[2]
		if _, ok := c.docs[key]; ok {
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, `{"error":{"type":"version_conflict_engine_exception"}}`)
			return
		}
		c.docs[key], _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"result":"created"}`)
	case len(parts) == 3 && parts[1] == "_doc":
		src, ok := c.docs[parts[0]+"/"+parts[2]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"found":false}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"found": true, "_source": json.RawMessage(src)})
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func TestDefineModelAgainstCluster(t *testing.T) {
	cluster := &fakeCluster{indices: map[string]bool{}, docs: map[string][]byte{}}
	srv := httptest.NewServer(cluster)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	open := func() *Backend {
		db := New(types.Config{Backend: "elasticsearch", URI: srv.URL}, nil)
		require.NoError(t, db.Initialize(ctx))
		t.Cleanup(func() { _ = db.Close(ctx) })
		return db
	}

	db := open()
	assert.True(t, cluster.indices["unidb-_models"])
	require.NoError(t, db.DefineModel(ctx, "people", people))
	assert.True(t, cluster.indices["unidb-people"])

	// A second process sees the persisted schema.
	other := open()
	require.NoError(t, other.DefineModel(ctx, "people", people))
	err := other.DefineModel(ctx, "people", types.Schema{"name": {Type: types.TypeNumber}})
	assert.ErrorIs(t, err, types.ErrInvalidSchema)

	third := open()
	err = third.DefineModel(ctx, "people", types.Schema{"name": {Type: types.TypeNumber}})
	assert.ErrorIs(t, err, types.ErrInvalidSchema)
}

func TestUnreachable(t *testing.T) {
	db := New(types.Config{Backend: "elasticsearch", Port: 1, ConnectTimeout: time.Second}, nil)
	assert.ErrorIs(t, db.Initialize(context.Background()), types.ErrConnection)
}

func TestElasticLive(t *testing.T) {
	base := adaptertest.LiveConfig(t, types.BackendElasticsearch, "UNIDB_TEST_ELASTICSEARCH_URI")
	adaptertest.Run(t, func(t *testing.T) types.Adapter {
		cfg := base
		cfg.Options = map[string]string{"prefix": adaptertest.Namespace() + "-"}
		return New(cfg, nil)
	}, adaptertest.Options{NoUnique: true})
}
