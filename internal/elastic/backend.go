// Package elastic implements the search backend on Elasticsearch.
//
// Each collection is an index named prefix+snake_case(collection) whose
// mapping is compiled from the schema; undeclared fields map dynamically
// through templates that keep them exact. A record is one document with
// the record id as _id. Searches sort by createdAt then id and page with
// search_after; the bool query narrows the hits and the Go matcher decides.
// Writes use optimistic concurrency on _seq_no and _primary_term; a bulk
// write that partly fails is rolled back by restoring the previous
// documents.
package elastic

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/unidb/internal/lifecycle"
	"github.com/mesh-intelligence/unidb/internal/models"
	"github.com/mesh-intelligence/unidb/internal/query"
	"github.com/mesh-intelligence/unidb/internal/record"
	"github.com/mesh-intelligence/unidb/internal/schema"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

// DefaultPrefix namespaces every index the backend creates.
const DefaultPrefix = "unidb-"

// pageSize is the number of hits fetched per search_after page.
const pageSize = 500

var predicates = query.Predicates(types.BackendElasticsearch)

var _ types.Adapter = (*Backend)(nil)

type index struct {
	name       string
	collection string
	schema     types.Schema
}

// Backend implements types.Adapter on Elasticsearch.
type Backend struct {
	guard   *lifecycle.Guard
	log     *zap.Logger
	prefix  string
	refresh string
	es      *elasticsearch.Client
	models  *models.Registry[*index]
}

// New creates an uninitialized Elasticsearch backend. Options["prefix"]
// overrides DefaultPrefix; Options["refresh"] sets the refresh policy of
// writes (wait_for by default).
func New(cfg types.Config, log *zap.Logger) *Backend {
	g := lifecycle.New(types.BackendElasticsearch, cfg, log)
	return &Backend{
		guard:   g,
		log:     g.Logger(),
		prefix:  cfg.Option("prefix", DefaultPrefix),
		refresh: cfg.Option("refresh", "wait_for"),
		models:  models.NewRegistry[*index](),
	}
}

// Backend returns types.BackendElasticsearch.
func (b *Backend) Backend() types.Backend { return types.BackendElasticsearch }

// addresses returns the node URLs for cfg. URI may list several,
// separated by commas.
func addresses(cfg types.Config) []string {
	if cfg.URI != "" {
		return strings.Split(cfg.URI, ",")
	}
	scheme := "http://"
	if cfg.TLS {
		scheme = "https://"
	}
	hosts := cfg.Hosts
	if len(hosts) == 0 {
		host := cfg.Host
		if host == "" {
			host = "localhost"
		}
		port := cfg.Port
		if port == 0 {
			port = 9200
		}
		hosts = []string{host + ":" + strconv.Itoa(port)}
	}
	out := make([]string, len(hosts))
	for i, h := range hosts {
		out[i] = scheme + h
	}
	return out
}

func (b *Backend) modelsIndex() string { return b.prefix + "_models" }

// Initialize creates the client, checks the cluster answers and creates
// the models index.
func (b *Backend) Initialize(ctx context.Context) error {
	return b.guard.Open(ctx, func(ctx context.Context) error {
		cfg := b.guard.Config()
		transport := &http.Transport{
			DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			ResponseHeaderTimeout: cfg.OperationTimeout,
		}
		if cfg.TLS {
			transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		es, err := elasticsearch.NewClient(elasticsearch.Config{
			Addresses: addresses(cfg),
			Username:  cfg.Username,
			Password:  cfg.Password,
			Transport: transport,
		})
		if err != nil {
			return err
		}
		if err := decode(es.Info(es.Info.WithContext(ctx))); err != nil {
			return err
		}
		b.es = es
		return b.createIndex(ctx, b.modelsIndex(), object{"mappings": object{"dynamic": false}})
	})
}

// Close drops the client. The HTTP transport holds no session to end.
func (b *Backend) Close(ctx context.Context) error {
	return b.guard.Close(ctx, func(context.Context) error {
		b.models = models.NewRegistry[*index]()
		b.es = nil
		return nil
	})
}

// apiError is an error response from the cluster.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("elasticsearch: status %d: %s", e.status, e.body)
}

// decode closes res and decodes its body into out, when out is given.
func decode(res *esapi.Response, err error, out ...any) error {
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return &apiError{status: res.StatusCode, body: string(body)}
	}
	if len(out) == 0 {
		return nil
	}
	dec := json.NewDecoder(res.Body)
	dec.UseNumber()
	return dec.Decode(out[0])
}

func status(err error) int {
	if e, ok := err.(*apiError); ok {
		return e.status
	}
	return 0
}

func body(x any) (*bytes.Reader, error) {
	data, err := json.Marshal(x)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// createIndex creates name unless it exists.
func (b *Backend) createIndex(ctx context.Context, name string, mapping object) error {
	r, err := body(mapping)
	if err != nil {
		return err
	}
	err = decode(b.es.Indices.Create(name, b.es.Indices.Create.WithBody(r), b.es.Indices.Create.WithContext(ctx)))
	if e, ok := err.(*apiError); ok && e.status == http.StatusBadRequest && strings.Contains(e.body, "resource_already_exists_exception") {
		return nil
	}
	return err
}

// DefineModel registers a normalized schema, persisting it in the models
// index and creating the collection index with its mapping. A schema
// persisted earlier must be identical.
func (b *Backend) DefineModel(ctx context.Context, name string, s types.Schema) error {
	_, err := lifecycle.Run(ctx, b.guard, "define", func(ctx context.Context) (*index, error) {
		canonical, err := schema.Normalize(s, b.log)
		if err != nil {
			return nil, err
		}
		return b.models.Define(name, func() (*index, error) {
			return b.ensure(ctx, name, canonical, true)
		})
	})
	return err
}

func (b *Backend) index(ctx context.Context, name string) (*index, error) {
	return b.models.GetOrCreate(name, func() (*index, error) {
		return b.ensure(ctx, name, types.Schema{}, false)
	})
}

func (b *Backend) ensure(ctx context.Context, name string, s types.Schema, explicit bool) (*index, error) {
	if _, err := indexBody(s); err != nil {
		return nil, err
	}
	want, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	doc, err := body(object{"schema": string(want)})
	if err != nil {
		return nil, err
	}

	persisted := s
	err = decode(b.es.Create(b.modelsIndex(), name, doc,
		b.es.Create.WithRefresh("true"), b.es.Create.WithContext(ctx)))
	switch {
	case err == nil:
		if !explicit {
			b.log.Debug("creating default model", zap.String("collection", name))
		}
	case status(err) == http.StatusConflict:
		var got struct {
			Source struct {
				Schema string `json:"schema"`
			} `json:"_source"`
		}
		res, err := b.es.Get(b.modelsIndex(), name, b.es.Get.WithContext(ctx))
		if err := decode(res, err, &got); err != nil {
			return nil, err
		}
		persisted = types.Schema{}
		if err := json.Unmarshal([]byte(got.Source.Schema), &persisted); err != nil {
			return nil, fmt.Errorf("model %q: %w", name, err)
		}
		again, _ := json.Marshal(persisted)
		if explicit && string(again) != string(want) {
			return nil, types.InvalidSchema("", fmt.Sprintf("model %q already defined with a different schema", name))
		}
	default:
		return nil, err
	}

	mapping, err := indexBody(persisted)
	if err != nil {
		return nil, err
	}
	ix := &index{name: indexName(b.prefix, name), collection: name, schema: persisted}
	if err := b.createIndex(ctx, ix.name, mapping); err != nil {
		return nil, err
	}
	return ix, nil
}

// hit is one matched document with its concurrency tokens.
type hit struct {
	record      *types.Record
	source      json.RawMessage
	seqNo       int64
	primaryTerm int64
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID          string            `json:"_id"`
			SeqNo       int64             `json:"_seq_no"`
			PrimaryTerm int64             `json:"_primary_term"`
			Source      json.RawMessage   `json:"_source"`
			Sort        []json.RawMessage `json:"sort"`
		} `json:"hits"`
	} `json:"hits"`
}

// decodeSource rebuilds a record from a stored document.
func (ix *index) decodeSource(src json.RawMessage) (*types.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(src))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	r, err := record.FromMap(doc, types.FieldID)
	if err != nil {
		return nil, err
	}
	r.Fields = schema.Coerce(ix.schema, r.Fields)
	return r, nil
}

// match pages through the narrowed search and keeps the hits the Go
// matcher accepts, in createdAt then id order.
func (b *Backend) match(ctx context.Context, ix *index, f query.Filter) ([]hit, error) {
	pred, err := query.CompilePredicate(predicates, f)
	if err != nil {
		return nil, err
	}
	q, err := translate(ix.schema, f)
	if err != nil {
		return nil, err
	}

	out := []hit{}
	var after []json.RawMessage
	for {
		req := object{
			"query":               q,
			"size":                pageSize,
			"seq_no_primary_term": true,
			"sort": []any{
				object{types.FieldCreatedAt: "asc"},
				object{types.FieldID: "asc"},
			},
		}
		if after != nil {
			req["search_after"] = after
		}
		r, err := body(req)
		if err != nil {
			return nil, err
		}
		var res searchResponse
		raw, err := b.es.Search(
			b.es.Search.WithContext(ctx),
			b.es.Search.WithIndex(ix.name),
			b.es.Search.WithBody(r),
		)
		if err := decode(raw, err, &res); err != nil {
			return nil, err
		}
		for _, h := range res.Hits.Hits {
			rec, err := ix.decodeSource(h.Source)
			if err != nil {
				return nil, fmt.Errorf("document %s: %w", h.ID, err)
			}
			if pred(rec) {
				out = append(out, hit{record: rec, source: h.Source, seqNo: h.SeqNo, primaryTerm: h.PrimaryTerm})
			}
		}
		if len(res.Hits.Hits) < pageSize {
			return out, nil
		}
		after = res.Hits.Hits[len(res.Hits.Hits)-1].Sort
	}
}

// Create validates data and indexes one document.
func (b *Backend) Create(ctx context.Context, name string, data types.Fields) (*types.Record, error) {
	return lifecycle.Run(ctx, b.guard, "create", func(ctx context.Context) (*types.Record, error) {
		ix, err := b.index(ctx, name)
		if err != nil {
			return nil, err
		}
		fields, err := schema.Enforce(ix.schema, data)
		if err != nil {
			return nil, err
		}
		r := record.New(fields)
		doc, err := body(r)
		if err != nil {
			return nil, types.Malformed("encoding record: %v", err)
		}
		err = decode(b.es.Create(ix.name, r.ID, doc,
			b.es.Create.WithRefresh(b.refresh), b.es.Create.WithContext(ctx)))
		if err != nil {
			return nil, err
		}
		return b.reread(ctx, ix, r.ID)
	})
}

// reread fetches the stored document for id. GET is realtime, so it does
// not wait for a refresh.
func (b *Backend) reread(ctx context.Context, ix *index, id string) (*types.Record, error) {
	var got struct {
		Source json.RawMessage `json:"_source"`
	}
	res, err := b.es.Get(ix.name, id, b.es.Get.WithContext(ctx))
	if err := decode(res, err, &got); err != nil {
		return nil, fmt.Errorf("document %s after write: %w", id, err)
	}
	return ix.decodeSource(got.Source)
}

// FindOne returns the oldest match, or nil.
func (b *Backend) FindOne(ctx context.Context, name string, q types.Query) (*types.Record, error) {
	return lifecycle.Run(ctx, b.guard, "findOne", func(ctx context.Context) (*types.Record, error) {
		out, err := b.find(ctx, name, q)
		if err != nil || len(out) == 0 {
			return nil, err
		}
		return out[0], nil
	})
}

// FindMany returns every match in createdAt then id order.
func (b *Backend) FindMany(ctx context.Context, name string, q types.Query) ([]*types.Record, error) {
	return lifecycle.Run(ctx, b.guard, "findMany", func(ctx context.Context) ([]*types.Record, error) {
		return b.find(ctx, name, q)
	})
}

func (b *Backend) find(ctx context.Context, name string, q types.Query) ([]*types.Record, error) {
	f, err := query.Parse(q)
	if err != nil {
		return nil, err
	}
	ix, err := b.index(ctx, name)
	if err != nil {
		return nil, err
	}
	hits, err := b.match(ctx, ix, f)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Record, len(hits))
	for i, h := range hits {
		out[i] = h.record
	}
	return out, nil
}

// bulkAction is one action line of a bulk body, followed by its document
// unless doc is nil.
type bulkAction struct {
	op   string
	meta object
	doc  []byte
}

type bulkResponse struct {
	Errors bool                                `json:"errors"`
	Items  []map[string]struct {
		ID     string          `json:"_id"`
		Status int             `json:"status"`
		Error  json.RawMessage `json:"error"`
	} `json:"items"`
}

// bulk runs actions and returns the ids that failed, with the first
// failure reason.
func (b *Backend) bulk(ctx context.Context, ix *index, actions []bulkAction) (failed map[string]bool, reason string, err error) {
	var buf bytes.Buffer
	for _, a := range actions {
		line, err := json.Marshal(object{a.op: a.meta})
		if err != nil {
			return nil, "", err
		}
		buf.Write(line)
		buf.WriteByte('\n')
		if a.doc != nil {
			buf.Write(a.doc)
			buf.WriteByte('\n')
		}
	}
	var res bulkResponse
	raw, err := b.es.Bulk(&buf,
		b.es.Bulk.WithIndex(ix.name),
		b.es.Bulk.WithRefresh(b.refresh),
		b.es.Bulk.WithContext(ctx),
	)
	if err := decode(raw, err, &res); err != nil {
		return nil, "", err
	}
	failed = map[string]bool{}
	if !res.Errors {
		return failed, "", nil
	}
	for _, item := range res.Items {
		for _, result := range item {
			if result.Status < 300 {
				continue
			}
			failed[result.ID] = true
			if reason == "" {
				reason = string(result.Error)
			}
		}
	}
	return failed, reason, nil
}

// restore puts back the previous documents of hits whose write succeeded.
func (b *Backend) restore(ctx context.Context, ix *index, hits []hit, failed map[string]bool) {
	var actions []bulkAction
	for _, h := range hits {
		if failed[h.record.ID] {
			continue
		}
		actions = append(actions, bulkAction{op: "index", meta: object{"_id": h.record.ID}, doc: h.source})
	}
	if len(actions) == 0 {
		return
	}
	if bad, reason, err := b.bulk(ctx, ix, actions); err != nil || len(bad) > 0 {
		b.log.Error("rolling back partial bulk write failed",
			zap.String("index", ix.name),
			zap.Int("documents", len(bad)),
			zap.String("reason", reason),
			zap.Error(err))
	}
}

// write applies actions for hits, rolling back the ones that succeeded
// when any failed.
func (b *Backend) write(ctx context.Context, ix *index, op string, hits []hit, actions []bulkAction) error {
	if len(actions) == 0 {
		return nil
	}
	failed, reason, err := b.bulk(ctx, ix, actions)
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		return nil
	}
	b.restore(ctx, ix, hits, failed)
	return types.Malformed("%s failed on %d of %d documents and was rolled back: %s", op, len(failed), len(actions), reason)
}

func guarded(id string, h hit) object {
	return object{"_id": id, "if_seq_no": h.seqNo, "if_primary_term": h.primaryTerm}
}

// Update applies u to one document by id, or to every match in one bulk
// request.
func (b *Backend) Update(ctx context.Context, name string, q types.Query, u types.Update) (*types.UpdateResult, error) {
	return lifecycle.Run(ctx, b.guard, "update", func(ctx context.Context) (*types.UpdateResult, error) {
		f, err := query.Parse(q)
		if err != nil {
			return nil, err
		}
		change, err := query.ParseUpdate(u)
		if err != nil {
			return nil, err
		}
		ix, err := b.index(ctx, name)
		if err != nil {
			return nil, err
		}
		hits, err := b.match(ctx, ix, f)
		if err != nil {
			return nil, err
		}
		if f.HasID && len(hits) == 0 {
			return nil, types.NewError(types.KindNotFound, types.BackendElasticsearch, "update", "no record with id "+f.ID, nil)
		}

		staged := make([]*types.Record, 0, len(hits))
		actions := make([]bulkAction, 0, len(hits))
		for _, h := range hits {
			fields, err := query.Apply(change, h.record.Fields)
			if err != nil {
				return nil, err
			}
			next := h.record.Clone()
			if next.Fields, err = schema.Validate(ix.schema, fields); err != nil {
				return nil, err
			}
			next.UpdatedAt = record.Now()
			doc, err := json.Marshal(next)
			if err != nil {
				return nil, types.Malformed("encoding record: %v", err)
			}
			actions = append(actions, bulkAction{op: "index", meta: guarded(next.ID, h), doc: doc})
			staged = append(staged, next)
		}
		if err := b.write(ctx, ix, "update", hits, actions); err != nil {
			return nil, err
		}

		n := int64(len(staged))
		res := &types.UpdateResult{Matched: n, Modified: n}
		if f.HasID {
			if res.Record, err = b.reread(ctx, ix, f.ID); err != nil {
				return nil, err
			}
		}
		return res, nil
	})
}

// Delete removes one document by id, or every match in one bulk request.
func (b *Backend) Delete(ctx context.Context, name string, q types.Query) (*types.DeleteResult, error) {
	return lifecycle.Run(ctx, b.guard, "delete", func(ctx context.Context) (*types.DeleteResult, error) {
		f, err := query.Parse(q)
		if err != nil {
			return nil, err
		}
		ix, err := b.index(ctx, name)
		if err != nil {
			return nil, err
		}
		hits, err := b.match(ctx, ix, f)
		if err != nil {
			return nil, err
		}
		if f.HasID && len(hits) == 0 {
			return nil, types.NewError(types.KindNotFound, types.BackendElasticsearch, "delete", "no record with id "+f.ID, nil)
		}
		actions := make([]bulkAction, len(hits))
		for i, h := range hits {
			actions[i] = bulkAction{op: "delete", meta: guarded(h.record.ID, h)}
		}
		if err := b.write(ctx, ix, "delete", hits, actions); err != nil {
			return nil, err
		}
		return &types.DeleteResult{Deleted: int64(len(hits))}, nil
	})
}
