// Package redis implements the key-value backend on Redis.
//
// Each record is a JSON document under prefix+collection+":"+id. A sorted
// set per collection indexes ids by creation time, unique fields own
// index keys that map a value to the id holding it, and model schemas are
// kept in a hash so every process sees the same definitions. Filters run in
// Go; writes run in WATCH/MULTI/EXEC transactions.
package redis

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/unidb/internal/lifecycle"
	"github.com/mesh-intelligence/unidb/internal/models"
	"github.com/mesh-intelligence/unidb/internal/query"
	"github.com/mesh-intelligence/unidb/internal/record"
	"github.com/mesh-intelligence/unidb/internal/schema"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

// DefaultPrefix namespaces every key the backend writes.
const DefaultPrefix = "unidb:"

// maxRetries bounds optimistic transaction retries on WATCH conflicts.
const maxRetries = 8

var predicates = query.Predicates(types.BackendRedis)

var _ types.Adapter = (*Backend)(nil)

type collection struct {
	name   string
	schema types.Schema
	unique []string
}

// Backend implements types.Adapter on Redis.
type Backend struct {
	guard  *lifecycle.Guard
	log    *zap.Logger
	prefix string
	rdb    *goredis.Client
	models *models.Registry[*collection]
}

// New creates an uninitialized Redis backend. Options["prefix"] overrides
// DefaultPrefix.
func New(cfg types.Config, log *zap.Logger) *Backend {
	g := lifecycle.New(types.BackendRedis, cfg, log)
	return &Backend{
		guard:  g,
		log:    g.Logger(),
		prefix: cfg.Option("prefix", DefaultPrefix),
		models: models.NewRegistry[*collection](),
	}
}

// Backend returns types.BackendRedis.
func (b *Backend) Backend() types.Backend { return types.BackendRedis }

// clientOptions builds go-redis options from the URI or the host fields.
func clientOptions(cfg types.Config) (*goredis.Options, error) {
	var opts *goredis.Options
	if cfg.URI != "" {
		parsed, err := goredis.ParseURL(cfg.URI)
		if err != nil {
			return nil, err
		}
		opts = parsed
	} else {
		host := cfg.Host
		if host == "" {
			host = "localhost"
		}
		port := cfg.Port
		if port == 0 {
			port = 6379
		}
		opts = &goredis.Options{
			Addr:     host + ":" + strconv.Itoa(port),
			Username: cfg.Username,
			Password: cfg.Password,
		}
		if cfg.Database != "" {
			db, err := strconv.Atoi(cfg.Database)
			if err != nil || db < 0 {
				return nil, fmt.Errorf("redis database must be a non-negative index, got %q", cfg.Database)
			}
			opts.DB = db
		}
		if cfg.TLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}
	opts.DialTimeout = cfg.ConnectTimeout
	opts.ReadTimeout = cfg.OperationTimeout
	opts.WriteTimeout = cfg.OperationTimeout
	return opts, nil
}

// Initialize connects and pings the server.
func (b *Backend) Initialize(ctx context.Context) error {
	return b.guard.Open(ctx, func(ctx context.Context) error {
		opts, err := clientOptions(b.guard.Config())
		if err != nil {
			return err
		}
		rdb := goredis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return err
		}
		b.rdb = rdb
		return nil
	})
}

// Close closes the client.
func (b *Backend) Close(ctx context.Context) error {
	return b.guard.Close(ctx, func(context.Context) error {
		b.models = models.NewRegistry[*collection]()
		return b.rdb.Close()
	})
}

func (b *Backend) modelsKey() string { return b.prefix + "_models" }

func (b *Backend) idsKey(coll string) string { return b.prefix + coll + ":_ids" }

func (b *Backend) recordKey(coll, id string) string { return b.prefix + coll + ":" + id }

func (b *Backend) uniqueKey(coll, field string, v types.Value) string {
	return b.prefix + coll + ":_u:" + field + ":" + v.Key()
}

// DefineModel registers a normalized schema, persisting it for other
// processes. A schema persisted earlier must be identical.
func (b *Backend) DefineModel(ctx context.Context, name string, s types.Schema) error {
	_, err := lifecycle.Run(ctx, b.guard, "define", func(ctx context.Context) (*collection, error) {
		canonical, err := schema.Normalize(s, b.log)
		if err != nil {
			return nil, err
		}
		return b.models.Define(name, func() (*collection, error) {
			return b.ensure(ctx, name, canonical, true)
		})
	})
	return err
}

func (b *Backend) collection(ctx context.Context, name string) (*collection, error) {
	return b.models.GetOrCreate(name, func() (*collection, error) {
		return b.ensure(ctx, name, types.Schema{}, false)
	})
}

func (b *Backend) ensure(ctx context.Context, name string, s types.Schema, explicit bool) (*collection, error) {
	want, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	created, err := b.rdb.HSetNX(ctx, b.modelsKey(), name, want).Result()
	if err != nil {
		return nil, err
	}
	if created {
		if !explicit {
			b.log.Debug("creating default model", zap.String("collection", name))
		}
		return &collection{name: name, schema: s, unique: schema.Unique(s)}, nil
	}

	stored, err := b.rdb.HGet(ctx, b.modelsKey(), name).Bytes()
	if err != nil {
		return nil, err
	}
	var persisted types.Schema
	if err := json.Unmarshal(stored, &persisted); err != nil {
		return nil, fmt.Errorf("model %q: %w", name, err)
	}
	if explicit {
		again, _ := json.Marshal(persisted)
		if !bytes.Equal(again, want) {
			return nil, types.InvalidSchema("", fmt.Sprintf("model %q already defined with a different schema", name))
		}
	}
	return &collection{name: name, schema: persisted, unique: schema.Unique(persisted)}, nil
}

// decode rebuilds a record from its stored JSON document.
func (c *collection) decode(data string) (*types.Record, error) {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	r, err := record.FromMap(doc, types.FieldID)
	if err != nil {
		return nil, err
	}
	r.Fields = schema.Coerce(c.schema, r.Fields)
	return r, nil
}

// atomically runs fn in an optimistic transaction over keys, retrying
// when a watched key changes before EXEC.
func (b *Backend) atomically(ctx context.Context, fn func(tx *goredis.Tx) error, keys ...string) error {
	for i := 0; i < maxRetries; i++ {
		err := b.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
		b.log.Debug("transaction conflict, retrying", zap.Int("attempt", i+1))
	}
	return fmt.Errorf("transaction aborted after %d conflicts", maxRetries)
}

// match loads the records selected by f. Inside a transaction it watches
// every record key before reading it.
func (b *Backend) match(ctx context.Context, cmd goredis.Cmdable, tx *goredis.Tx, c *collection, f query.Filter) ([]*types.Record, error) {
	var ids []string
	if f.HasID {
		ids = []string{f.ID}
	} else {
		var err error
		if ids, err = cmd.ZRange(ctx, b.idsKey(c.name), 0, -1).Result(); err != nil {
			return nil, err
		}
	}
	pred, err := query.CompilePredicate(predicates, f)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*types.Record{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.recordKey(c.name, id)
	}
	if tx != nil {
		if err := tx.Watch(ctx, keys...).Err(); err != nil {
			return nil, err
		}
	}
	docs, err := cmd.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := []*types.Record{}
	for _, doc := range docs {
		data, ok := doc.(string)
		if !ok {
			continue
		}
		r, err := c.decode(data)
		if err != nil {
			return nil, err
		}
		if pred(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Create validates data and writes the record with its index entries.
func (b *Backend) Create(ctx context.Context, name string, data types.Fields) (*types.Record, error) {
	return lifecycle.Run(ctx, b.guard, "create", func(ctx context.Context) (*types.Record, error) {
		c, err := b.collection(ctx, name)
		if err != nil {
			return nil, err
		}
		fields, err := schema.Enforce(c.schema, data)
		if err != nil {
			return nil, err
		}
		r := record.New(fields)
		doc, err := json.Marshal(r)
		if err != nil {
			return nil, types.Malformed("encoding record: %v", err)
		}

		owned := make(map[string]bool)
		var uniqueKeys []string
		for _, field := range c.unique {
			if v, ok := r.Fields[field]; ok && !v.IsNull() {
				key := b.uniqueKey(name, field, v)
				if owned[key] {
					continue
				}
				owned[key] = true
				uniqueKeys = append(uniqueKeys, key)
			}
		}

		err = b.atomically(ctx, func(tx *goredis.Tx) error {
			for _, key := range uniqueKeys {
				n, err := tx.Exists(ctx, key).Result()
				if err != nil {
					return err
				}
				if n > 0 {
					return types.Malformed("duplicate value for unique key %s", strings.TrimPrefix(key, b.prefix))
				}
			}
			_, err := tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
				p.Set(ctx, b.recordKey(name, r.ID), doc, 0)
				p.ZAdd(ctx, b.idsKey(name), goredis.Z{Score: float64(r.CreatedAt.UnixMilli()), Member: r.ID})
				for _, key := range uniqueKeys {
					p.Set(ctx, key, r.ID, 0)
				}
				return nil
			})
			return err
		}, uniqueKeys...)
		if err != nil {
			return nil, err
		}
		return b.reread(ctx, c, r.ID)
	})
}

// reread loads the stored document for id, so callers see values as the
// JSON document holds them.
func (b *Backend) reread(ctx context.Context, c *collection, id string) (*types.Record, error) {
	data, err := b.rdb.Get(ctx, b.recordKey(c.name, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("record %s after write: %w", id, err)
	}
	return c.decode(data)
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

// FindMany returns every match in creation order.
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
	c, err := b.collection(ctx, name)
	if err != nil {
		return nil, err
	}
	return b.match(ctx, b.rdb, nil, c, f)
}

// uniqueChanges computes the index keys to release and claim for staged
// records, failing when two records would share a value or a value is
// held by a record outside the batch.
func (b *Backend) uniqueChanges(ctx context.Context, tx *goredis.Tx, c *collection, before map[string]*types.Record, staged []*types.Record) (release, claim map[string]string, err error) {
	release = make(map[string]string)
	claim = make(map[string]string)
	if len(c.unique) == 0 {
		return release, claim, nil
	}
	inBatch := make(map[string]bool, len(staged))
	for _, r := range staged {
		inBatch[r.ID] = true
	}
	for _, field := range c.unique {
		for _, r := range staged {
			if old, ok := before[r.ID].Fields[field]; ok && !old.IsNull() {
				release[b.uniqueKey(c.name, field, old)] = r.ID
			}
		}
		for _, r := range staged {
			v, ok := r.Fields[field]
			if !ok || v.IsNull() {
				continue
			}
			key := b.uniqueKey(c.name, field, v)
			if other, dup := claim[key]; dup && other != r.ID {
				return nil, nil, types.Malformed("duplicate value %s for unique field %q", v, field)
			}
			claim[key] = r.ID
		}
	}

	keys := make([]string, 0, len(claim))
	for key := range claim {
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return release, claim, nil
	}
	if err := tx.Watch(ctx, keys...).Err(); err != nil {
		return nil, nil, err
	}
	owners, err := tx.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, err
	}
	for i, owner := range owners {
		id, ok := owner.(string)
		if !ok || id == claim[keys[i]] || inBatch[id] && release[keys[i]] == id {
			continue
		}
		return nil, nil, types.Malformed("duplicate value for unique key %s", strings.TrimPrefix(keys[i], b.prefix))
	}
	return release, claim, nil
}

// Update applies u to one record by id, or to every match in a single
// transaction.
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
		c, err := b.collection(ctx, name)
		if err != nil {
			return nil, err
		}

		var staged []*types.Record
		err = b.atomically(ctx, func(tx *goredis.Tx) error {
			matched, err := b.match(ctx, tx, tx, c, f)
			if err != nil {
				return err
			}
			if f.HasID && len(matched) == 0 {
				return types.NewError(types.KindNotFound, types.BackendRedis, "update", "no record with id "+f.ID, nil)
			}

			staged = make([]*types.Record, 0, len(matched))
			before := make(map[string]*types.Record, len(matched))
			docs := make(map[string][]byte, len(matched))
			for _, r := range matched {
				before[r.ID] = r
				fields, err := query.Apply(change, r.Fields)
				if err != nil {
					return err
				}
				next := r.Clone()
				if next.Fields, err = schema.Validate(c.schema, fields); err != nil {
					return err
				}
				next.UpdatedAt = record.Now()
				doc, err := json.Marshal(next)
				if err != nil {
					return types.Malformed("encoding record: %v", err)
				}
				docs[next.ID] = doc
				staged = append(staged, next)
			}
			release, claim, err := b.uniqueChanges(ctx, tx, c, before, staged)
			if err != nil {
				return err
			}
			if len(staged) == 0 {
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
				for id, doc := range docs {
					p.Set(ctx, b.recordKey(name, id), doc, 0)
				}
				for key := range release {
					if _, kept := claim[key]; !kept {
						p.Del(ctx, key)
					}
				}
				for key, id := range claim {
					p.Set(ctx, key, id, 0)
				}
				return nil
			})
			return err
		}, b.idsKey(name))
		if err != nil {
			return nil, err
		}

		n := int64(len(staged))
		res := &types.UpdateResult{Matched: n, Modified: n}
		if f.HasID {
			if res.Record, err = b.reread(ctx, c, f.ID); err != nil {
				return nil, err
			}
		}
		return res, nil
	})
}

// Delete removes one record by id, or every match in a single transaction.
func (b *Backend) Delete(ctx context.Context, name string, q types.Query) (*types.DeleteResult, error) {
	return lifecycle.Run(ctx, b.guard, "delete", func(ctx context.Context) (*types.DeleteResult, error) {
		f, err := query.Parse(q)
		if err != nil {
			return nil, err
		}
		c, err := b.collection(ctx, name)
		if err != nil {
			return nil, err
		}

		var deleted int64
		err = b.atomically(ctx, func(tx *goredis.Tx) error {
			matched, err := b.match(ctx, tx, tx, c, f)
			if err != nil {
				return err
			}
			if f.HasID && len(matched) == 0 {
				return types.NewError(types.KindNotFound, types.BackendRedis, "delete", "no record with id "+f.ID, nil)
			}
			deleted = int64(len(matched))
			if deleted == 0 {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
				for _, r := range matched {
					p.Del(ctx, b.recordKey(name, r.ID))
					p.ZRem(ctx, b.idsKey(name), r.ID)
					for _, field := range c.unique {
						if v, ok := r.Fields[field]; ok && !v.IsNull() {
							p.Del(ctx, b.uniqueKey(name, field, v))
						}
					}
				}
				return nil
			})
			return err
		}, b.idsKey(name))
		if err != nil {
			return nil, err
		}
		return &types.DeleteResult{Deleted: deleted}, nil
	})
}
