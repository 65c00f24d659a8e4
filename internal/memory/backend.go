// Package memory implements an in-process key-value backend. It keeps
// records in insertion order, enforces schemas in Go, and applies bulk
// updates all-or-nothing.
package memory

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/unidb/internal/lifecycle"
	"github.com/mesh-intelligence/unidb/internal/models"
	"github.com/mesh-intelligence/unidb/internal/query"
	"github.com/mesh-intelligence/unidb/internal/record"
	"github.com/mesh-intelligence/unidb/internal/schema"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

var predicates = query.Predicates(types.BackendMemory)

var _ types.Adapter = (*Backend)(nil)

// collection holds the records and compiled model of one collection.
type collection struct {
	mu      sync.RWMutex
	schema  types.Schema
	unique  []string
	order   []string
	records map[string]*types.Record
}

// Backend implements types.Adapter in memory.
type Backend struct {
	guard       *lifecycle.Guard
	log         *zap.Logger
	collections *models.Registry[*collection]

	// beforeWrite runs before each record of a write is committed. Tests
	// use it to fail a batch midway.
	beforeWrite func(id string) error
}

// New creates an uninitialized memory backend.
func New(cfg types.Config, log *zap.Logger) *Backend {
	g := lifecycle.New(types.BackendMemory, cfg, log)
	return &Backend{
		guard:       g,
		log:         g.Logger(),
		collections: models.NewRegistry[*collection](),
	}
}

// Backend returns types.BackendMemory.
func (b *Backend) Backend() types.Backend { return types.BackendMemory }

// Initialize moves the backend to ready. There is nothing to connect to.
func (b *Backend) Initialize(ctx context.Context) error {
	return b.guard.Open(ctx, func(context.Context) error { return nil })
}

// Close drops every collection.
func (b *Backend) Close(ctx context.Context) error {
	return b.guard.Close(ctx, func(context.Context) error {
		b.collections = models.NewRegistry[*collection]()
		return nil
	})
}

func newCollection(s types.Schema) *collection {
	return &collection{
		schema:  s,
		unique:  schema.Unique(s),
		records: make(map[string]*types.Record),
	}
}

// DefineModel registers a normalized schema for name.
func (b *Backend) DefineModel(ctx context.Context, name string, s types.Schema) error {
	_, err := lifecycle.Run(ctx, b.guard, "define", func(context.Context) (*collection, error) {
		canonical, err := schema.Normalize(s, b.log)
		if err != nil {
			return nil, err
		}
		return b.collections.Define(name, func() (*collection, error) {
			return newCollection(canonical), nil
		})
	})
	return err
}

func (b *Backend) collection(name string) (*collection, error) {
	return b.collections.GetOrCreate(name, func() (*collection, error) {
		b.log.Debug("creating default model", zap.String("collection", name))
		return newCollection(types.Schema{}), nil
	})
}

// Create validates data against the model and stores a new record.
func (b *Backend) Create(ctx context.Context, name string, data types.Fields) (*types.Record, error) {
	return lifecycle.Run(ctx, b.guard, "create", func(context.Context) (*types.Record, error) {
		c, err := b.collection(name)
		if err != nil {
			return nil, err
		}
		fields, err := schema.Enforce(c.schema, data)
		if err != nil {
			return nil, err
		}
		r := record.New(fields)

		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.checkUnique([]*types.Record{r}); err != nil {
			return nil, err
		}
		if b.beforeWrite != nil {
			if err := b.beforeWrite(r.ID); err != nil {
				return nil, err
			}
		}
		c.records[r.ID] = r
		c.order = append(c.order, r.ID)
		return r.Clone(), nil
	})
}

// FindOne returns the first match in insertion order, or nil.
func (b *Backend) FindOne(ctx context.Context, name string, q types.Query) (*types.Record, error) {
	return lifecycle.Run(ctx, b.guard, "findOne", func(context.Context) (*types.Record, error) {
		matches, err := b.find(name, q, 1)
		if err != nil || len(matches) == 0 {
			return nil, err
		}
		return matches[0], nil
	})
}

// FindMany returns every match in insertion order.
func (b *Backend) FindMany(ctx context.Context, name string, q types.Query) ([]*types.Record, error) {
	return lifecycle.Run(ctx, b.guard, "findMany", func(context.Context) ([]*types.Record, error) {
		return b.find(name, q, 0)
	})
}

func (b *Backend) find(name string, q types.Query, limit int) ([]*types.Record, error) {
	f, err := query.Parse(q)
	if err != nil {
		return nil, err
	}
	c, err := b.collection(name)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	matched, err := c.match(f)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Record, 0, len(matched))
	for _, r := range matched {
		out = append(out, r.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// match returns the stored records matching f. Callers hold c.mu.
func (c *collection) match(f query.Filter) ([]*types.Record, error) {
	if f.HasID {
		if r, ok := c.records[f.ID]; ok {
			return []*types.Record{r}, nil
		}
		return nil, nil
	}
	pred, err := query.CompilePredicate(predicates, f)
	if err != nil {
		return nil, err
	}
	var out []*types.Record
	for _, id := range c.order {
		if r := c.records[id]; pred(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// checkUnique fails when a candidate record would share a unique value with
// another candidate or with a stored record that is not being replaced.
// Callers hold c.mu.
func (c *collection) checkUnique(candidates []*types.Record) error {
	if len(c.unique) == 0 {
		return nil
	}
	replacing := make(map[string]bool, len(candidates))
	for _, r := range candidates {
		replacing[r.ID] = true
	}
	for _, field := range c.unique {
		seen := make(map[string]string)
		for _, id := range c.order {
			if replacing[id] {
				continue
			}
			if v, ok := c.records[id].Fields[field]; ok && !v.IsNull() {
				seen[v.Key()] = id
			}
		}
		for _, r := range candidates {
			v, ok := r.Fields[field]
			if !ok || v.IsNull() {
				continue
			}
			if other, dup := seen[v.Key()]; dup && other != r.ID {
				return types.Malformed("duplicate value %s for unique field %q", v, field)
			}
			seen[v.Key()] = r.ID
		}
	}
	return nil
}

// Update applies u to one record by id, or to every match atomically.
func (b *Backend) Update(ctx context.Context, name string, q types.Query, u types.Update) (*types.UpdateResult, error) {
	return lifecycle.Run(ctx, b.guard, "update", func(context.Context) (*types.UpdateResult, error) {
		f, err := query.Parse(q)
		if err != nil {
			return nil, err
		}
		change, err := query.ParseUpdate(u)
		if err != nil {
			return nil, err
		}
		c, err := b.collection(name)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		matched, err := c.match(f)
		if err != nil {
			return nil, err
		}
		if f.HasID && len(matched) == 0 {
			return nil, types.NewError(types.KindNotFound, types.BackendMemory, "update", "no record with id "+f.ID, nil)
		}

		// Stage every change first so a failure leaves the collection untouched.
		staged := make([]*types.Record, 0, len(matched))
		for _, r := range matched {
			fields, err := query.Apply(change, r.Fields)
			if err != nil {
				return nil, err
			}
			if fields, err = schema.Validate(c.schema, fields); err != nil {
				return nil, err
			}
			next := r.Clone()
			next.Fields = fields
			next.UpdatedAt = record.Now()
			staged = append(staged, next)
		}
		if err := c.checkUnique(staged); err != nil {
			return nil, err
		}
		if b.beforeWrite != nil {
			for _, r := range staged {
				if err := b.beforeWrite(r.ID); err != nil {
					return nil, err
				}
			}
		}
		for _, r := range staged {
			c.records[r.ID] = r
		}

		n := int64(len(staged))
		res := &types.UpdateResult{Matched: n, Modified: n}
		if f.HasID {
			res.Record = staged[0].Clone()
		}
		return res, nil
	})
}

// Delete removes one record by id, or every match.
func (b *Backend) Delete(ctx context.Context, name string, q types.Query) (*types.DeleteResult, error) {
	return lifecycle.Run(ctx, b.guard, "delete", func(context.Context) (*types.DeleteResult, error) {
		f, err := query.Parse(q)
		if err != nil {
			return nil, err
		}
		c, err := b.collection(name)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		matched, err := c.match(f)
		if err != nil {
			return nil, err
		}
		if f.HasID && len(matched) == 0 {
			return nil, types.NewError(types.KindNotFound, types.BackendMemory, "delete", "no record with id "+f.ID, nil)
		}
		if b.beforeWrite != nil {
			for _, r := range matched {
				if err := b.beforeWrite(r.ID); err != nil {
					return nil, err
				}
			}
		}
		gone := make(map[string]bool, len(matched))
		for _, r := range matched {
			gone[r.ID] = true
			delete(c.records, r.ID)
		}
		kept := c.order[:0]
		for _, id := range c.order {
			if !gone[id] {
				kept = append(kept, id)
			}
		}
		c.order = kept
		return &types.DeleteResult{Deleted: int64(len(matched))}, nil
	})
}
