// Package neo4j implements the graph backend on Neo4j.
//
// A collection is a node label and a record is one node. The node keeps the
// whole record as a JSON document and mirrors every top-level field that
// has a property form (scalars and homogeneous scalar lists) so Cypher can
// narrow the candidates; the Go matcher decides the final result set.
// Schemas are persisted on _unidb_model nodes and unique fields become
// uniqueness constraints.
package neo4j

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/config"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/unidb/internal/lifecycle"
	"github.com/mesh-intelligence/unidb/internal/models"
	"github.com/mesh-intelligence/unidb/internal/query"
	"github.com/mesh-intelligence/unidb/internal/record"
	"github.com/mesh-intelligence/unidb/internal/schema"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

const constraintFailed = "Neo.ClientError.Schema.ConstraintValidationFailed"

var predicates = query.Predicates(types.BackendNeo4j)

var _ types.Adapter = (*Backend)(nil)

type collection struct {
	name   string
	label  string
	schema types.Schema
}

// Backend implements types.Adapter on Neo4j.
type Backend struct {
	guard  *lifecycle.Guard
	log    *zap.Logger
	driver neo4j.DriverWithContext
	models *models.Registry[*collection]
	// prefix namespaces labels and model names, from Options["label_prefix"].
	prefix string
}

// New creates an uninitialized Neo4j backend.
func New(cfg types.Config, log *zap.Logger) *Backend {
	g := lifecycle.New(types.BackendNeo4j, cfg, log)
	return &Backend{
		guard:  g,
		log:    g.Logger(),
		models: models.NewRegistry[*collection](),
		prefix: cfg.Option("label_prefix", ""),
	}
}

// Backend returns types.BackendNeo4j.
func (b *Backend) Backend() types.Backend { return types.BackendNeo4j }

// target returns the bolt routing URI for cfg.
func target(cfg types.Config) string {
	if cfg.URI != "" {
		return cfg.URI
	}
	scheme := "neo4j"
	if cfg.TLS {
		scheme = "neo4j+s"
	}
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 7687
	}
	return scheme + "://" + host + ":" + strconv.Itoa(port)
}

// Initialize creates the driver and verifies connectivity.
func (b *Backend) Initialize(ctx context.Context) error {
	return b.guard.Open(ctx, func(ctx context.Context) error {
		cfg := b.guard.Config()
		auth := neo4j.NoAuth()
		if cfg.Username != "" {
			auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
		}
		driver, err := neo4j.NewDriverWithContext(target(cfg), auth, func(c *config.Config) {
			c.SocketConnectTimeout = cfg.ConnectTimeout
			c.ConnectionAcquisitionTimeout = cfg.ConnectTimeout
		})
		if err != nil {
			return err
		}
		if err := driver.VerifyConnectivity(ctx); err != nil {
			driver.Close(ctx)
			return err
		}
		b.driver = driver
		_, err = b.run(ctx, "CREATE CONSTRAINT unidb_model_name IF NOT EXISTS FOR (m:"+quote(modelLabel)+") REQUIRE m.name IS UNIQUE", nil, false)
		if err != nil {
			driver.Close(ctx)
			return err
		}
		return nil
	})
}

// Close closes the driver.
func (b *Backend) Close(ctx context.Context) error {
	return b.guard.Close(ctx, func(ctx context.Context) error {
		b.models = models.NewRegistry[*collection]()
		return b.driver.Close(ctx)
	})
}

func (b *Backend) database() string { return b.guard.Config().Database }

// run executes one statement in its own managed transaction.
func (b *Backend) run(ctx context.Context, cypher string, p map[string]any, read bool) ([]*neo4j.Record, error) {
	opts := []neo4j.ExecuteQueryConfigurationOption{neo4j.ExecuteQueryWithDatabase(b.database())}
	if read {
		opts = append(opts, neo4j.ExecuteQueryWithReadersRouting())
	}
	res, err := neo4j.ExecuteQuery(ctx, b.driver, cypher, p, neo4j.EagerResultTransformer, opts...)
	if err != nil {
		return nil, conflict(err)
	}
	return res.Records, nil
}

// write runs fn in a write transaction. The driver may retry fn on
// transient failures, so fn must not keep state between attempts.
func (b *Backend) write(ctx context.Context, fn func(tx neo4j.ManagedTransaction) error) error {
	session := b.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: b.database(),
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(tx)
	})
	return conflict(err)
}

// conflict turns constraint violations into DatabaseError with the
// server's message.
func conflict(err error) error {
	var nerr *neo4j.Neo4jError
	if errors.As(err, &nerr) && nerr.Code == constraintFailed {
		return types.Malformed("%s", nerr.Msg)
	}
	return err
}

// DefineModel registers a normalized schema, persisting it on a model node
// and creating constraints for unique fields. A schema persisted earlier
// must be identical.
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
	rows, err := b.run(ctx, "MERGE (m:"+quote(modelLabel)+" {name: $name})"+
		" ON CREATE SET m.schema = $schema, m.fresh = true"+
		" ON MATCH SET m.fresh = false"+
		" RETURN m.schema AS schema, m.fresh AS fresh",
		map[string]any{"name": b.prefix + name, "schema": string(want)}, false)
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 {
		return nil, fmt.Errorf("model %q: expected one model node, got %d", name, len(rows))
	}
	stored, _ := rows[0].Get("schema")
	fresh, _ := rows[0].Get("fresh")

	persisted := s
	if created, _ := fresh.(bool); created {
		if !explicit {
			b.log.Debug("creating default model", zap.String("collection", name))
		}
	} else {
		text, _ := stored.(string)
		if err := json.Unmarshal([]byte(text), &persisted); err != nil {
			return nil, fmt.Errorf("model %q: %w", name, err)
		}
		again, _ := json.Marshal(persisted)
		if explicit && string(again) != string(want) {
			return nil, types.InvalidSchema("", fmt.Sprintf("model %q already defined with a different schema", name))
		}
	}

	c := &collection{name: name, label: quote(b.prefix + name), schema: persisted}
	for _, field := range append([]string{types.FieldID}, schema.Unique(persisted)...) {
		stmt := "CREATE CONSTRAINT " + quote("unidb_"+b.prefix+name+"_"+field) + " IF NOT EXISTS" +
			" FOR (n:" + c.label + ") REQUIRE n." + quote(field) + " IS UNIQUE"
		if _, err := b.run(ctx, stmt, nil, false); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// runner is the part of a transaction or session match needs.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (neo4j.ResultWithContext, error)
}

// match loads the records selected by f, narrowing in Cypher and deciding
// in Go. Records come back in creation order.
func (b *Backend) match(ctx context.Context, tx runner, c *collection, f query.Filter) ([]*types.Record, error) {
	pred, err := query.CompilePredicate(predicates, f)
	if err != nil {
		return nil, err
	}
	p := params{}
	cond, err := where(f, p)
	if err != nil {
		return nil, err
	}
	cypher := "MATCH (n:" + c.label + ")" + cond + " RETURN n." + docProp + " AS doc ORDER BY n.createdAt, n.id"

	var rows []*neo4j.Record
	if tx == nil {
		rows, err = b.run(ctx, cypher, p, true)
	} else {
		var res neo4j.ResultWithContext
		if res, err = tx.Run(ctx, cypher, p); err == nil {
			rows, err = res.Collect(ctx)
		}
	}
	if err != nil {
		return nil, err
	}

	out := []*types.Record{}
	for _, row := range rows {
		doc, _ := row.Get("doc")
		text, ok := doc.(string)
		if !ok {
			continue
		}
		r, err := c.decode(text)
		if err != nil {
			return nil, err
		}
		if pred(r) {
			out = append(out, r)
		}
	}
	return out, nil
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

func encode(r *types.Record) (map[string]any, error) {
	doc, err := json.Marshal(r)
	if err != nil {
		return nil, types.Malformed("encoding record: %v", err)
	}
	return properties(r, string(doc)), nil
}

// Create validates data and writes one node.
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
		props, err := encode(r)
		if err != nil {
			return nil, err
		}
		if _, err := b.run(ctx, "CREATE (n:"+c.label+") SET n = $props", map[string]any{"props": props}, false); err != nil {
			return nil, err
		}
		return b.reread(ctx, name, r.ID)
	})
}

// reread loads the stored node for id after a write.
func (b *Backend) reread(ctx context.Context, name, id string) (*types.Record, error) {
	out, err := b.find(ctx, name, types.ByID(id))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("node %s missing after write", id)
	}
	return out[0], nil
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
	return b.match(ctx, nil, c, f)
}

// Update applies u to one node by id, or to every match in one write
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
		err = b.write(ctx, func(tx neo4j.ManagedTransaction) error {
			matched, err := b.match(ctx, tx, c, f)
			if err != nil {
				return err
			}
			if f.HasID && len(matched) == 0 {
				return types.NewError(types.KindNotFound, types.BackendNeo4j, "update", "no record with id "+f.ID, nil)
			}
			staged = make([]*types.Record, 0, len(matched))
			rows := make([]any, 0, len(matched))
			for _, r := range matched {
				fields, err := query.Apply(change, r.Fields)
				if err != nil {
					return err
				}
				next := r.Clone()
				if next.Fields, err = schema.Validate(c.schema, fields); err != nil {
					return err
				}
				next.UpdatedAt = record.Now()
				props, err := encode(next)
				if err != nil {
					return err
				}
				rows = append(rows, map[string]any{"id": next.ID, "props": props})
				staged = append(staged, next)
			}
			if len(rows) == 0 {
				return nil
			}
			res, err := tx.Run(ctx, "UNWIND $rows AS row MATCH (n:"+c.label+" {id: row.id}) SET n = row.props",
				map[string]any{"rows": rows})
			if err != nil {
				return err
			}
			_, err = res.Consume(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}

		n := int64(len(staged))
		res := &types.UpdateResult{Matched: n, Modified: n}
		if f.HasID {
			if res.Record, err = b.reread(ctx, name, f.ID); err != nil {
				return nil, err
			}
		}
		return res, nil
	})
}

// Delete removes one node by id, or every match in one write transaction.
// Relationships attached to deleted nodes go with them.
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
		err = b.write(ctx, func(tx neo4j.ManagedTransaction) error {
			matched, err := b.match(ctx, tx, c, f)
			if err != nil {
				return err
			}
			if f.HasID && len(matched) == 0 {
				return types.NewError(types.KindNotFound, types.BackendNeo4j, "delete", "no record with id "+f.ID, nil)
			}
			deleted = int64(len(matched))
			if deleted == 0 {
				return nil
			}
			ids := make([]any, len(matched))
			for i, r := range matched {
				ids[i] = r.ID
			}
			res, err := tx.Run(ctx, "MATCH (n:"+c.label+") WHERE n.id IN $ids DETACH DELETE n", map[string]any{"ids": ids})
			if err != nil {
				return err
			}
			_, err = res.Consume(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		return &types.DeleteResult{Deleted: deleted}, nil
	})
}
