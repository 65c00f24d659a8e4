// Package cassandra implements the column backend on Apache Cassandra.
//
// Each collection is a table keyed by id in one keyspace. Declared fields
// get typed columns, scalar arrays and sets become native collections, and
// everything else is JSON text, with undeclared fields in an _extra column.
// Timestamps have millisecond precision. CQL cannot express negation,
// membership or patterns on regular columns, so those operators are
// rejected; conditions CQL can express narrow the scan and the Go matcher
// decides. Multi-row writes go through LOGGED batches.
package cassandra

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/unidb/internal/lifecycle"
	"github.com/mesh-intelligence/unidb/internal/models"
	"github.com/mesh-intelligence/unidb/internal/query"
	"github.com/mesh-intelligence/unidb/internal/record"
	"github.com/mesh-intelligence/unidb/internal/schema"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

// DefaultKeyspace is used when neither Database nor Options["keyspace"] is
// set.
const DefaultKeyspace = "unidb"

// defaultReplication applies when the keyspace has to be created.
const defaultReplication = "{'class': 'SimpleStrategy', 'replication_factor': 1}"

var predicates = query.Predicates(types.BackendCassandra)

var _ types.Adapter = (*Backend)(nil)

// Backend implements types.Adapter on Cassandra.
type Backend struct {
	guard    *lifecycle.Guard
	log      *zap.Logger
	keyspace string
	session  *gocql.Session
	models   *models.Registry[*model]
}

// New creates an uninitialized Cassandra backend.
func New(cfg types.Config, log *zap.Logger) *Backend {
	g := lifecycle.New(types.BackendCassandra, cfg, log)
	ks := cfg.Database
	if ks == "" {
		ks = cfg.Option("keyspace", DefaultKeyspace)
	}
	return &Backend{
		guard:    g,
		log:      g.Logger(),
		keyspace: ks,
		models:   models.NewRegistry[*model](),
	}
}

// Backend returns types.BackendCassandra.
func (b *Backend) Backend() types.Backend { return types.BackendCassandra }

// clusterConfig builds the gocql cluster from cfg.
func clusterConfig(cfg types.Config) (*gocql.ClusterConfig, error) {
	hosts := cfg.Hosts
	if len(hosts) == 0 {
		host := cfg.Host
		if host == "" {
			host = "localhost"
		}
		hosts = []string{host}
	}
	cluster := gocql.NewCluster(hosts...)
	if cfg.Port != 0 {
		cluster.Port = cfg.Port
	}
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}
	if cfg.TLS {
		cluster.SslOpts = &gocql.SslOptions{
			Config:                 &tls.Config{MinVersion: tls.VersionTLS12},
			EnableHostVerification: true,
		}
	}
	consistency, err := gocql.ParseConsistencyWrapper(cfg.Option("consistency", "QUORUM"))
	if err != nil {
		return nil, err
	}
	cluster.Consistency = consistency
	cluster.Timeout = cfg.OperationTimeout
	cluster.ConnectTimeout = cfg.ConnectTimeout
	return cluster, nil
}

// Initialize opens the session, creates the keyspace when missing and the
// models table.
func (b *Backend) Initialize(ctx context.Context) error {
	return b.guard.Open(ctx, func(ctx context.Context) error {
		cfg := b.guard.Config()
		cluster, err := clusterConfig(cfg)
		if err != nil {
			return err
		}
		session, err := cluster.CreateSession()
		if err != nil {
			return err
		}
		stmts := []string{
			"CREATE KEYSPACE IF NOT EXISTS " + quote(b.keyspace) +
				" WITH replication = " + cfg.Option("replication", defaultReplication),
			"CREATE TABLE IF NOT EXISTS " + quote(b.keyspace) + "." + modelsTable +
				" (name text PRIMARY KEY, schema text)",
		}
		for _, stmt := range stmts {
			if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
				session.Close()
				return err
			}
		}
		b.session = session
		return nil
	})
}

// Close closes the session.
func (b *Backend) Close(ctx context.Context) error {
	return b.guard.Close(ctx, func(context.Context) error {
		b.models = models.NewRegistry[*model]()
		b.session.Close()
		return nil
	})
}

// DefineModel registers a normalized schema, persisting it in the models
// table. Unique fields are rejected: Cassandra has no unique constraints.
func (b *Backend) DefineModel(ctx context.Context, name string, s types.Schema) error {
	_, err := lifecycle.Run(ctx, b.guard, "define", func(ctx context.Context) (*model, error) {
		canonical, err := schema.Normalize(s, b.log)
		if err != nil {
			return nil, err
		}
		return b.models.Define(name, func() (*model, error) {
			return b.ensure(ctx, name, canonical, true)
		})
	})
	return err
}

func (b *Backend) model(ctx context.Context, name string) (*model, error) {
	return b.models.GetOrCreate(name, func() (*model, error) {
		return b.ensure(ctx, name, types.Schema{}, false)
	})
}

func (b *Backend) ensure(ctx context.Context, name string, s types.Schema, explicit bool) (*model, error) {
	if _, err := compileModel(b.keyspace, name, s); err != nil {
		return nil, err
	}
	want, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	existing := map[string]any{}
	applied, err := b.session.Query(
		"INSERT INTO "+quote(b.keyspace)+"."+modelsTable+" (name, schema) VALUES (?, ?) IF NOT EXISTS",
		name, string(want)).WithContext(ctx).MapScanCAS(existing)
	if err != nil {
		return nil, err
	}

	persisted := s
	if applied {
		if !explicit {
			b.log.Debug("creating default model", zap.String("collection", name))
		}
	} else {
		text, _ := existing["schema"].(string)
		persisted = types.Schema{}
		if err := json.Unmarshal([]byte(text), &persisted); err != nil {
			return nil, fmt.Errorf("model %q: %w", name, err)
		}
		again, _ := json.Marshal(persisted)
		if explicit && string(again) != string(want) {
			return nil, types.InvalidSchema("", fmt.Sprintf("model %q already defined with a different schema", name))
		}
	}

	m, err := compileModel(b.keyspace, name, persisted)
	if err != nil {
		return nil, err
	}
	if err := b.session.Query(m.tableDDL()).WithContext(ctx).Exec(); err != nil {
		return nil, err
	}
	return m, nil
}

// match runs the narrowed scan and filters in Go. Rows come back in
// token order, so matches are sorted by creation time and id here.
func (b *Backend) match(ctx context.Context, m *model, f query.Filter) ([]*types.Record, error) {
	pred, err := query.CompilePredicate(predicates, f)
	if err != nil {
		return nil, err
	}
	stmt, args, err := selectStmt(m, f)
	if err != nil {
		return nil, err
	}

	iter := b.session.Query(stmt, args...).WithContext(ctx).Iter()
	out := []*types.Record{}
	for {
		dest := m.scanDest()
		if !iter.Scan(dest...) {
			break
		}
		r, err := m.record(dest)
		if err != nil {
			iter.Close()
			return nil, err
		}
		if pred(r) {
			out = append(out, r)
		}
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// stamp truncates the envelope to the precision a timestamp column keeps.
func stamp(r *types.Record) {
	r.CreatedAt = r.CreatedAt.Truncate(time.Millisecond)
	r.UpdatedAt = r.UpdatedAt.Truncate(time.Millisecond)
}

// Create validates data and inserts one row.
func (b *Backend) Create(ctx context.Context, name string, data types.Fields) (*types.Record, error) {
	return lifecycle.Run(ctx, b.guard, "create", func(ctx context.Context) (*types.Record, error) {
		m, err := b.model(ctx, name)
		if err != nil {
			return nil, err
		}
		fields, err := schema.Enforce(m.schema, data)
		if err != nil {
			return nil, err
		}
		r := record.New(fields)
		stamp(r)
		row, err := m.row(r)
		if err != nil {
			return nil, err
		}
		if err := b.session.Query(m.insert(), row...).WithContext(ctx).Exec(); err != nil {
			return nil, err
		}
		return b.reread(ctx, name, r.ID)
	})
}

// reread loads the stored row for id after a write.
func (b *Backend) reread(ctx context.Context, name, id string) (*types.Record, error) {
	out, err := b.find(ctx, name, types.ByID(id))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("row %s missing after write", id)
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

// FindMany returns every match ordered by creation time.
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
	m, err := b.model(ctx, name)
	if err != nil {
		return nil, err
	}
	return b.match(ctx, m, f)
}

// batch runs stmts as one LOGGED batch.
func (b *Backend) batch(ctx context.Context, stmts []string, args [][]any) error {
	batch := b.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	for i, stmt := range stmts {
		batch.Query(stmt, args[i]...)
	}
	return b.session.ExecuteBatch(batch)
}

// Update applies u to one row by id, or to every match in one LOGGED
// batch. $inc is rejected: only counter columns can be incremented.
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
		if err := query.CheckUpdate(types.BackendCassandra, change, types.OpInc); err != nil {
			return nil, err
		}
		m, err := b.model(ctx, name)
		if err != nil {
			return nil, err
		}
		matched, err := b.match(ctx, m, f)
		if err != nil {
			return nil, err
		}
		if f.HasID && len(matched) == 0 {
			return nil, types.NewError(types.KindNotFound, types.BackendCassandra, "update", "no record with id "+f.ID, nil)
		}

		staged := make([]*types.Record, 0, len(matched))
		stmts := make([]string, 0, len(matched))
		args := make([][]any, 0, len(matched))
		for _, r := range matched {
			fields, err := query.Apply(change, r.Fields)
			if err != nil {
				return nil, err
			}
			next := r.Clone()
			if next.Fields, err = schema.Validate(m.schema, fields); err != nil {
				return nil, err
			}
			next.UpdatedAt = record.Now()
			stamp(next)
			row, err := m.row(next)
			if err != nil {
				return nil, err
			}
			stmts = append(stmts, m.insert())
			args = append(args, row)
			staged = append(staged, next)
		}
		if len(stmts) > 0 {
			if err := b.batch(ctx, stmts, args); err != nil {
				return nil, err
			}
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

// Delete removes one row by id, or every match in one LOGGED batch.
func (b *Backend) Delete(ctx context.Context, name string, q types.Query) (*types.DeleteResult, error) {
	return lifecycle.Run(ctx, b.guard, "delete", func(ctx context.Context) (*types.DeleteResult, error) {
		f, err := query.Parse(q)
		if err != nil {
			return nil, err
		}
		m, err := b.model(ctx, name)
		if err != nil {
			return nil, err
		}
		matched, err := b.match(ctx, m, f)
		if err != nil {
			return nil, err
		}
		if f.HasID && len(matched) == 0 {
			return nil, types.NewError(types.KindNotFound, types.BackendCassandra, "delete", "no record with id "+f.ID, nil)
		}
		if len(matched) == 0 {
			return &types.DeleteResult{}, nil
		}
		stmts := make([]string, len(matched))
		args := make([][]any, len(matched))
		for i, r := range matched {
			stmts[i] = "DELETE FROM " + m.ref() + " WHERE " + colID + " = ?"
			args[i] = []any{r.ID}
		}
		if err := b.batch(ctx, stmts, args); err != nil {
			return nil, err
		}
		return &types.DeleteResult{Deleted: int64(len(matched))}, nil
	})
}

