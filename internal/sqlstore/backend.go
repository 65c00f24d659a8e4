// Package sqlstore implements the relational backends: SQLite through the
// pure-Go modernc driver, and PostgreSQL and TimescaleDB through pgx.
//
// Each collection is a table. Declared top-level fields get typed columns
// named in snake case; everything else lives in a JSON column. Filters are
// translated to SQL, and updates read, modify and write rows inside one
// transaction.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/unidb/internal/lifecycle"
	"github.com/mesh-intelligence/unidb/internal/models"
	"github.com/mesh-intelligence/unidb/internal/query"
	"github.com/mesh-intelligence/unidb/internal/record"
	"github.com/mesh-intelligence/unidb/internal/schema"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

var _ types.Adapter = (*Backend)(nil)

// Backend implements types.Adapter over database/sql.
type Backend struct {
	guard  *lifecycle.Guard
	log    *zap.Logger
	d      sqlDialect
	ops    opTable
	db     *sql.DB
	models *models.Registry[*model]
}

func newBackend(d sqlDialect, cfg types.Config, log *zap.Logger) *Backend {
	g := lifecycle.New(d.backend(), cfg, log)
	return &Backend{
		guard:  g,
		log:    g.Logger(),
		d:      d,
		ops:    buildTable(d),
		models: models.NewRegistry[*model](),
	}
}

// NewSQLite creates an uninitialized SQLite backend. The database file is
// DataDir/unidb.db unless URI names another DSN.
func NewSQLite(cfg types.Config, log *zap.Logger) *Backend {
	return newBackend(sqliteDialect{}, cfg, log)
}

// NewPostgres creates an uninitialized PostgreSQL backend.
func NewPostgres(cfg types.Config, log *zap.Logger) *Backend {
	return newBackend(postgresDialect{kind: types.BackendPostgres}, cfg, log)
}

// NewTimescale creates an uninitialized TimescaleDB backend. Tables become
// hypertables partitioned on created_at.
func NewTimescale(cfg types.Config, log *zap.Logger) *Backend {
	return newBackend(postgresDialect{kind: types.BackendTimescale, timescale: true}, cfg, log)
}

// Backend returns the dialect's backend kind.
func (b *Backend) Backend() types.Backend { return b.d.backend() }

// Initialize opens the connection pool, verifies it and creates the model
// metadata table.
func (b *Backend) Initialize(ctx context.Context) error {
	return b.guard.Open(ctx, func(ctx context.Context) error {
		dsn, err := b.d.dsn(b.guard.Config())
		if err != nil {
			return err
		}
		db, err := sql.Open(b.d.driver(), dsn)
		if err != nil {
			return err
		}
		if b.d.backend() == types.BackendSQLite {
			// One writer; concurrent callers queue on the pool.
			db.SetMaxOpenConns(1)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return err
		}
		if schema := b.guard.Config().Option("schema", ""); schema != "" && b.d.backend() != types.BackendSQLite {
			if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(schema)); err != nil {
				db.Close()
				return err
			}
		}
		if pg, ok := b.d.(postgresDialect); ok && pg.timescale {
			if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
				b.log.Warn("timescaledb extension unavailable", zap.Error(err))
			}
		}
		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (name TEXT PRIMARY KEY, schema TEXT NOT NULL)", quoteIdent(modelsTable))
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			db.Close()
			return err
		}
		b.db = db
		return nil
	})
}

// Close closes the connection pool.
func (b *Backend) Close(ctx context.Context) error {
	return b.guard.Close(ctx, func(context.Context) error {
		b.models = models.NewRegistry[*model]()
		return b.db.Close()
	})
}

// DefineModel creates the collection's table. A model persisted by an
// earlier process is accepted when its schema is identical.
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

func (b *Backend) collection(ctx context.Context, name string) (*model, error) {
	return b.models.GetOrCreate(name, func() (*model, error) {
		return b.ensure(ctx, name, types.Schema{}, false)
	})
}

// ensure loads the persisted model for name, or creates its table and
// records s. An explicit definition must match what is persisted.
func (b *Backend) ensure(ctx context.Context, name string, s types.Schema, explicit bool) (*model, error) {
	want, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var stored string
	lookup := "SELECT schema FROM " + quoteIdent(modelsTable) + " WHERE name = " + b.d.placeholder(1)
	err = tx.QueryRowContext(ctx, lookup, name).Scan(&stored)
	switch {
	case err == nil:
		var persisted types.Schema
		if err := json.Unmarshal([]byte(stored), &persisted); err != nil {
			return nil, fmt.Errorf("model %q: %w", name, err)
		}
		if explicit {
			again, _ := json.Marshal(persisted)
			if string(again) != string(want) {
				return nil, types.InvalidSchema("", fmt.Sprintf("model %q already defined with a different schema", name))
			}
		}
		b.log.Debug("loaded persisted model", zap.String("collection", name))
		return compileModel(b.d, name, persisted)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	m, err := compileModel(b.d, name, s)
	if err != nil {
		return nil, err
	}
	stmts, err := b.d.tableDDL(name, m.cols)
	if err != nil {
		return nil, err
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, err
		}
	}
	insert := fmt.Sprintf("INSERT INTO %s (name, schema) VALUES (%s, %s)",
		quoteIdent(modelsTable), b.d.placeholder(1), b.d.placeholder(2))
	if _, err := tx.ExecContext(ctx, insert, name, string(want)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if !explicit {
		b.log.Debug("creating default model", zap.String("collection", name))
	}
	return m, nil
}

// Create validates data against the model and inserts a new row.
func (b *Backend) Create(ctx context.Context, name string, data types.Fields) (*types.Record, error) {
	return lifecycle.Run(ctx, b.guard, "create", func(ctx context.Context) (*types.Record, error) {
		m, err := b.collection(ctx, name)
		if err != nil {
			return nil, err
		}
		fields, err := schema.Enforce(m.schema, data)
		if err != nil {
			return nil, err
		}
		r := record.New(fields)
		row, err := m.row(b.d, r)
		if err != nil {
			return nil, err
		}
		cols := m.writeColumns()
		marks := make([]string, len(cols))
		for i := range marks {
			marks[i] = b.d.placeholder(i + 1)
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(m.table), strings.Join(cols, ", "), strings.Join(marks, ", "))
		if _, err := b.db.ExecContext(ctx, stmt, row...); err != nil {
			return nil, err
		}
		return b.reread(ctx, b.db, m, r.ID)
	})
}

// reread loads the stored row for id, so callers see values as the
// columns hold them.
func (b *Backend) reread(ctx context.Context, db queryer, m *model, id string) (*types.Record, error) {
	out, err := b.selectRows(ctx, db, m, query.Filter{ID: id, HasID: true}, 1, false)
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
		out, err := b.find(ctx, b.db, name, q, 1, false)
		if err != nil || len(out) == 0 {
			return nil, err
		}
		return out[0], nil
	})
}

// FindMany returns every match ordered by creation time.
func (b *Backend) FindMany(ctx context.Context, name string, q types.Query) ([]*types.Record, error) {
	return lifecycle.Run(ctx, b.guard, "findMany", func(ctx context.Context) ([]*types.Record, error) {
		return b.find(ctx, b.db, name, q, 0, false)
	})
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (b *Backend) find(ctx context.Context, db queryer, name string, q types.Query, limit int, lock bool) ([]*types.Record, error) {
	f, err := query.Parse(q)
	if err != nil {
		return nil, err
	}
	m, err := b.collection(ctx, name)
	if err != nil {
		return nil, err
	}
	return b.selectRows(ctx, db, m, f, limit, lock)
}

func (b *Backend) selectRows(ctx context.Context, db queryer, m *model, f query.Filter, limit int, lock bool) ([]*types.Record, error) {
	a := &args{d: b.d}
	w, err := where(b.d, b.ops, m, f, a)
	if err != nil {
		return nil, err
	}
	stmt := m.selectFrom(b.d) + w + " ORDER BY " + quoteIdent(colCreatedAt) + ", " + quoteIdent(colID)
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}
	if lock && b.d.backend() != types.BackendSQLite {
		stmt += " FOR UPDATE"
	}
	b.log.Debug("select", zap.String("sql", stmt))

	rows, err := db.QueryContext(ctx, stmt, a.vals...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Record
	for rows.Next() {
		dest := m.scanDest()
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		r, err := m.record(dest)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if out == nil {
		out = []*types.Record{}
	}
	return out, rows.Err()
}

// Update applies u to one row by id, or to every match inside a single
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
		m, err := b.collection(ctx, name)
		if err != nil {
			return nil, err
		}

		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()

		matched, err := b.selectRows(ctx, tx, m, f, 0, true)
		if err != nil {
			return nil, err
		}
		if f.HasID && len(matched) == 0 {
			return nil, types.NewError(types.KindNotFound, b.d.backend(), "update", "no record with id "+f.ID, nil)
		}

		cols := m.writeColumns()
		sets := make([]string, 0, len(cols)-1)
		for i, c := range cols[1:] {
			sets = append(sets, c+" = "+b.d.placeholder(i+1))
		}
		stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
			quoteIdent(m.table), strings.Join(sets, ", "), quoteIdent(colID), b.d.placeholder(len(cols)))

		for _, r := range matched {
			fields, err := query.Apply(change, r.Fields)
			if err != nil {
				return nil, err
			}
			if r.Fields, err = schema.Validate(m.schema, fields); err != nil {
				return nil, err
			}
			r.UpdatedAt = record.Now()
			row, err := m.row(b.d, r)
			if err != nil {
				return nil, err
			}
			if _, err := tx.ExecContext(ctx, stmt, append(row[1:], r.ID)...); err != nil {
				return nil, err
			}
		}
		n := int64(len(matched))
		res := &types.UpdateResult{Matched: n, Modified: n}
		if f.HasID {
			if res.Record, err = b.reread(ctx, tx, m, f.ID); err != nil {
				return nil, err
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return res, nil
	})
}

// Delete removes one row by id, or every match in one statement.
func (b *Backend) Delete(ctx context.Context, name string, q types.Query) (*types.DeleteResult, error) {
	return lifecycle.Run(ctx, b.guard, "delete", func(ctx context.Context) (*types.DeleteResult, error) {
		f, err := query.Parse(q)
		if err != nil {
			return nil, err
		}
		m, err := b.collection(ctx, name)
		if err != nil {
			return nil, err
		}
		a := &args{d: b.d}
		w, err := where(b.d, b.ops, m, f, a)
		if err != nil {
			return nil, err
		}
		res, err := b.db.ExecContext(ctx, "DELETE FROM "+quoteIdent(m.table)+w, a.vals...)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if f.HasID && n == 0 {
			return nil, types.NewError(types.KindNotFound, b.d.backend(), "delete", "no record with id "+f.ID, nil)
		}
		return &types.DeleteResult{Deleted: n}, nil
	})
}
