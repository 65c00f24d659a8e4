// Package unidb is the public entry point: it maps backend names to adapter
// constructors and builds adapters while keeping the backend packages
// internal.
//
// Example:
//
//	db, err := unidb.Connect("postgres", types.Config{URI: "postgres://localhost/app"},
//	    unidb.WithLogger(log))
//	if err != nil {
//	    return err
//	}
//	if err := db.Initialize(ctx); err != nil {
//	    return err
//	}
//	defer db.Close(ctx)
package unidb

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/unidb/internal/cassandra"
	"github.com/mesh-intelligence/unidb/internal/elastic"
	"github.com/mesh-intelligence/unidb/internal/memory"
	"github.com/mesh-intelligence/unidb/internal/mongodb"
	"github.com/mesh-intelligence/unidb/internal/neo4j"
	"github.com/mesh-intelligence/unidb/internal/redis"
	"github.com/mesh-intelligence/unidb/internal/sqlstore"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

// Version is the module release.
const Version = "0.1.0"

// Constructor builds an uninitialized adapter. It must not perform I/O.
type Constructor func(cfg types.Config, log *zap.Logger) types.Adapter

// Option configures Connect.
type Option func(*options)

type options struct {
	log *zap.Logger
}

// WithLogger sets the logger handed to the adapter. The default discards
// everything.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// Registry maps backend names and aliases to constructors.
type Registry struct {
	mu      sync.RWMutex
	ctors   map[types.Backend]Constructor
	aliases map[string]types.Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ctors:   make(map[types.Backend]Constructor),
		aliases: make(map[string]types.Backend),
	}
}

// Register adds or replaces the constructor for kind. Each alias resolves
// to kind as well.
func (r *Registry) Register(kind types.Backend, ctor Constructor, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[kind] = ctor
	for _, a := range aliases {
		r.aliases[strings.ToLower(a)] = kind
	}
}

// Resolve returns the canonical backend for a name or alias.
func (r *Registry) Resolve(name string) (types.Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := strings.ToLower(strings.TrimSpace(name))
	if kind, ok := r.aliases[key]; ok {
		return kind, true
	}
	kind := types.Backend(key)
	_, ok := r.ctors[kind]
	return kind, ok
}

// Backends returns the registered backend names in sorted order, aliases
// excluded.
func (r *Registry) Backends() []types.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Backend, 0, len(r.ctors))
	for k := range r.ctors {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Aliases returns the aliases registered for kind in sorted order.
func (r *Registry) Aliases(kind types.Backend) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for a, k := range r.aliases {
		if k == kind {
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

// Connect builds an uninitialized adapter for name. It validates cfg but
// never contacts the backend; call Initialize on the result.
func (r *Registry) Connect(name string, cfg types.Config, opts ...Option) (types.Adapter, error) {
	kind, ok := r.Resolve(name)
	if !ok {
		return nil, types.NewError(types.KindUnknownBackend, types.Backend(name), "connect",
			fmt.Sprintf("unknown backend %q", name), nil)
	}
	r.mu.RLock()
	ctor := r.ctors[kind]
	r.mu.RUnlock()

	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}

	cfg.Backend = string(kind)
	if err := cfg.Validate(); err != nil {
		return nil, types.NewError(types.KindConnection, kind, "connect", "invalid config", err)
	}
	return ctor(cfg, o.log), nil
}

// DefaultRegistry holds every built-in backend.
var DefaultRegistry = builtin()

func builtin() *Registry {
	r := NewRegistry()
	r.Register(types.BackendMemory, func(cfg types.Config, log *zap.Logger) types.Adapter {
		return memory.New(cfg, log)
	}, "mem")
	r.Register(types.BackendMongoDB, func(cfg types.Config, log *zap.Logger) types.Adapter {
		return mongodb.New(cfg, log)
	}, "mongo")
	r.Register(types.BackendSQLite, func(cfg types.Config, log *zap.Logger) types.Adapter {
		return sqlstore.NewSQLite(cfg, log)
	}, "sqlite3")
	r.Register(types.BackendPostgres, func(cfg types.Config, log *zap.Logger) types.Adapter {
		return sqlstore.NewPostgres(cfg, log)
	}, "postgresql", "cockroach", "cockroachdb")
	r.Register(types.BackendTimescale, func(cfg types.Config, log *zap.Logger) types.Adapter {
		return sqlstore.NewTimescale(cfg, log)
	}, "timescale")
	r.Register(types.BackendRedis, func(cfg types.Config, log *zap.Logger) types.Adapter {
		return redis.New(cfg, log)
	})
	r.Register(types.BackendNeo4j, func(cfg types.Config, log *zap.Logger) types.Adapter {
		return neo4j.New(cfg, log)
	})
	r.Register(types.BackendCassandra, func(cfg types.Config, log *zap.Logger) types.Adapter {
		return cassandra.New(cfg, log)
	}, "scylla")
	r.Register(types.BackendElasticsearch, func(cfg types.Config, log *zap.Logger) types.Adapter {
		return elastic.New(cfg, log)
	}, "es", "elastic")
	return r
}

// Connect builds an adapter from DefaultRegistry.
func Connect(name string, cfg types.Config, opts ...Option) (types.Adapter, error) {
	return DefaultRegistry.Connect(name, cfg, opts...)
}

// Register adds a constructor to DefaultRegistry.
func Register(kind types.Backend, ctor Constructor, aliases ...string) {
	DefaultRegistry.Register(kind, ctor, aliases...)
}

// Backends lists the backends in DefaultRegistry.
func Backends() []types.Backend {
	return DefaultRegistry.Backends()
}
