package types

// Backend identifies a concrete adapter implementation.
type Backend string

// Built-in backends.
const (
	BackendMemory        Backend = "memory"
	BackendMongoDB       Backend = "mongodb"
	BackendSQLite        Backend = "sqlite"
	BackendPostgres      Backend = "postgres"
	BackendTimescale     Backend = "timescaledb"
	BackendRedis         Backend = "redis"
	BackendNeo4j         Backend = "neo4j"
	BackendCassandra     Backend = "cassandra"
	BackendElasticsearch Backend = "elasticsearch"
)

// Variant groups backends by data model.
type Variant string

// Adapter variants.
const (
	VariantDocument   Variant = "document"
	VariantRelational Variant = "relational"
	VariantGraph      Variant = "graph"
	VariantKeyValue   Variant = "keyvalue"
	VariantColumn     Variant = "column"
	VariantSearch     Variant = "search"
	VariantTimeSeries Variant = "timeseries"
)

var variants = map[Backend]Variant{
	BackendMemory:        VariantKeyValue,
	BackendMongoDB:       VariantDocument,
	BackendSQLite:        VariantRelational,
	BackendPostgres:      VariantRelational,
	BackendTimescale:     VariantTimeSeries,
	BackendRedis:         VariantKeyValue,
	BackendNeo4j:         VariantGraph,
	BackendCassandra:     VariantColumn,
	BackendElasticsearch: VariantSearch,
}

// Variant returns the data-model variant of a built-in backend, or "" for an
// unknown one.
func (b Backend) Variant() Variant {
	return variants[b]
}
