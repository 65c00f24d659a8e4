package sqlstore

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mesh-intelligence/unidb/pkg/types"
)

// dialect captures what differs between the SQL engines: driver and DSN,
// placeholders, column types, JSON access and table options.
type dialect interface {
	backend() types.Backend
	driver() string
	dsn(cfg types.Config) (string, error)
	placeholder(n int) string
	columnType(t types.FieldType) string
	jsonType() string
	nativeTimestamps() bool
	// selectExpr wraps a column for SELECT so JSON comes back as text.
	selectExpr(c *column) string
	// arg converts a value for binding against a typed column.
	arg(t types.FieldType, v types.Value) (any, error)
	// tableDDL returns the statements that create a model's table.
	tableDDL(table string, cols []*column) ([]string, error)
}

// Reserved column names every table carries.
const (
	colID        = "id"
	colExtra     = "_extra"
	colCreatedAt = "created_at"
	colUpdatedAt = "updated_at"
)

// modelsTable persists model definitions so later processes reuse them.
const modelsTable = "_unidb_models"

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// --- sqlite ---

type sqliteDialect struct{}

func (sqliteDialect) backend() types.Backend { return types.BackendSQLite }
func (sqliteDialect) driver() string         { return "sqlite" }

// dsn returns the database file inside DataDir, or the URI when set.
func (sqliteDialect) dsn(cfg types.Config) (string, error) {
	if cfg.URI != "" {
		return cfg.URI, nil
	}
	dir := cfg.DataDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, cfg.Option("file", "unidb.db"))
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", nil
}

func (sqliteDialect) placeholder(int) string { return "?" }

func (sqliteDialect) columnType(t types.FieldType) string {
	switch t {
	case types.TypeNumber:
		return "NUMERIC"
	case types.TypeBoolean:
		return "INTEGER"
	case types.TypeBuffer:
		return "BLOB"
	case types.TypeString, types.TypeObjectID, types.TypeUUID, types.TypeDate:
		return "TEXT"
	}
	return "TEXT"
}

func (sqliteDialect) jsonType() string       { return "TEXT" }
func (sqliteDialect) nativeTimestamps() bool { return false }

func (sqliteDialect) selectExpr(c *column) string { return quoteIdent(c.name) }

func (sqliteDialect) arg(t types.FieldType, v types.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if ts, ok := v.AsTime(); ok {
		return ts.UTC().Format(types.TimeLayout), nil
	}
	if !isJSONType(t) {
		if b, ok := v.AsBool(); ok {
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		}
	}
	return scalarArg(t, v)
}

func (d sqliteDialect) tableDDL(table string, cols []*column) ([]string, error) {
	defs := []string{quoteIdent(colID) + " TEXT PRIMARY KEY"}
	defs = append(defs, columnDefs(d, cols)...)
	defs = append(defs, quoteIdent(colExtra)+" TEXT NOT NULL DEFAULT '{}'")
	return []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)",
		quoteIdent(table), strings.Join(defs, ",\n    "))}, nil
}

// --- postgres / timescaledb ---

type postgresDialect struct {
	kind      types.Backend
	timescale bool
}

func (d postgresDialect) backend() types.Backend { return d.kind }
func (postgresDialect) driver() string           { return "pgx" }

// dsn returns the URI when set, otherwise a postgres:// URL built from the
// connection fields. Options["schema"] becomes the search_path.
func (postgresDialect) dsn(cfg types.Config) (string, error) {
	if cfg.URI != "" {
		schema := cfg.Option("schema", "")
		if schema == "" {
			return cfg.URI, nil
		}
		u, err := url.Parse(cfg.URI)
		if err != nil {
			return "", err
		}
		q := u.Query()
		q.Set("search_path", schema)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   host + ":" + strconv.Itoa(port),
		Path:   "/" + cfg.Database,
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	q := url.Values{}
	if cfg.TLS {
		q.Set("sslmode", "require")
	} else {
		q.Set("sslmode", cfg.Option("sslmode", "disable"))
	}
	if schema := cfg.Option("schema", ""); schema != "" {
		q.Set("search_path", schema)
	}
	q.Set("connect_timeout", strconv.Itoa(int(cfg.WithDefaults().ConnectTimeout/time.Second)))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (postgresDialect) placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (postgresDialect) columnType(t types.FieldType) string {
	switch t {
	case types.TypeNumber:
		return "DOUBLE PRECISION"
	case types.TypeBoolean:
		return "BOOLEAN"
	case types.TypeBuffer:
		return "BYTEA"
	case types.TypeDate:
		return "TIMESTAMPTZ"
	case types.TypeString, types.TypeObjectID, types.TypeUUID:
		return "TEXT"
	}
	return "JSONB"
}

func (postgresDialect) jsonType() string       { return "JSONB" }
func (postgresDialect) nativeTimestamps() bool { return true }

func (postgresDialect) selectExpr(c *column) string {
	if c.json {
		return quoteIdent(c.name) + "::text"
	}
	return quoteIdent(c.name)
}

func (postgresDialect) arg(t types.FieldType, v types.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if ts, ok := v.AsTime(); ok && !isJSONType(t) {
		return ts.UTC(), nil
	}
	return scalarArg(t, v)
}

func (d postgresDialect) tableDDL(table string, cols []*column) ([]string, error) {
	var defs []string
	defs = append(defs, quoteIdent(colID)+" TEXT NOT NULL")
	defs = append(defs, columnDefs(d, cols)...)
	defs = append(defs,
		quoteIdent(colExtra)+" JSONB NOT NULL DEFAULT '{}'::jsonb",
		quoteIdent(colCreatedAt)+" TIMESTAMPTZ NOT NULL DEFAULT now()",
		quoteIdent(colUpdatedAt)+" TIMESTAMPTZ NOT NULL DEFAULT now()",
	)
	if d.timescale {
		for _, c := range cols {
			if c.def.Unique {
				return nil, types.InvalidSchema(c.field, "unique fields cannot be enforced on a hypertable")
			}
		}
		// Hypertables need the partitioning column in every unique index.
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s, %s)", quoteIdent(colID), quoteIdent(colCreatedAt)))
	} else {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", quoteIdent(colID)))
	}

	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)",
		quoteIdent(table), strings.Join(defs, ",\n    "))}
	if d.timescale {
		stmts = append(stmts, fmt.Sprintf(
			"SELECT create_hypertable('%s', '%s', if_not_exists => TRUE)", table, colCreatedAt))
	}
	return stmts, nil
}

// --- shared helpers ---

func columnDefs(d dialect, cols []*column) []string {
	var defs []string
	for _, c := range cols {
		if c.envelope {
			// sqlite stores the envelope as declared columns.
			defs = append(defs, quoteIdent(c.name)+" "+c.sqlType+" NOT NULL")
			continue
		}
		def := quoteIdent(c.name) + " " + c.sqlType
		if c.def.Required {
			def += " NOT NULL"
		}
		if c.def.Unique {
			def += " UNIQUE"
		}
		if c.def.Default != nil {
			if lit, ok := defaultLiteral(d, c); ok {
				def += " DEFAULT " + lit
			}
		}
		defs = append(defs, def)
	}
	return defs
}

// defaultLiteral renders a column default as an SQL literal. Defaults are
// also applied before insert, so one that has no literal form is skipped.
func defaultLiteral(d dialect, c *column) (string, bool) {
	v, err := types.ValueOf(c.def.Default)
	if err != nil {
		return "", false
	}
	arg, err := d.arg(c.def.Type, v)
	if err != nil {
		return "", false
	}
	switch x := arg.(type) {
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'", true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), true
	case bool:
		return strings.ToUpper(strconv.FormatBool(x)), true
	}
	return "", false
}

func isJSONType(t types.FieldType) bool {
	switch t {
	case types.TypeArray, types.TypeSet, types.TypeObject, types.TypeJSON, types.TypeMap, types.TypeMixed, "":
		return true
	}
	return false
}

// scalarArg binds strings, numbers, bools and bytes as themselves and
// encodes everything bound to a JSON column as JSON text.
func scalarArg(t types.FieldType, v types.Value) (any, error) {
	if isJSONType(t) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
	if b, ok := v.AsBytes(); ok {
		return b, nil
	}
	switch v.Kind() {
	case types.ValueList, types.ValueMap:
		return nil, types.Malformed("cannot bind a %s to a %s column", v.Kind(), t)
	}
	return v.Interface(), nil
}
