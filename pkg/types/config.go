package types

import (
	"errors"
	"time"
)

// Default timeouts applied by Config.WithDefaults.
const (
	DefaultConnectTimeout   = 10 * time.Second
	DefaultOperationTimeout = 30 * time.Second
)

// Config holds the connection parameters handed to an adapter. The core only
// validates its shape; everything else is passed through to the driver.
type Config struct {
	Backend  string   `json:"backend" yaml:"backend" mapstructure:"backend"`
	URI      string   `json:"uri,omitempty" yaml:"uri,omitempty" mapstructure:"uri"`
	Hosts    []string `json:"hosts,omitempty" yaml:"hosts,omitempty" mapstructure:"hosts"`
	Host     string   `json:"host,omitempty" yaml:"host,omitempty" mapstructure:"host"`
	Port     int      `json:"port,omitempty" yaml:"port,omitempty" mapstructure:"port"`
	Username string   `json:"username,omitempty" yaml:"username,omitempty" mapstructure:"username"`
	Password string   `json:"-" yaml:"password,omitempty" mapstructure:"password"`
	Database string   `json:"database,omitempty" yaml:"database,omitempty" mapstructure:"database"`

	// DataDir is the directory for file-backed backends (sqlite).
	DataDir string `json:"data_dir,omitempty" yaml:"data_dir,omitempty" mapstructure:"data_dir"`

	ConnectTimeout   time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty" mapstructure:"connect_timeout"`
	OperationTimeout time.Duration `json:"operation_timeout,omitempty" yaml:"operation_timeout,omitempty" mapstructure:"operation_timeout"`

	TLS bool `json:"tls,omitempty" yaml:"tls,omitempty" mapstructure:"tls"`

	// Options carries backend-specific settings such as "prefix" (redis,
	// elasticsearch), "keyspace" (cassandra) or "transactions" (mongodb).
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty" mapstructure:"options"`
}

// Config validation errors.
var (
	ErrBackendEmpty    = errors.New("backend must not be empty")
	ErrTimeoutNegative = errors.New("timeouts must not be negative")
	ErrPortOutOfRange  = errors.New("port must be between 0 and 65535")
	ErrHostsAndURIBoth = errors.New("uri and hosts are mutually exclusive")
)

// Validate checks that the Config is well-formed. Whether the backend name is
// registered is decided by the factory, not here.
func (c Config) Validate() error {
	if c.Backend == "" {
		return ErrBackendEmpty
	}
	if c.ConnectTimeout < 0 || c.OperationTimeout < 0 {
		return ErrTimeoutNegative
	}
	if c.Port < 0 || c.Port > 65535 {
		return ErrPortOutOfRange
	}
	if c.URI != "" && len(c.Hosts) > 0 {
		return ErrHostsAndURIBoth
	}
	return nil
}

// WithDefaults returns a copy of c with zero timeouts replaced by the defaults.
func (c Config) WithDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	return c
}

// Option returns Options[key], or def when it is unset.
func (c Config) Option(key, def string) string {
	if v, ok := c.Options[key]; ok && v != "" {
		return v
	}
	return def
}
