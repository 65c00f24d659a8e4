package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/unidb/internal/paths"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFile     = "config.yaml"
	dotenvFile     = ".env"

	envPrefix      = "UNIDB"
	defaultBackend = string(types.BackendSQLite)
)

// configKeys are the config.yaml keys that can also be set as UNIDB_<KEY>.
var configKeys = []string{
	"backend", "uri", "hosts", "host", "port", "username", "password",
	"database", "data_dir", "connect_timeout", "operation_timeout", "tls",
}

// fileConfig is what init writes to config.yaml.
type fileConfig struct {
	Backend string `yaml:"backend"`
	DataDir string `yaml:"data_dir,omitempty"`
}

// loadDotenv loads .env from the working directory and the config
// directory. Variables already set in the environment win.
func loadDotenv(configDir string) error {
	for _, p := range []string{dotenvFile, filepath.Join(configDir, dotenvFile)} {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// loadConfig resolves the adapter configuration: flags over UNIDB_*
// variables over config.yaml over defaults. A missing config.yaml is not
// an error.
func (a *app) loadConfig() (types.Config, error) {
	dir, err := paths.ResolveConfigDir(a.configDir)
	if err != nil {
		return types.Config{}, system(fmt.Errorf("resolve config dir: %w", err))
	}
	if err := loadDotenv(dir); err != nil {
		return types.Config{}, system(err)
	}

	v := viper.New()
	v.SetDefault("backend", defaultBackend)
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(dir)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, k := range configKeys {
		if err := v.BindEnv(k); err != nil {
			return types.Config{}, err
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return types.Config{}, system(fmt.Errorf("read config: %w", err))
		}
	}

	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return types.Config{}, fmt.Errorf("decode config: %w", err)
	}
	if a.backend != "" {
		cfg.Backend = a.backend
	}
	if cfg.URI == "" {
		if cfg.DataDir, err = paths.ResolveDataDir(a.dataDir, cfg.DataDir); err != nil {
			return types.Config{}, system(fmt.Errorf("resolve data dir: %w", err))
		}
	}
	return cfg, nil
}

// writeConfigIfMissing creates config.yaml in dir. An existing file is
// left untouched.
func writeConfigIfMissing(dir string, cfg fileConfig) (bool, error) {
	path := filepath.Join(dir, configFile)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return false, fmt.Errorf("marshal config: %w", err)
	}
	return true, os.WriteFile(path, data, 0o644)
}
