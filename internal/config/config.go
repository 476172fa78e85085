// Package config loads cmdvec settings from defaults, config files, and the
// environment.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/abdul-hamid-achik/cmdvec/internal/errs"
)

const (
	// DefaultDataDir is the default directory name for cmdvec data
	DefaultDataDir = ".cmdvec"
	// DefaultConfigName is the config file name without extension
	DefaultConfigName = "cmdvec"
	// DefaultConfigFile is the config file written by init
	DefaultConfigFile = DefaultConfigName + ".yaml"
	// EnvPrefix prefixes every environment override
	EnvPrefix = "CMDVEC"
)

// Config holds the application configuration
type Config struct {
	// DataDir holds the vector database, manifest, and index lock
	DataDir string `mapstructure:"data_dir"`
	// Collection is the vector collection name
	Collection string `mapstructure:"collection"`

	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Indexing  IndexingConfig  `mapstructure:"indexing"`
	Search    SearchConfig    `mapstructure:"search"`
	Source    SourceConfig    `mapstructure:"source"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`

	// File is the config file that was read, if any
	File string `mapstructure:"-"`
}

// EmbeddingConfig holds embedding worker settings
type EmbeddingConfig struct {
	// Runtime is the interpreter that runs the worker script
	Runtime string `mapstructure:"runtime"`
	// Script is where the worker script is written; empty uses a temp dir
	Script string `mapstructure:"script"`
	// Command replaces the generated worker entirely when set
	Command         []string      `mapstructure:"command"`
	Model           string        `mapstructure:"model"`
	Dimensions      int           `mapstructure:"dimensions"`
	MaxBatchSize    int           `mapstructure:"max_batch_size"`
	StartupTimeout  time.Duration `mapstructure:"startup_timeout"`
	ReadyMarker     string        `mapstructure:"ready_marker"`
	Fallback        string        `mapstructure:"fallback"`
	RestartInterval time.Duration `mapstructure:"restart_interval"`
	QueryCacheSize  int           `mapstructure:"query_cache_size"`
	// Disabled skips the worker and serves fallback vectors only
	Disabled bool `mapstructure:"disabled"`
}

// IndexingConfig holds indexing settings
type IndexingConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	Workers       int           `mapstructure:"workers"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	LockTimeout   time.Duration `mapstructure:"lock_timeout"`
	KeepOrphans   bool          `mapstructure:"keep_orphans"`
}

// SearchConfig holds query engine settings
type SearchConfig struct {
	DefaultLimit   int           `mapstructure:"default_limit"`
	DirectLimit    int           `mapstructure:"direct_limit"`
	MinVectorLimit int           `mapstructure:"min_vector_limit"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	CacheSize      int           `mapstructure:"cache_size"`
}

// SourceConfig locates the command records
type SourceConfig struct {
	// Path is a JSON/YAML record file or a directory of them
	Path string `mapstructure:"path"`
	// Ignore holds gitignore-style patterns for directory sources
	Ignore []string `mapstructure:"ignore"`
	// Command, when set, is run and its stdout decoded as JSON records
	Command []string      `mapstructure:"command"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir:    DefaultDataDir,
		Collection: "psadt_commands",
		Embedding: EmbeddingConfig{
			Runtime:         "python3",
			Model:           "BAAI/bge-small-en-v1.5",
			Dimensions:      384,
			MaxBatchSize:    32,
			StartupTimeout:  60 * time.Second,
			ReadyMarker:     "model loaded",
			Fallback:        "trigram",
			RestartInterval: 30 * time.Second,
			QueryCacheSize:  1000,
		},
		Indexing: IndexingConfig{
			BatchSize:     10,
			Workers:       4,
			RetryAttempts: 3,
			RetryBackoff:  2 * time.Second,
			LockTimeout:   5 * time.Second,
		},
		Search: SearchConfig{
			DefaultLimit:   10,
			DirectLimit:    5,
			MinVectorLimit: 30,
			CacheTTL:       10 * time.Minute,
			CacheSize:      512,
		},
		Source: SourceConfig{
			Path:    "commands",
			Timeout: 30 * time.Second,
		},
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Settings flattens c into viper keys. Durations are rendered as strings so
// the result round-trips through a config file.
func (c *Config) Settings() map[string]any {
	return map[string]any{
		"data_dir":                   c.DataDir,
		"collection":                 c.Collection,
		"embedding.runtime":          c.Embedding.Runtime,
		"embedding.script":           c.Embedding.Script,
		"embedding.command":          c.Embedding.Command,
		"embedding.model":            c.Embedding.Model,
		"embedding.dimensions":       c.Embedding.Dimensions,
		"embedding.max_batch_size":   c.Embedding.MaxBatchSize,
		"embedding.startup_timeout":  c.Embedding.StartupTimeout.String(),
		"embedding.ready_marker":     c.Embedding.ReadyMarker,
		"embedding.fallback":         c.Embedding.Fallback,
		"embedding.restart_interval": c.Embedding.RestartInterval.String(),
		"embedding.query_cache_size": c.Embedding.QueryCacheSize,
		"embedding.disabled":         c.Embedding.Disabled,
		"indexing.batch_size":        c.Indexing.BatchSize,
		"indexing.workers":           c.Indexing.Workers,
		"indexing.retry_attempts":    c.Indexing.RetryAttempts,
		"indexing.retry_backoff":     c.Indexing.RetryBackoff.String(),
		"indexing.lock_timeout":      c.Indexing.LockTimeout.String(),
		"indexing.keep_orphans":      c.Indexing.KeepOrphans,
		"search.default_limit":       c.Search.DefaultLimit,
		"search.direct_limit":        c.Search.DirectLimit,
		"search.min_vector_limit":    c.Search.MinVectorLimit,
		"search.cache_ttl":           c.Search.CacheTTL.String(),
		"search.cache_size":          c.Search.CacheSize,
		"source.path":                c.Source.Path,
		"source.ignore":              c.Source.Ignore,
		"source.command":             c.Source.Command,
		"source.timeout":             c.Source.Timeout.String(),
		"server.host":                c.Server.Host,
		"server.port":                c.Server.Port,
		"log.level":                  c.Log.Level,
		"log.format":                 c.Log.Format,
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range DefaultConfig().Settings() {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("collection", EnvPrefix+"_COLLECTION", "QDRANT_COLLECTION")
	return v
}

// Load resolves configuration for projectDir. configFile, when non-empty,
// is read instead of searching the project. Lookup order for the search is
// <projectDir>/cmdvec.yaml, then <projectDir>/.cmdvec/cmdvec.yaml. Environment
// variables (CMDVEC_EMBEDDING_MODEL, ...) override files.
func Load(projectDir, configFile string) (*Config, error) {
	v := newViper()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(projectDir)
		v.AddConfigPath(filepath.Join(projectDir, DefaultDataDir))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound):
		case configFile == "" && errors.Is(err, os.ErrNotExist):
		default:
			return nil, classifyReadError(err, v.ConfigFileUsed())
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errs.Wrap(err, errs.CodeConfigParseInvalidFormat, "decode config", errs.Field("file", v.ConfigFileUsed()))
	}
	cfg.File = v.ConfigFileUsed()
	cfg.resolvePaths(projectDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func classifyReadError(err error, file string) error {
	var parseErr viper.ConfigParseError
	if errors.As(err, &parseErr) {
		return errs.Wrap(err, errs.CodeConfigParseInvalidFormat, "parse config file", errs.Field("file", file))
	}
	return errs.Wrap(err, errs.CodeConfigLoadReadFailure, "read config file",
		errs.Field("file", file),
		errs.Remediation("check the --config path or run `cmdvec init`"))
}

// resolvePaths makes relative paths absolute against projectDir.
func (c *Config) resolvePaths(projectDir string) {
	c.DataDir = resolve(projectDir, c.DataDir)
	if c.Source.Path != "" {
		c.Source.Path = resolve(projectDir, c.Source.Path)
	}
	if c.Embedding.Script != "" {
		c.Embedding.Script = resolve(projectDir, c.Embedding.Script)
	}
}

func resolve(base, p string) string {
	p = ExpandPath(p)
	if filepath.IsAbs(p) || base == "" {
		return p
	}
	return filepath.Join(base, p)
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	invalid := func(key string, value any, hint string) error {
		return errs.New(errs.CodeConfigValidateInvalidValue, "invalid configuration value",
			errs.Field("key", key),
			errs.Field("value", value),
			errs.Remediation(hint))
	}

	switch {
	case strings.TrimSpace(c.Collection) == "":
		return invalid("collection", c.Collection, "set a collection name")
	case c.Embedding.Dimensions <= 0:
		return invalid("embedding.dimensions", c.Embedding.Dimensions, "use the output size of the embedding model")
	case c.Embedding.MaxBatchSize <= 0:
		return invalid("embedding.max_batch_size", c.Embedding.MaxBatchSize, "use a positive batch size")
	case c.Embedding.StartupTimeout <= 0:
		return invalid("embedding.startup_timeout", c.Embedding.StartupTimeout, "use a positive duration such as 60s")
	case c.Embedding.Fallback != "hash" && c.Embedding.Fallback != "trigram":
		return invalid("embedding.fallback", c.Embedding.Fallback, "use \"hash\" or \"trigram\"")
	case c.Embedding.RestartInterval < 0:
		return invalid("embedding.restart_interval", c.Embedding.RestartInterval, "use 0 to disable restarts")
	case c.Indexing.BatchSize <= 0:
		return invalid("indexing.batch_size", c.Indexing.BatchSize, "use a positive batch size")
	case c.Indexing.Workers <= 0:
		return invalid("indexing.workers", c.Indexing.Workers, "use at least one worker")
	case c.Indexing.RetryAttempts <= 0:
		return invalid("indexing.retry_attempts", c.Indexing.RetryAttempts, "use at least one attempt")
	case c.Search.DefaultLimit <= 0:
		return invalid("search.default_limit", c.Search.DefaultLimit, "use a positive limit")
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return invalid("server.port", c.Server.Port, "use a port between 1 and 65535")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level", c.Log.Level, "use debug, info, warn, or error")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return invalid("log.format", c.Log.Format, "use text or json")
	}
	return nil
}

// YAML renders the effective configuration as nested YAML.
func (c *Config) YAML() ([]byte, error) {
	v := viper.New()
	for key, value := range c.Settings() {
		v.Set(key, value)
	}
	return yaml.Marshal(v.AllSettings())
}

// EnsureDataDir creates the data directory if it doesn't exist
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o755)
}

// WriteDefaultConfig writes c to <dir>/cmdvec.yaml unless the file exists.
// It reports whether a file was written.
func (c *Config) WriteDefaultConfig(dir string) (string, bool, error) {
	path := filepath.Join(dir, DefaultConfigFile)
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}

	out := *c
	if rel, err := filepath.Rel(dir, c.DataDir); err == nil && !strings.HasPrefix(rel, "..") {
		out.DataDir = rel
	}
	if rel, err := filepath.Rel(dir, c.Source.Path); err == nil && !strings.HasPrefix(rel, "..") {
		out.Source.Path = rel
	}

	data, err := out.YAML()
	if err != nil {
		return path, false, errs.Wrap(err, errs.CodeInternalFailure, "render config")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return path, false, errs.Wrap(err, errs.CodeConfigLoadReadFailure, "write config file", errs.Field("file", path))
	}
	return path, true, nil
}

// FindProjectRoot walks up from the working directory looking for a
// cmdvec.yaml file or a .cmdvec directory.
func FindProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, DefaultConfigFile)); err == nil {
			return dir, nil
		}
		if info, err := os.Stat(filepath.Join(dir, DefaultDataDir)); err == nil && info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errs.New(errs.CodeConfigLoadReadFailure, "not in a cmdvec project",
				errs.Remediation("run `cmdvec init` in the project directory"))
		}
		dir = parent
	}
}
