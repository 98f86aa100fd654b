// Package config loads process configuration for the waybill binaries.
//
// Values are resolved in three layers: built-in defaults, an optional YAML file,
// then WAYBILL_* environment variables.
//
//	WAYBILL_STORAGE_DRIVER: memory|sqlite|postgres|dynamodb (default sqlite)
//	WAYBILL_INSTANCE: store instance name (default "default")
//	WAYBILL_SQLITE_PATH: path to sqlite file (default ./waybill.db)
//	WAYBILL_POSTGRES_DSN: postgres DSN when driver=postgres
//	WAYBILL_DYNAMODB_TABLE / WAYBILL_DYNAMODB_REGION / WAYBILL_DYNAMODB_ENDPOINT
//	WAYBILL_RETENTION_THRESHOLD / WAYBILL_RETENTION_EXTEND_TO: ledger seconds
//	WAYBILL_STRICT_PRODUCT_REFERENCE: true|false
//	WAYBILL_HTTP_ADDR / WAYBILL_HTTP_AUTH_TOKEN
//	WAYBILL_LOG_LEVEL: debug|info|warn|error, WAYBILL_LOG_FORMAT: text|json
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jacentio/waybill/store"
)

// Driver names a storage backend.
type Driver string

const (
	DriverMemory   Driver = "memory"   // in-memory only (tests / ephemeral)
	DriverSQLite   Driver = "sqlite"   // embedded sqlite file
	DriverPostgres Driver = "postgres" // PostgreSQL server
	DriverDynamoDB Driver = "dynamodb" // DynamoDB table with native TTL
)

// Config is the root of the configuration file.
type Config struct {
	Storage   Storage   `yaml:"storage"`
	Retention Retention `yaml:"retention"`
	Lifecycle Lifecycle `yaml:"lifecycle"`
	HTTP      HTTP      `yaml:"http"`
	Log       Log       `yaml:"log"`
}

// Storage selects and parameterizes the backend.
type Storage struct {
	Driver      Driver   `yaml:"driver"`
	Instance    string   `yaml:"instance"`
	SQLitePath  string   `yaml:"sqlite_path"`
	PostgresDSN string   `yaml:"postgres_dsn"`
	DynamoDB    DynamoDB `yaml:"dynamodb"`
}

// DynamoDB holds the AWS client settings used when Driver is dynamodb.
type DynamoDB struct {
	Table    string `yaml:"table"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // optional; e.g. DynamoDB Local

	// Static credentials, mostly for DynamoDB Local. Empty falls back to the
	// default credentials chain.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Retention mirrors store.Retention in ledger seconds.
type Retention struct {
	Threshold uint64 `yaml:"threshold"`
	ExtendTo  uint64 `yaml:"extend_to"`
}

// Store converts to the store type.
func (r Retention) Store() store.Retention {
	return store.Retention{Threshold: r.Threshold, ExtendTo: r.ExtendTo}
}

// Lifecycle tunes controller policy.
type Lifecycle struct {
	// StrictProductReference rejects supply steps for unknown products.
	StrictProductReference bool `yaml:"strict_product_reference"`
}

// HTTP configures the API server.
type HTTP struct {
	Addr              string        `yaml:"addr"`
	AuthToken         string        `yaml:"auth_token"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	r := store.DefaultRetention()
	return Config{
		Storage: Storage{
			Driver:     DriverSQLite,
			Instance:   store.DefaultConfig().Instance,
			SQLitePath: "waybill.db",
			DynamoDB: DynamoDB{
				Table:  store.DefaultConfig().TableName,
				Region: "us-east-1",
			},
		},
		Retention: Retention{Threshold: r.Threshold, ExtendTo: r.ExtendTo},
		HTTP: HTTP{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load resolves configuration from defaults, the file at path (skipped when
// empty) and the process environment.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv is Load with an injectable environment lookup.
func LoadWithEnv(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// decode parses YAML over cfg, rejecting unknown fields (typos like "sqlite-path").
func decode(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	u64 := func(key string, dst *uint64) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	if v := getenv("WAYBILL_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = Driver(strings.ToLower(v))
	}
	str("WAYBILL_INSTANCE", &cfg.Storage.Instance)
	str("WAYBILL_SQLITE_PATH", &cfg.Storage.SQLitePath)
	str("WAYBILL_POSTGRES_DSN", &cfg.Storage.PostgresDSN)
	str("WAYBILL_DYNAMODB_TABLE", &cfg.Storage.DynamoDB.Table)
	str("WAYBILL_DYNAMODB_REGION", &cfg.Storage.DynamoDB.Region)
	str("WAYBILL_DYNAMODB_ENDPOINT", &cfg.Storage.DynamoDB.Endpoint)
	str("WAYBILL_HTTP_ADDR", &cfg.HTTP.Addr)
	str("WAYBILL_HTTP_AUTH_TOKEN", &cfg.HTTP.AuthToken)
	str("WAYBILL_LOG_LEVEL", &cfg.Log.Level)
	str("WAYBILL_LOG_FORMAT", &cfg.Log.Format)

	if err := u64("WAYBILL_RETENTION_THRESHOLD", &cfg.Retention.Threshold); err != nil {
		return err
	}
	if err := u64("WAYBILL_RETENTION_EXTEND_TO", &cfg.Retention.ExtendTo); err != nil {
		return err
	}
	if v := getenv("WAYBILL_STRICT_PRODUCT_REFERENCE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("WAYBILL_STRICT_PRODUCT_REFERENCE: %w", err)
		}
		cfg.Lifecycle.StrictProductReference = b
	}
	return nil
}

// Validate rejects values no component can act on.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverSQLite, DriverPostgres, DriverDynamoDB:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == DriverDynamoDB && c.Storage.DynamoDB.Table == "" {
		return fmt.Errorf("storage.dynamodb.table required for dynamodb driver")
	}
	if c.Retention.ExtendTo == 0 {
		return fmt.Errorf("retention.extend_to must be positive")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// NewLogger builds the process logger writing to w.
func (l Log) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}
