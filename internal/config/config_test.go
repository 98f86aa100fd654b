package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/waybill/store"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "waybill.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, "default", cfg.Storage.Instance)
	assert.Equal(t, "waybill", cfg.Storage.DynamoDB.Table)
	assert.Equal(t, store.DefaultRetention(), cfg.Retention.Store())
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.False(t, cfg.Lifecycle.StrictProductReference)
	require.NoError(t, cfg.Validate())
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithEnv("", envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
storage:
  driver: postgres
  postgres_dsn: postgres://db/waybill
retention:
  threshold: 100
http:
  read_header_timeout: 2s
log:
  format: json
`)
	cfg, err := LoadWithEnv(path, envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, "postgres://db/waybill", cfg.Storage.PostgresDSN)
	assert.Equal(t, uint64(100), cfg.Retention.Threshold)
	assert.Equal(t, uint64(5000), cfg.Retention.ExtendTo, "unset keys keep defaults")
	assert.Equal(t, 2*time.Second, cfg.HTTP.ReadHeaderTimeout)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, `
storage:
  driver: sqlite
  instance: from-file
lifecycle:
  strict_product_reference: false
`)
	cfg, err := LoadWithEnv(path, envMap(map[string]string{
		"WAYBILL_STORAGE_DRIVER":           "MEMORY",
		"WAYBILL_INSTANCE":                 "from-env",
		"WAYBILL_RETENTION_EXTEND_TO":      "60",
		"WAYBILL_STRICT_PRODUCT_REFERENCE": "true",
		"WAYBILL_HTTP_AUTH_TOKEN":          "secret",
		"WAYBILL_LOG_LEVEL":                "debug",
	}))
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "from-env", cfg.Storage.Instance)
	assert.Equal(t, uint64(60), cfg.Retention.ExtendTo)
	assert.True(t, cfg.Lifecycle.StrictProductReference)
	assert.Equal(t, "secret", cfg.HTTP.AuthToken)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := LoadWithEnv(writeFile(t, ""), envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown field",
			yaml:    "storage:\n  sqlite-path: x.db\n",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "unknown driver",
			yaml:    "storage:\n  driver: mongo\n",
			wantErr: "unknown storage driver",
		},
		{
			name:    "bad log level",
			env:     map[string]string{"WAYBILL_LOG_LEVEL": "loud"},
			wantErr: "unknown log level",
		},
		{
			name:    "bad log format",
			yaml:    "log:\n  format: xml\n",
			wantErr: "unknown log format",
		},
		{
			name:    "bad threshold",
			env:     map[string]string{"WAYBILL_RETENTION_THRESHOLD": "-1"},
			wantErr: "WAYBILL_RETENTION_THRESHOLD",
		},
		{
			name:    "zero extend_to",
			yaml:    "retention:\n  extend_to: 0\n",
			wantErr: "retention.extend_to must be positive",
		},
		{
			name:    "zero extend_to from env",
			env:     map[string]string{"WAYBILL_RETENTION_EXTEND_TO": "0"},
			wantErr: "retention.extend_to must be positive",
		},
		{
			name:    "bad strict flag",
			env:     map[string]string{"WAYBILL_STRICT_PRODUCT_REFERENCE": "maybe"},
			wantErr: "WAYBILL_STRICT_PRODUCT_REFERENCE",
		},
		{
			name:    "dynamodb without table",
			yaml:    "storage:\n  driver: dynamodb\n  dynamodb:\n    table: \"\"\n",
			wantErr: "storage.dynamodb.table required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.yaml != "" {
				path = writeFile(t, tt.yaml)
			}
			_, err := LoadWithEnv(path, envMap(tt.env))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := LoadWithEnv(filepath.Join(t.TempDir(), "absent.yaml"), envMap(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLog_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := Log{Level: "warn", Format: "json"}.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "productID", 7)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"productID":7`)
}

func TestLog_NewLoggerText(t *testing.T) {
	var buf bytes.Buffer
	Log{Level: "info", Format: "text"}.NewLogger(&buf).Info("product registered", "productID", 1)
	assert.Contains(t, buf.String(), "msg=\"product registered\" productID=1")
}
