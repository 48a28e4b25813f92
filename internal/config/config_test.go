package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "./data/lobkit.db", cfg.Storage.SQLitePath)
	assert.Equal(t, "fs", cfg.Blob.Driver)
	assert.Equal(t, "us-east-1", cfg.Blob.S3.Region)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 16, cfg.Reports.QueueSize)
	assert.Equal(t, []string{"application/json"}, cfg.Reports.Formats)
	assert.Equal(t, "dev", cfg.Product.Version)
}

func TestLoadReadsFile(t *testing.T) {
	dir := t.TempDir()
	doc := `
storage:
  driver: memory
blob:
  driver: memory
log:
  level: debug
  format: console
reports:
  queue_size: 4
  formats: [text/csv, application/json]
product:
  version: 1.4.0
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lobkit.yaml"), []byte(doc), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "memory", cfg.Blob.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 4, cfg.Reports.QueueSize)
	assert.Equal(t, []string{"text/csv", "application/json"}, cfg.Reports.Formats)
	assert.Equal(t, "1.4.0", cfg.Product.Version)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lobkit.yaml"), []byte("storage:\n  driver: memory\n"), 0o600))
	t.Setenv("LOBKIT_STORAGE_DRIVER", "postgres")
	t.Setenv("LOBKIT_STORAGE_POSTGRES_DSN", "postgres://db/lobkit")
	t.Setenv("LOBKIT_PRODUCT_VERSION", "2.0.0")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://db/lobkit", cfg.Storage.PostgresDSN)
	assert.Equal(t, "2.0.0", cfg.Product.Version)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lobkit.yaml"), []byte("storage: [unterminated"), 0o600))
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Storage: Storage{Driver: "memory"},
			Blob:    Blob{Driver: "memory"},
			Log:     Log{Level: "info", Format: "json"},
			Reports: Reports{QueueSize: 1},
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Driver = "bolt" }, wantErr: "unknown storage driver"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Driver = "postgres" }, wantErr: "postgres_dsn"},
		{name: "s3 without bucket", mutate: func(c *Config) { c.Blob.Driver = "s3" }, wantErr: "blob.s3.bucket"},
		{name: "unknown blob", mutate: func(c *Config) { c.Blob.Driver = "gcs" }, wantErr: "unknown blob driver"},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: "log.level"},
		{name: "bad format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log format"},
		{name: "empty queue", mutate: func(c *Config) { c.Reports.QueueSize = 0 }, wantErr: "queue_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger(Log{Level: "warn", Format: "console"})
	require.NoError(t, err)
	assert.False(t, log.Desugar().Core().Enabled(zapcore.DebugLevel))

	_, err = NewLogger(Log{Level: "nope", Format: "json"})
	assert.Error(t, err)
}
