package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/fieldops/internal/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Minute, cfg.Sync.SafetyNetInterval)
	assert.Equal(t, 2, cfg.Connectivity.FlapThreshold)
	assert.False(t, cfg.HasBackend())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fieldops.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/fieldops
supabase:
  url: https://abc.supabase.co
  anon_key: anon
sync:
  safety_net_interval: 30s
log:
  level: debug
`), 0o644))

	t.Setenv("FIELDOPS_SYNC_MAX_BACKOFF", "5m")
	t.Setenv("FIELDOPS_LOG_PRETTY", "true")
	t.Setenv("FIELDOPS_HTTP_ADDR", "127.0.0.1:9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/fieldops", cfg.DataDir)
	assert.Equal(t, "https://abc.supabase.co", cfg.Supabase.URL)
	assert.True(t, cfg.HasBackend())
	assert.Equal(t, 30*time.Second, cfg.Sync.SafetyNetInterval)
	assert.Equal(t, 5*time.Minute, cfg.Sync.MaxBackoff)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)
	assert.Equal(t, "127.0.0.1:9999", cfg.HTTP.Addr)
	// untouched defaults survive
	assert.Equal(t, 5*time.Second, cfg.Connectivity.ProbeTimeout)
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8090", cfg.HTTP.Addr)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync: [oops"), 0o644))
	_, err := Load(path)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(map[string]string{
		"FIELDOPS_SUPABASE_URL":                "https://abc.supabase.co",
		"FIELDOPS_CONNECTIVITY_FLAP_THRESHOLD": "4",
		"FIELDOPS_SYNC_PASS_TIMEOUT":           "90s",
		"FIELDOPS_TRACING_INSECURE":            "true",
		"SYNC_MAX_BACKOFF":                     "1s",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://abc.supabase.co", cfg.Supabase.URL)
	assert.Equal(t, 4, cfg.Connectivity.FlapThreshold)
	assert.Equal(t, 90*time.Second, cfg.Sync.PassTimeout)
	assert.True(t, cfg.Tracing.Insecure)
	// unprefixed variables are ignored
	assert.Equal(t, 15*time.Minute, cfg.Sync.MaxBackoff)
	assert.Equal(t, "127.0.0.1:8090", cfg.HTTP.Addr)
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	for _, kv := range [][2]string{
		{"FIELDOPS_SYNC_MAX_BACKOFF", "soon"},
		{"FIELDOPS_CONNECTIVITY_FLAP_THRESHOLD", "many"},
		{"FIELDOPS_LOG_PRETTY", "sometimes"},
	} {
		t.Run(kv[0], func(t *testing.T) {
			cfg := Default()
			err := cfg.applyEnv(map[string]string{kv[0]: kv[1]})
			assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"url without key", func(c *Config) { c.Supabase.URL = "https://abc.supabase.co" }, false},
		{"bad url", func(c *Config) { c.Supabase.URL = "not a url"; c.Supabase.AnonKey = "k" }, false},
		{"storage without bucket", func(c *Config) {
			c.Storage.Endpoint = "https://abc.supabase.co/storage/v1/s3"
			c.Storage.AccessKey = "a"
			c.Storage.SecretKey = "s"
		}, false},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, false},
		{"bad addr", func(c *Config) { c.HTTP.Addr = "localhost" }, false},
		{"no data dir", func(c *Config) { c.DataDir = "" }, false},
		{"tracing over http", func(c *Config) { c.Tracing.Endpoint = "localhost:4318"; c.Tracing.Protocol = "http" }, true},
		{"bad tracing protocol", func(c *Config) { c.Tracing.Endpoint = "localhost:4317"; c.Tracing.Protocol = "udp" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
		})
	}
}
