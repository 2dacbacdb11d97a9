// Package config loads runtime settings from a YAML file, an optional .env
// file and FIELDOPS_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/fieldops/internal/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FIELDOPS_"

// Config holds all runtime settings.
type Config struct {
	DataDir      string             `yaml:"data_dir" env:"DATA_DIR" validate:"required"`
	Supabase     SupabaseConfig     `yaml:"supabase" envPrefix:"SUPABASE_"`
	Storage      StorageConfig      `yaml:"storage" envPrefix:"STORAGE_"`
	Connectivity ConnectivityConfig `yaml:"connectivity" envPrefix:"CONNECTIVITY_"`
	Sync         SyncConfig         `yaml:"sync" envPrefix:"SYNC_"`
	HTTP         HTTPConfig         `yaml:"http" envPrefix:"HTTP_"`
	Log          LogConfig          `yaml:"log" envPrefix:"LOG_"`
	Tracing      TracingConfig      `yaml:"tracing" envPrefix:"TRACING_"`
}

// SupabaseConfig points at the hosted backend.
type SupabaseConfig struct {
	URL         string `yaml:"url" env:"URL" validate:"omitempty,url"`
	AnonKey     string `yaml:"anon_key" env:"ANON_KEY" validate:"required_with=URL"`
	AccessToken string `yaml:"access_token" env:"ACCESS_TOKEN"`
}

// StorageConfig is the S3-compatible photo bucket.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT" validate:"omitempty,url"`
	Bucket    string `yaml:"bucket" env:"BUCKET" validate:"required_with=Endpoint"`
	Region    string `yaml:"region" env:"REGION"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY" validate:"required_with=Endpoint"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY" validate:"required_with=Endpoint"`
	PublicURL string `yaml:"public_url" env:"PUBLIC_URL" validate:"omitempty,url"`
}

// ConnectivityConfig tunes the reachability prober.
type ConnectivityConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval" env:"PROBE_INTERVAL" validate:"gte=0"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" env:"PROBE_TIMEOUT" validate:"gte=0"`
	FlapThreshold int           `yaml:"flap_threshold" env:"FLAP_THRESHOLD" validate:"gte=0"`
}

// SyncConfig tunes the background scheduler. A negative safety-net interval
// disables the periodic pass.
type SyncConfig struct {
	SafetyNetInterval time.Duration `yaml:"safety_net_interval" env:"SAFETY_NET_INTERVAL"`
	MaxBackoff        time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF" validate:"gte=0"`
	PassTimeout       time.Duration `yaml:"pass_timeout" env:"PASS_TIMEOUT" validate:"gte=0"`
}

// HTTPConfig is the local API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr" env:"ADDR" validate:"required,hostname_port"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL" validate:"omitempty,oneof=debug info warn error"`
	Pretty bool   `yaml:"pretty" env:"PRETTY"`
}

// TracingConfig points at an OTLP collector. An empty endpoint disables
// tracing.
type TracingConfig struct {
	Endpoint string `yaml:"endpoint" env:"ENDPOINT" validate:"omitempty,hostname_port"`
	Protocol string `yaml:"protocol" env:"PROTOCOL" validate:"omitempty,oneof=grpc http"`
	Insecure bool   `yaml:"insecure" env:"INSECURE"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Connectivity: ConnectivityConfig{
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  5 * time.Second,
			FlapThreshold: 2,
		},
		Sync: SyncConfig{
			SafetyNetInterval: time.Minute,
			MaxBackoff:        15 * time.Minute,
			PassTimeout:       5 * time.Minute,
		},
		HTTP: HTTPConfig{Addr: "127.0.0.1:8090"},
		Log:  LogConfig{Level: "info"},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "fieldops")
	}
	return "./data"
}

// Load reads path (skipped when empty or missing), then a .env file next to
// the working directory, then FIELDOPS_* variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("failed to parse %s", path), err)
			}
		case !os.IsNotExist(err):
			return nil, apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("failed to read %s", path), err)
		}
	}

	// godotenv never overrides variables already set in the process.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to load .env", err)
	}
	if err := cfg.applyEnv(nil); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from FIELDOPS_<SECTION>_<KEY> variables. A nil
// environ reads the process environment. Unset variables leave the field as is.
func (c *Config) applyEnv(environ map[string]string) error {
	err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix, Environment: environ})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid environment override", err)
	}
	return nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid configuration", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed rule '%s'", fe.Namespace(), fe.Tag()))
	}
	return apperrors.New(apperrors.ErrValidation, "invalid configuration: "+strings.Join(msgs, "; "))
}

// HasBackend reports whether a backend is configured.
func (c *Config) HasBackend() bool {
	return c.Supabase.URL != ""
}
