// Package config loads evalsync configuration from an optional YAML file and
// EVALSYNC_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kimhsiao/evalsync/internal/errors"
	"github.com/kimhsiao/evalsync/internal/obfuscate"
)

// EnvPrefix prefixes every environment override, e.g. EVALSYNC_REMOTE_BASE_URL.
const EnvPrefix = "EVALSYNC"

// StoreConfig selects the local record store backend.
type StoreConfig struct {
	Backend   string `mapstructure:"backend"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
}

// CodecConfig holds the obfuscation passphrase.
type CodecConfig struct {
	Passphrase string `mapstructure:"passphrase"`
}

// RemoteConfig describes the server endpoints.
type RemoteConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	SubmitPath      string        `mapstructure:"submit_path"`
	EvaluationsPath string        `mapstructure:"evaluations_path"`
	VersionPath     string        `mapstructure:"version_path"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
}

// ConnectivityConfig holds the monitor timings.
type ConnectivityConfig struct {
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
	RecheckInterval time.Duration `mapstructure:"recheck_interval"`
}

// APIConfig configures the local API.
type APIConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the top-level configuration.
type Config struct {
	Store        StoreConfig        `mapstructure:"store"`
	Codec        CodecConfig        `mapstructure:"codec"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	API          APIConfig          `mapstructure:"api"`
	Log          LogConfig          `mapstructure:"log"`
}

// DefaultDataDir returns ~/.evalsync, or ./.evalsync when there is no home.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".evalsync"
	}
	return filepath.Join(home, ".evalsync")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", DefaultDataDir())
	v.SetDefault("store.namespace", "evalsync")
	v.SetDefault("store.redis_addr", "127.0.0.1:6379")
	v.SetDefault("store.redis_db", 0)

	v.SetDefault("codec.passphrase", obfuscate.DefaultPassphrase)

	v.SetDefault("remote.base_url", "http://localhost:3000")
	v.SetDefault("remote.submit_path", "/api/evaluations")
	v.SetDefault("remote.evaluations_path", "/api/companies/{companyId}/evaluations")
	v.SetDefault("remote.version_path", "/api/version")
	v.SetDefault("remote.fetch_timeout", 10*time.Second)

	v.SetDefault("connectivity.settle_delay", time.Second)
	v.SetDefault("connectivity.probe_timeout", 5*time.Second)
	v.SetDefault("connectivity.retry_interval", 5*time.Second)
	v.SetDefault("connectivity.recheck_interval", 5*time.Minute)

	v.SetDefault("api.listen_addr", "127.0.0.1:7420")

	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.format", "json")
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(*os.PathError); !ok {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					return nil, errors.Wrap(errors.ErrConfig, fmt.Sprintf("reading config %s", path), err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "parsing config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "redis", "memory":
	default:
		return errors.Newf(errors.ErrConfig, "unknown store.backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "sqlite" && c.Store.Path == "" {
		return errors.New(errors.ErrConfig, "store.path is required for the sqlite backend")
	}
	if c.Store.Backend == "redis" && c.Store.RedisAddr == "" {
		return errors.New(errors.ErrConfig, "store.redis_addr is required for the redis backend")
	}
	if _, err := obfuscate.New(c.Codec.Passphrase); err != nil {
		return errors.Wrap(errors.ErrConfig, "codec.passphrase", err)
	}
	if c.Remote.BaseURL == "" {
		return errors.New(errors.ErrConfig, "remote.base_url is required")
	}

	durations := map[string]time.Duration{
		"remote.fetch_timeout":          c.Remote.FetchTimeout,
		"connectivity.settle_delay":     c.Connectivity.SettleDelay,
		"connectivity.probe_timeout":    c.Connectivity.ProbeTimeout,
		"connectivity.retry_interval":   c.Connectivity.RetryInterval,
		"connectivity.recheck_interval": c.Connectivity.RecheckInterval,
	}
	for key, d := range durations {
		if d <= 0 {
			return errors.Newf(errors.ErrConfig, "%s must be positive, got %s", key, d)
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return errors.Newf(errors.ErrConfig, "unknown log.format %q", c.Log.Format)
	}
	return nil
}
