// Package config loads SWR's tunables (and store/bus backend selection)
// from a TOML file plus environment overlay, in the style of the pack's
// token-manager config package: viper for file+env merging, a package-level
// atomic pointer for the active config, an fsnotify-driven hot-reload, and
// go-toml/v2 for the InitConfig/ExportConfig/ImportConfig round trip.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// DefaultConfigFilename is the file InitConfig writes and Load looks for
// under ~/.swr when no explicit path is given.
const DefaultConfigFilename = "swr.toml"

var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last
// successful Load, so ImportConfig knows where to persist a reload.
var loadedConfigFile atomic.Value

// Get returns the active Config, defaulting to DefaultConfig if none has
// been loaded yet. Safe for concurrent use.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

func set(cfg *Config) { configPtr.Store(cfg) }

// Config is SWR's top-level tunable set.
type Config struct {
	AppName            string      `mapstructure:"app_name"             toml:"app_name"`
	DedupingIntervalMs int         `mapstructure:"deduping_interval_ms"  toml:"deduping_interval_ms"`
	ErrorRetryMs       int         `mapstructure:"error_retry_ms"        toml:"error_retry_ms"`
	ErrorRetryCount    int         `mapstructure:"error_retry_count"     toml:"error_retry_count"`
	EnableStats        bool        `mapstructure:"enable_stats"          toml:"enable_stats"`
	Store              StoreConfig `mapstructure:"store"                toml:"store"`
	EventBus           BusConfig   `mapstructure:"event_bus"             toml:"event_bus"`
}

// StoreConfig selects and configures the PersistentStore backend.
type StoreConfig struct {
	Backend  string `mapstructure:"backend"   toml:"backend"` // "none", "freecache", "sqlite", "redis"
	SizeMB   int    `mapstructure:"size_mb"   toml:"size_mb"`
	Path     string `mapstructure:"path"      toml:"path"`
	RedisDSN string `mapstructure:"redis_dsn" toml:"redis_dsn"`
}

// BusConfig selects and configures the EventBus backend.
type BusConfig struct {
	Backend       string        `mapstructure:"backend"        toml:"backend"` // "memory", "net"
	ProbeAddr     string        `mapstructure:"probe_addr"     toml:"probe_addr"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" toml:"probe_interval"`
}

// DedupingInterval returns the configured deduping interval as a Duration.
func (c *Config) DedupingInterval() time.Duration {
	return time.Duration(c.DedupingIntervalMs) * time.Millisecond
}

// ErrorRetryInterval returns the configured retry delay as a Duration.
func (c *Config) ErrorRetryInterval() time.Duration {
	return time.Duration(c.ErrorRetryMs) * time.Millisecond
}

// DefaultConfig returns SWR's compiled-in defaults, matching spec.md §4.H's
// table (dedupingInterval=6000ms, errorRetryInterval=5000ms,
// errorRetryCount=3).
func DefaultConfig() *Config {
	return &Config{
		AppName:            "swr",
		DedupingIntervalMs: 6000,
		ErrorRetryMs:       5000,
		ErrorRetryCount:    3,
		EnableStats:        false,
		Store:              StoreConfig{Backend: "freecache", SizeMB: 32},
		EventBus:           BusConfig{Backend: "memory", ProbeInterval: 30 * time.Second},
	}
}

// Load reads explicitPath (or ./swr.toml / ~/.swr/swr.toml if empty),
// overlays SWR_-prefixed environment variables, and returns the merged
// Config. A missing file is not an error: defaults + env still apply.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setViperDefaults(v)

	v.SetEnvPrefix("SWR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".swr"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("swr")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading config: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	)); err != nil {
		return nil, fmt.Errorf("config: unmarshalling: %w", err)
	}

	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	set(cfg)
	return cfg, nil
}

// ConfigFilePath returns the path of the config file used by the last
// successful Load, or empty if none was found (defaults-only).
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// InitConfig writes the default configuration file to ~/.swr/swr.toml. If
// the file already exists it is left untouched.
func InitConfig() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("config: determining home directory: %w", err)
	}

	dir := filepath.Join(home, ".swr")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: creating %s: %w", dir, err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	data, err := toml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("config: marshalling default config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// ExportConfig writes the active Config to path in TOML format.
func ExportConfig(path string) error {
	data, err := toml.Marshal(Get())
	if err != nil {
		return fmt.Errorf("config: marshalling config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// ImportConfig reads a TOML file at path and makes it the active Config,
// persisting it to the last-loaded config file (if any) so the change
// survives restart.
func ImportConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	set(cfg)

	if dest := ConfigFilePath(); dest != "" {
		out, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("config: marshalling config for persistence: %w", err)
		}
		if err := os.WriteFile(dest, out, 0o600); err != nil {
			return fmt.Errorf("config: persisting imported config to %s: %w", dest, err)
		}
	}
	return nil
}

func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("app_name", d.AppName)
	v.SetDefault("deduping_interval_ms", d.DedupingIntervalMs)
	v.SetDefault("error_retry_ms", d.ErrorRetryMs)
	v.SetDefault("error_retry_count", d.ErrorRetryCount)
	v.SetDefault("enable_stats", d.EnableStats)
	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.size_mb", d.Store.SizeMB)
	v.SetDefault("event_bus.backend", d.EventBus.Backend)
	v.SetDefault("event_bus.probe_interval", d.EventBus.ProbeInterval)
}
