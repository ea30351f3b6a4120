// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/netpro/netpro/internal/packetlog"
)

// Config represents the top-level configuration.
// Maps to the `netpro:` root key in YAML.
type Config struct {
	Capture CaptureConfig `mapstructure:"capture"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Catalog CatalogConfig `mapstructure:"catalog"`
}

// ─── Capture ───

// CaptureConfig controls how packet logs are recorded.
type CaptureConfig struct {
	BaseDir     string                `mapstructure:"base_dir"`
	Compression packetlog.Compression `mapstructure:"compression"` // none | deflate | snappy
	// StagingBufferSize is the uncompressed block staging capacity in bytes.
	StagingBufferSize int           `mapstructure:"staging_buffer_size"`
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// ─── Catalog ───

// CatalogConfig controls directory scans.
type CatalogConfig struct {
	Workers  int           `mapstructure:"workers"` // 0 = GOMAXPROCS
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

const (
	minStagingSize = 1 << 10
	maxStagingSize = 64 << 20
)

// configRoot is the top-level wrapper matching the YAML structure `netpro: ...`.
type configRoot struct {
	NetPro Config `mapstructure:"netpro"`
}

// Load loads configuration from file. An empty path yields the defaults,
// still subject to environment overrides.
// The YAML file uses `netpro:` as root key; env vars use the NETPRO_ prefix
// (e.g., NETPRO_CAPTURE_BASE_DIR).
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `netpro.` key prefix maps to `NETPRO_` through the key replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		compressionHook,
	))
	if err := v.Unmarshal(&root, hooks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.NetPro

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// compressionHook decodes compression names.
func compressionHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(packetlog.Compression(0)) || from.Kind() != reflect.String {
		return data, nil
	}
	return packetlog.ParseCompression(data.(string))
}

// setDefaults sets default values for configuration.
// All keys use the "netpro." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Capture defaults
	v.SetDefault("netpro.capture.base_dir", "captures")
	v.SetDefault("netpro.capture.compression", "deflate")
	v.SetDefault("netpro.capture.staging_buffer_size", packetlog.DefaultStagingSize)
	v.SetDefault("netpro.capture.retry_interval", "100ms")
	v.SetDefault("netpro.capture.shutdown_timeout", "10s")

	// Log defaults
	v.SetDefault("netpro.log.level", "info")
	v.SetDefault("netpro.log.format", "text")
	v.SetDefault("netpro.log.outputs.file.enabled", false)
	v.SetDefault("netpro.log.outputs.file.path", "logs/netpro.log")
	v.SetDefault("netpro.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("netpro.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("netpro.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("netpro.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("netpro.metrics.enabled", false)
	v.SetDefault("netpro.metrics.listen", ":9091")
	v.SetDefault("netpro.metrics.path", "/metrics")

	// Catalog defaults
	v.SetDefault("netpro.catalog.workers", 0)
	v.SetDefault("netpro.catalog.cache_ttl", "5m")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("log.outputs.file.path is required when file output is enabled")
	}

	// ── Capture validation ──
	c := &cfg.Capture
	if c.BaseDir == "" {
		return fmt.Errorf("capture.base_dir is required")
	}
	if c.StagingBufferSize < minStagingSize || c.StagingBufferSize > maxStagingSize {
		return fmt.Errorf("capture.staging_buffer_size %d out of range [%d, %d]",
			c.StagingBufferSize, minStagingSize, maxStagingSize)
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("capture.retry_interval must be positive, got %s", c.RetryInterval)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("capture.shutdown_timeout must be positive, got %s", c.ShutdownTimeout)
	}

	// ── Metrics validation ──
	if cfg.Metrics.Enabled {
		if cfg.Metrics.Listen == "" {
			return fmt.Errorf("metrics.listen is required when metrics.enabled=true")
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			return fmt.Errorf("invalid metrics.path: %q (must start with /)", cfg.Metrics.Path)
		}
	}

	// ── Catalog defaults ──
	if cfg.Catalog.Workers < 0 {
		return fmt.Errorf("catalog.workers must not be negative, got %d", cfg.Catalog.Workers)
	}
	if cfg.Catalog.Workers == 0 {
		cfg.Catalog.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Catalog.CacheTTL < 0 {
		return fmt.Errorf("catalog.cache_ttl must not be negative, got %s", cfg.Catalog.CacheTTL)
	}

	return nil
}
