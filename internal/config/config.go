// Package config loads configuration from defaults, an optional YAML file,
// environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Keys double as environment variable names once upper-cased.
const (
	KeyConfigFile        = "config"
	KeyListenAddr        = "listen_addr"
	KeyMetricsAddr       = "metrics_addr"
	KeyLogLevel          = "log_level"
	KeyLogFormat         = "log_format"
	KeyStorageRoot       = "storage_root"
	KeyCacheTTL          = "cache_ttl"
	KeyRecentFiles       = "recent_files"
	KeyAllowedPatterns   = "allowed_patterns"
	KeyCPUSampleInterval = "cpu_sample_interval"
	KeyStaticDir         = "static_dir"
	KeyWatchEnabled      = "watch_enabled"
	KeyDebugEndpoints    = "debug_endpoints"
)

// DefaultPatterns are the document types listed by the library.
var DefaultPatterns = []string{"*.pdf", "*.epub", "*.html", "*.htm"}

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Library
	StorageRoot     string
	CacheTTL        time.Duration
	RecentFiles     int
	AllowedPatterns []string
	WatchEnabled    bool

	// Monitor
	CPUSampleInterval time.Duration

	// Web
	StaticDir      string // serve static assets from disk instead of the embedded copy
	DebugEndpoints bool
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyListenAddr, "0.0.0.0:8080")
	v.SetDefault(KeyMetricsAddr, ":9090")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "json")
	v.SetDefault(KeyStorageRoot, DefaultStorageRoot())
	v.SetDefault(KeyCacheTTL, "600s")
	v.SetDefault(KeyRecentFiles, 5)
	v.SetDefault(KeyAllowedPatterns, DefaultPatterns)
	v.SetDefault(KeyCPUSampleInterval, "1s")
	v.SetDefault(KeyStaticDir, "")
	v.SetDefault(KeyWatchEnabled, true)
	v.SetDefault(KeyDebugEndpoints, false)
}

// New returns a viper instance with defaults and environment binding applied.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.AutomaticEnv()
	// BOOKSHELF_CONFIG names the config file when no flag is given.
	_ = v.BindEnv(KeyConfigFile, "BOOKSHELF_CONFIG")
	return v
}

// Load reads configuration from v. If a config file is named, it is merged
// below environment variables and flags.
func Load(v *viper.Viper) (*Config, error) {
	if file := v.GetString(KeyConfigFile); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	ttl, err := duration(v, KeyCacheTTL)
	if err != nil {
		return nil, err
	}
	sample, err := duration(v, KeyCPUSampleInterval)
	if err != nil {
		return nil, err
	}

	root, err := filepath.Abs(v.GetString(KeyStorageRoot))
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}

	cfg := &Config{
		ListenAddr:        v.GetString(KeyListenAddr),
		MetricsAddr:       v.GetString(KeyMetricsAddr),
		LogLevel:          v.GetString(KeyLogLevel),
		LogFormat:         v.GetString(KeyLogFormat),
		StorageRoot:       root,
		CacheTTL:          ttl,
		RecentFiles:       v.GetInt(KeyRecentFiles),
		AllowedPatterns:   stringList(v, KeyAllowedPatterns),
		WatchEnabled:      v.GetBool(KeyWatchEnabled),
		CPUSampleInterval: sample,
		StaticDir:         v.GetString(KeyStaticDir),
		DebugEndpoints:    v.GetBool(KeyDebugEndpoints),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.RecentFiles < 1 {
		errs = append(errs, fmt.Errorf("recent_files must be at least 1, got %d", c.RecentFiles))
	}
	if c.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("cache_ttl must not be negative, got %s", c.CacheTTL))
	}
	if c.CPUSampleInterval < 0 {
		errs = append(errs, fmt.Errorf("cpu_sample_interval must not be negative, got %s", c.CPUSampleInterval))
	}
	if len(c.AllowedPatterns) == 0 {
		errs = append(errs, errors.New("allowed_patterns must not be empty"))
	}
	return errors.Join(errs...)
}

// DefaultStorageRoot is ../storage relative to the executable's directory.
func DefaultStorageRoot() string {
	exe, err := os.Executable()
	if err != nil {
		return filepath.Join("..", "storage")
	}
	return filepath.Join(filepath.Dir(exe), "..", "storage")
}

// duration accepts Go duration strings ("10m") and bare integers as seconds.
func duration(v *viper.Viper, key string) (time.Duration, error) {
	switch raw := v.Get(key).(type) {
	case time.Duration:
		return raw, nil
	case int:
		return time.Duration(raw) * time.Second, nil
	case int64:
		return time.Duration(raw) * time.Second, nil
	case float64:
		return time.Duration(raw * float64(time.Second)), nil
	case string:
		raw = strings.TrimSpace(raw)
		if secs, err := strconv.ParseFloat(raw, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return d, nil
	default:
		return v.GetDuration(key), nil
	}
}

// stringList accepts a YAML list or a comma separated environment value.
func stringList(v *viper.Viper, key string) []string {
	var items []string
	if s, ok := v.Get(key).(string); ok {
		items = strings.Split(s, ",")
	} else {
		items = v.GetStringSlice(key)
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
