// Package config provides YAML configuration loading and validation for
// filemon. Configuration is read once at startup and treated as immutable.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tripwire/filemon/internal/watcher"
)

// Config is the top-level filemon configuration.
type Config struct {
	// Paths are the watch roots, each monitored recursively. Roots missing at
	// startup are skipped with a warning.
	Paths []string `yaml:"paths"`

	// FileFilters is the suffix allow-list (e.g. ".conf"). Matching is
	// case-sensitive.
	FileFilters []string `yaml:"file_filters"`

	// ExcludeDirs are directory prefixes whose events are never logged.
	ExcludeDirs []string `yaml:"exclude_dirs"`

	// Backend selects the change-notification backend: "fsnotify",
	// "inotify" (Linux only), or "poll".
	Backend string `yaml:"backend"`

	// PollInterval is the rescan period of the poll backend.
	PollInterval time.Duration `yaml:"poll_interval"`

	// BufferSize is the capacity of the channel between the backend and the
	// event pipeline.
	BufferSize int `yaml:"buffer_size"`

	Log         LogConfig         `yaml:"log"`
	Attribution AttributionConfig `yaml:"attribution"`
	Status      StatusConfig      `yaml:"status"`
	Database    DatabaseConfig    `yaml:"database"`
}

// LogConfig controls the log sink.
type LogConfig struct {
	// Level is "debug", "info", "warn", or "error". LOG_LEVEL overrides it.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
	// Output is "stdout", "stderr", "file", or "gelf".
	Output string `yaml:"output"`
	// File is the append-only log file used when Output is "file".
	File string `yaml:"file"`
	// GELFAddr is the host:port of a Graylog UDP input used when Output is
	// "gelf".
	GELFAddr string `yaml:"gelf_addr"`
}

// AttributionConfig controls process attribution.
type AttributionConfig struct {
	Enabled bool `yaml:"enabled"`
	// ScanTimeout bounds one process-table scan.
	ScanTimeout time.Duration `yaml:"scan_timeout"`
	// IndexRefresh, when positive, replaces per-event scans with a
	// path -> holder index rebuilt at this interval.
	IndexRefresh time.Duration `yaml:"index_refresh"`
}

// StatusConfig controls the HTTP status server.
type StatusConfig struct {
	// Addr is the listen address (e.g. "127.0.0.1:9000"). Empty disables
	// the server.
	Addr string `yaml:"addr"`
}

// DatabaseConfig holds the connection settings reserved for an external
// persistence collaborator. filemon itself only probes reachability.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// Probe enables a connectivity check reported by /healthz.
	Probe bool `yaml:"probe"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validFormats = map[string]bool{"text": true, "json": true}

var validOutputs = map[string]bool{
	"stdout": true,
	"stderr": true,
	"file":   true,
	"gelf":   true,
}

var validBackends = map[string]bool{"fsnotify": true, "inotify": true, "poll": true}

// defaults returns the built-in configuration.
func defaults() Config {
	return Config{
		Paths: []string{
			"/etc/",
			"/var/log/",
			"~/.config",
			"/var/spool/cron/",
			"/tmp/",
			"/var/tmp/",
		},
		FileFilters:  []string{".conf", ".log", ".ini", ".yml", ".yaml"},
		ExcludeDirs:  []string{"~/.config/Code"},
		Backend:      "fsnotify",
		PollInterval: watcher.DefaultPollInterval,
		BufferSize:   watcher.DefaultBufferSize,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Attribution: AttributionConfig{
			Enabled:     true,
			ScanTimeout: 2 * time.Second,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Name:     "file_events",
			User:     "username",
			Password: "password",
		},
	}
}

// Default returns the built-in configuration with environment overrides
// applied.
func Default() (*Config, error) {
	cfg := defaults()
	if err := finish(&cfg, os.Getenv); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// LoadConfig reads the YAML file at path over the built-in defaults, applies
// environment overrides, and validates the result. Keys omitted from the file
// keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	if err := finish(&cfg, os.Getenv); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return &cfg, nil
}

// finish runs the post-load steps shared by Default and LoadConfig.
func finish(cfg *Config, getenv func(string) string) error {
	applyDefaults(cfg)
	envErr := applyEnv(cfg, getenv)
	expandHome(cfg)
	return errors.Join(envErr, validate(cfg))
}

// applyDefaults fills zero values the YAML may have set explicitly.
func applyDefaults(cfg *Config) {
	if cfg.Backend == "" {
		cfg.Backend = "fsnotify"
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = watcher.DefaultBufferSize
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = watcher.DefaultPollInterval
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stderr"
	}
	if cfg.Attribution.ScanTimeout == 0 {
		cfg.Attribution.ScanTimeout = 2 * time.Second
	}
}

// applyEnv applies LOG_LEVEL and the DB_* variables.
func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = normalizeLevel(v)
	}
	if v := getenv("DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := getenv("DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := getenv("DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := getenv("DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := getenv("DB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DB_PORT %q is not a number", v)
		}
		cfg.Database.Port = port
	}
	return nil
}

// normalizeLevel accepts the common spellings (INFO, WARNING, ...).
func normalizeLevel(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	switch v {
	case "warning":
		return "warn"
	case "critical", "fatal":
		return "error"
	}
	return v
}

// expandHome replaces a leading "~" in path settings with the user's home
// directory. Paths are left unchanged when the home directory is unknown.
func expandHome(cfg *Config) {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	for _, list := range [][]string{cfg.Paths, cfg.ExcludeDirs} {
		for i, p := range list {
			list[i] = ExpandHome(p, home)
		}
	}
	cfg.Log.File = ExpandHome(cfg.Log.File, home)
}

// ExpandHome expands a leading "~" or "~/" in p using home.
func ExpandHome(p, home string) string {
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}

// validate checks every field and reports all failures together.
func validate(cfg *Config) error {
	var errs []error

	if len(cfg.Paths) == 0 {
		errs = append(errs, errors.New("paths must list at least one directory"))
	}
	for i, p := range cfg.Paths {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("paths[%d] is empty", i))
		}
	}
	if len(cfg.FileFilters) == 0 {
		errs = append(errs, errors.New("file_filters must list at least one suffix"))
	}
	for i, f := range cfg.FileFilters {
		if f == "" {
			errs = append(errs, fmt.Errorf("file_filters[%d] is empty", i))
		}
	}
	if !validBackends[cfg.Backend] {
		errs = append(errs, fmt.Errorf("backend %q must be one of: fsnotify, inotify, poll", cfg.Backend))
	}
	if cfg.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("buffer_size %d must be positive", cfg.BufferSize))
	}
	if cfg.PollInterval < 0 {
		errs = append(errs, errors.New("poll_interval must not be negative"))
	}

	if !validLogLevels[cfg.Log.Level] {
		errs = append(errs, fmt.Errorf("log.level %q must be one of: debug, info, warn, error", cfg.Log.Level))
	}
	if !validFormats[cfg.Log.Format] {
		errs = append(errs, fmt.Errorf("log.format %q must be one of: text, json", cfg.Log.Format))
	}
	if !validOutputs[cfg.Log.Output] {
		errs = append(errs, fmt.Errorf("log.output %q must be one of: stdout, stderr, file, gelf", cfg.Log.Output))
	}
	if cfg.Log.Output == "file" && cfg.Log.File == "" {
		errs = append(errs, errors.New("log.file is required when log.output is file"))
	}
	if cfg.Log.Output == "gelf" && cfg.Log.GELFAddr == "" {
		errs = append(errs, errors.New("log.gelf_addr is required when log.output is gelf"))
	}

	if cfg.Attribution.ScanTimeout < 0 {
		errs = append(errs, errors.New("attribution.scan_timeout must not be negative"))
	}
	if cfg.Attribution.IndexRefresh < 0 {
		errs = append(errs, errors.New("attribution.index_refresh must not be negative"))
	}

	if cfg.Database.Port < 1 || cfg.Database.Port > 65535 {
		errs = append(errs, fmt.Errorf("database.port %d out of range", cfg.Database.Port))
	}
	if cfg.Database.Probe && cfg.Database.Host == "" {
		errs = append(errs, errors.New("database.host is required when database.probe is set"))
	}

	return errors.Join(errs...)
}
