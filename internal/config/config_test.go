package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tripwire/filemon/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

// clearEnv unsets the variables that override configuration.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"LOG_LEVEL", "DB_HOST", "DB_PORT", "DB_NAME", "DB_USER", "DB_PASSWORD"} {
		t.Setenv(k, "")
	}
}

const validYAML = `
paths:
  - /srv/app
  - ~/etc
file_filters: [".conf", ".toml"]
exclude_dirs: ["/srv/app/cache"]
backend: poll
poll_interval: 250ms
buffer_size: 128
log:
  level: debug
  format: json
  output: file
  file: ~/filemon.log
attribution:
  enabled: false
  scan_timeout: 500ms
  index_refresh: 5s
status:
  addr: "127.0.0.1:9001"
database:
  host: db.internal
  port: 6543
  probe: true
`

func TestLoadConfig_Valid(t *testing.T) {
	clearEnv(t)
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	cfg, err := config.LoadConfig(writeTemp(t, validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Paths) != 2 || cfg.Paths[0] != "/srv/app" || cfg.Paths[1] != filepath.Join(home, "etc") {
		t.Errorf("Paths = %v", cfg.Paths)
	}
	if len(cfg.FileFilters) != 2 || cfg.FileFilters[1] != ".toml" {
		t.Errorf("FileFilters = %v", cfg.FileFilters)
	}
	if cfg.Backend != "poll" || cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("Backend = %q, PollInterval = %v", cfg.Backend, cfg.PollInterval)
	}
	if cfg.BufferSize != 128 {
		t.Errorf("BufferSize = %d, want 128", cfg.BufferSize)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" || cfg.Log.Output != "file" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Log.File != filepath.Join(home, "filemon.log") {
		t.Errorf("Log.File = %q", cfg.Log.File)
	}
	if cfg.Attribution.Enabled {
		t.Error("Attribution.Enabled = true, want false")
	}
	if cfg.Attribution.ScanTimeout != 500*time.Millisecond {
		t.Errorf("ScanTimeout = %v, want 500ms", cfg.Attribution.ScanTimeout)
	}
	if cfg.Attribution.IndexRefresh != 5*time.Second {
		t.Errorf("IndexRefresh = %v, want 5s", cfg.Attribution.IndexRefresh)
	}
	if cfg.Status.Addr != "127.0.0.1:9001" {
		t.Errorf("Status.Addr = %q", cfg.Status.Addr)
	}
	if cfg.Database.Host != "db.internal" || cfg.Database.Port != 6543 || !cfg.Database.Probe {
		t.Errorf("Database = %+v", cfg.Database)
	}
	// Omitted database keys keep their defaults.
	if cfg.Database.Name != "file_events" || cfg.Database.User != "username" {
		t.Errorf("Database defaults lost: %+v", cfg.Database)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := config.LoadConfig(writeTemp(t, "paths: [/tmp/]\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" || cfg.Log.Output != "stderr" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.PollInterval != time.Second {
		t.Errorf("PollInterval = %v, want 1s", cfg.PollInterval)
	}
	if cfg.Backend != "fsnotify" || cfg.BufferSize != 64 {
		t.Errorf("Backend/BufferSize = %q/%d", cfg.Backend, cfg.BufferSize)
	}
	if !cfg.Attribution.Enabled || cfg.Attribution.ScanTimeout != 2*time.Second {
		t.Errorf("Attribution = %+v", cfg.Attribution)
	}
	want := []string{".conf", ".log", ".ini", ".yml", ".yaml"}
	if strings.Join(cfg.FileFilters, ",") != strings.Join(want, ",") {
		t.Errorf("FileFilters = %v, want %v", cfg.FileFilters, want)
	}
	if cfg.Database.Port != 5432 || cfg.Database.Host != "localhost" {
		t.Errorf("Database = %+v", cfg.Database)
	}
}

func TestDefault_BuiltInPaths(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if len(cfg.Paths) != 6 || cfg.Paths[0] != "/etc/" || cfg.Paths[4] != "/tmp/" {
		t.Errorf("Paths = %v", cfg.Paths)
	}
	for _, p := range append(cfg.Paths, cfg.ExcludeDirs...) {
		if strings.HasPrefix(p, "~") {
			if _, err := os.UserHomeDir(); err == nil {
				t.Errorf("path %q was not home-expanded", p)
			}
		}
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", "WARNING")
	t.Setenv("DB_HOST", "pg.example")
	t.Setenv("DB_PORT", "15432")
	t.Setenv("DB_NAME", "events")
	t.Setenv("DB_USER", "mon")
	t.Setenv("DB_PASSWORD", "s3cret")

	cfg, err := config.LoadConfig(writeTemp(t, "log:\n  level: debug\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}
	db := cfg.Database
	if db.Host != "pg.example" || db.Port != 15432 || db.Name != "events" || db.User != "mon" || db.Password != "s3cret" {
		t.Errorf("Database = %+v", db)
	}
}

func TestLoadConfig_InvalidDBPortEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_PORT", "postgres")
	_, err := config.LoadConfig(writeTemp(t, "paths: [/tmp]\n"))
	if err == nil || !strings.Contains(err.Error(), "DB_PORT") {
		t.Fatalf("error = %v, want DB_PORT failure", err)
	}
}

func TestLoadConfig_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"empty paths", "paths: []\n", "paths must list"},
		{"blank path", "paths: [\"  \"]\n", "paths[0] is empty"},
		{"empty filters", "file_filters: []\n", "file_filters must list"},
		{"blank filter", "file_filters: [\"\"]\n", "file_filters[0] is empty"},
		{"bad backend", "backend: kqueue\n", "backend \"kqueue\""},
		{"bad level", "log:\n  level: verbose\n", "log.level"},
		{"bad format", "log:\n  format: xml\n", "log.format"},
		{"bad output", "log:\n  output: syslog\n", "log.output"},
		{"file without path", "log:\n  output: file\n", "log.file is required"},
		{"gelf without addr", "log:\n  output: gelf\n", "log.gelf_addr is required"},
		{"negative timeout", "attribution:\n  scan_timeout: -1s\n", "scan_timeout"},
		{"negative refresh", "attribution:\n  index_refresh: -1s\n", "index_refresh"},
		{"port out of range", "database:\n  port: 70000\n", "database.port"},
		{"negative buffer", "buffer_size: -3\n", "buffer_size"},
		{"negative poll interval", "poll_interval: -1s\n", "poll_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := config.LoadConfig(writeTemp(t, tt.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cannot read") {
		t.Fatalf("error = %v, want read failure", err)
	}
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	_, err := config.LoadConfig(writeTemp(t, "paths: [unterminated\n"))
	if err == nil || !strings.Contains(err.Error(), "cannot parse") {
		t.Fatalf("error = %v, want parse failure", err)
	}
}

func TestExpandHome(t *testing.T) {
	tests := []struct{ in, want string }{
		{"~", "/home/u"},
		{"~/.config", "/home/u/.config"},
		{"~other/x", "~other/x"},
		{"/etc/", "/etc/"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := config.ExpandHome(tt.in, "/home/u"); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
