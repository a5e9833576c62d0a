package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", `
logging:
  level: debug
  console: false
storage:
  driver: sqlite
  path: /var/lib/harvestd/harvestd.db
  busy_timeout: 10s
scheduler:
  timezone: Europe/Brussels
executor:
  max_concurrent: 3
  default_timeout: 2m
  user_agent: harvestd-test/1.0
http:
  enabled: true
  addr: ":9090"
  debug: true
`)

	m := NewManager(path)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.ConsoleEnabled() {
		t.Fatalf("logging section: %+v", cfg.Logging)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path == "" {
		t.Fatalf("storage section: %+v", cfg.Storage)
	}
	if cfg.Scheduler.Timezone != "Europe/Brussels" {
		t.Fatalf("scheduler section: %+v", cfg.Scheduler)
	}
	if cfg.Executor.MaxConcurrentOrDefault() != 3 {
		t.Fatalf("max_concurrent: %+v", cfg.Executor)
	}
	d, err := cfg.Executor.TimeoutOrDefault()
	if err != nil || d != 2*time.Minute {
		t.Fatalf("default_timeout: %v, %v", d, err)
	}
	if !cfg.HTTP.Enabled || cfg.HTTP.AddrOrDefault() != ":9090" || !cfg.HTTP.Debug {
		t.Fatalf("http section: %+v", cfg.HTTP)
	}
}

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", `
storage:
  driver: sqlite
  path: test.db
`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.Logging.ConsoleEnabled() {
		t.Fatalf("console should default to enabled")
	}
	if cfg.Executor.MaxConcurrentOrDefault() != 5 {
		t.Fatalf("max_concurrent default: %d", cfg.Executor.MaxConcurrentOrDefault())
	}
	d, err := cfg.Executor.TimeoutOrDefault()
	if err != nil || d != 5*time.Minute {
		t.Fatalf("timeout default: %v, %v", d, err)
	}
	if cfg.HTTP.AddrOrDefault() != ":8080" {
		t.Fatalf("addr default: %q", cfg.HTTP.AddrOrDefault())
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", `
storage:
  driver: sqlite
  pathh: typo.db
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.json", `{
  "storage": {"driver": "postgres", "dsn": "postgres://localhost/harvestd?sslmode=disable"},
  "http": {"enabled": false}
}`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN == "" {
		t.Fatalf("storage section: %+v", cfg.Storage)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	if _, err := ParseDurationField("x", "nonsense"); err == nil {
		t.Fatalf("expected error for bad duration")
	}
	d, err := ParseDurationOrDefault("x", "", 7*time.Second)
	if err != nil || d != 7*time.Second {
		t.Fatalf("default not applied: %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "90s", 0)
	if err != nil || d != 90*time.Second {
		t.Fatalf("parse failed: %v, %v", d, err)
	}
}
