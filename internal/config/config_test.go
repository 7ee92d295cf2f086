package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  port: 9090
  read_timeout: 15s
identity:
  issuer: https://auth.example.com
  audience: signoff
  jwks_url: https://auth.example.com/.well-known/jwks.json
  algorithms: [RS256, ES256]
definitions:
  directories: [./definitions]
store:
  driver: postgres
  dsn_env: DATABASE_URL
  auto_migrate: true
notifications:
  driver: redis
  channel: sales.events
  circuit_breaker:
    failure_threshold: 3
overdue:
  enabled: true
  schedule: "@every 1h"
  after: 168h
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoad_valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Identity.Issuer != "https://auth.example.com" {
		t.Errorf("Identity.Issuer = %q", cfg.Identity.Issuer)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.Store.Driver != DriverPostgres || !cfg.Store.AutoMigrate {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Store.DSNEnv != "DATABASE_URL" {
		t.Errorf("Store.DSNEnv = %q", cfg.Store.DSNEnv)
	}
	if cfg.Notifications.Channel != "sales.events" {
		t.Errorf("Notifications.Channel = %q", cfg.Notifications.Channel)
	}
	if cfg.Notifications.CircuitBreaker.FailureThreshold != 3 {
		t.Errorf("CircuitBreaker.FailureThreshold = %d, want 3", cfg.Notifications.CircuitBreaker.FailureThreshold)
	}
	// Unset siblings keep their defaults.
	if cfg.Notifications.CircuitBreaker.SuccessThreshold != 2 {
		t.Errorf("CircuitBreaker.SuccessThreshold = %d, want 2", cfg.Notifications.CircuitBreaker.SuccessThreshold)
	}
	if cfg.Overdue.After != 168*time.Hour {
		t.Errorf("Overdue.After = %v, want 168h", cfg.Overdue.After)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_invalid_yaml(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [port"))
	if err == nil {
		t.Fatal("Load() with invalid YAML should return error")
	}
}

func TestLoad_reports_every_problem(t *testing.T) {
	_, err := Load(writeConfig(t, "server:\n  port: 0\nstore:\n  driver: mongo\n"))
	if err == nil {
		t.Fatal("Load() should fail validation")
	}
	for _, want := range []string{"server.port", "identity.issuer", "identity.jwks_url", "identity.audience", "store.driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoad_env_overrides(t *testing.T) {
	t.Setenv("SIGNOFF_SERVER_PORT", "7070")
	t.Setenv("SIGNOFF_IDENTITY_AUDIENCE", "signoff-staging")
	t.Setenv("SIGNOFF_STORE_DRIVER", "sqlite")
	t.Setenv("SIGNOFF_NOTIFICATIONS_DRIVER", "log")
	t.Setenv("SIGNOFF_OVERDUE_ENABLED", "false")
	t.Setenv("SIGNOFF_OBSERVABILITY_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Identity.Audience != "signoff-staging" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if cfg.Store.Driver != DriverSQLite {
		t.Errorf("Store.Driver = %q, want sqlite", cfg.Store.Driver)
	}
	if cfg.Notifications.Driver != DriverLog {
		t.Errorf("Notifications.Driver = %q, want log", cfg.Notifications.Driver)
	}
	if cfg.Overdue.Enabled {
		t.Error("Overdue.Enabled = true, want false")
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Observability.LogLevel)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Identity.ClaimPaths["tenant_id"] != "tenant_id" {
		t.Errorf("ClaimPaths[tenant_id] = %q", cfg.Identity.ClaimPaths["tenant_id"])
	}
	if cfg.Overdue.Schedule != "@every 15m" {
		t.Errorf("Overdue.Schedule = %q", cfg.Overdue.Schedule)
	}
}

func TestValidate_overdue(t *testing.T) {
	cfg := Defaults()
	cfg.Identity = IdentityConfig{Issuer: "i", Audience: "a", JWKSURL: "j"}
	cfg.Overdue = OverdueConfig{Enabled: true}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail for enabled scanner without schedule")
	}
	if !strings.Contains(err.Error(), "overdue.schedule") || !strings.Contains(err.Error(), "overdue.after") {
		t.Errorf("Validate() error = %v", err)
	}
}
