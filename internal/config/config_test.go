package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8080" || cfg.Server.BasePath != "/v0" {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if got := cfg.Route("derivation", "d-1"); got != "/derivations/d-1" {
		t.Fatalf("route = %q", got)
	}
	if cfg.StatsTTL().Seconds() != 30 {
		t.Fatalf("stats ttl = %v", cfg.StatsTTL())
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
database:
  driver: postgres
  dsn: postgres://desk@localhost/desk
kafka:
  brokers: [localhost:9092]
webhooks:
  - url: http://example.test/hook
    events: [derivation.created]
    enabled: true
`))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Database.Driver != "postgres" {
		t.Fatalf("driver = %s", cfg.Database.Driver)
	}
	if cfg.Kafka.Topic != "casedesk.notifications" {
		t.Fatalf("kafka topic default lost: %q", cfg.Kafka.Topic)
	}
	if len(cfg.Webhooks) != 1 || !cfg.Webhooks[0].Enabled {
		t.Fatalf("webhooks = %+v", cfg.Webhooks)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"postgres without dsn": "database:\n  driver: postgres\n",
		"unknown driver":       "database:\n  driver: mysql\n",
		"bad log level":        "log:\n  level: loud\n",
		"webhook without url":  "webhooks:\n  - events: [derivation.created]\n",
		"negative ttl":         "redis:\n  stats_ttl_seconds: -1\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("level = %s", cfg.Log.Level)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected missing config error")
	}
	if err := os.WriteFile(filepath.Join(dir, "casedesk.yml"), []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("level = %s", cfg.Log.Level)
	}
}
