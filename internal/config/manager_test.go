package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
		"server": {"addr": ":3000", "upload_dir": "./uploads"},
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
		"channel": {"driver": "sim"},
		"sender": {"min_delay": "2s", "max_delay": "6s", "rate_per_min": 20}
	}`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":3000" {
		t.Fatalf("Addr = %q, want :3000", cfg.Server.Addr)
	}
	if cfg.Channel.Driver != "sim" {
		t.Fatalf("Driver = %q, want sim", cfg.Channel.Driver)
	}
	if cfg.Sender.RatePerMin != 20 {
		t.Fatalf("RatePerMin = %d, want 20", cfg.Sender.RatePerMin)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
server:
  addr: ":8080"
  upload_dir: "./up"
logging:
  level: info
  console: true
  file: {enabled: false, path: ""}
channel:
  driver: telegram
  telegram: {token: "123:abc", poll_timeout: "15s"}
sender:
  rate_per_min: 10
maintenance:
  enabled: true
  schedule: "@every 1h"
  upload_ttl: "24h"
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channel.Driver != "telegram" {
		t.Fatalf("Driver = %q, want telegram", cfg.Channel.Driver)
	}
	if cfg.Channel.Telegram == nil || cfg.Channel.Telegram.Token != "123:abc" {
		t.Fatalf("telegram driver config not decoded: %+v", cfg.Channel.Telegram)
	}
	if !cfg.Maintenance.Enabled || cfg.Maintenance.Schedule != "@every 1h" {
		t.Fatalf("maintenance not decoded: %+v", cfg.Maintenance)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"server": {"addr": ":1", "upload_dir": "x", "bogus": 1},
		"logging": {"level":"info","console":true,"file":{"enabled":false,"path":""}},
		"channel": {"driver":"sim"}, "sender": {}}`)

	m := NewManager(path)
	if _, err := m.Load(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestChangedSections(t *testing.T) {
	t.Parallel()
	a := &Config{}
	a.Server.Addr = ":3000"
	a.Sender.RatePerMin = 20

	b := &Config{}
	b.Server.Addr = ":3000"
	b.Sender.RatePerMin = 30

	got := ChangedSections(a, b)
	if len(got) != 1 || got[0] != "sender" {
		t.Fatalf("ChangedSections = %v, want [sender]", got)
	}

	if got := ChangedSections(a, a); len(got) != 0 {
		t.Fatalf("ChangedSections(self) = %v, want empty", got)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("sender.min_delay", "2s")
	if err != nil || d.Seconds() != 2 {
		t.Fatalf("got %v, %v", d, err)
	}
	if _, err := ParseDurationField("sender.min_delay", "nope"); err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if d, err := ParseDurationOrDefault("bootstrap.ready_timeout", "", 5); err != nil || d != 5 {
		t.Fatalf("default not applied: %v, %v", d, err)
	}
}
