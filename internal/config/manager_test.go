package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"logging": {"level": "debug", "console": true},
		"scheduler": {"timezone": "UTC"},
		"storage": {"driver": "file", "path": "./data/loom"},
		"plugins": {
			"heartbeat": {"enabled": true, "config": {"interval": "5s"}},
			"audit": {}
		}
	}`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Scheduler.Timezone != "UTC" {
		t.Fatalf("timezone = %q", cfg.Scheduler.Timezone)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	hb, ok := cfg.Plugins["heartbeat"]
	if !ok || !hb.IsEnabled() || len(hb.Config) == 0 {
		t.Fatalf("heartbeat section = %+v", hb)
	}
	// Omitted enabled defaults to true.
	if !cfg.Plugins["audit"].IsEnabled() {
		t.Fatal("audit should default to enabled")
	}
}

func TestParseYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
logging:
  level: info
  console: true
scheduler:
  timezone: Asia/Jakarta
plugins:
  sysinfo:
    enabled: false
    config:
      cooldown: 30s
`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
	if cfg.Scheduler.Timezone != "Asia/Jakarta" {
		t.Fatalf("timezone = %q", cfg.Scheduler.Timezone)
	}
	si := cfg.Plugins["sysinfo"]
	if si.IsEnabled() {
		t.Fatal("sysinfo should be disabled")
	}
	if len(si.Config) == 0 {
		t.Fatal("sysinfo config section missing")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"top level", `{"logging": {}, "plugins": {}, "typo_field": 1}`},
		{"plugin section", `{"plugins": {"x": {"enbled": true}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.json", tt.content)
			if _, err := NewManager(path).Parse(); err == nil {
				t.Fatal("unknown field accepted")
			}
		})
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeConfig(t, "config.json", `{"plugins": {}} {"plugins": {}}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("trailing JSON accepted")
	}
}

func TestLoadCommitGet(t *testing.T) {
	path := writeConfig(t, "config.json", `{"logging": {"level": "warn"}, "plugins": {}}`)
	m := NewManager(path)

	if m.Get() != nil {
		t.Fatal("Get before Load should be nil")
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestSubscribePublish(t *testing.T) {
	path := writeConfig(t, "config.json", `{"plugins": {}}`)
	m := NewManager(path)

	ch := m.Subscribe(1)
	cfg := &Config{}
	m.publish(cfg)

	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	default:
		t.Fatal("no config delivered")
	}

	// Slow subscriber keeps the latest, not the oldest.
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	if got := <-ch; got != second {
		t.Fatal("expected latest config after overflow")
	}

	m.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Fatal("channel open after Unsubscribe")
	}
	// Publishing after Unsubscribe must not panic.
	m.publish(cfg)
}

func TestReloadSkippedAfterCancel(t *testing.T) {
	path := writeConfig(t, "config.json", `{"logging": {"level": "warn"}, "plugins": {}}`)
	m := NewManager(path)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.reload(ctx)

	if m.Get() != nil {
		t.Fatal("reload committed after context cancellation")
	}
}

func TestParseDurationField(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"", "0s", false},
		{"5s", "5s", false},
		{" 2m ", "2m0s", false},
		{"-1s", "", true},
		{"bogus", "", true},
	}
	for _, tt := range tests {
		d, err := ParseDurationField("test.field", tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseDurationField(%q) accepted", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseDurationField(%q): %v", tt.raw, err)
		}
		if d.String() != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, want %v", tt.raw, d, tt.want)
		}
	}
}
