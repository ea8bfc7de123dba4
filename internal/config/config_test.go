package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "chatops.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Errorf("address = %q, want :8080", cfg.Server.Address)
	}
	if cfg.Gateway.CommandPrefix != "!" {
		t.Errorf("command prefix = %q, want !", cfg.Gateway.CommandPrefix)
	}
	if cfg.Monitor.Source.Driver != "memory" {
		t.Errorf("source driver = %q, want memory", cfg.Monitor.Source.Driver)
	}
	if want := filepath.Join(filepath.Dir(path), "plugins"); cfg.Plugins.Dir != want {
		t.Errorf("plugins dir = %q, want %q", cfg.Plugins.Dir, want)
	}
	if cfg.Metrics.Namespace != "chatops" {
		t.Errorf("metrics namespace = %q, want chatops", cfg.Metrics.Namespace)
	}
	if len(cfg.Alerts.Channels) != 1 || cfg.Alerts.Channels[0] != "log" {
		t.Errorf("alert channels = %v, want [log]", cfg.Alerts.Channels)
	}

	if got := cfg.Confirm.TTL(); got != 2*time.Minute {
		t.Errorf("confirm TTL = %v, want 2m", got)
	}
	if got := cfg.Monitor.ReminderInterval(); got != 5*time.Minute {
		t.Errorf("reminder interval = %v, want 5m", got)
	}
	if got := cfg.Gateway.RequestTimeout(); got != 10*time.Second {
		t.Errorf("gateway request timeout = %v, want 10s", got)
	}
}

func TestLoadParsesSecondDurations(t *testing.T) {
	path := writeConfig(t, `{
		"confirm": {"ttl_seconds": 90},
		"monitor": {"reminder_interval_seconds": 2.5, "source": {"driver": "redis", "url": "redis://localhost:6379"}},
		"gateway": {"request_timeout_seconds": 3}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if got := cfg.Confirm.TTL(); got != 90*time.Second {
		t.Errorf("confirm TTL = %v, want 90s", got)
	}
	if got := cfg.Monitor.ReminderInterval(); got != 2500*time.Millisecond {
		t.Errorf("reminder interval = %v, want 2.5s", got)
	}
	if got := cfg.Gateway.RequestTimeout(); got != 3*time.Second {
		t.Errorf("gateway request timeout = %v, want 3s", got)
	}
	if cfg.Monitor.Source.Driver != "redis" {
		t.Errorf("source driver = %q, want redis", cfg.Monitor.Source.Driver)
	}
}

func TestLoadResolvesRelativePluginsDir(t *testing.T) {
	path := writeConfig(t, `{"plugins": {"dir": "manifests"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if want := filepath.Join(filepath.Dir(path), "manifests"); cfg.Plugins.Dir != want {
		t.Errorf("plugins dir = %q, want %q", cfg.Plugins.Dir, want)
	}
}

func TestLoadKeepsAbsolutePluginsDir(t *testing.T) {
	abs := t.TempDir()
	path := writeConfig(t, `{"plugins": {"dir": "`+abs+`"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Plugins.Dir != abs {
		t.Errorf("plugins dir = %q, want %q", cfg.Plugins.Dir, abs)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, `{not json`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
}
