package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "desk"
	cfg.Typing.Timeout = Duration{5 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "desk" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "desk")
	}
	if loaded.Typing.Timeout.Duration != 5*time.Second {
		t.Errorf("Typing.Timeout = %v, want 5s", loaded.Typing.Timeout)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[user]
email = "trader@example.com"

[presence]
interval = "10s"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.User.Email != "trader@example.com" {
		t.Errorf("User.Email = %q", cfg.User.Email)
	}
	if cfg.Presence.Interval.Duration != 10*time.Second {
		t.Errorf("Presence.Interval = %v, want 10s", cfg.Presence.Interval)
	}
	if cfg.Presence.StaleAfter.Duration != 2*time.Minute {
		t.Errorf("Presence.StaleAfter = %v, want default 2m", cfg.Presence.StaleAfter)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[typing]\ntimeout = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() accepted an invalid duration")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Remote.Driver != DriverSQLite {
		t.Errorf("Remote.Driver = %q", cfg.Remote.Driver)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"HUDDLE_PROFILE":      "night",
		"HUDDLE_REMOTE_DSN":   "/tmp/shared.db",
		"HUDDLE_USER_EMAIL":   "bob@example.com",
		"HUDDLE_METRICS_ADDR": "127.0.0.1:9464",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	if cfg.DefaultProfile != "night" || cfg.Remote.DSN != "/tmp/shared.db" ||
		cfg.User.Email != "bob@example.com" || cfg.Metrics.Addr != "127.0.0.1:9464" {
		t.Errorf("ApplyEnv() = %+v", cfg)
	}
	if cfg.Remote.Driver != DriverSQLite {
		t.Errorf("unset variable changed Remote.Driver to %q", cfg.Remote.Driver)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"unknown driver", func(c *Config) { c.Remote.Driver = "postgres" }, true},
		{"zero typing timeout", func(c *Config) { c.Typing.Timeout = Duration{} }, true},
		{"stale before heartbeat", func(c *Config) { c.Presence.StaleAfter = Duration{10 * time.Second} }, true},
		{"bad cron", func(c *Config) { c.Janitor.Cron = "every minute" }, true},
		{"no rate", func(c *Config) { c.API.RPS = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
