package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
)

// DriverSQLite is the only remote store driver.
const DriverSQLite = "sqlite"

// Duration is a time.Duration written as a string such as "3s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.huddle/config.toml.
type Config struct {
	DefaultProfile string         `toml:"default_profile"`
	Remote         RemoteConfig   `toml:"remote"`
	User           UserConfig     `toml:"user"`
	Typing         TypingConfig   `toml:"typing"`
	Presence       PresenceConfig `toml:"presence"`
	Receipts       ReceiptsConfig `toml:"receipts"`
	Janitor        JanitorConfig  `toml:"janitor"`
	Metrics        MetricsConfig  `toml:"metrics"`
	API            APIConfig      `toml:"api"`
}

// RemoteConfig selects the remote store. An empty DSN means the profile's
// own database file.
type RemoteConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// UserConfig is the identity the daemon signs in with at startup.
type UserConfig struct {
	Email string `toml:"email"`
}

type TypingConfig struct {
	Timeout Duration `toml:"timeout"`
}

type PresenceConfig struct {
	Interval   Duration `toml:"interval"`
	StaleAfter Duration `toml:"stale_after"`
}

type ReceiptsConfig struct {
	VisibilityDelay Duration `toml:"visibility_delay"`
	ClusterWindow   Duration `toml:"cluster_window"`
}

type JanitorConfig struct {
	Cron string `toml:"cron"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// APIConfig limits user actions per API method.
type APIConfig struct {
	RPS   float64 `toml:"rps"`
	Burst int     `toml:"burst"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Remote:   RemoteConfig{Driver: DriverSQLite},
		Typing:   TypingConfig{Timeout: Duration{3 * time.Second}},
		Presence: PresenceConfig{Interval: Duration{30 * time.Second}, StaleAfter: Duration{2 * time.Minute}},
		Receipts: ReceiptsConfig{VisibilityDelay: Duration{time.Second}, ClusterWindow: Duration{60 * time.Second}},
		Janitor:  JanitorConfig{Cron: "* * * * *"},
		API:      APIConfig{RPS: 10, Burst: 20},
	}
}

// Load reads config from the given path on top of the defaults. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads config from path, falling back to the defaults when
// the file does not exist. A .env file in the working directory is loaded
// first, then HUDDLE_* variables override file values.
func LoadOrDefault(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from HUDDLE_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.DefaultProfile, "HUDDLE_PROFILE")
	set(&c.Remote.Driver, "HUDDLE_REMOTE_DRIVER")
	set(&c.Remote.DSN, "HUDDLE_REMOTE_DSN")
	set(&c.User.Email, "HUDDLE_USER_EMAIL")
	set(&c.Metrics.Addr, "HUDDLE_METRICS_ADDR")
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Remote.Driver != DriverSQLite {
		return fmt.Errorf("remote.driver %q is not supported (want %q)", c.Remote.Driver, DriverSQLite)
	}
	durations := []struct {
		key string
		d   Duration
	}{
		{"typing.timeout", c.Typing.Timeout},
		{"presence.interval", c.Presence.Interval},
		{"presence.stale_after", c.Presence.StaleAfter},
		{"receipts.visibility_delay", c.Receipts.VisibilityDelay},
		{"receipts.cluster_window", c.Receipts.ClusterWindow},
	}
	for _, d := range durations {
		if d.d.Duration <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.key, d.d)
		}
	}
	if c.Presence.StaleAfter.Duration <= c.Presence.Interval.Duration {
		return fmt.Errorf("presence.stale_after (%s) must exceed presence.interval (%s)", c.Presence.StaleAfter, c.Presence.Interval)
	}
	if !gronx.IsValid(c.Janitor.Cron) {
		return fmt.Errorf("janitor.cron %q is not a valid cron expression", c.Janitor.Cron)
	}
	if c.API.RPS <= 0 || c.API.Burst <= 0 {
		return fmt.Errorf("api.rps and api.burst must be positive")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
