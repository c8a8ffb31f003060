// Package profile resolves profile names and the files each profile owns
// under ~/.huddle.
package profile

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.huddle, or $HUDDLE_HOME when set.
func BaseDir() string {
	if dir := os.Getenv("HUDDLE_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".huddle")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// SocketPath returns the Unix socket the daemon of a profile listens on.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// DBPath returns the default remote store database of a profile.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "huddle.db")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "huddled.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
