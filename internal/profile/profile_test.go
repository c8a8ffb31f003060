package profile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPathsUnderBaseDir(t *testing.T) {
	base := t.TempDir()
	t.Setenv("HUDDLE_HOME", base)

	tests := []struct {
		got, want string
	}{
		{Dir("desk"), filepath.Join(base, "profiles", "desk")},
		{SocketPath("desk"), filepath.Join(base, "profiles", "desk", "daemon.sock")},
		{DBPath("desk"), filepath.Join(base, "profiles", "desk", "huddle.db")},
		{LogPath("desk"), filepath.Join(base, "profiles", "desk", "logs", "huddled.log")},
		{ConfigPath(), filepath.Join(base, "config.toml")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestDefaultBaseDir(t *testing.T) {
	t.Setenv("HUDDLE_HOME", "")
	home, _ := os.UserHomeDir()
	if got, want := BaseDir(), filepath.Join(home, ".huddle"); got != want {
		t.Errorf("BaseDir() = %q, want %q", got, want)
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("HUDDLE_HOME", t.TempDir())
	if err := EnsureDir("desk"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(LogDir("desk"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("log dir permission = %o, want 0700", perm)
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		flag, configured, want string
	}{
		{"night", "desk", "night"},
		{"", "desk", "desk"},
		{"", "", DefaultName},
	}
	for _, tt := range tests {
		if got := Resolve(tt.flag, tt.configured); got != tt.want {
			t.Errorf("Resolve(%q, %q) = %q, want %q", tt.flag, tt.configured, got, tt.want)
		}
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "desk2", false},
		{"valid with hyphen", "night-shift", false},
		{"valid with underscore", "night_shift", false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"dot", "my.profile", true},
		{"too long", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", true},
		{"slash", "../etc", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
