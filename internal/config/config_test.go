package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{DefaultProfile: "work"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
}

func TestLoadMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DefaultProfile != "" {
		t.Errorf("DefaultProfile = %q, want empty", cfg.DefaultProfile)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("default_profle = \"work\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "default_profle") {
		t.Errorf("Load() error = %v, want unknown key default_profle", err)
	}
}

func TestSetDefaultProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	if err := SetDefaultProfile(path, "work"); err != nil {
		t.Fatalf("SetDefaultProfile() error = %v", err)
	}
	if err := SetDefaultProfile(path, "laptop"); err != nil {
		t.Fatalf("SetDefaultProfile() error = %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultProfile != "laptop" {
		t.Errorf("DefaultProfile = %q, want laptop", cfg.DefaultProfile)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "config.toml" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("dir holds %v, want only config.toml", names)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
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

func TestLoadSettingsMissingUsesDefaults(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "outpost.toml"))
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if s.Queue.RetryBase.Std() != time.Second || s.Queue.RetryCap.Std() != 30*time.Second || s.Queue.MaxRetries != 5 {
		t.Errorf("unexpected queue defaults: %+v", s.Queue)
	}
	if s.Remote.Backend != BackendMemory {
		t.Errorf("Backend = %q, want memory", s.Remote.Backend)
	}
}

func TestLoadSettingsOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outpost.toml")
	content := `
[identity]
user_id = "alice"
display_name = "Alice"

[remote]
backend = "redis"
addr = "redis:6379"

[queue]
retry_base = "500ms"
max_retries = 3
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if s.Identity.UserID != "alice" || s.Remote.Backend != BackendRedis || s.Remote.Addr != "redis:6379" {
		t.Errorf("unexpected settings: %+v", s)
	}
	if s.Queue.RetryBase.Std() != 500*time.Millisecond || s.Queue.MaxRetries != 3 {
		t.Errorf("unexpected queue settings: %+v", s.Queue)
	}
	if s.Queue.RetryCap.Std() != 30*time.Second {
		t.Errorf("RetryCap = %v, want default 30s", s.Queue.RetryCap.Std())
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outpost.toml")
	want := DefaultSettings()
	want.Identity.UserID = "bob"
	want.Connectivity.ProbeInterval = Duration(time.Minute)
	if err := Save(path, want); err != nil {
		t.Fatal(err)
	}

	got, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if *got != *want {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestLoadSettingsRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown key", "[queue]\nretry_bse = \"1s\"\n", "unknown keys"},
		{"empty user", "[identity]\nuser_id = \"\"\n", "identity.user_id"},
		{"cap below base", "[queue]\nretry_base = \"10s\"\nretry_cap = \"1s\"\n", "retry_cap"},
		{"bad backend", "[remote]\nbackend = \"kafka\"\n", "remote.backend"},
		{"negative retries", "[queue]\nmax_retries = -1\n", "max_retries"},
		{"bad duration", "[queue]\nretry_base = \"soon\"\n", "load settings"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "outpost.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}
			_, err := LoadSettings(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("LoadSettings() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}
