package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	// Duration fields decode as integer nanoseconds.
	path := writeTemp(t, "config.yaml", `
log_level: debug
detection:
  failed_login_limit: 7
  failed_login_window: 90000000000
registry:
  users:
    eve: USER
    root: ADMIN
  devices:
    192.168.0.20: hall-camera
  dangerous_commands:
    - unlock_door
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Detection.FailedLoginLimit != 7 {
		t.Fatalf("FailedLoginLimit = %d", cfg.Detection.FailedLoginLimit)
	}
	if cfg.Detection.FailedLoginWindow != 90*time.Second {
		t.Fatalf("FailedLoginWindow = %v", cfg.Detection.FailedLoginWindow)
	}
	// Unset fields keep their defaults.
	if cfg.Detection.CommandSpamLimit != 3 {
		t.Fatalf("CommandSpamLimit = %d, want default 3", cfg.Detection.CommandSpamLimit)
	}
	if cfg.Registry.Users["root"] != "ADMIN" {
		t.Fatalf("Users[root] = %q", cfg.Registry.Users["root"])
	}
	if len(cfg.Registry.DangerousCommands) != 1 {
		t.Fatalf("DangerousCommands = %v", cfg.Registry.DangerousCommands)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeTemp(t, "config.json", `{
  "log_level": "warn",
  "api": {"enabled": true, "addr": ":9091", "auth_token": "secret"}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.API.Addr != ":9091" || cfg.API.AuthToken != "secret" {
		t.Fatalf("API = %+v", cfg.API)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"empty file", ""},
		{"bad role", "registry:\n  users:\n    eve: WIZARD\n"},
		{"spike ratio", "detection:\n  power_spike_ratio: 0.5\n"},
		{"resource usage", "detection:\n  resource_high_usage: 1.5\n"},
		{"inverted hours", "detection:\n  business_hours:\n    start: \"20:00\"\n    end: \"08:00\"\n"},
		{"rest without addr", "ingest:\n  rest:\n    enabled: true\n    addr: \"\"\n"},
		{"kafka incomplete", "ingest:\n  kafka:\n    enabled: true\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTemp(t, "config.yaml", tc.content)
			if _, err := Load(path); err == nil {
				t.Fatalf("config accepted: %s", tc.content)
			}
		})
	}
}

func TestParseBusinessHours(t *testing.T) {
	hours, err := ParseBusinessHours(BusinessHoursConfig{Start: "08:00", End: "20:00", Timezone: "UTC"})
	if err != nil {
		t.Fatalf("ParseBusinessHours: %v", err)
	}
	cases := []struct {
		hour, min int
		want      bool
	}{
		{7, 59, false},
		{8, 0, true}, // start is inclusive
		{12, 30, true},
		{19, 59, true},
		{20, 0, false}, // end is exclusive
		{23, 0, false},
	}
	for _, tc := range cases {
		ts := time.Date(2026, 3, 14, tc.hour, tc.min, 0, 0, time.UTC)
		if got := hours.Contains(ts); got != tc.want {
			t.Errorf("Contains(%02d:%02d) = %v, want %v", tc.hour, tc.min, got, tc.want)
		}
	}
}

func TestParseBusinessHoursErrors(t *testing.T) {
	cases := []BusinessHoursConfig{
		{Start: "8am", End: "20:00"},
		{Start: "08:00", End: "08:00"},
		{Start: "08:00", End: "20:00", Timezone: "Mars/Olympus"},
	}
	for _, tc := range cases {
		if _, err := ParseBusinessHours(tc); err == nil {
			t.Errorf("accepted %+v", tc)
		}
	}
}

func TestBusinessHoursTimezone(t *testing.T) {
	hours, err := ParseBusinessHours(BusinessHoursConfig{Start: "08:00", End: "20:00", Timezone: "America/New_York"})
	if err != nil {
		t.Fatalf("ParseBusinessHours: %v", err)
	}
	// 14:00 UTC in March is 10:00 in New York, inside business hours;
	// 02:00 UTC is 22:00 the previous evening, outside.
	if !hours.Contains(time.Date(2026, 3, 14, 14, 0, 0, 0, time.UTC)) {
		t.Error("14:00 UTC should be inside New York business hours")
	}
	if hours.Contains(time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC)) {
		t.Error("02:00 UTC should be outside New York business hours")
	}
}

func TestManagerReload(t *testing.T) {
	path := writeTemp(t, "config.yaml", "log_level: info\n")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.Get().LogLevel != "info" {
		t.Fatalf("LogLevel = %q", m.Get().LogLevel)
	}

	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	// Force a visible mtime change regardless of filesystem resolution.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	needs, err := m.NeedsReload()
	if err != nil {
		t.Fatalf("NeedsReload: %v", err)
	}
	if !needs {
		t.Fatal("modified config not detected")
	}
	cfg, err := m.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel after reload = %q", cfg.LogLevel)
	}
	needs, err = m.NeedsReload()
	if err != nil {
		t.Fatalf("NeedsReload: %v", err)
	}
	if needs {
		t.Fatal("reload did not clear the pending state")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := DefaultConfig()
	cfg.LogLevel = "error"
	cfg.Detection.FailedLoginLimit = 9
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.LogLevel != "error" || loaded.Detection.FailedLoginLimit != 9 {
		t.Fatalf("round trip mismatch: %+v", loaded.Detection)
	}
}

func TestResourceMinSamplesDefaultsToWindowSeconds(t *testing.T) {
	path := writeTemp(t, "config.yaml", "detection:\n  resource_window: 30000000000\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Detection.ResourceMinSamples != 30 {
		t.Fatalf("ResourceMinSamples = %d, want 30", cfg.Detection.ResourceMinSamples)
	}
}
