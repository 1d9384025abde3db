package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFullConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`
log_level: debug
log_format: json
script: ~/.config/lst/init.lst
watch_config: false
windows:
  - name: bar
    visible: true
  - name: launcher
events:
  enabled: false
  socket: /run/user/1000/lst/events.sock
services:
  notifications:
    popup_timeout: 8s
    max_popups: 5
  tray:
    enabled: false
  mpris:
    poll_interval: 500ms
  recorder:
    bitrate: 12000
    audio: true
    directory: /tmp/videos
`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
	}
	if cfg.Script != "~/.config/lst/init.lst" {
		t.Errorf("Script = %q", cfg.Script)
	}
	if Enabled(cfg.WatchConfig) {
		t.Error("WatchConfig enabled, want disabled")
	}
	if len(cfg.Windows) != 2 {
		t.Fatalf("Windows len = %d, want 2", len(cfg.Windows))
	}
	if cfg.Windows[0].Name != "bar" || !cfg.Windows[0].Visible {
		t.Errorf("Windows[0] = %+v, want visible bar", cfg.Windows[0])
	}
	if cfg.Windows[1].Visible {
		t.Errorf("Windows[1] = %+v, want hidden launcher", cfg.Windows[1])
	}
	if Enabled(cfg.Events.Enabled) {
		t.Error("Events enabled, want disabled")
	}
	if cfg.Events.Socket != "/run/user/1000/lst/events.sock" {
		t.Errorf("Events.Socket = %q", cfg.Events.Socket)
	}
	n := cfg.Services.Notifications
	if !Enabled(n.Enabled) {
		t.Error("notifications disabled, want default enabled")
	}
	if time.Duration(n.PopupTimeout) != 8*time.Second {
		t.Errorf("PopupTimeout = %v, want 8s", time.Duration(n.PopupTimeout))
	}
	if n.MaxPopups != 5 {
		t.Errorf("MaxPopups = %d, want 5", n.MaxPopups)
	}
	if Enabled(cfg.Services.Tray.Enabled) {
		t.Error("tray enabled, want disabled")
	}
	if got := cfg.Services.MPRIS.PollInterval.Or(time.Second); got != 500*time.Millisecond {
		t.Errorf("PollInterval = %v, want 500ms", got)
	}
	r := cfg.Services.Recorder
	if r.Bitrate != 12000 || !r.Audio || r.Directory != "/tmp/videos" {
		t.Errorf("Recorder = %+v", r)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "" || len(cfg.Windows) != 0 {
		t.Errorf("expected empty config, got %+v", cfg)
	}
	if got := cfg.Services.Notifications.PopupTimeout.Or(5 * time.Second); got != 5*time.Second {
		t.Errorf("default PopupTimeout = %v, want 5s", got)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad yaml", "windows: [", "parsing config"},
		{"bad duration", "services:\n  mpris:\n    poll_interval: soon\n", "invalid duration"},
		{"unnamed window", "windows:\n  - visible: true\n", "window without a name"},
		{"duplicate window", "windows:\n  - name: bar\n  - name: bar\n", "duplicate window"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			os.WriteFile(path, []byte(tt.content), 0o644)
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got := DefaultPath(); got != "/tmp/xdg/lst/config.yaml" {
		t.Errorf("DefaultPath = %q", got)
	}
}
