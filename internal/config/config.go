package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML unmarshalling for human-readable strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Or returns d, or def when d is unset.
func (d Duration) Or(def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return time.Duration(d)
}

// WindowConfig declares a window known to the controller at startup.
type WindowConfig struct {
	Name    string `yaml:"name"`
	Visible bool   `yaml:"visible"`
}

// NotificationsConfig configures the notification daemon.
type NotificationsConfig struct {
	Enabled      *bool    `yaml:"enabled"`
	PopupTimeout Duration `yaml:"popup_timeout"`
	MaxPopups    int      `yaml:"max_popups"`
}

// TrayConfig configures the StatusNotifier watcher.
type TrayConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// MPRISConfig configures media player tracking.
type MPRISConfig struct {
	Enabled      *bool    `yaml:"enabled"`
	PollInterval Duration `yaml:"poll_interval"`
}

// RecorderConfig configures the screen recorder.
type RecorderConfig struct {
	Enabled   *bool  `yaml:"enabled"`
	Bitrate   int    `yaml:"bitrate"`
	Audio     bool   `yaml:"audio"`
	Directory string `yaml:"directory"`
}

// ServicesConfig groups the per-protocol services.
type ServicesConfig struct {
	Notifications NotificationsConfig `yaml:"notifications"`
	Tray          TrayConfig          `yaml:"tray"`
	MPRIS         MPRISConfig         `yaml:"mpris"`
	Recorder      RecorderConfig      `yaml:"recorder"`
}

// EventsConfig configures the renderer event stream.
type EventsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Socket  string `yaml:"socket"`
}

// Config is the top-level configuration file structure.
type Config struct {
	LogLevel    string         `yaml:"log_level"`
	LogFormat   string         `yaml:"log_format"`
	Script      string         `yaml:"script"`
	WatchConfig *bool          `yaml:"watch_config"`
	Windows     []WindowConfig `yaml:"windows"`
	Events      EventsConfig   `yaml:"events"`
	Services    ServicesConfig `yaml:"services"`
}

// Enabled reports the value of an optional switch, defaulting to true.
func Enabled(b *bool) bool {
	return b == nil || *b
}

// Dir returns $XDG_CONFIG_HOME/lst, falling back to ~/.config/lst.
func Dir() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "lst")
}

// DefaultPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultPath() string {
	dir := Dir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// Load reads and parses a YAML config file. If the file does not exist,
// it returns an empty Config and a nil error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	seen := make(map[string]bool)
	for _, w := range cfg.Windows {
		if w.Name == "" {
			return nil, fmt.Errorf("parsing config %s: window without a name", path)
		}
		if seen[w.Name] {
			return nil, fmt.Errorf("parsing config %s: duplicate window %q", path, w.Name)
		}
		seen[w.Name] = true
	}
	return &cfg, nil
}
