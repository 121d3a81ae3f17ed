package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"insomnia/internal/battery"
	"insomnia/internal/kv"
	"insomnia/internal/power"
)

// Config is the top-level YAML configuration for the insomnia daemon and its
// client subcommands.
//
// Keep defaults and validation centralized so the rest of the code can assume
// a well-formed config.
type Config struct {
	Preferences PreferencesConfig `yaml:"preferences"`
	IPC         IPCConfig         `yaml:"ipc"`
	UI          UIConfig          `yaml:"ui"`
	Idle        IdleConfig        `yaml:"idle"`
	Downloads   DownloadsConfig   `yaml:"downloads"`
	Power       PowerConfig       `yaml:"power"`
	Sounds      SoundsConfig      `yaml:"sounds"`
	Battery     BatteryConfig     `yaml:"battery"`
	Hotkey      HotkeyConfig      `yaml:"hotkey"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// PreferencesConfig selects where preferences and granted permissions are
// persisted. For the file backend the extension picks YAML or TOML.
type PreferencesConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type UIConfig struct {
	Listen  string `yaml:"listen"` // empty disables the websocket UI server
	IconDir string `yaml:"icon_dir"`
}

type IdleConfig struct {
	ThresholdSec int    `yaml:"threshold_sec"`
	PollMS       int    `yaml:"poll_ms"`
	OnLock       string `yaml:"on_lock"` // sleep | wake | ignore
}

type DownloadsConfig struct {
	Dir             string   `yaml:"dir"`
	PartialSuffixes []string `yaml:"partial_suffixes,omitempty"`
	SettleMS        int      `yaml:"settle_ms"`
}

type PowerConfig struct {
	Backend string `yaml:"backend"` // auto | logind | exec | none
	Who     string `yaml:"who"`
}

type SoundsConfig struct {
	Dir        string `yaml:"dir"`
	Player     string `yaml:"player,omitempty"` // empty: first player found on PATH
	ThrottleMS int    `yaml:"throttle_ms"`
}

type BatteryConfig struct {
	Source         string  `yaml:"source"` // auto | upower | sysfs
	LevelThreshold float64 `yaml:"level_threshold"`
	PollSec        int     `yaml:"poll_sec"`
}

type HotkeyConfig struct {
	Devices []string `yaml:"devices,omitempty"` // empty: every keyboard under /dev/input/by-path
	Combo   string   `yaml:"combo"`             // empty disables the hotkey
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, defaultSocketName)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("insomnia-%d.sock", os.Getuid()))
}

// DefaultConfigPath is where the daemon and the CLI look for a config file.
func DefaultConfigPath() string {
	return "~/.config/insomnia/config.yaml"
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		Preferences: PreferencesConfig{
			Backend: kv.BackendFile,
			Path:    "~/.config/insomnia/preferences.yaml",
		},
		IPC: IPCConfig{
			SocketPath: defaultSocketPath(),
		},
		UI: UIConfig{
			Listen:  defaultUIListen,
			IconDir: "~/.local/share/insomnia/icons",
		},
		Idle: IdleConfig{
			ThresholdSec: defaultIdleSec,
			PollMS:       defaultIdlePollMS,
			OnLock:       string(LockPolicySleep),
		},
		Downloads: DownloadsConfig{
			Dir:      "~/Downloads",
			SettleMS: defaultSettleMS,
		},
		Power: PowerConfig{
			Backend: power.BackendAuto,
			Who:     defaultPowerWho,
		},
		Sounds: SoundsConfig{
			Dir:        "~/.local/share/insomnia/sounds",
			ThrottleMS: defaultThrottleMS,
		},
		Battery: BatteryConfig{
			Source:         battery.SourceAuto,
			LevelThreshold: defaultBatteryLevel,
			PollSec:        defaultBatteryPoll,
		},
		Hotkey: HotkeyConfig{
			Combo: defaultHotkey,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
// Unknown fields are rejected via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty file.
			return cfg, nil
		}
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// LoadConfig loads path if it exists. A missing file at the default location
// yields the defaults; a missing file the user named explicitly is an error.
func LoadConfig(path string, explicit bool) (Config, error) {
	if _, err := os.Stat(ExpandPath(path)); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("config file: %w", err)
	}
	return LoadConfigFile(path)
}

// FlagOverrides carries command-line overrides. Each override is only applied
// if its pointer is non-nil.
type FlagOverrides struct {
	IPCSocketPath *string
	UIListen      *string
	LogLevel      *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.UIListen != nil {
		cfg.UI.Listen = *o.UIListen
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// This is intended to be called after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	switch c.Preferences.Backend {
	case kv.BackendFile:
		if !kv.IsFileBackend(c.Preferences.Backend, c.Preferences.Path) {
			return errors.New("preferences.path must end in .yaml, .yml or .toml for the file backend")
		}
	case kv.BackendSQLite:
		if c.Preferences.Path == "" {
			return errors.New("preferences.path must not be empty")
		}
	default:
		return fmt.Errorf("preferences.backend must be %q or %q", kv.BackendFile, kv.BackendSQLite)
	}

	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	if c.Idle.ThresholdSec <= 0 {
		return errors.New("idle.threshold_sec must be > 0")
	}
	if c.Idle.PollMS <= 0 {
		return errors.New("idle.poll_ms must be > 0")
	}
	if _, err := parseLockPolicy(c.Idle.OnLock); err != nil {
		return fmt.Errorf("idle.on_lock: %w", err)
	}

	if c.Downloads.SettleMS < 0 {
		return errors.New("downloads.settle_ms must be >= 0")
	}

	switch c.Power.Backend {
	case power.BackendAuto, power.BackendLogind, power.BackendExec, power.BackendNone:
	default:
		return fmt.Errorf("power.backend must be one of: auto, logind, exec, none")
	}

	if c.Sounds.ThrottleMS < 0 {
		return errors.New("sounds.throttle_ms must be >= 0")
	}

	switch c.Battery.Source {
	case battery.SourceAuto, battery.SourceUPower, battery.SourceSysfs:
	default:
		return fmt.Errorf("battery.source must be one of: auto, upower, sysfs")
	}
	if c.Battery.LevelThreshold < 0 || c.Battery.LevelThreshold > 100 {
		return errors.New("battery.level_threshold must be between 0 and 100")
	}
	if c.Battery.PollSec <= 0 {
		return errors.New("battery.poll_sec must be > 0")
	}

	if c.Hotkey.Combo != "" {
		if _, err := parseCombo(c.Hotkey.Combo); err != nil {
			return fmt.Errorf("hotkey.combo: %w", err)
		}
	}
	for i, dev := range c.Hotkey.Devices {
		if dev == "" {
			return fmt.Errorf("hotkey.devices[%d] is empty", i)
		}
	}

	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// ToReducerConfig extracts the policy knobs the reducer needs.
func (c *Config) ToReducerConfig() ReducerConfig {
	policy, _ := parseLockPolicy(c.Idle.OnLock)
	return ReducerConfig{
		LockPolicy:       policy,
		BatteryThreshold: c.Battery.LevelThreshold,
	}
}

func msDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func secDuration(sec int) time.Duration { return time.Duration(sec) * time.Second }

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
