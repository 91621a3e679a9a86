package main

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the quickbrush daemon.
//
// Keep defaults and validation centralized so the rest of the code can assume a
// well-formed config. Layering is: built-in defaults, then the YAML file, then
// flag overrides. Classifier tunables are further overridden by persisted
// settings at runtime (see Settings).
type Config struct {
	// Keyboard input configuration
	Input InputConfig `yaml:"input"`

	// Host bridge configuration
	Host HostConfig `yaml:"host"`

	// Tap classifier tunables
	Classifier ClassifierFileConfig `yaml:"classifier"`

	// IPC configuration (used by the send/settings subcommands)
	IPC IPCConfig `yaml:"ipc"`

	// State websocket server
	StateWS StateWSConfig `yaml:"state_ws"`

	// Persisted settings store
	Settings SettingsConfig `yaml:"settings"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

type InputConfig struct {
	Devices    []string `yaml:"devices"`     // evdev devices to monitor; empty means IPC-only
	GrowKeys   []uint16 `yaml:"grow_keys"`   // key codes that grow the brush
	ShrinkKeys []uint16 `yaml:"shrink_keys"` // key codes that shrink the brush
}

type HostConfig struct {
	WsURL     string  `yaml:"ws_url"`
	TimeoutMS int     `yaml:"timeout_ms"`
	MinSize   float64 `yaml:"min_size"`
	MaxSize   float64 `yaml:"max_size"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type StateWSConfig struct {
	Port int `yaml:"port"` // 0 disables the server
}

type SettingsConfig struct {
	DBPath string `yaml:"db_path"` // empty disables persistence
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ClassifierFileConfig is the user-facing classifier configuration as represented in YAML.
//
// It maps 1:1 to ClassifierConfig, but uses YAML-friendly types
// (durations are represented in milliseconds).
type ClassifierFileConfig struct {
	TapStep  float64 `yaml:"tap_step"`
	HoldStep float64 `yaml:"hold_step"`

	GraceMS         int     `yaml:"grace_ms"`
	HoldRepeatMS    int     `yaml:"hold_repeat_ms"`
	HoldMode        string  `yaml:"hold_mode"` // "constant" or "accelerating"
	HoldMinRepeatMS int     `yaml:"hold_min_repeat_ms"`
	HoldExpK        float64 `yaml:"hold_exp_k"`
	HoldTauSec      float64 `yaml:"hold_tau_sec"`

	RapidIntervalMS int     `yaml:"rapid_interval_ms"`
	RapidMultiplier float64 `yaml:"rapid_multiplier"`
	RapidBurstCap   int     `yaml:"rapid_burst_cap"`

	TapEnabled   bool `yaml:"tap_enabled"`
	RapidEnabled bool `yaml:"rapid_enabled"`
	HoldEnabled  bool `yaml:"hold_enabled"`

	// Robustness
	MaxPressMS   int `yaml:"max_press_ms"`  // 0 disables
	MaxUnchanged int `yaml:"max_unchanged"` // 0 disables
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	cc := DefaultClassifierConfig()
	return Config{
		Input: InputConfig{
			GrowKeys:   []uint16{KEY_RIGHTBRACE},
			ShrinkKeys: []uint16{KEY_LEFTBRACE},
		},
		Host: HostConfig{
			WsURL:     defaultHostWsURL,
			TimeoutMS: defaultReadTimeoutMS,
			MinSize:   defaultMinSize,
			MaxSize:   defaultMaxSize,
		},
		Classifier: ClassifierFileConfig{
			TapStep:         cc.TapStep,
			HoldStep:        cc.HoldStep,
			GraceMS:         int(cc.Grace / time.Millisecond),
			HoldRepeatMS:    int(cc.HoldRepeat / time.Millisecond),
			HoldMode:        string(cc.HoldMode),
			HoldMinRepeatMS: int(cc.HoldMinRepeat / time.Millisecond),
			HoldExpK:        cc.HoldExpK,
			HoldTauSec:      cc.HoldTauSec,
			RapidIntervalMS: int(cc.RapidInterval / time.Millisecond),
			RapidMultiplier: cc.RapidMultiplier,
			RapidBurstCap:   cc.RapidBurstCap,
			TapEnabled:      cc.TapEnabled,
			RapidEnabled:    cc.RapidEnabled,
			HoldEnabled:     cc.HoldEnabled,
			MaxPressMS:      int(cc.MaxPress / time.Millisecond),
			MaxUnchanged:    defaultMaxUnchanged,
		},
		IPC: IPCConfig{
			SocketPath: defaultIPCSocket,
		},
		StateWS: StateWSConfig{
			Port: defaultStateWSPort,
		},
		Settings: SettingsConfig{
			DBPath: defaultSettingsDB,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
//
// Notes:
//   - The file must be valid YAML.
//   - Unknown fields are rejected (helps catch typos) via KnownFields(true).
//   - Sections and fields missing from the file keep their defaults.
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
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides applies overrides from flags on top of a loaded config.
//
// Flags pass pointers; a nil pointer means "not set on the command line".
// main.go decides which flags exist and only fills in the ones the user changed.
type FlagOverrides struct {
	InputDevices *[]string

	HostWsURL     *string
	HostTimeoutMS *int
	HostMinSize   *float64
	HostMaxSize   *float64

	TapStep  *float64
	GraceMS  *int
	HoldMode *string

	IPCSocketPath  *string
	StateWSPort    *int
	SettingsDBPath *string

	LogLevel *string
}

// Apply merges the overrides into cfg. If an override pointer is nil, it is ignored.
// If the pointer is non-nil, the value is applied (even if it is a "zero value").
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.InputDevices != nil {
		cfg.Input.Devices = append([]string(nil), (*o.InputDevices)...)
	}

	if o.HostWsURL != nil {
		cfg.Host.WsURL = *o.HostWsURL
	}
	if o.HostTimeoutMS != nil {
		cfg.Host.TimeoutMS = *o.HostTimeoutMS
	}
	if o.HostMinSize != nil {
		cfg.Host.MinSize = *o.HostMinSize
	}
	if o.HostMaxSize != nil {
		cfg.Host.MaxSize = *o.HostMaxSize
	}

	if o.TapStep != nil {
		cfg.Classifier.TapStep = *o.TapStep
	}
	if o.GraceMS != nil {
		cfg.Classifier.GraceMS = *o.GraceMS
	}
	if o.HoldMode != nil {
		cfg.Classifier.HoldMode = *o.HoldMode
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.StateWSPort != nil {
		cfg.StateWS.Port = *o.StateWSPort
	}
	if o.SettingsDBPath != nil {
		cfg.Settings.DBPath = *o.SettingsDBPath
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks structural config invariants and returns a user-friendly error.
// This is intended to be called after defaults + file + overrides are applied.
//
// Classifier tunables are not validated here: out-of-range values fall back to
// their defaults in ToClassifierConfig.
func (c *Config) Validate() error {
	// Input
	for i, dev := range c.Input.Devices {
		if dev == "" {
			return fmt.Errorf("input.devices[%d] is empty", i)
		}
	}
	if len(c.Input.GrowKeys) == 0 {
		return errors.New("input.grow_keys must not be empty")
	}
	if len(c.Input.ShrinkKeys) == 0 {
		return errors.New("input.shrink_keys must not be empty")
	}
	for _, code := range append(append([]uint16(nil), c.Input.GrowKeys...), c.Input.ShrinkKeys...) {
		if code == 0 || code > keyCodeMax {
			return fmt.Errorf("input key code %d out of range (1..%d)", code, keyCodeMax)
		}
	}
	if _, err := NewKeyMap(c.Input.GrowKeys, c.Input.ShrinkKeys); err != nil {
		return fmt.Errorf("input: %w", err)
	}

	// Host
	if c.Host.WsURL == "" {
		return errors.New("host.ws_url must not be empty")
	}
	u, err := url.Parse(c.Host.WsURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("host.ws_url %q must be a ws:// or wss:// URL", c.Host.WsURL)
	}
	if c.Host.TimeoutMS <= 0 {
		return errors.New("host.timeout_ms must be > 0")
	}
	if c.Host.MinSize <= 0 {
		return errors.New("host.min_size must be > 0")
	}
	if c.Host.MinSize > c.Host.MaxSize {
		return errors.New("host.min_size must be <= host.max_size")
	}

	// Classifier robustness knobs
	if c.Classifier.MaxPressMS < 0 {
		return errors.New("classifier.max_press_ms must be >= 0")
	}
	if c.Classifier.MaxUnchanged < 0 {
		return errors.New("classifier.max_unchanged must be >= 0")
	}

	// IPC
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	// State websocket
	if c.StateWS.Port < 0 || c.StateWS.Port > 65535 {
		return errors.New("state_ws.port must be between 0 and 65535")
	}

	// Logging
	if c.Logging.Level == "" {
		return errors.New("logging.level must not be empty")
	}
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// ToClassifierConfig converts the file config into the classifier config,
// replacing out-of-range tunables with their defaults.
func (c *Config) ToClassifierConfig(logger *slog.Logger) ClassifierConfig {
	fc := c.Classifier
	cfg := ClassifierConfig{
		TapStep:         fc.TapStep,
		HoldStep:        fc.HoldStep,
		Grace:           time.Duration(fc.GraceMS) * time.Millisecond,
		HoldRepeat:      time.Duration(fc.HoldRepeatMS) * time.Millisecond,
		HoldMode:        HoldMode(fc.HoldMode),
		HoldMinRepeat:   time.Duration(fc.HoldMinRepeatMS) * time.Millisecond,
		HoldExpK:        fc.HoldExpK,
		HoldTauSec:      fc.HoldTauSec,
		RapidInterval:   time.Duration(fc.RapidIntervalMS) * time.Millisecond,
		RapidMultiplier: fc.RapidMultiplier,
		RapidBurstCap:   fc.RapidBurstCap,
		TapEnabled:      fc.TapEnabled,
		RapidEnabled:    fc.RapidEnabled,
		HoldEnabled:     fc.HoldEnabled,
		MaxPress:        time.Duration(fc.MaxPressMS) * time.Millisecond,
	}
	return SanitizeClassifierConfig(cfg, logger)
}

// ToReducerConfig combines the host bounds with the given classifier config.
func (c *Config) ToReducerConfig(cc ClassifierConfig) ReducerConfig {
	return ReducerConfig{
		Classifier:   cc,
		MinSize:      c.Host.MinSize,
		MaxSize:      c.Host.MaxSize,
		MaxUnchanged: c.Classifier.MaxUnchanged,
	}
}

// ToHostClientConfig returns the host bridge client configuration.
func (c *Config) ToHostClientConfig() HostClientConfig {
	return HostClientConfig{
		URL:         c.Host.WsURL,
		ReadTimeout: time.Duration(c.Host.TimeoutMS) * time.Millisecond,
	}
}

// ExpandPath expands a leading "~" in a path using $HOME.
// This is handy for config values like settings.db_path.
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
