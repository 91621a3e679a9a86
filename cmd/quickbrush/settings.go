package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Live settings
// ============================================================================
//
// Settings owns the user-tunable classifier parameters outside the daemon loop.
// Every live change is pushed to the loop through notify (as SettingsChanged);
// the daemon never reads Settings directly.
//
// Lifecycle mirrors a settings dialog:
//   - Set changes the live value (not persisted)
//   - Save persists the live values
//   - Cancel reverts to the last saved values, or undoes a Reset
//   - Reset applies the defaults and remembers the prior values for Cancel
//
// ============================================================================

// errUnknownSetting is returned for keys that are not in settingDefs.
type errUnknownSetting struct {
	key string
}

func (e errUnknownSetting) Error() string { return fmt.Sprintf("unknown setting %q", e.key) }

// settingDef describes one persisted key.
type settingDef struct {
	key string
	// get formats the field from c.
	get func(c *ClassifierConfig) string
	// set parses raw, range-checks it and stores it into c.
	set func(c *ClassifierConfig, raw string) error
}

func floatSetting(key string, lo, hi float64, field func(*ClassifierConfig) *float64) settingDef {
	return settingDef{
		key: key,
		get: func(c *ClassifierConfig) string { return strconv.FormatFloat(*field(c), 'f', -1, 64) },
		set: func(c *ClassifierConfig, raw string) error {
			v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil || math.IsNaN(v) {
				return fmt.Errorf("%s: %q is not a number", key, raw)
			}
			if v < lo || v > hi {
				return fmt.Errorf("%s: %v out of range [%v, %v]", key, v, lo, hi)
			}
			*field(c) = v
			return nil
		},
	}
}

func intSetting(key string, lo, hi int, field func(*ClassifierConfig) *int) settingDef {
	return settingDef{
		key: key,
		get: func(c *ClassifierConfig) string { return strconv.Itoa(*field(c)) },
		set: func(c *ClassifierConfig, raw string) error {
			v, err := parseIntLoose(raw)
			if err != nil {
				return fmt.Errorf("%s: %q is not an integer", key, raw)
			}
			if v < lo || v > hi {
				return fmt.Errorf("%s: %d out of range [%d, %d]", key, v, lo, hi)
			}
			*field(c) = v
			return nil
		},
	}
}

// msSetting stores a duration as whole milliseconds.
func msSetting(key string, lo, hi int, field func(*ClassifierConfig) *time.Duration) settingDef {
	return settingDef{
		key: key,
		get: func(c *ClassifierConfig) string { return strconv.FormatInt(field(c).Milliseconds(), 10) },
		set: func(c *ClassifierConfig, raw string) error {
			v, err := parseIntLoose(raw)
			if err != nil {
				return fmt.Errorf("%s: %q is not a number of milliseconds", key, raw)
			}
			if v < lo || v > hi {
				return fmt.Errorf("%s: %dms out of range [%d, %d]", key, v, lo, hi)
			}
			*field(c) = time.Duration(v) * time.Millisecond
			return nil
		},
	}
}

func boolSetting(key string, field func(*ClassifierConfig) *bool) settingDef {
	return settingDef{
		key: key,
		get: func(c *ClassifierConfig) string { return strconv.FormatBool(*field(c)) },
		set: func(c *ClassifierConfig, raw string) error {
			switch strings.ToLower(strings.TrimSpace(raw)) {
			case "true", "1", "yes", "on":
				*field(c) = true
			case "false", "0", "no", "off":
				*field(c) = false
			default:
				return fmt.Errorf("%s: %q is not a boolean", key, raw)
			}
			return nil
		},
	}
}

// parseIntLoose accepts "3" and "3.0" (values written by float-typed clients).
func parseIntLoose(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if v, err := strconv.Atoi(raw); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("not an integer: %q", raw)
	}
	return int(f), nil
}

// settingDefs lists every live-editable key with its accepted range.
var settingDefs = []settingDef{
	floatSetting("tap_step", 0.1, 100, func(c *ClassifierConfig) *float64 { return &c.TapStep }),
	floatSetting("hold_step", 0.1, 100, func(c *ClassifierConfig) *float64 { return &c.HoldStep }),
	msSetting("grace_ms", 10, 300, func(c *ClassifierConfig) *time.Duration { return &c.Grace }),
	msSetting("hold_repeat_ms", 20, 300, func(c *ClassifierConfig) *time.Duration { return &c.HoldRepeat }),
	{
		key: "hold_mode",
		get: func(c *ClassifierConfig) string { return string(c.HoldMode) },
		set: func(c *ClassifierConfig, raw string) error {
			m, err := ParseHoldMode(raw)
			if err != nil {
				return fmt.Errorf("hold_mode: %w", err)
			}
			c.HoldMode = m
			return nil
		},
	},
	msSetting("hold_min_repeat_ms", 1, 50, func(c *ClassifierConfig) *time.Duration { return &c.HoldMinRepeat }),
	floatSetting("hold_exp_k", 1, 20, func(c *ClassifierConfig) *float64 { return &c.HoldExpK }),
	floatSetting("hold_tau_sec", 0.05, 0.5, func(c *ClassifierConfig) *float64 { return &c.HoldTauSec }),
	msSetting("rapid_interval_ms", 10, 300, func(c *ClassifierConfig) *time.Duration { return &c.RapidInterval }),
	floatSetting("rapid_multiplier", 2, 10, func(c *ClassifierConfig) *float64 { return &c.RapidMultiplier }),
	intSetting("rapid_burst_cap", 1, 20, func(c *ClassifierConfig) *int { return &c.RapidBurstCap }),
	boolSetting("tap_enabled", func(c *ClassifierConfig) *bool { return &c.TapEnabled }),
	boolSetting("rapid_enabled", func(c *ClassifierConfig) *bool { return &c.RapidEnabled }),
	boolSetting("hold_enabled", func(c *ClassifierConfig) *bool { return &c.HoldEnabled }),
}

func lookupSetting(key string) (settingDef, bool) {
	for _, d := range settingDefs {
		if d.key == key {
			return d, true
		}
	}
	return settingDef{}, false
}

// SettingKeys returns the known keys in definition order.
func SettingKeys() []string {
	keys := make([]string, len(settingDefs))
	for i, d := range settingDefs {
		keys[i] = d.key
	}
	return keys
}

// ParseHoldMode parses "constant" or "accelerating".
func ParseHoldMode(s string) (HoldMode, error) {
	switch HoldMode(strings.ToLower(strings.TrimSpace(s))) {
	case HoldModeConstant:
		return HoldModeConstant, nil
	case HoldModeAccelerating:
		return HoldModeAccelerating, nil
	default:
		return "", fmt.Errorf("invalid hold mode %q (must be constant or accelerating)", s)
	}
}

// applySetting stores raw into c. An invalid value stores the built-in default
// for the key instead and returns the validation error.
func applySetting(c *ClassifierConfig, d settingDef, raw string) error {
	err := d.set(c, raw)
	if err != nil {
		def := DefaultClassifierConfig()
		_ = d.set(c, d.get(&def))
	}
	return err
}

// SanitizeClassifierConfig range-checks every tunable, replacing invalid values
// with the built-in defaults. MaxPress is not a tunable and is only required to be >= 0.
func SanitizeClassifierConfig(cfg ClassifierConfig, logger *slog.Logger) ClassifierConfig {
	out := cfg
	for _, d := range settingDefs {
		if err := applySetting(&out, d, d.get(&cfg)); err != nil {
			logger.Warn("invalid classifier setting; using default", "key", d.key, "error", err)
		}
	}
	if out.MaxPress < 0 {
		logger.Warn("invalid classifier setting; using default", "key", "max_press_ms", "value", out.MaxPress)
		out.MaxPress = defaultMaxPress
	}
	return out
}

// Settings is the live, persistable classifier configuration. Safe for concurrent use.
type Settings struct {
	mu sync.Mutex

	defaults    ClassifierConfig
	current     ClassifierConfig
	saved       ClassifierConfig
	beforeReset *ClassifierConfig

	store  SettingsStore
	notify func(ClassifierConfig)
	logger *slog.Logger
}

// NewSettings loads persisted values (if store is non-nil) on top of defaults.
// Stored values that fail validation fall back to the built-in default for the key.
func NewSettings(ctx context.Context, defaults ClassifierConfig, store SettingsStore, notify func(ClassifierConfig), logger *slog.Logger) (*Settings, error) {
	s := &Settings{
		defaults: defaults,
		current:  defaults,
		store:    store,
		notify:   notify,
		logger:   logger,
	}

	if store != nil {
		values, err := store.Load(ctx, settingsGroup)
		if err != nil {
			return nil, fmt.Errorf("load settings: %w", err)
		}
		for key, raw := range values {
			d, ok := lookupSetting(key)
			if !ok {
				logger.Warn("ignoring unknown persisted setting", "key", key)
				continue
			}
			if err := applySetting(&s.current, d, raw); err != nil {
				logger.Warn("invalid persisted setting; using default", "key", key, "value", raw, "error", err)
			}
		}
		if len(values) > 0 {
			logger.Info("settings loaded", "group", settingsGroup, "keys", len(values))
		}
	}

	s.saved = s.current
	return s, nil
}

// Config returns the live classifier configuration.
func (s *Settings) Config() ClassifierConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Get returns the live value of key.
func (s *Settings) Get(key string) (string, error) {
	d, ok := lookupSetting(key)
	if !ok {
		return "", errUnknownSetting{key: key}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return d.get(&s.current), nil
}

// All returns every live value keyed by setting name.
func (s *Settings) All() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return formatSettings(&s.current)
}

// Set changes a live value (not persisted) and returns the value in effect.
// An invalid value applies the built-in default for the key.
func (s *Settings) Set(key, raw string) (string, error) {
	d, ok := lookupSetting(key)
	if !ok {
		return "", errUnknownSetting{key: key}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := applySetting(&s.current, d, raw); err != nil {
		s.logger.Warn("invalid setting value; using default", "key", key, "value", raw, "error", err)
	}
	s.publishLocked()
	return d.get(&s.current), nil
}

// Save persists the live values.
func (s *Settings) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Save(ctx, settingsGroup, formatSettings(&s.current)); err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
	}
	s.saved = s.current
	s.beforeReset = nil
	s.logger.Info("settings saved", "group", settingsGroup)
	return nil
}

// Cancel reverts to the last saved values; directly after a Reset it restores
// the values from before the reset.
func (s *Settings) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.beforeReset != nil {
		s.current = *s.beforeReset
		s.beforeReset = nil
	} else {
		s.current = s.saved
	}
	s.publishLocked()
}

// Reset applies the defaults (live, not persisted).
func (s *Settings) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current
	s.beforeReset = &prev
	s.current = s.defaults
	s.publishLocked()
}

// publishLocked notifies under the lock so observers see changes in order.
func (s *Settings) publishLocked() {
	if s.notify != nil {
		s.notify(s.current)
	}
}

func formatSettings(c *ClassifierConfig) map[string]string {
	out := make(map[string]string, len(settingDefs))
	for _, d := range settingDefs {
		out[d.key] = d.get(c)
	}
	return out
}

// sortedSettingKeys returns the keys of m in lexical order.
func sortedSettingKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
