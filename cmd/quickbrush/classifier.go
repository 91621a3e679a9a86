package main

import (
	"fmt"
	"math"
	"time"
)

// Shortcut identifies one of the two brush-size shortcuts.
// The zero value is not a shortcut; decoded events without one are rejected.
type Shortcut int

const (
	ShortcutUnknown Shortcut = iota
	ShortcutShrink
	ShortcutGrow
)

// Valid reports whether s is grow or shrink.
func (s Shortcut) Valid() bool {
	return s == ShortcutGrow || s == ShortcutShrink
}

func (s Shortcut) String() string {
	switch s {
	case ShortcutGrow:
		return "grow"
	case ShortcutShrink:
		return "shrink"
	default:
		return fmt.Sprintf("shortcut(%d)", int(s))
	}
}

// Sign is +1 for grow and -1 for shrink.
func (s Shortcut) Sign() float64 {
	if s == ShortcutGrow {
		return 1
	}
	return -1
}

// Opposite returns the paired shortcut.
func (s Shortcut) Opposite() Shortcut {
	if s == ShortcutGrow {
		return ShortcutShrink
	}
	return ShortcutGrow
}

// ParseShortcut accepts "grow"/"increase"/"up" and "shrink"/"decrease"/"down".
func ParseShortcut(name string) (Shortcut, error) {
	switch name {
	case "grow", "increase", "up", "+":
		return ShortcutGrow, nil
	case "shrink", "decrease", "down", "-":
		return ShortcutShrink, nil
	default:
		return 0, fmt.Errorf("unknown shortcut %q (must be grow or shrink)", name)
	}
}

// MarshalText lets shortcuts travel as strings in JSON payloads.
func (s Shortcut) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid shortcut %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Shortcut) UnmarshalText(b []byte) error {
	v, err := ParseShortcut(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// GesturePhase is the classifier state for one shortcut.
type GesturePhase int

const (
	PhaseIdle GesturePhase = iota
	PhasePendingTap
	PhaseHolding
)

func (p GesturePhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePendingTap:
		return "pending_tap"
	case PhaseHolding:
		return "holding"
	default:
		return "unknown"
	}
}

// GestureKind labels an emitted delta.
type GestureKind string

const (
	GestureTap      GestureKind = "tap"
	GestureRapidTap GestureKind = "rapid_tap"
	GestureHold     GestureKind = "hold"
)

// HoldMode selects how the hold repeat interval evolves.
//
// Constant mode repeats every HoldRepeat.
// Accelerating mode starts at HoldRepeat and shrinks exponentially:
//
//	interval = max(HoldMinRepeat, HoldRepeat * e^(-HoldExpK * t / HoldTauSec))
//
// where t is the time since the hold began.
type HoldMode string

const (
	HoldModeConstant     HoldMode = "constant"
	HoldModeAccelerating HoldMode = "accelerating"
)

// ClassifierConfig contains all tunable parameters for the tap classifier.
type ClassifierConfig struct {
	TapStep  float64 // Size change per tap
	HoldStep float64 // Size change per hold repeat

	Grace         time.Duration // Hold-activation grace period
	HoldRepeat    time.Duration
	HoldMode      HoldMode
	HoldMinRepeat time.Duration // Accelerating mode floor
	HoldExpK      float64       // Accelerating mode rate
	HoldTauSec    float64       // Accelerating mode time constant (seconds)

	RapidInterval   time.Duration // Max release-to-press gap for a rapid tap
	RapidMultiplier float64
	RapidBurstCap   int

	TapEnabled   bool
	RapidEnabled bool
	HoldEnabled  bool

	// Robustness
	MaxPress time.Duration // Force-stop presses longer than this. 0 disables.
}

// DefaultClassifierConfig returns the built-in tunables.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		TapStep:         defaultTapStep,
		HoldStep:        defaultHoldStep,
		Grace:           defaultGrace,
		HoldRepeat:      defaultHoldRepeat,
		HoldMode:        HoldModeConstant,
		HoldMinRepeat:   defaultHoldMinRepeat,
		HoldExpK:        defaultHoldExpK,
		HoldTauSec:      defaultHoldTauSec,
		RapidInterval:   defaultRapidInterval,
		RapidMultiplier: defaultRapidMultiplier,
		RapidBurstCap:   defaultRapidBurstCap,
		TapEnabled:      true,
		RapidEnabled:    true,
		HoldEnabled:     true,
		MaxPress:        defaultMaxPress,
	}
}

// repeatInterval returns the hold repeat interval after the hold has lasted sinceHold.
func (c ClassifierConfig) repeatInterval(sinceHold time.Duration) time.Duration {
	base := c.HoldRepeat
	if c.HoldMode != HoldModeAccelerating || c.HoldTauSec <= 0 {
		return base
	}
	if sinceHold < 0 {
		sinceHold = 0
	}
	decay := math.Exp(-c.HoldExpK * sinceHold.Seconds() / c.HoldTauSec)
	interval := time.Duration(float64(base) * decay)
	if interval < c.HoldMinRepeat {
		interval = c.HoldMinRepeat
	}
	return interval
}

// Delta is a brush-size change emitted by the classifier.
type Delta struct {
	Shortcut   Shortcut
	Kind       GestureKind
	Amount     float64 // signed
	RapidCount int
	At         time.Time
}

// ShortcutState is the classifier state for one shortcut.
//
// It is owned by the daemon state and mutated only by the reducer (single-owner).
// All methods take explicit timestamps; nothing here reads the clock.
type ShortcutState struct {
	Shortcut Shortcut
	Phase    GesturePhase

	PressedAt     time.Time
	LastReleaseAt time.Time
	LastWasTap    bool // whether the last completed gesture was a tap
	RapidCount    int  // consecutive rapid taps including the current one, capped at RapidBurstCap

	HoldBeganAt  time.Time
	NextRepeatAt time.Time
	HoldRepeats  int // hold deltas emitted by the current gesture
}

// Active reports whether a gesture is in progress.
func (s *ShortcutState) Active() bool {
	return s.Phase != PhaseIdle
}

// Press starts a gesture. It returns false when the press is ignored
// (a press is already pending, e.g. keyboard auto-repeat).
func (s *ShortcutState) Press(now time.Time, cfg ClassifierConfig) bool {
	if s.Phase != PhaseIdle {
		return false
	}

	gap := now.Sub(s.LastReleaseAt)
	rapid := s.LastWasTap && !s.LastReleaseAt.IsZero() && gap >= 0 && gap < cfg.RapidInterval
	if rapid {
		s.RapidCount++
		if cfg.RapidBurstCap > 0 && s.RapidCount > cfg.RapidBurstCap {
			s.RapidCount = cfg.RapidBurstCap
		}
	} else {
		s.RapidCount = 1
	}

	s.Phase = PhasePendingTap
	s.PressedAt = now
	s.HoldBeganAt = time.Time{}
	s.NextRepeatAt = time.Time{}
	s.HoldRepeats = 0
	return true
}

// Tick advances time-driven transitions and emits at most one hold delta.
// Late ticks do not catch up on missed repeats.
func (s *ShortcutState) Tick(now time.Time, cfg ClassifierConfig) []Delta {
	switch s.Phase {
	case PhaseIdle:
		// Burst decay: the rapid-tap window has passed since the last release.
		if s.RapidCount > 0 && !s.LastReleaseAt.IsZero() && now.Sub(s.LastReleaseAt) >= cfg.RapidInterval {
			s.RapidCount = 0
		}
		return nil

	case PhasePendingTap:
		if s.pressExpired(now, cfg) {
			s.Cancel()
			return nil
		}
		if !cfg.HoldEnabled || now.Sub(s.PressedAt) < cfg.Grace {
			return nil
		}
		s.Phase = PhaseHolding
		s.HoldBeganAt = s.PressedAt.Add(cfg.Grace)
		return []Delta{s.emitHold(now, cfg)}

	case PhaseHolding:
		if s.pressExpired(now, cfg) {
			s.Cancel()
			return nil
		}
		if now.Before(s.NextRepeatAt) {
			return nil
		}
		return []Delta{s.emitHold(now, cfg)}
	}
	return nil
}

// Release ends a gesture. A release while idle is ignored.
func (s *ShortcutState) Release(now time.Time, cfg ClassifierConfig) []Delta {
	switch s.Phase {
	case PhasePendingTap:
		var out []Delta

		if cfg.HoldEnabled && now.Sub(s.PressedAt) >= cfg.Grace {
			// The grace period elapsed but no tick promoted the press yet.
			// Treat it as a hold that produced exactly one repeat.
			s.HoldBeganAt = s.PressedAt.Add(cfg.Grace)
			out = append(out, s.emitHold(now, cfg))
			s.finish(now, false)
			return out
		}

		rapidCount := s.RapidCount
		s.finish(now, true)
		if !cfg.TapEnabled {
			return nil
		}

		d := Delta{
			Shortcut:   s.Shortcut,
			Kind:       GestureTap,
			Amount:     s.Shortcut.Sign() * cfg.TapStep,
			RapidCount: rapidCount,
			At:         now,
		}
		if cfg.RapidEnabled && rapidCount >= 2 {
			d.Kind = GestureRapidTap
			d.Amount *= cfg.RapidMultiplier
		}
		return append(out, d)

	case PhaseHolding:
		s.finish(now, false)
		return nil
	}
	return nil
}

// Abandon ends an active gesture as a release at now that emits nothing:
// the release is recorded for rapid-tap timing, but a pending press never
// becomes a tap. An idle shortcut is left untouched.
func (s *ShortcutState) Abandon(now time.Time) {
	if s.Phase == PhaseIdle {
		return
	}
	s.finish(now, false)
}

// Cancel force-stops the gesture without emitting and without recording a release,
// so tap timing of the previous gesture is preserved.
func (s *ShortcutState) Cancel() {
	s.Phase = PhaseIdle
	s.PressedAt = time.Time{}
	s.HoldBeganAt = time.Time{}
	s.NextRepeatAt = time.Time{}
	s.HoldRepeats = 0
}

// NextDeadline returns the earliest time at which Tick may change state.
// ok is false when nothing is scheduled and the repeat timer can be stopped.
func (s *ShortcutState) NextDeadline(cfg ClassifierConfig) (deadline time.Time, ok bool) {
	switch s.Phase {
	case PhaseIdle:
		if s.RapidCount > 0 && !s.LastReleaseAt.IsZero() {
			return s.LastReleaseAt.Add(cfg.RapidInterval), true
		}
		return time.Time{}, false

	case PhasePendingTap:
		if cfg.HoldEnabled {
			deadline, ok = s.PressedAt.Add(cfg.Grace), true
		}
	case PhaseHolding:
		deadline, ok = s.NextRepeatAt, true
	}

	if cfg.MaxPress > 0 {
		limit := s.PressedAt.Add(cfg.MaxPress)
		if !ok || limit.Before(deadline) {
			deadline, ok = limit, true
		}
	}
	return deadline, ok
}

func (s *ShortcutState) emitHold(now time.Time, cfg ClassifierConfig) Delta {
	s.HoldRepeats++
	s.NextRepeatAt = now.Add(cfg.repeatInterval(now.Sub(s.HoldBeganAt)))
	return Delta{
		Shortcut:   s.Shortcut,
		Kind:       GestureHold,
		Amount:     s.Shortcut.Sign() * cfg.HoldStep,
		RapidCount: 0,
		At:         now,
	}
}

func (s *ShortcutState) finish(now time.Time, tap bool) {
	s.Phase = PhaseIdle
	s.LastReleaseAt = now
	s.LastWasTap = tap
	if !tap {
		// Holds break a burst.
		s.RapidCount = 0
	}
	s.PressedAt = time.Time{}
	s.HoldBeganAt = time.Time{}
	s.NextRepeatAt = time.Time{}
	s.HoldRepeats = 0
}

func (s *ShortcutState) pressExpired(now time.Time, cfg ClassifierConfig) bool {
	return cfg.MaxPress > 0 && now.Sub(s.PressedAt) >= cfg.MaxPress
}
