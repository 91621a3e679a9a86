package main

import "time"

// DaemonState is the top-level, daemon-owned state container.
//
// All reducer-owned state lives here so the reducer can stay pure: observed
// host state (what the host bridge reported), classifier state per shortcut,
// and pending intent (what we want to apply).
type DaemonState struct {
	// Host is the cached view of the painting host's brush.
	Host HostState

	// Grow and Shrink are the per-shortcut tap classifiers.
	Grow   ShortcutState
	Shrink ShortcutState

	// UnchangedRepeats counts consecutive hold repeats that could not move the size
	// (stuck at a limit). Reset on every new press.
	UnchangedRepeats int

	// Stats are gesture counters exposed in snapshots.
	Stats GestureStats

	// Intent contains desired changes for the effects stage.
	Intent DaemonIntent
}

// NewDaemonState returns a state with both classifiers labelled.
func NewDaemonState() *DaemonState {
	return &DaemonState{
		Grow:   ShortcutState{Shortcut: ShortcutGrow},
		Shrink: ShortcutState{Shortcut: ShortcutShrink},
	}
}

// HostState is the daemon's cached view of the host brush.
type HostState struct {
	// Size is the last observed brush size.
	Size      float64
	SizeKnown bool
	SizeAt    time.Time

	// Limits reported by the host, if any. These narrow the configured limits.
	MinSize     float64
	MaxSize     float64
	LimitsKnown bool
}

// GestureStats counts emitted deltas by kind.
type GestureStats struct {
	Taps        int
	RapidTaps   int
	HoldRepeats int
	Cancelled   int
}

// DaemonIntent captures pending changes.
type DaemonIntent struct {
	// DesiredSize, if non-nil, is the brush size to apply next (latest wins).
	DesiredSize *float64

	// PendingDelta accumulates deltas emitted before the size is known.
	PendingDelta float64

	// SizeRequested is true while a GetBrushSize is in flight for PendingDelta.
	SizeRequested bool
}

// shortcut returns the classifier for sc.
func (s *DaemonState) shortcut(sc Shortcut) *ShortcutState {
	if sc == ShortcutGrow {
		return &s.Grow
	}
	return &s.Shrink
}

// NextDeadline returns the earliest classifier deadline across both shortcuts.
func (s *DaemonState) NextDeadline(cfg ClassifierConfig) (time.Time, bool) {
	g, gok := s.Grow.NextDeadline(cfg)
	k, kok := s.Shrink.NextDeadline(cfg)
	switch {
	case gok && kok:
		if k.Before(g) {
			return k, true
		}
		return g, true
	case gok:
		return g, true
	case kok:
		return k, true
	}
	return time.Time{}, false
}

// SetDesiredSize records an explicit desired size intent.
func (s *DaemonState) SetDesiredSize(size float64) {
	s.Intent.DesiredSize = &size
}

// ConsumeDesiredSize consumes the desired size intent, if present.
func (s *DaemonState) ConsumeDesiredSize() (float64, bool) {
	if s.Intent.DesiredSize == nil {
		return 0, false
	}
	v := *s.Intent.DesiredSize
	s.Intent.DesiredSize = nil
	return v, true
}

// SetObservedSize updates the cached brush size.
func (s *DaemonState) SetObservedSize(size float64, now time.Time) {
	s.Host.Size = size
	s.Host.SizeKnown = true
	s.Host.SizeAt = now
}

// SetObservedLimits updates the host-reported size limits.
func (s *DaemonState) SetObservedLimits(minSize, maxSize float64) {
	s.Host.MinSize = minSize
	s.Host.MaxSize = maxSize
	s.Host.LimitsKnown = true
}

// baselineSize is the size deltas are applied to: desired if pending, else observed.
func (s *DaemonState) baselineSize() (float64, bool) {
	if s.Intent.DesiredSize != nil {
		return *s.Intent.DesiredSize, true
	}
	if s.Host.SizeKnown {
		return s.Host.Size, true
	}
	return 0, false
}

// limits returns the effective [min, max] from config narrowed by host limits.
func (s *DaemonState) limits(cfg ReducerConfig) (float64, float64) {
	lo, hi := cfg.MinSize, cfg.MaxSize
	if s.Host.LimitsKnown {
		if s.Host.MinSize > lo {
			lo = s.Host.MinSize
		}
		if s.Host.MaxSize > 0 && s.Host.MaxSize < hi {
			hi = s.Host.MaxSize
		}
	}
	if lo > hi {
		// Host and config disagree; config wins.
		lo, hi = cfg.MinSize, cfg.MaxSize
	}
	return lo, hi
}

func clampSize(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// StateSnapshot is a read-only copy of daemon state handed to other goroutines.
type StateSnapshot struct {
	Size      float64   `json:"size"`
	SizeKnown bool      `json:"size_known"`
	SizeAt    time.Time `json:"size_at"`
	MinSize   float64   `json:"min_size"`
	MaxSize   float64   `json:"max_size"`

	Grow   ShortcutSnapshot `json:"grow"`
	Shrink ShortcutSnapshot `json:"shrink"`

	Stats GestureStats `json:"stats"`
}

// ShortcutSnapshot is the externally visible part of a ShortcutState.
type ShortcutSnapshot struct {
	Phase      string `json:"phase"`
	RapidCount int    `json:"rapid_count"`
}

// Snapshot builds a StateSnapshot.
func (s *DaemonState) Snapshot(cfg ReducerConfig) StateSnapshot {
	lo, hi := s.limits(cfg)
	return StateSnapshot{
		Size:      s.Host.Size,
		SizeKnown: s.Host.SizeKnown,
		SizeAt:    s.Host.SizeAt,
		MinSize:   lo,
		MaxSize:   hi,
		Grow:      ShortcutSnapshot{Phase: s.Grow.Phase.String(), RapidCount: s.Grow.RapidCount},
		Shrink:    ShortcutSnapshot{Phase: s.Shrink.Phase.String(), RapidCount: s.Shrink.RapidCount},
		Stats:     s.Stats,
	}
}
