package main

import (
	"math"
	"time"
)

// This file implements the reducer-style architecture building blocks:
//
//   - Events: inputs to the reducer (user actions, ticks, host observations, command failures)
//   - Commands: side effects requested by the reducer (host bridge requests)
//   - Reduce(): computes next state + commands, without performing I/O
//
// The reducer must be pure: it never reads the clock. All classifier state is embedded in DaemonState
// (DaemonState.Grow / DaemonState.Shrink) and the classifier takes explicit timestamps.
//
// The daemon loop is responsible for executing Commands and feeding observations back as Events.

// ReducerConfig is the immutable configuration for one reduction.
type ReducerConfig struct {
	Classifier ClassifierConfig

	// Configured size limits; host-reported limits may narrow them further.
	MinSize float64
	MaxSize float64

	// MaxUnchanged stops a hold after this many consecutive repeats that could
	// not change the size. 0 disables the check.
	MaxUnchanged int
}

// DefaultReducerConfig returns the built-in reducer configuration.
func DefaultReducerConfig() ReducerConfig {
	return ReducerConfig{
		Classifier:   DefaultClassifierConfig(),
		MinSize:      defaultMinSize,
		MaxSize:      defaultMaxSize,
		MaxUnchanged: defaultMaxUnchanged,
	}
}

// ==============================
// Broadcasts
// ==============================

// StateBroadcast is a reducer-emitted notification for external observers
// (the state websocket). Broadcasts never feed back into the reducer.
type StateBroadcast interface {
	broadcastMarker()
}

// BroadcastBrushSizeChanged is emitted when the observed size changes at
// sizeBroadcastResolution precision.
type BroadcastBrushSizeChanged struct {
	Size float64
	At   time.Time
}

func (BroadcastBrushSizeChanged) broadcastMarker() {}

// BroadcastGesture is emitted for every classified delta.
type BroadcastGesture struct {
	Shortcut   Shortcut
	Kind       GestureKind
	Amount     float64
	RapidCount int
	At         time.Time
}

func (BroadcastGesture) broadcastMarker() {}

// ==============================
// Reducer input/output
// ==============================

// ReduceResult is the output of Reduce(): next state plus Commands to execute
// and Broadcasts to publish.
//
// Size updates are coalesced: however many deltas one event produces, at most one
// CmdSetBrushSize is emitted with the latest desired value.
type ReduceResult struct {
	State      *DaemonState
	Commands   []Command
	Broadcasts []StateBroadcast
}

// Reduce is the pure reducer:
//
// Rules:
// - Must not perform I/O
// - Must not block
// - Must not mutate anything outside the returned state
func Reduce(s *DaemonState, e Event, cfg ReducerConfig) ReduceResult {
	if s == nil {
		s = NewDaemonState()
	}

	r := &reduction{s: s, cfg: cfg}

	switch ev := e.(type) {
	case TimedEvent:
		r.reduceAction(ev.Event, ev.At)

	case KeyPress, KeyRelease, ReleaseAll, SetBrushSizeAbsolute:
		// Untimed key actions carry no usable timing; the daemon loop always
		// wraps them in TimedEvent. Only the absolute set is time independent.
		if a, ok := ev.(SetBrushSizeAbsolute); ok {
			r.reduceAction(a, time.Time{})
		}

	case Tick:
		r.applyAll(s.Grow.Tick(ev.Now, cfg.Classifier))
		r.applyAll(s.Shrink.Tick(ev.Now, cfg.Classifier))

	case HostSizeObserved:
		r.observeSize(ev.Size, ev.At)

	case HostLimitsObserved:
		s.SetObservedLimits(ev.MinSize, ev.MaxSize)

	case HostCommandFailed:
		switch ev.Command.(type) {
		case CmdGetBrushSize:
			// Allow the next delta to retry the sync.
			s.Intent.SizeRequested = false
		case CmdSetBrushSize:
			// The host may not have applied the value; resync before the next delta.
			s.Host.SizeKnown = false
		}

	case RequestStateSnapshot:
		r.cmds = append(r.cmds, CmdPublishStateSnapshot{
			Reply:    ev.Reply,
			Snapshot: s.Snapshot(cfg),
		})

	default:
		// SettingsChanged is applied by the daemon loop to cfg; unknown events are no-ops.
	}

	// Flush intents into commands (coalesced latest-wins).
	if v, ok := s.ConsumeDesiredSize(); ok {
		r.cmds = append(r.cmds, CmdSetBrushSize{Size: v})
	}

	return ReduceResult{
		State:      s,
		Commands:   r.cmds,
		Broadcasts: r.broadcasts,
	}
}

// reduction carries the accumulators for a single Reduce call.
type reduction struct {
	s          *DaemonState
	cfg        ReducerConfig
	cmds       []Command
	broadcasts []StateBroadcast
}

// reduceAction applies a user action at now. Key actions with a zero now or
// without a valid shortcut are ignored.
func (r *reduction) reduceAction(a Event, now time.Time) {
	s, ccfg := r.s, r.cfg.Classifier

	switch a := a.(type) {
	case KeyPress:
		if now.IsZero() || !a.Shortcut.Valid() {
			return
		}
		// Mutual exclusion: pressing one shortcut force-stops the other without emitting.
		if other := s.shortcut(a.Shortcut.Opposite()); other.Active() {
			other.Cancel()
			s.Stats.Cancelled++
		}
		if s.shortcut(a.Shortcut).Press(now, ccfg) {
			s.UnchangedRepeats = 0
		}

	case KeyRelease:
		if now.IsZero() || !a.Shortcut.Valid() {
			return
		}
		r.applyAll(s.shortcut(a.Shortcut).Release(now, ccfg))

	case ReleaseAll:
		// Focus or device loss: gestures end without a tap or further repeats.
		if now.IsZero() {
			return
		}
		s.Grow.Abandon(now)
		s.Shrink.Abandon(now)

	case SetBrushSizeAbsolute:
		// Absolute set cancels gestures and any size still waiting for a sync.
		s.Grow.Cancel()
		s.Shrink.Cancel()
		s.Intent.PendingDelta = 0

		lo, hi := s.limits(r.cfg)
		s.SetDesiredSize(clampSize(a.Size, lo, hi))
	}
}

func (r *reduction) applyAll(deltas []Delta) {
	for _, d := range deltas {
		r.apply(d)
	}
}

// apply turns one classifier delta into a desired size.
func (r *reduction) apply(d Delta) {
	s := r.s

	switch d.Kind {
	case GestureTap:
		s.Stats.Taps++
	case GestureRapidTap:
		s.Stats.RapidTaps++
	case GestureHold:
		s.Stats.HoldRepeats++
	}
	r.broadcasts = append(r.broadcasts, BroadcastGesture{
		Shortcut:   d.Shortcut,
		Kind:       d.Kind,
		Amount:     d.Amount,
		RapidCount: d.RapidCount,
		At:         d.At,
	})

	baseline, ok := s.baselineSize()
	if !ok {
		// Size unknown: accumulate and ask the host once.
		s.Intent.PendingDelta += d.Amount
		if !s.Intent.SizeRequested {
			s.Intent.SizeRequested = true
			r.cmds = append(r.cmds, CmdGetBrushSize{})
		}
		return
	}

	lo, hi := s.limits(r.cfg)
	next := clampSize(baseline+d.Amount, lo, hi)

	if d.Kind == GestureHold {
		if next == baseline {
			s.UnchangedRepeats++
			if r.cfg.MaxUnchanged > 0 && s.UnchangedRepeats >= r.cfg.MaxUnchanged {
				// Stuck at a limit: stop repeating until the key is pressed again.
				s.shortcut(d.Shortcut).Cancel()
				s.Stats.Cancelled++
			}
		} else {
			s.UnchangedRepeats = 0
		}
	}

	if next != baseline {
		s.SetDesiredSize(next)
	}
}

func (r *reduction) observeSize(size float64, at time.Time) {
	s := r.s

	prevKnown := s.Host.SizeKnown
	prevRounded := roundSize(s.Host.Size)
	s.SetObservedSize(size, at)

	if rounded := roundSize(size); !prevKnown || rounded != prevRounded {
		r.broadcasts = append(r.broadcasts, BroadcastBrushSizeChanged{Size: rounded, At: at})
	}

	if s.Intent.SizeRequested {
		s.Intent.SizeRequested = false
		if s.Intent.PendingDelta != 0 && s.Intent.DesiredSize == nil {
			lo, hi := s.limits(r.cfg)
			next := clampSize(size+s.Intent.PendingDelta, lo, hi)
			if next != size {
				s.SetDesiredSize(next)
			}
		}
		s.Intent.PendingDelta = 0
	}
}

// roundSize rounds to sizeBroadcastResolution for change detection and broadcasts.
func roundSize(v float64) float64 {
	return math.Round(v/sizeBroadcastResolution) / (1 / sizeBroadcastResolution)
}
