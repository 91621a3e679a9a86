package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1000, 0).UTC()

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func testClassifierConfig() ClassifierConfig {
	cfg := DefaultClassifierConfig()
	cfg.Grace = ms(150)
	cfg.TapStep = 1
	cfg.HoldStep = 1
	cfg.HoldRepeat = ms(100)
	cfg.RapidInterval = ms(150)
	cfg.RapidMultiplier = 3
	cfg.RapidBurstCap = 4
	return cfg
}

// driveTicks ticks the classifier at each deadline up to (and including) until.
func driveTicks(s *ShortcutState, until time.Time, cfg ClassifierConfig) []Delta {
	var out []Delta
	for i := 0; i < 10000; i++ {
		d, ok := s.NextDeadline(cfg)
		if !ok || d.After(until) {
			return out
		}
		out = append(out, s.Tick(d, cfg)...)
	}
	return out
}

func TestClassifier_SingleTapEmitsTapStep(t *testing.T) {
	cfg := testClassifierConfig()
	s := &ShortcutState{Shortcut: ShortcutGrow}

	require.True(t, s.Press(t0, cfg))
	assert.Equal(t, PhasePendingTap, s.Phase)

	assert.Empty(t, driveTicks(s, t0.Add(ms(50)), cfg))

	deltas := s.Release(t0.Add(ms(50)), cfg)
	require.Len(t, deltas, 1)
	assert.Equal(t, GestureTap, deltas[0].Kind)
	assert.Equal(t, 1.0, deltas[0].Amount)
	assert.Equal(t, PhaseIdle, s.Phase)
}

func TestClassifier_ShrinkTapIsNegative(t *testing.T) {
	cfg := testClassifierConfig()
	cfg.TapStep = 2.5
	s := &ShortcutState{Shortcut: ShortcutShrink}

	s.Press(t0, cfg)
	deltas := s.Release(t0.Add(ms(30)), cfg)
	require.Len(t, deltas, 1)
	assert.Equal(t, -2.5, deltas[0].Amount)
}

func TestClassifier_SecondRapidTapUsesMultiplier(t *testing.T) {
	cfg := testClassifierConfig()
	s := &ShortcutState{Shortcut: ShortcutGrow}

	s.Press(t0, cfg)
	first := s.Release(t0.Add(ms(40)), cfg)
	require.Len(t, first, 1)
	assert.Equal(t, GestureTap, first[0].Kind)

	// Second press 100ms after the first one, 60ms after its release.
	require.True(t, s.Press(t0.Add(ms(100)), cfg))
	assert.Equal(t, 2, s.RapidCount)
	second := s.Release(t0.Add(ms(140)), cfg)
	require.Len(t, second, 1)
	assert.Equal(t, GestureRapidTap, second[0].Kind)
	assert.Equal(t, 3.0, second[0].Amount)
	assert.Equal(t, 2, second[0].RapidCount)
}

func TestClassifier_RapidCountCappedAtBurstCap(t *testing.T) {
	cfg := testClassifierConfig()
	s := &ShortcutState{Shortcut: ShortcutGrow}

	at := t0
	for i := 0; i < 10; i++ {
		s.Press(at, cfg)
		deltas := s.Release(at.Add(ms(30)), cfg)
		require.Len(t, deltas, 1)
		assert.LessOrEqual(t, s.RapidCount, cfg.RapidBurstCap)
		if i >= 1 {
			assert.Equal(t, GestureRapidTap, deltas[0].Kind, "tap %d", i)
			assert.Equal(t, 3.0, deltas[0].Amount, "tap %d", i)
		}
		at = at.Add(ms(80))
	}
	assert.Equal(t, cfg.RapidBurstCap, s.RapidCount)
}

func TestClassifier_SlowTapsDoNotMultiply(t *testing.T) {
	cfg := testClassifierConfig()
	s := &ShortcutState{Shortcut: ShortcutGrow}

	s.Press(t0, cfg)
	s.Release(t0.Add(ms(40)), cfg)

	// Gap from release to next press is 300ms, past the rapid interval.
	s.Press(t0.Add(ms(340)), cfg)
	assert.Equal(t, 1, s.RapidCount)
	deltas := s.Release(t0.Add(ms(380)), cfg)
	require.Len(t, deltas, 1)
	assert.Equal(t, GestureTap, deltas[0].Kind)
	assert.Equal(t, 1.0, deltas[0].Amount)
}

func TestClassifier_RapidCountDecaysAfterThreshold(t *testing.T) {
	cfg := testClassifierConfig()
	s := &ShortcutState{Shortcut: ShortcutGrow}

	s.Press(t0, cfg)
	s.Release(t0.Add(ms(40)), cfg)
	s.Press(t0.Add(ms(100)), cfg)
	s.Release(t0.Add(ms(140)), cfg)
	require.Equal(t, 2, s.RapidCount)

	deadline, ok := s.NextDeadline(cfg)
	require.True(t, ok)
	assert.Equal(t, t0.Add(ms(140)).Add(cfg.RapidInterval), deadline)

	assert.Empty(t, s.Tick(deadline.Add(-time.Millisecond), cfg))
	assert.Equal(t, 2, s.RapidCount)

	assert.Empty(t, s.Tick(deadline, cfg))
	assert.Equal(t, 0, s.RapidCount)

	_, ok = s.NextDeadline(cfg)
	assert.False(t, ok, "idle classifier with no burst should not schedule ticks")
}

func TestClassifier_HoldEmitsRepeatsAndNoTap(t *testing.T) {
	cfg := testClassifierConfig()
	s := &ShortcutState{Shortcut: ShortcutGrow}

	s.Press(t0, cfg)
	release := t0.Add(ms(500))
	deltas := driveTicks(s, release, cfg)

	// Repeats at 150, 250, 350, 450ms.
	require.Len(t, deltas, 4)
	for i, d := range deltas {
		assert.Equal(t, GestureHold, d.Kind)
		assert.Equal(t, 1.0, d.Amount)
		assert.Equal(t, t0.Add(ms(150+100*i)), d.At)
	}
	assert.Equal(t, PhaseHolding, s.Phase)

	assert.Empty(t, s.Release(release, cfg), "a hold must not emit a tap delta on release")
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Equal(t, 0, s.RapidCount)

	_, ok := s.NextDeadline(cfg)
	assert.False(t, ok, "release must cancel hold repeats")
}

func TestClassifier_LateTickDoesNotCatchUp(t *testing.T) {
	cfg := testClassifierConfig()
	s := &ShortcutState{Shortcut: ShortcutGrow}

	s.Press(t0, cfg)
	deltas := s.Tick(t0.Add(ms(900)), cfg)
	require.Len(t, deltas, 1)
	assert.Equal(t, PhaseHolding, s.Phase)
	assert.Equal(t, t0.Add(ms(1000)), s.NextRepeatAt)
}

func TestClassifier_ReleaseAfterGraceWithoutTickIsHold(t *testing.T) {
	cfg := testClassifierConfig()
	s := &ShortcutState{Shortcut: ShortcutShrink}

	s.Press(t0, cfg)
	deltas := s.Release(t0.Add(ms(200)), cfg)
	require.Len(t, deltas, 1)
	assert.Equal(t, GestureHold, deltas[0].Kind)
	assert.Equal(t, -1.0, deltas[0].Amount)
	assert.False(t, s.LastWasTap)
}

func TestClassifier_HoldBreaksBurst(t *testing.T) {
	cfg := testClassifierConfig()
	s := &ShortcutState{Shortcut: ShortcutGrow}

	s.Press(t0, cfg)
	s.Release(t0.Add(ms(40)), cfg)

	// Quick press that turns into a hold.
	s.Press(t0.Add(ms(100)), cfg)
	driveTicks(s, t0.Add(ms(300)), cfg)
	s.Release(t0.Add(ms(300)), cfg)

	// A quick tap right after the hold is a plain tap.
	s.Press(t0.Add(ms(350)), cfg)
	deltas := s.Release(t0.Add(ms(380)), cfg)
	require.Len(t, deltas, 1)
	assert.Equal(t, GestureTap, deltas[0].Kind)
}

func TestClassifier_HoldDisabledLongPressIsTap(t *testing.T) {
	cfg := testClassifierConfig()
	cfg.HoldEnabled = false
	s := &ShortcutState{Shortcut: ShortcutGrow}

	s.Press(t0, cfg)
	assert.Empty(t, driveTicks(s, t0.Add(ms(800)), cfg))
	deltas := s.Release(t0.Add(ms(800)), cfg)
	require.Len(t, deltas, 1)
	assert.Equal(t, GestureTap, deltas[0].Kind)
}

func TestClassifier_TapDisabledEmitsNothing(t *testing.T) {
	cfg := testClassifierConfig()
	cfg.TapEnabled = false
	s := &ShortcutState{Shortcut: ShortcutGrow}

	s.Press(t0, cfg)
	assert.Empty(t, s.Release(t0.Add(ms(40)), cfg))
	assert.Equal(t, PhaseIdle, s.Phase)
}

func TestClassifier_RapidDisabledUsesPlainStep(t *testing.T) {
	cfg := testClassifierConfig()
	cfg.RapidEnabled = false
	s := &ShortcutState{Shortcut: ShortcutGrow}

	s.Press(t0, cfg)
	s.Release(t0.Add(ms(40)), cfg)
	s.Press(t0.Add(ms(100)), cfg)
	deltas := s.Release(t0.Add(ms(140)), cfg)
	require.Len(t, deltas, 1)
	assert.Equal(t, GestureTap, deltas[0].Kind)
	assert.Equal(t, 1.0, deltas[0].Amount)
}

func TestClassifier_OutOfOrderEventsIgnored(t *testing.T) {
	cfg := testClassifierConfig()
	s := &ShortcutState{Shortcut: ShortcutGrow}

	assert.Empty(t, s.Release(t0, cfg), "release without press")
	assert.Equal(t, PhaseIdle, s.Phase)

	require.True(t, s.Press(t0, cfg))
	assert.False(t, s.Press(t0.Add(ms(10)), cfg), "duplicate press")
	assert.Equal(t, t0, s.PressedAt)

	require.Len(t, s.Release(t0.Add(ms(20)), cfg), 1)
	assert.Empty(t, s.Release(t0.Add(ms(30)), cfg), "double release")
}

func TestClassifier_MaxPressCancels(t *testing.T) {
	cfg := testClassifierConfig()
	cfg.MaxPress = ms(1000)
	s := &ShortcutState{Shortcut: ShortcutGrow}

	s.Press(t0, cfg)
	deltas := driveTicks(s, t0.Add(ms(5000)), cfg)
	// Repeats at 150..950ms, then cancelled at 1000ms.
	assert.Len(t, deltas, 9)
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Empty(t, s.Release(t0.Add(ms(5000)), cfg), "release after force stop is ignored")
}

func TestClassifier_CancelPreservesLastRelease(t *testing.T) {
	cfg := testClassifierConfig()
	s := &ShortcutState{Shortcut: ShortcutGrow}

	s.Press(t0, cfg)
	s.Release(t0.Add(ms(40)), cfg)
	s.Press(t0.Add(ms(80)), cfg)
	s.Cancel()

	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Equal(t, t0.Add(ms(40)), s.LastReleaseAt)
	assert.True(t, s.LastWasTap)
}

func TestClassifier_AcceleratingIntervalShrinks(t *testing.T) {
	cfg := testClassifierConfig()
	cfg.HoldMode = HoldModeAccelerating
	cfg.HoldMinRepeat = ms(8)
	cfg.HoldExpK = 8
	cfg.HoldTauSec = 0.15

	assert.Equal(t, cfg.HoldRepeat, cfg.repeatInterval(0))
	assert.Less(t, cfg.repeatInterval(ms(50)), cfg.HoldRepeat)
	assert.Equal(t, ms(8), cfg.repeatInterval(5*time.Second))

	s := &ShortcutState{Shortcut: ShortcutGrow}
	s.Press(t0, cfg)
	deltas := driveTicks(s, t0.Add(ms(1000)), cfg)

	constant := testClassifierConfig()
	c := &ShortcutState{Shortcut: ShortcutGrow}
	c.Press(t0, constant)
	base := driveTicks(c, t0.Add(ms(1000)), constant)

	assert.Greater(t, len(deltas), len(base))
}

func TestClassifier_RapidWindowIsHalfOpen(t *testing.T) {
	cfg := testClassifierConfig()
	s := &ShortcutState{Shortcut: ShortcutGrow}

	s.Press(t0, cfg)
	s.Release(t0.Add(ms(30)), cfg)

	// Pressed exactly one rapid interval after the release: a fresh burst.
	s.Press(t0.Add(ms(30)).Add(cfg.RapidInterval), cfg)
	assert.Equal(t, 1, s.RapidCount)
	deltas := s.Release(t0.Add(ms(200)), cfg)
	require.Len(t, deltas, 1)
	assert.Equal(t, GestureTap, deltas[0].Kind)

	// One millisecond inside the window counts.
	s.Press(t0.Add(ms(200)).Add(cfg.RapidInterval-ms(1)), cfg)
	assert.Equal(t, 2, s.RapidCount)
}

func TestShortcut_ParseAndText(t *testing.T) {
	sc, err := ParseShortcut("increase")
	require.NoError(t, err)
	assert.Equal(t, ShortcutGrow, sc)

	_, err = ParseShortcut("sideways")
	assert.Error(t, err)

	b, err := ShortcutShrink.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "shrink", string(b))
	assert.Equal(t, ShortcutGrow, ShortcutShrink.Opposite())

	var zero Shortcut
	assert.False(t, zero.Valid())
	_, err = zero.MarshalText()
	assert.Error(t, err)
}

func TestClassifier_AbandonEndsGestureSilently(t *testing.T) {
	cfg := testClassifierConfig()
	s := &ShortcutState{Shortcut: ShortcutGrow}

	s.Press(t0, cfg)
	s.Abandon(t0.Add(ms(20)))
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Equal(t, t0.Add(ms(20)), s.LastReleaseAt)

	// Nothing is pending and the next quick press does not count as rapid.
	assert.Empty(t, driveTicks(s, t0.Add(ms(50)), cfg))
	s.Press(t0.Add(ms(60)), cfg)
	assert.Equal(t, 1, s.RapidCount)

	// Abandoning an idle shortcut keeps its last release.
	idle := &ShortcutState{Shortcut: ShortcutShrink}
	idle.Abandon(t0)
	assert.True(t, idle.LastReleaseAt.IsZero())
}
