package main

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects notify callbacks.
type recorder struct {
	mu  sync.Mutex
	got []ClassifierConfig
}

func (r *recorder) notify(c ClassifierConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, c)
}

func (r *recorder) last() ClassifierConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.got[len(r.got)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func openTestStore(t *testing.T) *SQLiteSettingsStore {
	t.Helper()
	store, err := OpenSettingsStore(filepath.Join(t.TempDir(), "state", "settings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSettingsStore_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	got, err := store.Load(ctx, settingsGroup)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, store.Save(ctx, settingsGroup, map[string]string{"tap_step": "2", "hold_mode": "accelerating"}))
	require.NoError(t, store.Save(ctx, settingsGroup, map[string]string{"tap_step": "3"}))
	require.NoError(t, store.Save(ctx, "OtherGroup", map[string]string{"tap_step": "9"}))

	got, err = store.Load(ctx, settingsGroup)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tap_step": "3", "hold_mode": "accelerating"}, got)
}

func TestSettings_DefaultsWithoutStore(t *testing.T) {
	s, err := NewSettings(context.Background(), DefaultClassifierConfig(), nil, nil, quietLogger())
	require.NoError(t, err)

	all := s.All()
	assert.Len(t, all, len(settingDefs))
	assert.Equal(t, "150", all["grace_ms"])
	assert.Equal(t, "constant", all["hold_mode"])
	assert.Equal(t, "0.15", all["hold_tau_sec"])
	assert.Equal(t, "true", all["hold_enabled"])
}

func TestSettings_SetNotifiesAndReturnsEffectiveValue(t *testing.T) {
	rec := &recorder{}
	s, err := NewSettings(context.Background(), DefaultClassifierConfig(), nil, rec.notify, quietLogger())
	require.NoError(t, err)

	v, err := s.Set("grace_ms", "200")
	require.NoError(t, err)
	assert.Equal(t, "200", v)
	assert.Equal(t, 200*time.Millisecond, rec.last().Grace)

	v, err = s.Set("hold_mode", "Accelerating")
	require.NoError(t, err)
	assert.Equal(t, "accelerating", v)
	assert.Equal(t, HoldModeAccelerating, s.Config().HoldMode)

	v, err = s.Set("rapid_burst_cap", "7.0")
	require.NoError(t, err)
	assert.Equal(t, "7", v)
}

func TestSettings_InvalidValueFallsBackToDefault(t *testing.T) {
	base := DefaultClassifierConfig()
	base.Grace = 250 * time.Millisecond
	s, err := NewSettings(context.Background(), base, nil, nil, quietLogger())
	require.NoError(t, err)

	v, err := s.Set("grace_ms", "5000")
	require.NoError(t, err)
	assert.Equal(t, "150", v, "built-in default, not the configured base")

	v, err = s.Set("tap_enabled", "maybe")
	require.NoError(t, err)
	assert.Equal(t, "true", v)

	v, err = s.Set("tap_step", "NaN")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestSettings_UnknownKeyRejected(t *testing.T) {
	s, err := NewSettings(context.Background(), DefaultClassifierConfig(), nil, nil, quietLogger())
	require.NoError(t, err)

	_, err = s.Set("volume", "1")
	assert.ErrorAs(t, err, &errUnknownSetting{})

	_, err = s.Get("volume")
	assert.Error(t, err)
}

func TestSettings_SaveThenCancelRevertsToSaved(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	s, err := NewSettings(ctx, DefaultClassifierConfig(), store, nil, quietLogger())
	require.NoError(t, err)

	_, _ = s.Set("tap_step", "4")
	require.NoError(t, s.Save(ctx))

	_, _ = s.Set("tap_step", "9")
	s.Cancel()
	v, _ := s.Get("tap_step")
	assert.Equal(t, "4", v)

	// A fresh manager on the same store sees the saved value.
	s2, err := NewSettings(ctx, DefaultClassifierConfig(), store, nil, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 4.0, s2.Config().TapStep)
}

func TestSettings_CancelAfterResetRestoresPreResetValues(t *testing.T) {
	rec := &recorder{}
	s, err := NewSettings(context.Background(), DefaultClassifierConfig(), nil, rec.notify, quietLogger())
	require.NoError(t, err)

	_, _ = s.Set("tap_step", "6") // live, unsaved
	s.Reset()
	assert.Equal(t, 1.0, s.Config().TapStep)

	s.Cancel()
	assert.Equal(t, 6.0, s.Config().TapStep, "cancel undoes the reset, keeping unsaved edits")

	s.Cancel()
	assert.Equal(t, 1.0, s.Config().TapStep, "second cancel reverts to saved")
	assert.Equal(t, 4, rec.count())
}

func TestSettings_SaveClearsPendingReset(t *testing.T) {
	ctx := context.Background()
	s, err := NewSettings(ctx, DefaultClassifierConfig(), nil, nil, quietLogger())
	require.NoError(t, err)

	_, _ = s.Set("hold_step", "3")
	s.Reset()
	require.NoError(t, s.Save(ctx))

	s.Cancel()
	assert.Equal(t, 1.0, s.Config().HoldStep)
}

func TestSettings_InvalidPersistedValueFallsBack(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	require.NoError(t, store.Save(ctx, settingsGroup, map[string]string{
		"rapid_multiplier": "50",
		"hold_exp_k":       "12",
		"obsolete_key":     "1",
	}))

	s, err := NewSettings(ctx, DefaultClassifierConfig(), store, nil, quietLogger())
	require.NoError(t, err)

	cfg := s.Config()
	assert.Equal(t, defaultRapidMultiplier, cfg.RapidMultiplier)
	assert.Equal(t, 12.0, cfg.HoldExpK)
}

func TestSanitizeClassifierConfig(t *testing.T) {
	cfg := DefaultClassifierConfig()
	cfg.Grace = 2 * time.Second
	cfg.HoldMode = "turbo"
	cfg.RapidBurstCap = 3
	cfg.MaxPress = -1

	out := SanitizeClassifierConfig(cfg, quietLogger())
	assert.Equal(t, defaultGrace, out.Grace)
	assert.Equal(t, HoldModeConstant, out.HoldMode)
	assert.Equal(t, 3, out.RapidBurstCap)
	assert.Equal(t, defaultMaxPress, out.MaxPress)
}

func TestSettingKeysOrder(t *testing.T) {
	keys := SettingKeys()
	require.NotEmpty(t, keys)
	assert.Equal(t, "tap_step", keys[0])
	assert.Contains(t, keys, "hold_tau_sec")
}
