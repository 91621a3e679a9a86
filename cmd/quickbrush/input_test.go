package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeEvents(t *testing.T, evs ...inputEvent) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, ev := range evs {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, ev))
	}
	return buf.Bytes()
}

func keyEv(code uint16, value int32) inputEvent {
	return inputEvent{Type: EV_KEY, Code: code, Value: value}
}

func TestInputEventSize(t *testing.T) {
	// struct input_event on 64-bit Linux.
	assert.Equal(t, 24, inputEventSize)
}

func TestNewKeyMap(t *testing.T) {
	km, err := NewKeyMap([]uint16{KEY_RIGHTBRACE}, []uint16{KEY_LEFTBRACE})
	require.NoError(t, err)
	assert.Equal(t, ShortcutGrow, km[KEY_RIGHTBRACE])
	assert.Equal(t, ShortcutShrink, km[KEY_LEFTBRACE])

	_, err = NewKeyMap([]uint16{30}, []uint16{30})
	assert.Error(t, err)
}

func TestTranslateKeyEvent(t *testing.T) {
	km, err := NewKeyMap([]uint16{KEY_RIGHTBRACE}, []uint16{KEY_LEFTBRACE})
	require.NoError(t, err)

	tests := []struct {
		name string
		ev   inputEvent
		want Event
		ok   bool
	}{
		{"grow press", keyEv(KEY_RIGHTBRACE, evValuePress), KeyPress{Shortcut: ShortcutGrow}, true},
		{"grow release", keyEv(KEY_RIGHTBRACE, evValueRelease), KeyRelease{Shortcut: ShortcutGrow}, true},
		{"shrink press", keyEv(KEY_LEFTBRACE, evValuePress), KeyPress{Shortcut: ShortcutShrink}, true},
		{"auto-repeat ignored", keyEv(KEY_RIGHTBRACE, evValueRepeat), nil, false},
		{"unmapped key", keyEv(30, evValuePress), nil, false},
		{"non-key event", inputEvent{Type: 0x02, Code: KEY_RIGHTBRACE, Value: 1}, nil, false},
		{"kernel time not carried", inputEvent{Sec: 1700000000, Usec: 250000, Type: EV_KEY, Code: KEY_LEFTBRACE, Value: evValueRelease}, KeyRelease{Shortcut: ShortcutShrink}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := translateKeyEvent(tt.ev, km)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadInputEvents_Pipe(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	events := make(chan inputEvent, 4)
	readErr := make(chan error, 1)
	go readInputEvents(r, events, readErr)

	_, err = w.Write(encodeEvents(t, keyEv(KEY_LEFTBRACE, evValuePress)))
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, uint16(KEY_LEFTBRACE), ev.Code)
		assert.Equal(t, int32(evValuePress), ev.Value)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for input event")
	}

	require.NoError(t, w.Close())
	select {
	case err := <-readErr:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for read error")
	}
}

func TestRunInputReaders_ForwardsActionsThenReleasesAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event0")
	require.NoError(t, os.WriteFile(path, encodeEvents(t,
		keyEv(KEY_RIGHTBRACE, evValuePress),
		keyEv(KEY_RIGHTBRACE, evValueRepeat),
		keyEv(KEY_RIGHTBRACE, evValueRelease),
	), 0o600))

	km, err := NewKeyMap([]uint16{KEY_RIGHTBRACE}, []uint16{KEY_LEFTBRACE})
	require.NoError(t, err)

	out := make(chan Event, 8)
	err = runInputReaders(context.Background(), []string{path}, km, out, quietLogger())
	require.Error(t, err, "EOF on the device is reported")

	close(out)
	var got []Event
	for ev := range out {
		got = append(got, ev)
	}
	assert.Equal(t, []Event{
		KeyPress{Shortcut: ShortcutGrow},
		KeyRelease{Shortcut: ShortcutGrow},
		ReleaseAll{},
	}, got)
}

func TestRunInputReaders_MissingDevice(t *testing.T) {
	km, _ := NewKeyMap(nil, nil)
	err := runInputReaders(context.Background(), []string{filepath.Join(t.TempDir(), "nope")}, km, make(chan Event, 1), quietLogger())
	assert.Error(t, err)

	err = runInputReaders(context.Background(), nil, km, make(chan Event, 1), quietLogger())
	assert.Error(t, err)
}

func TestSuperviseInputReaders_RestartsUntilCanceled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event0")
	require.NoError(t, os.WriteFile(path, encodeEvents(t, keyEv(KEY_LEFTBRACE, evValuePress)), 0o600))

	km, err := NewKeyMap([]uint16{KEY_RIGHTBRACE}, []uint16{KEY_LEFTBRACE})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Event, 16)
	done := make(chan error, 1)
	go func() {
		done <- superviseInputReaders(ctx, []string{path}, km, out, 10*time.Millisecond, quietLogger())
	}()

	releases := 0
	deadline := time.After(2 * time.Second)
	for releases < 2 {
		select {
		case ev := <-out:
			if _, ok := ev.(ReleaseAll); ok {
				releases++
			}
		case <-deadline:
			t.Fatalf("expected at least two reader runs, saw %d", releases)
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop after cancel")
	}
}
