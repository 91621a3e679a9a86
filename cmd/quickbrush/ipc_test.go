package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startIPC runs the IPC server on a fresh socket and returns its path.
func startIPC(t *testing.T, events chan<- Event, settings SettingsService) string {
	t.Helper()

	// Unix socket paths are length-limited; keep them short.
	dir, err := os.MkdirTemp("", "qb")
	require.NoError(t, err)
	sock := filepath.Join(dir, "ipc.sock")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runIPCServer(ctx, sock, events, settings, quietLogger()) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = os.RemoveAll(dir)
	})

	waitUntil(t, time.Second, func() bool {
		_, err := os.Stat(sock)
		return err == nil
	}, "IPC socket not created")
	return sock
}

func TestEventEnvelope_RoundTrip(t *testing.T) {
	for _, ev := range []Event{
		KeyPress{Shortcut: ShortcutGrow},
		KeyRelease{Shortcut: ShortcutShrink},
		ReleaseAll{},
		SetBrushSizeAbsolute{Size: 42, Origin: "ipc"},
	} {
		data, err := MarshalEvent(ev)
		require.NoError(t, err)
		got, err := UnmarshalEvent(data)
		require.NoError(t, err, string(data))
		assert.Equal(t, ev, got)
	}
}

func TestUnmarshalEvent_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown type":       `{"type":"volume_up"}`,
		"bad shortcut":       `{"type":"key_press","data":{"shortcut":"sideways"}}`,
		"non-positive set":   `{"type":"set_brush_size","data":{"size":0}}`,
		"not json":           `key_press`,
		"press no shortcut":  `{"type":"key_press","data":{}}`,
		"release null":       `{"type":"key_release","data":{"shortcut":null}}`,
		"press without data": `{"type":"key_press"}`,
	}
	for name, raw := range cases {
		_, err := UnmarshalEvent([]byte(raw))
		assert.Error(t, err, name)
	}

	_, err := MarshalEvent(Tick{})
	assert.Error(t, err)

	_, err = MarshalEvent(KeyPress{})
	assert.Error(t, err)
}

func TestIPC_KeyEventsReachDaemon(t *testing.T) {
	events := make(chan Event, 8)
	sock := startIPC(t, events, nil)

	require.NoError(t, SendIPCEvent(sock, KeyPress{Shortcut: ShortcutShrink}))
	require.NoError(t, SendIPCEvent(sock, KeyRelease{Shortcut: ShortcutShrink}))
	require.NoError(t, SendIPCEvent(sock, ReleaseAll{}))

	want := []Event{KeyPress{Shortcut: ShortcutShrink}, KeyRelease{Shortcut: ShortcutShrink}, ReleaseAll{}}
	for i, w := range want {
		select {
		case got := <-events:
			assert.Equal(t, w, got, "event %d", i)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}
}

func TestIPC_BadRequestsReturnErrors(t *testing.T) {
	events := make(chan Event, 1)
	sock := startIPC(t, events, nil)

	_, err := SendIPCRequest(sock, EventEnvelope{Type: "volume_up"})
	assert.ErrorContains(t, err, "unknown event type")

	_, err = SendIPCRequest(sock, EventEnvelope{Type: ipcSettingsList})
	assert.ErrorContains(t, err, "settings are not available")

	// Fill the queue; the next event must be rejected rather than block.
	events <- ReleaseAll{}
	err = SendIPCEvent(sock, ReleaseAll{})
	assert.ErrorContains(t, err, "event queue full")
}

func TestIPC_SettingsLifecycle(t *testing.T) {
	rec := &recorder{}
	settings, err := NewSettings(context.Background(), DefaultClassifierConfig(), nil, rec.notify, quietLogger())
	require.NoError(t, err)
	sock := startIPC(t, make(chan Event, 1), settings)

	request := func(typ string, data any) map[string]string {
		t.Helper()
		env := EventEnvelope{Type: typ}
		if data != nil {
			b, err := json.Marshal(data)
			require.NoError(t, err)
			env.Data = b
		}
		resp, err := SendIPCRequest(sock, env)
		require.NoError(t, err)
		var out map[string]string
		require.NoError(t, json.Unmarshal(resp.Data, &out))
		return out
	}

	got := request(ipcSettingsSet, map[string]any{"key": "tap_step", "value": 2.5})
	assert.Equal(t, map[string]string{"key": "tap_step", "value": "2.5"}, got)
	assert.Equal(t, 2.5, rec.last().TapStep)

	got = request(ipcSettingsSet, map[string]any{"key": "hold_mode", "value": "accelerating"})
	assert.Equal(t, "accelerating", got["value"])

	got = request(ipcSettingsGet, map[string]any{"key": "tap_step"})
	assert.Equal(t, "2.5", got["value"])

	all := request(ipcSettingsCancel, nil)
	assert.Equal(t, "1", all["tap_step"])
	assert.Equal(t, "constant", all["hold_mode"])

	_, err = SendIPCRequest(sock, EventEnvelope{Type: ipcSettingsGet, Data: json.RawMessage(`{"key":"nope"}`)})
	assert.ErrorContains(t, err, `unknown setting "nope"`)

	_, err = SendIPCRequest(sock, EventEnvelope{Type: ipcSettingsSet, Data: json.RawMessage(`{"key":"tap_step"}`)})
	assert.ErrorContains(t, err, "missing value")
}

func TestIPC_GetStateGoesThroughDaemon(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan Event, 4)
	go answerSnapshots(ctx, events, StateSnapshot{Size: 30, SizeKnown: true, MinSize: 1, MaxSize: 100})
	sock := startIPC(t, events, nil)

	resp, err := SendIPCRequest(sock, EventEnvelope{Type: ipcGetState})
	require.NoError(t, err)

	var snap StateSnapshot
	require.NoError(t, json.Unmarshal(resp.Data, &snap))
	assert.Equal(t, 30.0, snap.Size)
	assert.True(t, snap.SizeKnown)
}
