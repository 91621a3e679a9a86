package main

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Action Types
// ============================================================================
// Actions represent intent from input devices and IPC clients.
// The central daemon loop consumes these actions and applies policy.
// ============================================================================

// KeyPress indicates a shortcut key went down.
type KeyPress struct {
	Shortcut Shortcut `json:"shortcut"`
}

func (KeyPress) eventMarker() {}

// KeyRelease indicates a shortcut key went up.
type KeyRelease struct {
	Shortcut Shortcut `json:"shortcut"`
}

func (KeyRelease) eventMarker() {}

// ReleaseAll releases both shortcuts (focus lost, device gone, panic button).
type ReleaseAll struct{}

func (ReleaseAll) eventMarker() {}

// SetBrushSizeAbsolute requests the brush size to be set to a specific value.
type SetBrushSizeAbsolute struct {
	Size   float64 `json:"size"`
	Origin string  `json:"origin,omitempty"` // e.g., "ipc", "ui"
}

func (SetBrushSizeAbsolute) eventMarker() {}

// ============================================================================
// JSON Encoding/Decoding Support
// ============================================================================

// EventEnvelope wraps an action with a type discriminator for JSON marshaling
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalEvent deserializes a JSON event envelope into a concrete action
func UnmarshalEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return decodeAction(env)
}

func decodeAction(env EventEnvelope) (Event, error) {
	switch env.Type {
	case "key_press":
		var a KeyPress
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal KeyPress: %w", err)
		}
		if !a.Shortcut.Valid() {
			return nil, fmt.Errorf("%s: missing shortcut (must be grow or shrink)", env.Type)
		}
		return a, nil

	case "key_release":
		var a KeyRelease
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal KeyRelease: %w", err)
		}
		if !a.Shortcut.Valid() {
			return nil, fmt.Errorf("%s: missing shortcut (must be grow or shrink)", env.Type)
		}
		return a, nil

	case "release_all":
		return ReleaseAll{}, nil

	case "set_brush_size":
		var a SetBrushSizeAbsolute
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal SetBrushSizeAbsolute: %w", err)
		}
		if a.Size <= 0 {
			return nil, fmt.Errorf("set_brush_size: size must be > 0 (got %v)", a.Size)
		}
		return a, nil

	default:
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}
}

// MarshalEvent serializes an action into a JSON envelope with type discriminator
func MarshalEvent(e Event) ([]byte, error) {
	var env EventEnvelope

	switch e := e.(type) {
	case KeyPress:
		env.Type = "key_press"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal KeyPress: %w", err)
		}
		env.Data = data

	case KeyRelease:
		env.Type = "key_release"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal KeyRelease: %w", err)
		}
		env.Data = data

	case ReleaseAll:
		env.Type = "release_all"

	case SetBrushSizeAbsolute:
		env.Type = "set_brush_size"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal SetBrushSizeAbsolute: %w", err)
		}
		env.Data = data

	default:
		return nil, fmt.Errorf("unsupported event type: %T", e)
	}

	return json.Marshal(env)
}
