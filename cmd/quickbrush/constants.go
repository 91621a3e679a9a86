package main

import "time"

// Linux input event types and codes (from <linux/input.h>)
const (
	EV_KEY = 0x01

	KEY_LEFTBRACE  = 26
	KEY_RIGHTBRACE = 27

	// Highest key code accepted in configuration (KEY_MAX).
	keyCodeMax = 0x2ff
)

// Input event value constants
const (
	evValueRelease = 0
	evValuePress   = 1
	evValueRepeat  = 2
)

// Tap classifier defaults.
const (
	defaultTapStep         = 1.0
	defaultHoldStep        = 1.0
	defaultGrace           = 150 * time.Millisecond // Press longer than this becomes a hold
	defaultHoldRepeat      = 100 * time.Millisecond // Hold repeat interval (constant mode, accelerating start)
	defaultHoldMinRepeat   = 8 * time.Millisecond   // Fastest repeat interval in accelerating mode
	defaultHoldExpK        = 8.0                    // Exponential rate for accelerating mode
	defaultHoldTauSec      = 0.15                   // Time constant for accelerating mode (seconds)
	defaultRapidInterval   = 150 * time.Millisecond // Release-to-press gap that counts as a rapid tap
	defaultRapidMultiplier = 3.0
	defaultRapidBurstCap   = 5

	// Safety limits
	defaultMaxPress     = 10 * time.Second // Presses longer than this are force-stopped
	defaultMaxUnchanged = 15               // Stop a hold after this many repeats with no size change
)

// Host defaults
const (
	defaultHostWsURL     = "ws://127.0.0.1:4711"
	defaultReadTimeoutMS = 500 // Default timeout for reading websocket responses (ms)
	defaultMinSize       = 1.0 // Minimum brush size in pixels
	defaultMaxSize       = 1000.0

	// Broadcast precision for brush size (pixels).
	sizeBroadcastResolution = 0.1
)

// Misc defaults
const (
	defaultIPCSocket   = "/tmp/quickbrush.sock"
	defaultStateWSPort = 3002
	defaultStateWSPath = "/ws/state"
	defaultSettingsDB  = "~/.local/state/quickbrush/settings.db"

	// Settings group name in the persistent store.
	settingsGroup = "QuickBrushSize"
)
