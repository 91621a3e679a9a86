package main

import "time"

// This file defines the reducer inputs:
//
//   - Actions: user intent from input devices and IPC (see actions.go)
//   - Ticks: emitted by the daemon loop when the repeat timer fires
//   - Observations: responses and failures from the host bridge
//   - Control events: settings reloads and snapshot requests
//
// The daemon loop is responsible for executing Commands and feeding observations back as Events.

// Event is the input to the reducer.
type Event interface {
	eventMarker()
}

// TimedEvent wraps an Event with the time it was received by the daemon loop.
// Payload types stay clean; timestamps are attached once, at the boundary.
type TimedEvent struct {
	Event Event
	At    time.Time
}

func (TimedEvent) eventMarker() {}

// Tick is emitted by the daemon loop when the next classifier deadline is reached.
type Tick struct {
	Now time.Time
}

func (Tick) eventMarker() {}

// HostSizeObserved is emitted after a successful GetBrushSize/SetBrushSize.
type HostSizeObserved struct {
	Size float64
	At   time.Time
}

func (HostSizeObserved) eventMarker() {}

// HostLimitsObserved is emitted after a successful GetBrushSizeLimits.
type HostLimitsObserved struct {
	MinSize float64
	MaxSize float64
	At      time.Time
}

func (HostLimitsObserved) eventMarker() {}

// HostCommandFailed is emitted when executing a Command fails.
type HostCommandFailed struct {
	Command Command
	Err     error
	At      time.Time
}

func (HostCommandFailed) eventMarker() {}

// SettingsChanged carries a new classifier configuration into the loop.
type SettingsChanged struct {
	Config ClassifierConfig
}

func (SettingsChanged) eventMarker() {}

// RequestStateSnapshot asks the daemon to publish a snapshot on Reply.
// Reply should be buffered (size 1); the effects stage never blocks on it.
type RequestStateSnapshot struct {
	Reply chan<- StateSnapshot
}

func (RequestStateSnapshot) eventMarker() {}
