package main

import "fmt"

// ==============================
// Commands (side effects)
// ==============================

// Command represents an external side effect to be executed by the daemon loop.
// In this codebase, those are primarily host bridge websocket requests.
type Command interface {
	commandMarker()
	String() string
}

// CmdSetBrushSize requests setting the brush size in the host.
type CmdSetBrushSize struct {
	Size float64
}

func (CmdSetBrushSize) commandMarker() {}
func (c CmdSetBrushSize) String() string {
	return fmt.Sprintf("CmdSetBrushSize(size=%.3f)", c.Size)
}

// CmdGetBrushSize requests the current brush size from the host.
type CmdGetBrushSize struct{}

func (CmdGetBrushSize) commandMarker() {}
func (CmdGetBrushSize) String() string { return "CmdGetBrushSize()" }

// CmdGetBrushLimits requests the brush size limits from the host.
type CmdGetBrushLimits struct{}

func (CmdGetBrushLimits) commandMarker() {}
func (CmdGetBrushLimits) String() string { return "CmdGetBrushLimits()" }

// CmdPublishStateSnapshot delivers a reducer-built snapshot to a requester.
type CmdPublishStateSnapshot struct {
	Reply    chan<- StateSnapshot
	Snapshot StateSnapshot
}

func (CmdPublishStateSnapshot) commandMarker() {}
func (CmdPublishStateSnapshot) String() string { return "CmdPublishStateSnapshot()" }
