package main

import (
	"log/slog"
	"time"
)

// runEffect executes a single reducer-emitted Command against the host bridge
// and emits an observation Event via onEvent.
//
// Design rules:
// - This function is allowed to perform I/O.
// - It must never call Reduce() directly; it only emits Events to be reduced by the daemon loop.
// - The daemon loop is responsible for sequencing: Reduce -> Commands -> runEffect -> Events -> Reduce.
func runEffect(
	host BrushHost,
	cmd Command,
	logger *slog.Logger,
	onEvent func(Event),
) {
	if onEvent == nil {
		return
	}

	// Snapshot delivery does not need the host.
	if c, ok := cmd.(CmdPublishStateSnapshot); ok {
		if c.Reply == nil {
			logger.Warn("state snapshot requested with nil reply channel")
			return
		}

		// Never block the daemon loop on a requester.
		select {
		case c.Reply <- c.Snapshot:
		default:
			logger.Warn("state snapshot reply channel not ready; dropping snapshot")
		}
		return
	}

	now := time.Now()

	if host == nil {
		onEvent(HostCommandFailed{Command: cmd, Err: errNoHost{}, At: now})
		return
	}

	switch c := cmd.(type) {
	case CmdSetBrushSize:
		size, err := host.SetBrushSize(c.Size)
		if err != nil {
			logger.Error("host SetBrushSize failed", "error", err, "size", c.Size)
			onEvent(HostCommandFailed{Command: cmd, Err: err, At: now})
			return
		}
		onEvent(HostSizeObserved{Size: size, At: now})

	case CmdGetBrushSize:
		size, err := host.GetBrushSize()
		if err != nil {
			logger.Error("host GetBrushSize failed", "error", err)
			onEvent(HostCommandFailed{Command: cmd, Err: err, At: now})
			return
		}
		onEvent(HostSizeObserved{Size: size, At: now})

	case CmdGetBrushLimits:
		lo, hi, err := host.GetBrushSizeLimits()
		if err != nil {
			// Limits are optional; config limits still apply.
			logger.Warn("host GetBrushSizeLimits failed", "error", err)
			onEvent(HostCommandFailed{Command: cmd, Err: err, At: now})
			return
		}
		onEvent(HostLimitsObserved{MinSize: lo, MaxSize: hi, At: now})

	default:
		logger.Warn("unknown command type", "command", cmd.String())
		onEvent(HostCommandFailed{
			Command: cmd,
			Err:     errUnknownCommand{cmd: cmd},
			At:      now,
		})
	}
}

// errNoHost indicates the daemon was asked to execute a command without a host client.
type errNoHost struct{}

func (errNoHost) Error() string { return "no host client" }

type errUnknownCommand struct {
	cmd Command
}

func (e errUnknownCommand) Error() string { return "unknown command: " + e.cmd.String() }
