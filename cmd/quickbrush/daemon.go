package main

import (
	"context"
	"log/slog"
	"time"
)

// ============================================================================
// Central Daemon Loop - Reducer-driven "Daemon Brain"
// ============================================================================
//
// Design rules enforced here:
//   - The reducer performs no I/O and computes: next state + commands + broadcasts.
//   - The daemon loop is the only place that executes side effects (host bridge calls).
//   - Host responses are turned into Events and fed back into the reducer.
//   - There is no fixed tick: a single timer is armed for the earliest classifier
//     deadline and disarmed when nothing is pending.
//
// ============================================================================

// runDaemon is the main daemon loop that:
//   - Receives Events from input readers, IPC and the state websocket
//   - Emits Tick events when the repeat scheduler fires
//   - Reduces events into (state, commands, broadcasts)
//   - Executes commands against the host and feeds observations back into the reducer
//
// Shutdown semantics:
//   - Exits when ctx is canceled
//   - Exits cleanly when the events channel is closed
func runDaemon(
	ctx context.Context,
	events <-chan Event,
	host BrushHost,
	cfg ReducerConfig,
	state *DaemonState,
	broadcasts chan<- StateBroadcast,
	logger *slog.Logger,
) {
	if state == nil {
		logger.Error("daemon state is nil")
		return
	}

	sched := newRepeatScheduler()
	defer sched.Stop()

	// Explicit queues:
	// - eventQueue holds events awaiting reduction
	// - cmdQueue holds commands awaiting execution
	var eventQueue []Event
	var cmdQueue []Command

	enqueueEvent := func(ev Event) {
		eventQueue = append(eventQueue, ev)
	}

	publish := func(bs []StateBroadcast) {
		if broadcasts == nil {
			return
		}
		for _, b := range bs {
			select {
			case broadcasts <- b:
			default:
				logger.Debug("broadcast channel full, dropping", "broadcast", b)
			}
		}
	}

	// Reduce all queued events, enqueuing any resulting commands.
	flushEvents := func() {
		for len(eventQueue) > 0 {
			ev := eventQueue[0]
			eventQueue = eventQueue[1:]

			if sc, ok := ev.(SettingsChanged); ok {
				cfg.Classifier = sc.Config
				logger.Info("classifier settings applied",
					"tap_step", sc.Config.TapStep,
					"hold_mode", sc.Config.HoldMode,
					"grace", sc.Config.Grace,
				)
			}

			rr := Reduce(state, ev, cfg)
			if rr.State != nil {
				state = rr.State
			}
			cmdQueue = append(cmdQueue, rr.Commands...)
			publish(rr.Broadcasts)
		}
	}

	// Execute all queued commands, enqueuing observation events.
	flushCommands := func() {
		for len(cmdQueue) > 0 {
			cmd := cmdQueue[0]
			cmdQueue = cmdQueue[1:]

			logger.Debug("executing command", "command", cmd.String())
			runEffect(host, cmd, logger, enqueueEvent)

			// Observations should be reduced promptly to keep state coherent and
			// allow the reducer to emit follow-up commands (if any).
			flushEvents()
		}
	}

	// rearm points the scheduler at the earliest classifier deadline.
	rearm := func() {
		if d, ok := state.NextDeadline(cfg.Classifier); ok {
			sched.Arm(d)
		} else {
			sched.Stop()
		}
	}

	// Initial sync: limits first so the first clamp is already correct.
	cmdQueue = append(cmdQueue, CmdGetBrushLimits{}, CmdGetBrushSize{})
	flushCommands()

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping (context canceled)")
			return

		case ev, ok := <-events:
			if !ok {
				logger.Info("daemon stopping (events channel closed)")
				return
			}
			switch ev.(type) {
			case KeyPress, KeyRelease, ReleaseAll, SetBrushSizeAbsolute:
				ev = TimedEvent{Event: ev, At: time.Now()}
			}
			enqueueEvent(ev)
			flushEvents()
			flushCommands()
			rearm()

		case now := <-sched.C():
			if d := sched.Fired(); now.Before(d) {
				now = d
			}
			enqueueEvent(Tick{Now: now})
			flushEvents()
			flushCommands()
			rearm()
		}
	}
}
