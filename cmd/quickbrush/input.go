package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// inputEvent represents a Linux input event structure
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

var inputEventSize = binary.Size(inputEvent{})

// decodeInputEvent parses one raw evdev record.
func decodeInputEvent(reader *bytes.Reader, buf []byte) (inputEvent, error) {
	reader.Reset(buf)
	var ev inputEvent
	err := binary.Read(reader, binary.LittleEndian, &ev)
	return ev, err
}

// KeyMap maps evdev key codes to shortcuts.
type KeyMap map[uint16]Shortcut

// NewKeyMap builds a KeyMap. A code listed for both shortcuts is an error.
func NewKeyMap(grow, shrink []uint16) (KeyMap, error) {
	km := make(KeyMap, len(grow)+len(shrink))
	for _, c := range grow {
		km[c] = ShortcutGrow
	}
	for _, c := range shrink {
		if sc, dup := km[c]; dup && sc == ShortcutGrow {
			return nil, fmt.Errorf("key code %d mapped to both grow and shrink", c)
		}
		km[c] = ShortcutShrink
	}
	return km, nil
}

// translateKeyEvent converts a raw evdev event into a daemon action.
// Auto-repeat (value 2), unmapped codes and non-key events are ignored.
// The kernel timestamp is dropped: the daemon loop stamps every key action on
// receipt so evdev, IPC and the repeat timer share one monotonic clock.
func translateKeyEvent(ev inputEvent, km KeyMap) (Event, bool) {
	if ev.Type != EV_KEY {
		return nil, false
	}
	sc, ok := km[ev.Code]
	if !ok {
		return nil, false
	}

	switch ev.Value {
	case evValuePress:
		return KeyPress{Shortcut: sc}, true
	case evValueRelease:
		return KeyRelease{Shortcut: sc}, true
	default:
		// evValueRepeat: the classifier owns repetition.
		return nil, false
	}
}

// readInputEvents reads input events from a file descriptor and sends them to a channel
// This runs in a dedicated goroutine and blocks on read operations
func readInputEvents(f *os.File, events chan<- inputEvent, readErr chan<- error) {
	buf := make([]byte, inputEventSize)
	reader := bytes.NewReader(buf) // Reusable reader, reset on each iteration

	for {
		if _, err := io.ReadFull(f, buf); err != nil {
			readErr <- fmt.Errorf("read from %s: %w", f.Name(), err)
			return
		}

		ev, err := decodeInputEvent(reader, buf)
		if err != nil {
			// Skip malformed events
			continue
		}

		events <- ev
	}
}

// runInputReaders opens the devices and forwards translated key actions to out
// until ctx is canceled or a device fails. On failure both shortcuts are released
// so a key that was down when the device vanished cannot keep repeating.
func runInputReaders(ctx context.Context, paths []string, km KeyMap, out chan<- Event, logger *slog.Logger) error {
	if len(paths) == 0 {
		return errors.New("no input devices configured")
	}

	files := make([]*os.File, 0, len(paths))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open input device: %w", err)
		}
		files = append(files, f)
		logger.Info("input device opened", "path", p)
	}

	raw := make(chan inputEvent, 64)
	readErr := make(chan error, len(files))
	go readInputDevices(ctx, files, raw, readErr)

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-readErr:
			// Events read before the failure are already buffered; deliver them first.
			for drained := false; !drained; {
				select {
				case ev := <-raw:
					if act, ok := translateKeyEvent(ev, km); ok {
						select {
						case out <- act:
						case <-ctx.Done():
							return nil
						}
					}
				default:
					drained = true
				}
			}
			select {
			case out <- ReleaseAll{}:
			case <-ctx.Done():
			}
			return err

		case ev := <-raw:
			act, ok := translateKeyEvent(ev, km)
			if !ok {
				continue
			}
			logger.Debug("key event", "code", ev.Code, "value", ev.Value)
			select {
			case out <- act:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// inputRetryDelay is the pause between input reader restarts.
const inputRetryDelay = 2 * time.Second

// superviseInputReaders restarts runInputReaders after device failures (unplug,
// permission change) until ctx is canceled.
func superviseInputReaders(ctx context.Context, paths []string, km KeyMap, out chan<- Event, retry time.Duration, logger *slog.Logger) error {
	for {
		err := runInputReaders(ctx, paths, km, out, logger)
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("input reader stopped; retrying", "error", err, "retry_in", retry, "tip", "run as root or add user to 'input' group")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retry):
		}
	}
}
