//go:build !linux

package main

import (
	"context"
	"os"
)

// readInputDevices starts one blocking reader per device.
func readInputDevices(_ context.Context, files []*os.File, events chan<- inputEvent, readErr chan<- error) {
	for _, f := range files {
		go readInputEvents(f, events, readErr)
	}
}
