package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

// ============================================================================
// Client subcommands
// ============================================================================
//
//   quickbrush send press|release|tap <grow|shrink>
//   quickbrush send release-all
//   quickbrush send set-size <size>
//   quickbrush settings list|get|set|save|cancel|reset
//   quickbrush state
//   quickbrush watch [--url ws://...] [--raw]
//
// ============================================================================

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <press|release|tap|release-all|set-size> [arg]",
		Short: "Send a key or brush size event to the daemon",
		Example: `  quickbrush send tap grow
  quickbrush send press shrink
  quickbrush send release shrink
  quickbrush send release-all
  quickbrush send set-size 40`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			evs, err := parseSendArgs(args)
			if err != nil {
				return err
			}
			sock := socketPath(cmd)
			for _, ev := range evs {
				if err := SendIPCEvent(sock, ev); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

// parseSendArgs turns `send` arguments into the events to deliver, in order.
func parseSendArgs(args []string) ([]Event, error) {
	if len(args) == 0 {
		return nil, errors.New("missing event")
	}

	needArg := func(what string) (string, error) {
		if len(args) < 2 {
			return "", fmt.Errorf("%s requires %s", args[0], what)
		}
		return args[1], nil
	}
	shortcut := func() (Shortcut, error) {
		name, err := needArg("a shortcut (grow or shrink)")
		if err != nil {
			return 0, err
		}
		return ParseShortcut(name)
	}

	switch args[0] {
	case "press":
		sc, err := shortcut()
		if err != nil {
			return nil, err
		}
		return []Event{KeyPress{Shortcut: sc}}, nil

	case "release":
		sc, err := shortcut()
		if err != nil {
			return nil, err
		}
		return []Event{KeyRelease{Shortcut: sc}}, nil

	case "tap":
		sc, err := shortcut()
		if err != nil {
			return nil, err
		}
		return []Event{KeyPress{Shortcut: sc}, KeyRelease{Shortcut: sc}}, nil

	case "release-all":
		return []Event{ReleaseAll{}}, nil

	case "set-size", "set":
		raw, err := needArg("a size")
		if err != nil {
			return nil, err
		}
		size, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", raw, err)
		}
		if size <= 0 {
			return nil, fmt.Errorf("size must be > 0 (got %v)", size)
		}
		return []Event{SetBrushSizeAbsolute{Size: size, Origin: "cli"}}, nil

	default:
		return nil, fmt.Errorf("unknown event: %s", args[0])
	}
}

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect and edit live classifier settings",
	}

	simple := func(use, short, reqType string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return settingsRequest(cmd, EventEnvelope{Type: reqType})
			},
		}
	}

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print one setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := json.Marshal(ipcSettingData{Key: args[0]})
			if err != nil {
				return err
			}
			return settingsRequest(cmd, EventEnvelope{Type: ipcSettingsGet, Data: data})
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change a setting live (use save to persist)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := json.Marshal(args[1])
			if err != nil {
				return err
			}
			data, err := json.Marshal(ipcSettingData{Key: args[0], Value: value})
			if err != nil {
				return err
			}
			return settingsRequest(cmd, EventEnvelope{Type: ipcSettingsSet, Data: data})
		},
	}

	cmd.AddCommand(
		simple("list", "Print all settings", ipcSettingsList),
		get,
		set,
		simple("save", "Persist the live settings", ipcSettingsSave),
		simple("cancel", "Revert to the saved settings (or undo a reset)", ipcSettingsCancel),
		simple("reset", "Apply default settings (use cancel to undo, save to persist)", ipcSettingsReset),
		&cobra.Command{
			Use:   "keys",
			Short: "List known setting keys",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				for _, k := range SettingKeys() {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
			},
		},
	)
	return cmd
}

func settingsRequest(cmd *cobra.Command, env EventEnvelope) error {
	resp, err := SendIPCRequest(socketPath(cmd), env)
	if err != nil {
		return err
	}
	return printSettings(cmd.OutOrStdout(), resp.Data)
}

// printSettings prints {"key":..,"value":..} as key=value and maps as sorted key=value lines.
func printSettings(w io.Writer, data json.RawMessage) error {
	if len(data) == 0 {
		fmt.Fprintln(w, "ok")
		return nil
	}

	var one map[string]string
	if err := json.Unmarshal(data, &one); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	if key, ok := one["key"]; ok && len(one) == 2 {
		fmt.Fprintf(w, "%s=%s\n", key, one["value"])
		return nil
	}
	for _, k := range sortedSettingKeys(one) {
		fmt.Fprintf(w, "%s=%s\n", k, one[k])
	}
	return nil
}

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the daemon state snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := SendIPCRequest(socketPath(cmd), EventEnvelope{Type: ipcGetState})
			if err != nil {
				return err
			}
			var out bytes.Buffer
			if err := json.Indent(&out, resp.Data, "", "  "); err != nil {
				return fmt.Errorf("format state: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.String())
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	var (
		wsURL string
		raw   bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the state websocket and print brush size and gesture events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watchState(ctx, wsURL, raw, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&wsURL, "url", fmt.Sprintf("ws://127.0.0.1:%d%s", defaultStateWSPort, defaultStateWSPath), "state websocket URL")
	cmd.Flags().BoolVar(&raw, "raw", false, "print raw JSON frames")
	return cmd
}

// watchState prints state websocket frames until ctx is canceled or the server
// closes the connection.
func watchState(ctx context.Context, wsURL string, raw bool, w io.Writer) error {
	logger := clientLogger()

	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := d.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", wsURL, err)
	}
	defer conn.Close()
	logger.Info("connected (press Ctrl+C to exit)", "url", wsURL)

	done := make(chan error, 1)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					done <- nil
				} else {
					done <- err
				}
				return
			}
			if raw {
				fmt.Fprintln(w, string(msg))
				continue
			}
			fmt.Fprintln(w, formatStateFrame(msg))
		}
	}()

	select {
	case <-ctx.Done():
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return nil
	case err := <-done:
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		return nil
	}
}

// formatStateFrame renders one state websocket frame as a single line.
func formatStateFrame(msg []byte) string {
	if !gjson.ValidBytes(msg) {
		return "[TEXT] " + string(msg)
	}
	frame := gjson.ParseBytes(msg)
	data := frame.Get("data")

	switch frame.Get("type").String() {
	case wsTypeStateInit:
		size := "unknown"
		if data.Get("size_known").Bool() {
			size = strconv.FormatFloat(data.Get("size").Float(), 'f', -1, 64)
		}
		return fmt.Sprintf("[STATE] size=%s range=%g..%g", size, data.Get("min_size").Float(), data.Get("max_size").Float())

	case wsTypeBrushSizeChanged:
		return fmt.Sprintf("[SIZE] %.1f", data.Get("size").Float())

	case wsTypeGesture:
		line := fmt.Sprintf("[GESTURE] %s %s %+g", data.Get("shortcut").String(), data.Get("kind").String(), data.Get("amount").Float())
		if n := data.Get("rapid_count").Int(); n > 0 {
			line += fmt.Sprintf(" (x%d)", n)
		}
		return line

	default:
		return "[" + frame.Get("type").String() + "] " + data.Raw
	}
}
