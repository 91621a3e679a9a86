package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// The IPC server allows external clients to send JSON requests to the daemon
// via a Unix domain socket. This enables:
//   - Host-side key forwarding (key_press / key_release / release_all)
//   - Focus-loss handling from the host bridge (release_all)
//   - Live settings editing (settings_*)
//   - Scripting and automation (set_brush_size, get_state)
//
// Protocol: Line-delimited JSON
//   - Client sends: {"type": "request_name", "data": {...}}
//   - Server responds: {"status": "ok", "data": ...} or {"status": "error", "error": "msg"}
// ============================================================================

// IPC request types handled by the server itself rather than the daemon loop.
const (
	ipcGetState       = "get_state"
	ipcSettingsList   = "settings_list"
	ipcSettingsGet    = "settings_get"
	ipcSettingsSet    = "settings_set"
	ipcSettingsSave   = "settings_save"
	ipcSettingsCancel = "settings_cancel"
	ipcSettingsReset  = "settings_reset"
)

const ipcSnapshotTimeout = time.Second

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status string          `json:"status"`          // "ok" or "error"
	Error  string          `json:"error,omitempty"` // error message if status == "error"
	Data   json.RawMessage `json:"data,omitempty"`
}

// SettingsService is the live settings surface exposed over IPC.
type SettingsService interface {
	Get(key string) (string, error)
	All() map[string]string
	Set(key, raw string) (string, error)
	Save(ctx context.Context) error
	Cancel()
	Reset()
}

var _ SettingsService = (*Settings)(nil)

// ipcSettingData is the data payload of settings_get / settings_set requests and replies.
type ipcSettingData struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// settingValue accepts both "2.5" and 2.5 so shells and scripts need no extra quoting.
func (d ipcSettingData) settingValue() (string, error) {
	raw := strings.TrimSpace(string(d.Value))
	if raw == "" {
		return "", errors.New("missing value")
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(d.Value, &s); err != nil {
			return "", fmt.Errorf("decode value: %w", err)
		}
		return s, nil
	}
	return raw, nil
}

type ipcHandler struct {
	events   chan<- Event
	settings SettingsService
	logger   *slog.Logger
}

// runIPCServer starts the Unix domain socket server.
// It runs until ctx is canceled, at which point it closes the listener and exits.
// settings may be nil, in which case settings_* requests are rejected.
func runIPCServer(ctx context.Context, socketPath string, events chan<- Event, settings SettingsService, logger *slog.Logger) error {
	// Remove existing socket file if it exists
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	// Owner and group only.
	if err := os.Chmod(socketPath, 0o660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Close the listener on shutdown. This unblocks Accept().
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	h := &ipcHandler{events: events, settings: settings, logger: logger}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}

			logger.Error("IPC accept error", "error", err)
			continue
		}

		go h.serveConn(ctx, conn)
	}
}

// serveConn handles a single IPC connection
func (h *ipcHandler) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	h.logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		h.logger.Debug("IPC received", "line", string(line))

		resp := h.handle(ctx, line)
		if err := encoder.Encode(resp); err != nil {
			h.logger.Error("IPC failed to send response", "error", err)
			return
		}
	}

	h.logger.Debug("IPC connection closed")
}

func ipcError(format string, args ...any) IPCResponse {
	return IPCResponse{Status: "error", Error: fmt.Sprintf(format, args...)}
}

func ipcOK(data any) IPCResponse {
	if data == nil {
		return IPCResponse{Status: "ok"}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return ipcError("marshal response: %v", err)
	}
	return IPCResponse{Status: "ok", Data: b}
}

// handle dispatches one request line.
func (h *ipcHandler) handle(ctx context.Context, line []byte) IPCResponse {
	var env EventEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return ipcError("parse request: unmarshal envelope: %v", err)
	}

	switch env.Type {
	case ipcGetState:
		return h.getState(ctx)
	case ipcSettingsList, ipcSettingsGet, ipcSettingsSet, ipcSettingsSave, ipcSettingsCancel, ipcSettingsReset:
		if h.settings == nil {
			return ipcError("settings are not available")
		}
		return h.handleSettings(ctx, env)
	}

	// Payload events only; the daemon assigns timestamps via TimedEvent.
	ev, err := decodeAction(env)
	if err != nil {
		return ipcError("parse event: %v", err)
	}

	select {
	case h.events <- ev:
		return ipcOK(nil)
	default:
		// Event channel is full (should rarely happen with buffer)
		return ipcError("event queue full")
	}
}

func (h *ipcHandler) handleSettings(ctx context.Context, env EventEnvelope) IPCResponse {
	var req ipcSettingData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return ipcError("parse %s: %v", env.Type, err)
		}
	}

	switch env.Type {
	case ipcSettingsList:
		return ipcOK(h.settings.All())

	case ipcSettingsGet:
		v, err := h.settings.Get(req.Key)
		if err != nil {
			return ipcError("%v", err)
		}
		return ipcOK(map[string]string{"key": req.Key, "value": v})

	case ipcSettingsSet:
		raw, err := req.settingValue()
		if err != nil {
			return ipcError("settings_set %s: %v", req.Key, err)
		}
		v, err := h.settings.Set(req.Key, raw)
		if err != nil {
			return ipcError("%v", err)
		}
		return ipcOK(map[string]string{"key": req.Key, "value": v})

	case ipcSettingsSave:
		if err := h.settings.Save(ctx); err != nil {
			h.logger.Error("settings save failed", "error", err)
			return ipcError("save settings: %v", err)
		}
		return ipcOK(h.settings.All())

	case ipcSettingsCancel:
		h.settings.Cancel()
		return ipcOK(h.settings.All())

	default: // ipcSettingsReset
		h.settings.Reset()
		return ipcOK(h.settings.All())
	}
}

// getState requests a snapshot through the daemon loop.
func (h *ipcHandler) getState(ctx context.Context) IPCResponse {
	reply := make(chan StateSnapshot, 1)

	waitCtx, cancel := context.WithTimeout(ctx, ipcSnapshotTimeout)
	defer cancel()

	select {
	case h.events <- RequestStateSnapshot{Reply: reply}:
	case <-waitCtx.Done():
		return ipcError("state request: %v", waitCtx.Err())
	}

	select {
	case snap := <-reply:
		return ipcOK(snap)
	case <-waitCtx.Done():
		return ipcError("state request: %v", waitCtx.Err())
	}
}

// ============================================================================
// IPC Client Utility Functions
// ============================================================================
// These functions are used by the CLI subcommands to talk to a running
// daemon, and by tests.
// ============================================================================

const ipcClientTimeout = 5 * time.Second

// SendIPCRequest sends one request envelope and returns the daemon's response.
// A response with status "error" is returned as an error.
func SendIPCRequest(socketPath string, env EventEnvelope) (IPCResponse, error) {
	conn, err := net.DialTimeout("unix", socketPath, ipcClientTimeout)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(ipcClientTimeout))

	data, err := json.Marshal(env)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("decode response: %w", err)
	}

	if resp.Status != "ok" {
		return resp, fmt.Errorf("ipc error: %s", resp.Error)
	}
	return resp, nil
}

// SendIPCEvent sends an action to the daemon via IPC.
func SendIPCEvent(socketPath string, ev Event) error {
	data, err := MarshalEvent(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = SendIPCRequest(socketPath, env)
	return err
}
