package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// State WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
// Constraints:
//   - DaemonState is daemon-owned; the initial snapshot goes through the event loop.
//   - Everything published here originates from reducer broadcasts.
//   - A client whose send buffer fills is disconnected.
//
// Messages are JSON text frames with an envelope {type, ts, data}:
//   - state_init          on connect, data is wsSnapshotData
//   - brush_size_changed  coalesced to one frame per wsSizeCoalesceWindow
//   - gesture             one frame per classified delta
//
// ============================================================================

const (
	wsTypeStateInit        = "state_init"
	wsTypeBrushSizeChanged = "brush_size_changed"
	wsTypeGesture          = "gesture"
)

// wsSnapshotData is the `data` payload of state_init.
type wsSnapshotData struct {
	Size      float64   `json:"size"`
	SizeKnown bool      `json:"size_known"`
	SizeAt    time.Time `json:"size_at"`
	MinSize   float64   `json:"min_size"`
	MaxSize   float64   `json:"max_size"`

	Grow   ShortcutSnapshot `json:"grow"`
	Shrink ShortcutSnapshot `json:"shrink"`
	Stats  GestureStats     `json:"stats"`
}

func snapshotData(s StateSnapshot) wsSnapshotData {
	return wsSnapshotData{
		Size:      s.Size,
		SizeKnown: s.SizeKnown,
		SizeAt:    s.SizeAt,
		MinSize:   s.MinSize,
		MaxSize:   s.MaxSize,
		Grow:      s.Grow,
		Shrink:    s.Shrink,
		Stats:     s.Stats,
	}
}

type wsBrushSizeData struct {
	Size float64 `json:"size"`
}

type wsGestureData struct {
	Shortcut   Shortcut    `json:"shortcut"`
	Kind       GestureKind `json:"kind"`
	Amount     float64     `json:"amount"`
	RapidCount int         `json:"rapid_count,omitempty"`
}

// wsOutboundEvent is a typed message waiting to be framed.
type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time // zero means now
}

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func (ev wsOutboundEvent) frame() ([]byte, error) {
	ts := ev.At.UTC()
	if ev.At.IsZero() {
		ts = time.Now().UTC()
	}
	return json.Marshal(envelope{Type: ev.Type, Ts: &ts, Data: ev.Data})
}

// ============================================================================
// Hub
// ============================================================================

// Hub tracks connected clients and fans out frames to them.
type Hub struct {
	logger *slog.Logger

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	// done is closed when Run returns; register/unregister are not read after that.
	done chan struct{}

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size. Zero selects 32.
	SendBuf int

	// BroadcastBuf is the hub inbound queue size. Zero selects 128.
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = 32
	}
	if cfg.BroadcastBuf <= 0 {
		cfg.BroadcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, cfg.BroadcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		sendBuf:    cfg.SendBuf,
	}
}

// Run processes hub events until ctx is canceled, then disconnects all clients.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Debug("ws hub starting")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("ws hub stopping (context canceled)")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

// fanOut delivers msg to every client; clients with a full queue are evicted
// after the map is unlocked.
func (h *Hub) fanOut(msg []byte) {
	var slow []*Client

	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.removeClient(c, "slow_client")
	}
}

// join hands c to the hub. It returns false if the hub has stopped.
func (h *Hub) join(c *Client) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// leave asks the hub to drop c. After shutdown the hub has already closed it.
func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	c.close()
	h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
}

// BroadcastBytes enqueues a pre-serialized frame. It never blocks; if the hub
// queue is full the frame is dropped.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel sized by the hub.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

// close shuts the connection and the send queue. Safe to call more than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		close(c.send)
	})
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// wsSizeCoalesceWindow bounds how often brush_size_changed is sent during a hold.
const wsSizeCoalesceWindow = 50 * time.Millisecond

// closeStatus extracts the websocket close code and text when err is a close.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info("ws "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Info("ws "+pump+" exiting", "remote_addr", c.remoteAddr, "error", err)
}

// writePump writes queued frames and keepalive pings. It exits on write error
// or when send is closed.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", err)
				return
			}
		}
	}
}

// readPump discards inbound frames to process control frames and detect
// disconnects, then unregisters the client.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", err)
			if c.hub != nil {
				c.hub.leave(c)
			}
			return
		}
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

// StateServer upgrades state websocket requests and feeds the hub.
type StateServer struct {
	logger *slog.Logger
	hub    *Hub

	// Snapshot requests for state_init go through the daemon loop.
	events chan<- Event

	snapshotTimeout time.Duration
}

// NewStateServer constructs the handler and its hub. Start hub.Run(ctx) and
// RunBroadcaster separately.
func NewStateServer(logger *slog.Logger, events chan<- Event, cfg HubConfig) *StateServer {
	return &StateServer{
		logger:          logger,
		hub:             NewHub(logger, cfg),
		events:          events,
		snapshotTimeout: time.Second,
	}
}

func (s *StateServer) Hub() *Hub { return s.hub }

// Register registers the WS handler on mux.
func (s *StateServer) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleStateWS)
}

var upgrader = websocket.Upgrader{
	// Local-only UI consumers; any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStateWS upgrades, queues state_init and registers the client.
func (s *StateServer) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	// state_init is queued before the hub can see the client, so it is always
	// the first frame and never races with an eviction.
	if s.events != nil {
		if snap, ok := s.requestSnapshot(r.Context()); ok {
			msg, err := wsOutboundEvent{Type: wsTypeStateInit, Data: snapshotData(snap)}.frame()
			if err != nil {
				s.logger.Warn("ws state_init marshal failed", "error", err)
			} else {
				client.send <- msg
			}
		}
	}

	if !s.hub.join(client) {
		client.close()
		return
	}

	// Pumps must outlive the handler: net/http cancels r.Context() on return.
	go client.writePump(context.Background())
	go client.readPump()
}

func (s *StateServer) requestSnapshot(ctx context.Context) (StateSnapshot, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.snapshotTimeout)
	defer cancel()

	reply := make(chan StateSnapshot, 1)
	select {
	case s.events <- RequestStateSnapshot{Reply: reply}:
	case <-ctx.Done():
		return StateSnapshot{}, false
	}

	select {
	case snap := <-reply:
		return snap, true
	case <-ctx.Done():
		if !errors.Is(ctx.Err(), context.Canceled) {
			s.logger.Warn("ws snapshot request failed", "error", ctx.Err())
		}
		return StateSnapshot{}, false
	}
}

// ============================================================================
// Broadcaster
// ============================================================================

// sizeCoalescer holds the latest brush_size_changed and releases it at most
// once per window. The window is not extended by new updates.
type sizeCoalescer struct {
	window  time.Duration
	pending *wsOutboundEvent
	timer   *time.Timer
}

// C returns the flush channel, or nil when nothing is scheduled.
func (c *sizeCoalescer) C() <-chan time.Time {
	if c.timer == nil {
		return nil
	}
	return c.timer.C
}

// offer replaces the pending update and starts the window if idle.
func (c *sizeCoalescer) offer(ev wsOutboundEvent) {
	c.pending = &ev
	if c.timer == nil {
		c.timer = time.NewTimer(c.window)
	}
}

// take returns the pending update (if any) and clears it.
func (c *sizeCoalescer) take() (wsOutboundEvent, bool) {
	if c.pending == nil {
		return wsOutboundEvent{}, false
	}
	ev := *c.pending
	c.pending = nil
	return ev, true
}

// fired clears the timer after C() delivered; the next offer opens a new window.
func (c *sizeCoalescer) fired() {
	c.timer = nil
}

func (c *sizeCoalescer) stop() {
	if c.timer != nil && !c.timer.Stop() {
		select {
		case <-c.timer.C:
		default:
		}
	}
	c.timer = nil
}

// RunBroadcaster reads reducer broadcasts, frames them and hands them to the hub.
// Intended to run as a single goroutine.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StateBroadcast, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	sizes := &sizeCoalescer{window: wsSizeCoalesceWindow}
	defer sizes.stop()

	emit := func(ev wsOutboundEvent) {
		msg, err := ev.frame()
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "error", err, "type", ev.Type)
			return
		}
		hub.BroadcastBytes(msg)
	}
	flushSize := func() {
		if ev, ok := sizes.take(); ok {
			emit(ev)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flushSize()
			return

		case <-sizes.C():
			sizes.fired()
			flushSize()

		case b, ok := <-src:
			if !ok {
				flushSize()
				logger.Info("ws broadcaster stopping (source ended)")
				return
			}

			ev, ok := convertBroadcast(b)
			if !ok {
				continue
			}

			if ev.Type == wsTypeBrushSizeChanged {
				sizes.offer(ev)
				continue
			}

			// Keep ordering: a gesture follows any size it raced with.
			flushSize()
			emit(ev)
		}
	}
}

func convertBroadcast(b StateBroadcast) (wsOutboundEvent, bool) {
	switch ev := b.(type) {
	case BroadcastBrushSizeChanged:
		return wsOutboundEvent{
			Type: wsTypeBrushSizeChanged,
			Data: wsBrushSizeData{Size: ev.Size},
			At:   ev.At,
		}, true

	case BroadcastGesture:
		return wsOutboundEvent{
			Type: wsTypeGesture,
			Data: wsGestureData{
				Shortcut:   ev.Shortcut,
				Kind:       ev.Kind,
				Amount:     ev.Amount,
				RapidCount: ev.RapidCount,
			},
			At: ev.At,
		}, true

	default:
		return wsOutboundEvent{}, false
	}
}
