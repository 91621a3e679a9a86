package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// BrushHost is the painting host's brush-size property.
// This allows for mocking in tests.
type BrushHost interface {
	GetBrushSize() (float64, error)
	SetBrushSize(size float64) (float64, error) // returns the applied size
	GetBrushSizeLimits() (minSize, maxSize float64, err error)
	Close() error
}

// HostClientConfig configures the host bridge connection.
type HostClientConfig struct {
	URL         string
	ReadTimeout time.Duration

	// Initial connection attempts; reconnects after a failure try once per request.
	ConnectAttempts int
	RetryDelay      time.Duration
}

// HostClient manages WebSocket communication with the host bridge.
//
// Requests are JSON text frames: a bare string for getters ("GetBrushSize") and a
// single-key object for setters ({"SetBrushSize": 12.5}). Every reply is keyed by the
// request name and carries {"result": "Ok", "value": ...}.
type HostClient struct {
	mu          sync.Mutex
	conn        *websocket.Conn
	url         string
	logger      *slog.Logger
	readTimeout time.Duration

	attempts   int
	retryDelay time.Duration
}

var _ BrushHost = (*HostClient)(nil)

var errNotConnected = errors.New("no websocket connection")

// errHostResult is returned when the host answers with a non-Ok result.
type errHostResult struct {
	request string
	result  string
}

func (e errHostResult) Error() string {
	return fmt.Sprintf("%s: host returned %q", e.request, e.result)
}

// NewHostClient creates a new host client and establishes the initial connection.
// A failed initial connection is not fatal; requests reconnect on demand.
func NewHostClient(cfg HostClientConfig, logger *slog.Logger) (*HostClient, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid websocket URL %q: scheme must be ws or wss", cfg.URL)
	}

	c := &HostClient{
		url:         cfg.URL,
		logger:      logger,
		readTimeout: cfg.ReadTimeout,
		attempts:    cfg.ConnectAttempts,
		retryDelay:  cfg.RetryDelay,
	}
	if c.readTimeout <= 0 {
		c.readTimeout = defaultReadTimeoutMS * time.Millisecond
	}
	if c.attempts <= 0 {
		c.attempts = 10
	}
	if c.retryDelay <= 0 {
		c.retryDelay = 500 * time.Millisecond
	}

	if err := c.connectWithRetry(c.attempts); err != nil {
		logger.Warn("host bridge not reachable; will retry on demand", "url", c.url, "error", err)
	}
	return c, nil
}

// connect establishes a WebSocket connection to the host bridge
func (c *HostClient) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	d := websocket.Dialer{
		HandshakeTimeout: 2 * time.Second,
	}

	conn, _, err := d.Dial(c.url, nil)
	if err != nil {
		return err
	}

	c.conn = conn
	return nil
}

func (c *HostClient) connectWithRetry(attempts int) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := c.connect()
		if err == nil {
			c.logger.Info("connected to host bridge", "url", c.url)
			return nil
		}
		lastErr = err
		c.logger.Warn("connection failed; retrying...", "error", err, "attempt", attempt+1)
		if attempt+1 < attempts {
			time.Sleep(c.retryDelay)
		}
	}
	return fmt.Errorf("failed to connect after %d attempts: %w", attempts, lastErr)
}

// ensureConnected checks connection and reconnects once if necessary.
// The daemon loop executes effects inline, so reconnects must not stall it.
func (c *HostClient) ensureConnected() error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.logger.Warn("connection lost; reconnecting...")
	return c.connectWithRetry(1)
}

// sendAndRead sends a message and waits for a response
func (c *HostClient) sendAndRead(v any) ([]byte, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, errNotConnected
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.conn = nil // Mark connection as broken
		return nil, err
	}

	c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	defer func() {
		if c.conn != nil {
			c.conn.SetReadDeadline(time.Time{})
		}
	}()

	_, message, err := c.conn.ReadMessage()
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return nil, err
	}

	return message, nil
}

// request sends v and returns the reply section named name after checking its result.
func (c *HostClient) request(name string, v any) (gjson.Result, error) {
	response, err := c.sendAndRead(v)
	if err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(response) {
		return gjson.Result{}, fmt.Errorf("%s: invalid JSON response", name)
	}

	reply := gjson.GetBytes(response, name)
	if !reply.Exists() {
		return gjson.Result{}, fmt.Errorf("%s: response missing %q", name, name)
	}
	if result := reply.Get("result").String(); result != "Ok" {
		return gjson.Result{}, errHostResult{request: name, result: result}
	}
	return reply, nil
}

// Close closes the WebSocket connection
func (c *HostClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}

// GetBrushSize queries the host for the current brush size.
func (c *HostClient) GetBrushSize() (float64, error) {
	reply, err := c.request("GetBrushSize", "GetBrushSize")
	if err != nil {
		return 0, fmt.Errorf("get brush size: %w", err)
	}

	value := reply.Get("value")
	if value.Type != gjson.Number {
		return 0, fmt.Errorf("get brush size: value is not a number: %s", value.Raw)
	}

	c.logger.Debug("GetBrushSize", "size", value.Float())
	return value.Float(), nil
}

// SetBrushSize sets the brush size and returns the applied value.
// The host only acknowledges; the applied value is the requested one.
func (c *HostClient) SetBrushSize(size float64) (float64, error) {
	cmd := map[string]any{"SetBrushSize": size}

	reply, err := c.request("SetBrushSize", cmd)
	if err != nil {
		return 0, fmt.Errorf("set brush size: %w", err)
	}

	c.logger.Debug("SetBrushSize", "size", size, "result", reply.Get("result").String())

	if v := reply.Get("value"); v.Type == gjson.Number {
		return v.Float(), nil
	}
	return size, nil
}

// GetBrushSizeLimits queries the host for the brush size range of the current tool.
func (c *HostClient) GetBrushSizeLimits() (float64, float64, error) {
	reply, err := c.request("GetBrushSizeLimits", "GetBrushSizeLimits")
	if err != nil {
		return 0, 0, fmt.Errorf("get brush size limits: %w", err)
	}

	lo, hi := reply.Get("value.min"), reply.Get("value.max")
	if lo.Type != gjson.Number || hi.Type != gjson.Number {
		return 0, 0, fmt.Errorf("get brush size limits: malformed value: %s", reply.Get("value").Raw)
	}
	if lo.Float() > hi.Float() {
		return 0, 0, fmt.Errorf("get brush size limits: min %v > max %v", lo.Float(), hi.Float())
	}

	c.logger.Debug("GetBrushSizeLimits", "min", lo.Float(), "max", hi.Float())
	return lo.Float(), hi.Float(), nil
}
