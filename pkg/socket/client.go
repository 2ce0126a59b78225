package socket

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/notify"
	"main/pkg/retry"
	"main/pkg/transport"
)

var (
	ErrMissingURL       = errors.New("socket: missing url")
	ErrRetriesExhausted = errors.New("socket: retry attempts exhausted")
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	writeTimeout             = 10 * time.Second
)

/*
func (c *Client) Connect() error
func (c *Client) Disconnect()
func (c *Client) Reconnect() error
func (c *Client) Send(data []byte) bool
func (c *Client) SendJSON(v any) bool
func (c *Client) Status() transport.Status
func (c *Client) RetryStats() retry.Stats
func (c *Client) UpdateSessionID(id string) error
*/

// Option configures a socket client.
type Option struct {
	// URL is the base endpoint. Required. http/https schemes are
	// normalized to ws/wss.
	URL string
	// SessionID is appended to the URL as a path segment. Optional.
	SessionID string
	// RetryInterval is the base backoff delay. Optional; default 3s.
	RetryInterval time.Duration
	// MaxRetryAttempts bounds consecutive reconnects. Optional; default 5.
	MaxRetryAttempts int
	// JitterRange spreads retry delays across client populations. Optional.
	JitterRange time.Duration
	// HeartbeatInterval is the ping cadence while open. Optional; default 30s.
	HeartbeatInterval time.Duration
	// AutoHandlePopup gates automatic renderer dispatch. Optional; default true.
	AutoHandlePopup *bool
	// Renderer receives popup notifications. Optional; default LogRenderer.
	Renderer notify.Renderer
	// OnOpen runs after each successful connect. Optional.
	OnOpen func()
	// OnClose runs after the connection ends, with the terminal error. Optional.
	OnClose func(err error)
	// OnError runs on dial failures and retry exhaustion. Optional.
	OnError func(err error)
	// OnMessage receives raw frames not handled as popup envelopes. Optional.
	OnMessage func(raw []byte)
	// Headers are sent with the handshake request. Optional.
	Headers http.Header
	// Dialer overrides the websocket dialer. Optional.
	Dialer *websocket.Dialer
}

func (opt *Option) init() {
	if opt.RetryInterval <= 0 {
		opt.RetryInterval = retry.DefaultBaseDelay
	}
	if opt.MaxRetryAttempts <= 0 {
		opt.MaxRetryAttempts = retry.DefaultMaxAttempts
	}
	if opt.HeartbeatInterval <= 0 {
		opt.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opt.AutoHandlePopup == nil {
		enabled := true
		opt.AutoHandlePopup = &enabled
	}
	if opt.Renderer == nil {
		opt.Renderer = notify.LogRenderer{}
	}
	if opt.Dialer == nil {
		opt.Dialer = &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	}
}

// Client owns one WebSocket connection and its reconnect lifecycle.
type Client struct {
	opt    Option
	policy *retry.Policy

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	status    transport.Status
	gen       uint64
	heartbeat chan struct{}
}

// New builds a client; it does not connect.
func New(option Option) *Client {
	option.init()
	c := &Client{opt: option, status: transport.StatusIdle}
	c.policy = retry.New(retry.Config{
		BaseDelay:            option.RetryInterval,
		MaxAttempts:          option.MaxRetryAttempts,
		JitterRange:          option.JitterRange,
		OnMaxAttemptsReached: c.onExhausted,
	})
	return c
}

// Connect dials the endpoint asynchronously. It is a no-op while connecting
// or open; completion is signaled through OnOpen.
func (c *Client) Connect() error {
	if strings.TrimSpace(c.opt.URL) == "" {
		return ErrMissingURL
	}

	c.mu.Lock()
	if c.status == transport.StatusConnecting || c.status == transport.StatusOpen {
		c.mu.Unlock()
		return nil
	}
	c.status = transport.StatusConnecting
	c.gen++
	gen := c.gen
	endpoint, err := c.endpointLocked()
	if err != nil {
		c.status = transport.StatusErrored
		c.mu.Unlock()
		return errors.Wrap(err, "build endpoint")
	}
	c.mu.Unlock()

	go c.dial(gen, endpoint)
	return nil
}

func (c *Client) endpointLocked() (string, error) {
	u, err := url.Parse(c.opt.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if id := c.opt.SessionID; id != "" {
		u = u.JoinPath(id)
	}
	return u.String(), nil
}

func (c *Client) dial(gen uint64, endpoint string) {
	conn, resp, err := c.opt.Dialer.Dial(endpoint, c.opt.Headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.mu.Lock()
	if gen != c.gen || c.status != transport.StatusConnecting {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		c.status = transport.StatusErrored
		c.mu.Unlock()
		logs.Errorf("socket dial %s, err: %+v", endpoint, err)
		c.safeCallErr(c.opt.OnError, err)
		c.policy.OnDisconnect()
		c.scheduleReconnect()
		return
	}

	c.conn = conn
	c.status = transport.StatusOpen
	heartbeat := make(chan struct{})
	c.heartbeat = heartbeat
	c.mu.Unlock()

	c.policy.OnSuccess()
	logs.Infof("socket connected: %s", endpoint)
	c.safeCall(c.opt.OnOpen)

	go c.heartbeatLoop(conn, heartbeat)
	go c.readLoop(gen, conn)
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleClosed(gen, err)
			return
		}
		c.handleFrame(raw)
	}
}

// handleFrame routes one inbound frame. Parse failures are logged and
// dropped; they never affect connection state.
func (c *Client) handleFrame(raw []byte) {
	env, err := notify.DecodeWrapped(raw)
	switch {
	case err == nil && env.IsPopup() && *c.opt.AutoHandlePopup:
		c.render(env)
		return
	case err != nil && !notify.IsNotWrapped(err):
		logs.Warnf("socket frame decode, err: %+v", err)
	}
	if c.opt.OnMessage != nil {
		c.safeCallRaw(c.opt.OnMessage, raw)
	}
}

func (c *Client) render(env notify.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("renderer panic: %+v", r)
		}
	}()
	c.opt.Renderer.Render(env.Strategy.Content, env.Options)
}

func (c *Client) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opt.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// fire and forget; failure surfaces through the read loop
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
		}
	}
}

// handleClosed reacts to the read loop ending. A caller-initiated Disconnect
// bumps the generation first, so a stale loop never reaches this path.
func (c *Client) handleClosed(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.closeConnLocked()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.status = transport.StatusClosed
	} else {
		c.status = transport.StatusErrored
	}
	c.mu.Unlock()

	c.safeCallErr(c.opt.OnClose, err)
	c.policy.OnDisconnect()
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.policy.ScheduleRetry(func() {
		if err := c.Connect(); err != nil {
			c.safeCallErr(c.opt.OnError, err)
		}
	})
	c.mu.Lock()
	if c.policy.Stats().IsRetrying {
		c.status = transport.StatusRetrying
	}
	c.mu.Unlock()
}

func (c *Client) onExhausted() {
	c.mu.Lock()
	c.status = transport.StatusExhausted
	c.mu.Unlock()
	logs.Warnf("socket retries exhausted: %s", c.opt.URL)
	c.safeCallErr(c.opt.OnError, ErrRetriesExhausted)
}

// Send writes a text frame. Returns false without error when the client is
// not open.
func (c *Client) Send(data []byte) bool {
	c.mu.Lock()
	conn := c.conn
	open := c.status == transport.StatusOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logs.Errorf("socket write, err: %+v", err)
		return false
	}
	return true
}

// SendJSON marshals v and sends it as a text frame.
func (c *Client) SendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		logs.Errorf("socket marshal, err: %+v", err)
		return false
	}
	return c.Send(data)
}

// UpdateSessionID changes the session identity. An open connection is fully
// cycled so the new identity is applied at connect time; there is no
// partial-update path.
func (c *Client) UpdateSessionID(id string) error {
	c.mu.Lock()
	c.opt.SessionID = id
	open := c.status == transport.StatusOpen
	c.mu.Unlock()

	if !open {
		return nil
	}
	c.Disconnect()
	return c.Connect()
}

// SessionID returns the current session identity.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opt.SessionID
}

// Disconnect closes the connection with a normal-closure frame and cancels
// any pending retry. Idempotent; the client can Connect again afterwards.
func (c *Client) Disconnect() {
	c.policy.Cancel()

	c.mu.Lock()
	c.gen++
	conn := c.conn
	c.conn = nil
	c.stopHeartbeatLocked()
	c.status = transport.StatusIdle
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		c.writeMu.Unlock()
		_ = conn.Close()

		c.policy.OnDisconnect()
		c.safeCallErr(c.opt.OnClose, nil)
	}

	c.policy.Reset()
}

// Reconnect cancels any pending retry, resets the attempt budget and connects
// immediately. This is the manual recovery path out of transport.StatusExhausted.
func (c *Client) Reconnect() error {
	c.policy.Cancel()
	c.policy.Reset()
	return c.Connect()
}

// Status returns the current lifecycle state.
func (c *Client) Status() transport.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// RetryStats returns a snapshot of the reconnection bookkeeping.
func (c *Client) RetryStats() retry.Stats {
	return c.policy.Stats()
}

func (c *Client) closeConnLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.stopHeartbeatLocked()
}

func (c *Client) stopHeartbeatLocked() {
	if c.heartbeat != nil {
		close(c.heartbeat)
		c.heartbeat = nil
	}
}

// callback panics must not cross the event boundary
func (c *Client) safeCall(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("socket callback panic: %+v", r)
		}
	}()
	fn()
}

func (c *Client) safeCallErr(fn func(error), err error) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("socket callback panic: %+v", r)
		}
	}()
	fn(err)
}

func (c *Client) safeCallRaw(fn func([]byte), raw []byte) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("socket callback panic: %+v", r)
		}
	}()
	fn(raw)
}
