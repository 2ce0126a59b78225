package stream

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/notify"
	"main/pkg/retry"
	"main/pkg/transport"
)

var (
	ErrMissingURL       = errors.New("stream: missing url")
	ErrRetriesExhausted = errors.New("stream: retry attempts exhausted")
	ErrBadStatus        = errors.New("stream: unexpected response status")
	ErrBadContentType   = errors.New("stream: not an event stream")
)

const (
	// PopupEventName is the named channel carrying notification envelopes.
	PopupEventName = "popup"

	sessionQueryKey    = "session_id"
	contentTypeStream  = "text/event-stream"
	defaultConnTimeout = 10 * time.Second
)

// Listener handles events on one named channel.
type Listener func(data []byte)

// Option configures a stream client.
type Option struct {
	// URL is the base endpoint. Required.
	URL string
	// SessionID is sent as the session_id query parameter. Optional.
	SessionID string
	// RetryInterval is the base backoff delay. Optional; default 3s.
	RetryInterval time.Duration
	// MaxRetryAttempts bounds consecutive reconnects. Optional; default 5.
	MaxRetryAttempts int
	// JitterRange spreads retry delays across client populations. Optional.
	JitterRange time.Duration
	// AutoHandlePopup gates automatic renderer dispatch. Optional; default true.
	AutoHandlePopup *bool
	// Renderer receives popup notifications. Optional; default LogRenderer.
	Renderer notify.Renderer
	// OnOpen runs after each successful connect. Optional.
	OnOpen func()
	// OnClose runs after the stream ends, with the terminal error. Optional.
	OnClose func(err error)
	// OnError runs on connect failures and retry exhaustion. Optional.
	OnError func(err error)
	// OnMessage receives default-channel payloads not routed as popups. Optional.
	OnMessage func(raw []byte)
	// Client overrides the HTTP client. Optional.
	Client *http.Client
	// Headers are sent with the request. Optional.
	Headers http.Header
}

func (opt *Option) init() {
	if opt.RetryInterval <= 0 {
		opt.RetryInterval = retry.DefaultBaseDelay
	}
	if opt.MaxRetryAttempts <= 0 {
		opt.MaxRetryAttempts = retry.DefaultMaxAttempts
	}
	if opt.AutoHandlePopup == nil {
		enabled := true
		opt.AutoHandlePopup = &enabled
	}
	if opt.Renderer == nil {
		opt.Renderer = notify.LogRenderer{}
	}
	if opt.Client == nil {
		// no overall timeout; the response body stays open for the stream lifetime
		opt.Client = &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: defaultConnTimeout},
		}
	}
}

// Client owns one server-sent-events stream and its reconnect lifecycle.
// The stream is one-way push; there is no outbound send.
type Client struct {
	opt    Option
	policy *retry.Policy

	mu        sync.Mutex
	status    transport.Status
	gen       uint64
	cancel    context.CancelFunc
	listeners map[string]Listener
}

// New builds a client; it does not connect.
func New(option Option) *Client {
	option.init()
	c := &Client{
		opt:       option,
		status:    transport.StatusIdle,
		listeners: make(map[string]Listener),
	}
	c.policy = retry.New(retry.Config{
		BaseDelay:            option.RetryInterval,
		MaxAttempts:          option.MaxRetryAttempts,
		JitterRange:          option.JitterRange,
		OnMaxAttemptsReached: c.onExhausted,
	})
	return c
}

// Connect opens the stream asynchronously. No-op while connecting or open;
// completion is signaled through OnOpen.
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
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	go c.open(ctx, gen, endpoint)
	return nil
}

func (c *Client) endpointLocked() (string, error) {
	u, err := url.Parse(c.opt.URL)
	if err != nil {
		return "", err
	}
	if id := c.opt.SessionID; id != "" {
		q := u.Query()
		q.Set(sessionQueryKey, id)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) open(ctx context.Context, gen uint64, endpoint string) {
	resp, err := c.request(ctx, endpoint)
	if err != nil {
		c.failConnect(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = resp.Body.Close()
		return
	}
	c.status = transport.StatusOpen
	c.mu.Unlock()

	c.policy.OnSuccess()
	logs.Infof("stream connected: %s", endpoint)
	c.safeCall(c.opt.OnOpen)

	// the policy layer is the single source of truth for reconnection:
	// always consume until the body reports a terminal state, close it,
	// then escalate
	err = readEvents(resp.Body, c.dispatch)
	_ = resp.Body.Close()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.status = transport.StatusClosed
	c.mu.Unlock()

	if err == io.EOF {
		err = nil
	}
	c.safeCallErr(c.opt.OnClose, err)
	c.policy.OnDisconnect()
	c.scheduleReconnect()
}

func (c *Client) request(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	for k, vs := range c.opt.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", contentTypeStream)
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.opt.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, errors.Wrap(ErrBadStatus, resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, contentTypeStream) {
		_ = resp.Body.Close()
		return nil, ErrBadContentType
	}
	return resp, nil
}

func (c *Client) failConnect(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.status = transport.StatusErrored
	c.mu.Unlock()

	logs.Errorf("stream connect, err: %+v", err)
	c.safeCallErr(c.opt.OnError, err)
	c.policy.OnDisconnect()
	c.scheduleReconnect()
}

// dispatch routes one complete event. Named popup events and default-channel
// payloads whose discriminator matches are rendered; everything else goes to
// the registered listener or OnMessage. Parse failures are logged and
// dropped.
func (c *Client) dispatch(ev Event) {
	c.mu.Lock()
	listener := c.listeners[ev.Name]
	c.mu.Unlock()

	if listener != nil {
		c.safeCallRaw(listener, ev.Data)
	}

	switch ev.Name {
	case PopupEventName:
		env, err := notify.Decode(ev.Data)
		if err != nil {
			logs.Warnf("stream envelope decode, err: %+v", err)
			return
		}
		c.renderEnvelope(env, ev.Data)
	case DefaultEventName:
		// default payloads may be doubly JSON-encoded by the server
		raw := notify.Unwrap(ev.Data)
		env, err := notify.Decode(raw)
		if err == nil && env.IsPopup() {
			c.renderEnvelope(env, raw)
			return
		}
		if c.opt.OnMessage != nil {
			c.safeCallRaw(c.opt.OnMessage, raw)
			return
		}
		logs.Warnf("stream message dropped: no handler")
	default:
		if listener == nil {
			logs.Warnf("stream event dropped: unknown channel %q", ev.Name)
		}
	}
}

func (c *Client) renderEnvelope(env notify.Envelope, raw []byte) {
	if !*c.opt.AutoHandlePopup {
		c.safeCallRaw(c.opt.OnMessage, raw)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("renderer panic: %+v", r)
		}
	}()
	c.opt.Renderer.Render(env.Strategy.Content, env.Options)
}

// AddEventListener registers fn for a named channel beyond the built-in
// popup handling. One listener per channel; re-registering replaces.
func (c *Client) AddEventListener(name string, fn Listener) {
	c.mu.Lock()
	c.listeners[name] = fn
	c.mu.Unlock()
}

// RemoveEventListener removes the listener for a named channel.
func (c *Client) RemoveEventListener(name string) {
	c.mu.Lock()
	delete(c.listeners, name)
	c.mu.Unlock()
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
	logs.Warnf("stream retries exhausted: %s", c.opt.URL)
	c.safeCallErr(c.opt.OnError, ErrRetriesExhausted)
}

// Disconnect closes the stream and cancels any pending retry. Idempotent;
// the client can Connect again afterwards.
func (c *Client) Disconnect() {
	c.policy.Cancel()

	c.mu.Lock()
	c.gen++
	cancel := c.cancel
	c.cancel = nil
	wasOpen := c.status == transport.StatusOpen
	c.status = transport.StatusIdle
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasOpen {
		c.policy.OnDisconnect()
		c.safeCallErr(c.opt.OnClose, nil)
	}

	c.policy.Reset()
}

// Reconnect cancels any pending retry, resets the attempt budget and connects
// immediately.
func (c *Client) Reconnect() error {
	c.policy.Cancel()
	c.policy.Reset()
	return c.Connect()
}

// UpdateSessionID changes the session identity; an open stream is cycled so
// the new identity applies at connect time.
func (c *Client) UpdateSessionID(id string) error {
	c.mu.Lock()
	c.opt.SessionID = id
	open := c.status == transport.StatusOpen || c.status == transport.StatusConnecting
	c.mu.Unlock()

	if !open {
		return nil
	}
	c.Disconnect()
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

func (c *Client) safeCall(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("stream callback panic: %+v", r)
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
			logs.Errorf("stream callback panic: %+v", r)
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
			logs.Errorf("stream callback panic: %+v", r)
		}
	}()
	fn(raw)
}
