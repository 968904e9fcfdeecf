// Package signaling implements the client side of the call-control channel:
// a persistent authenticated websocket to the relay carrying typed call,
// typing and presence events. Delivery is best effort; a dropped connection
// silently drops in-flight events and every reconnect is a fresh channel
// with no replay.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 70 * time.Second
	pingPeriod = 30 * time.Second

	sendBuffer = 32
)

// Config configures a channel client.
type Config struct {
	// URL of the relay websocket endpoint, e.g. wss://relay.example.com/api/ws.
	URL string
	// Logger is optional; slog.Default() is used when nil.
	Logger *slog.Logger
	// Dialer is optional; websocket.DefaultDialer is used when nil.
	Dialer *websocket.Dialer
}

type conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Client is the signaling channel. Emit is fire-and-forget: callers must not
// assume delivery and must confirm critical state changes through the REST
// collaborator instead.
type Client struct {
	url    string
	logger *slog.Logger
	dialer *websocket.Dialer
	disp   *Dispatcher

	mu        sync.Mutex
	authToken string
	active    *conn
	closed    bool

	stateMu       sync.Mutex
	stateNextID   int
	stateHandlers map[int]func(connected bool)
}

func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Client{
		url:           cfg.URL,
		logger:        logger,
		dialer:        dialer,
		disp:          NewDispatcher(),
		stateHandlers: make(map[int]func(bool)),
	}
}

// On registers a handler for a named event. Handlers are multicast in
// registration order; the returned function removes the registration.
func (c *Client) On(event string, fn Handler) (off func()) {
	return c.disp.On(event, fn)
}

// OnConnectionChange registers a handler fired with true after each
// (re)connect and false after each loss.
func (c *Client) OnConnectionChange(fn func(connected bool)) (off func()) {
	c.stateMu.Lock()
	c.stateNextID++
	id := c.stateNextID
	c.stateHandlers[id] = fn
	c.stateMu.Unlock()
	return func() {
		c.stateMu.Lock()
		delete(c.stateHandlers, id)
		c.stateMu.Unlock()
	}
}

// Connect establishes the channel. It fails with ChannelError{AuthRejected}
// when the relay refuses the token and ChannelError{NetworkUnavailable}
// otherwise. After a successful connect the client reconnects on its own
// with capped exponential backoff until Close is called or the schedule is
// exhausted.
func (c *Client) Connect(ctx context.Context, authToken string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return newChannelError(CodeNetworkUnavailable, errors.New("client closed"))
	}
	c.authToken = authToken
	c.mu.Unlock()

	cn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.install(cn)
	return nil
}

// Connected reports whether the channel is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Emit sends a named event with its payload. There is no delivery
// acknowledgment; the only error reported is a channel that is down at the
// moment of the write attempt.
func (c *Client) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}

	c.mu.Lock()
	cn := c.active
	c.mu.Unlock()
	if cn == nil {
		return newChannelError(CodeNetworkUnavailable, errors.New("channel down"))
	}

	select {
	case cn.send <- frame:
		return nil
	default:
		c.logger.Warn("signaling send buffer full, dropping event", "event", event)
		return newChannelError(CodeNetworkUnavailable, errors.New("send buffer full"))
	}
}

// Close tears the channel down and stops reconnection. Safe to call more
// than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cn := c.active
	c.active = nil
	c.mu.Unlock()

	if cn != nil {
		close(cn.done)
		_ = cn.ws.Close()
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*conn, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, newChannelError(CodeNetworkUnavailable, err)
	}
	q := u.Query()
	c.mu.Lock()
	q.Set("token", c.authToken)
	c.mu.Unlock()
	u.RawQuery = q.Encode()

	ws, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, newChannelError(CodeAuthRejected, err)
		}
		return nil, newChannelError(CodeNetworkUnavailable, err)
	}

	return &conn{
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}, nil
}

func (c *Client) install(cn *conn) {
	c.mu.Lock()
	old := c.active
	c.active = cn
	c.mu.Unlock()
	if old != nil {
		close(old.done)
		_ = old.ws.Close()
	}

	go c.writePump(cn)
	go c.readPump(cn)
	c.notifyState(true)
}

func (c *Client) readPump(cn *conn) {
	defer func() {
		_ = cn.ws.Close()
	}()

	_ = cn.ws.SetReadDeadline(time.Now().Add(pongWait))
	cn.ws.SetPongHandler(func(string) error {
		_ = cn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := cn.ws.ReadMessage()
		if err != nil {
			c.onConnLost(cn, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			c.logger.Debug("signaling bad frame", "error", err)
			continue
		}

		decoded, err := DecodePayload(env.Event, env.Data)
		if err != nil {
			// Malformed payloads are rejected, not trusted at runtime.
			c.logger.Warn("signaling rejected payload", "event", env.Event, "error", err)
			continue
		}

		c.disp.Dispatch(Event{Name: env.Event, From: env.From, Payload: decoded})
	}
}

func (c *Client) writePump(cn *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = cn.ws.Close()
	}()

	for {
		select {
		case <-cn.done:
			return
		case msg := <-cn.send:
			_ = cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cn.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// onConnLost is called once per connection when its read loop exits.
func (c *Client) onConnLost(cn *conn, cause error) {
	c.mu.Lock()
	if c.active != cn {
		// Already replaced or closed; nothing to do.
		c.mu.Unlock()
		return
	}
	c.active = nil
	closed := c.closed
	c.mu.Unlock()
	close(cn.done)

	if closed {
		return
	}

	c.logger.Info("signaling channel lost", "error", cause)
	c.notifyState(false)
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	backoff := NewBackoff()
	for {
		delay, ok := backoff.Next()
		if !ok {
			c.logger.Warn("signaling reconnect attempts exhausted")
			return
		}
		time.Sleep(delay)

		c.mu.Lock()
		if c.closed || c.active != nil {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		cn, err := c.dial(ctx)
		cancel()
		if err != nil {
			var cerr *ChannelError
			if errors.As(err, &cerr) && cerr.Code == CodeAuthRejected {
				c.logger.Warn("signaling reconnect rejected, giving up", "error", err)
				return
			}
			c.logger.Debug("signaling reconnect failed", "attempt", backoff.Attempt(), "error", err)
			continue
		}

		c.logger.Info("signaling channel reestablished", "attempt", backoff.Attempt())
		c.install(cn)
		return
	}
}

func (c *Client) notifyState(connected bool) {
	c.stateMu.Lock()
	fns := make([]func(bool), 0, len(c.stateHandlers))
	for _, fn := range c.stateHandlers {
		fns = append(fns, fn)
	}
	c.stateMu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}
