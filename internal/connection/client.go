package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/orderscan/screenlink/internal/config"
	"github.com/orderscan/screenlink/internal/model"
)

// Handler processes one inbound event. Handlers run on the read loop, one at a time.
type Handler func(ctx context.Context, data json.RawMessage) error

type Options struct {
	URL         string
	Token       string
	DeviceID    string
	ScreenID    string
	Role        model.Role
	AuthTimeout time.Duration
	Backoff     Backoff
}

// Client keeps one authenticated socket to the relay and redials it on drop.
type Client struct {
	opts     Options
	machine  *Machine
	dialer   *websocket.Dialer
	handlers map[string]Handler

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewClient(opts Options) *Client {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.Role == "" {
		opts.Role = model.RoleDisplay
	}
	return &Client{
		opts:     opts,
		machine:  NewMachine(opts.Backoff),
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		handlers: make(map[string]Handler),
	}
}

// Handle registers h for eventType. Must be called before Run.
func (c *Client) Handle(eventType string, h Handler) {
	c.handlers[eventType] = h
}

func (c *Client) Machine() *Machine {
	return c.machine
}

// Run connects and keeps the connection alive until ctx is done, the attempt
// budget is spent, or the server rejects the token. A cancelled ctx returns nil.
func (c *Client) Run(ctx context.Context) error {
	if err := c.machine.Connect(); err != nil {
		return err
	}

	conn, err := c.dialAndAuth(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.machine.Disconnect()
			return nil
		}
		switch c.machine.State() {
		case StateConnecting:
			_ = c.machine.ConnectFailed(err)
			return fmt.Errorf("connect: %w", err)
		case StateError:
			return err
		}
		// auth timed out on a live transport: machine is Reconnecting
		conn, err = c.reconnect(ctx)
		if err != nil || conn == nil {
			return err
		}
	}

	for {
		readErr := c.readLoop(ctx, conn)
		c.setConn(nil)
		if ctx.Err() != nil {
			c.machine.Disconnect()
			return nil
		}
		log.Warn().Err(readErr).Str("screenId", c.opts.ScreenID).Msg("connection dropped")
		_ = c.machine.Dropped(readErr)

		conn, err = c.reconnect(ctx)
		if err != nil || conn == nil {
			return err
		}
	}
}

// Send writes an event when the connection is up and authenticated.
func (c *Client) Send(eventType string, data any) error {
	if !c.machine.Ready() {
		return ErrNotConnected
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	env, err := model.NewEnvelope(eventType, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	return c.write(conn, env)
}

// Close disconnects; Run returns once its read loop notices.
func (c *Client) Close() {
	c.machine.Disconnect()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) reconnect(ctx context.Context) (*websocket.Conn, error) {
	for {
		delay, ok := c.machine.NextDelay()
		if !ok {
			if c.machine.State() == StateError {
				return nil, ErrAttemptsExhausted
			}
			return nil, nil
		}
		log.Info().
			Dur("delay", delay).
			Int("attempt", c.machine.Stats().CurrentReconnectionAttempt+1).
			Msg("reconnecting")
		if err := sleepWithContext(ctx, delay); err != nil {
			c.machine.Disconnect()
			return nil, nil
		}

		conn, err := c.dialAndAuth(ctx)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			c.machine.Disconnect()
			return nil, nil
		}
		if errors.Is(err, ErrAuthRejected) {
			return nil, err
		}
		c.machine.AttemptFailed(err)
	}
}

// dialAndAuth opens the transport and performs the auth handshake. On return
// the machine is Connected+authenticated, Error (rejected), Reconnecting (auth
// handshake failed after transport connect) or unchanged (dial failed).
func (c *Client) dialAndAuth(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	if err := c.machine.Connected(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	reason, err := c.authenticate(conn)
	if err != nil {
		_ = conn.Close()
		if reason != "" {
			_ = c.machine.AuthRejected(reason)
			return nil, err
		}
		_ = c.machine.Dropped(err)
		return nil, err
	}
	if err := c.machine.Authenticated(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.setConn(conn)
	log.Info().Str("screenId", c.opts.ScreenID).Msg("connected and authenticated")
	return conn, nil
}

// authenticate returns a non-empty reason only when the server explicitly refused the token.
func (c *Client) authenticate(conn *websocket.Conn) (string, error) {
	env, err := model.NewEnvelope(model.EventAuth, model.AuthPayload{
		Token:    c.opts.Token,
		DeviceID: c.opts.DeviceID,
		ScreenID: c.opts.ScreenID,
		Role:     c.opts.Role,
	})
	if err != nil {
		return "", err
	}
	if err := c.write(conn, env); err != nil {
		return "", fmt.Errorf("send auth: %w", err)
	}

	deadline := time.Now().Add(c.opts.AuthTimeout)
	_ = conn.SetReadDeadline(deadline)
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	for {
		var reply model.Envelope
		if err := conn.ReadJSON(&reply); err != nil {
			return "", fmt.Errorf("await auth reply: %w", err)
		}
		switch reply.Type {
		case model.EventAuthSuccess:
			return "", nil
		case model.EventAuthFailed:
			var p model.AuthFailedPayload
			_ = json.Unmarshal(reply.Data, &p)
			if p.Reason == "" {
				p.Reason = "unauthorized"
			}
			return p.Reason, fmt.Errorf("%w: %s", ErrAuthRejected, p.Reason)
		default:
			log.Debug().Str("type", reply.Type).Msg("ignoring event before auth")
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	conn.SetReadLimit(config.SocketMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(config.SocketPongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(config.SocketPongWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(config.SocketWriteWait))
	})

	for {
		var env model.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(config.SocketPongWait))

		h, ok := c.handlers[env.Type]
		if !ok {
			log.Debug().Str("type", env.Type).Msg("no handler for event")
			continue
		}
		if err := h(ctx, env.Data); err != nil {
			log.Error().Err(err).Str("type", env.Type).Msg("event handler failed")
		}
	}
}

func (c *Client) write(conn *websocket.Conn, env model.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(config.SocketWriteWait))
	return conn.WriteJSON(env)
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
