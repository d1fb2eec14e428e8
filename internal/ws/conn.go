package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/orderscan/screenlink/internal/config"
	"github.com/orderscan/screenlink/internal/model"
	"github.com/orderscan/screenlink/internal/token"
)

// Conn is one socket. Inbound events are handled in arrival order by readPump;
// outbound events are queued on send and written by writePump.
type Conn struct {
	id        string
	hub       *Hub
	ws        *websocket.Conn
	send      chan model.Envelope
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter

	ip        string
	userAgent string

	mu     sync.RWMutex
	claims *token.Claims
	device string
}

func (c *Conn) ID() string {
	return c.id
}

// Deliver queues env without blocking. Returns false when the connection is
// closing or its buffer is full.
func (c *Conn) Deliver(env model.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *Conn) reply(eventType string, data any) {
	env, err := model.NewEnvelope(eventType, data)
	if err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("failed to encode reply")
		return
	}
	if !c.Deliver(env) {
		log.Warn().Str("connId", c.id).Str("type", eventType).Msg("reply dropped")
	}
}

// Claims returns the verified token claims, or nil before a successful auth.
func (c *Conn) Claims() *token.Claims {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.claims
}

func (c *Conn) setAuthenticated(claims *token.Claims, deviceID string) {
	c.mu.Lock()
	c.claims = claims
	c.device = deviceID
	c.mu.Unlock()
}

func (c *Conn) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.device
}

func (c *Conn) authenticated() bool {
	return c.Claims() != nil
}

// Close signals the write pump to flush queued events and close the socket.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readPump owns all reads. It runs until the peer goes away or the
// connection is closed, then removes the connection from the hub.
func (c *Conn) readPump() {
	defer func() {
		c.hub.remove(c)
		c.Close()
	}()

	c.ws.SetReadLimit(config.SocketMaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(config.SocketPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(config.SocketPongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("connId", c.id).Msg("socket read error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(config.SocketPongWait))

		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			c.reply(model.EventError, model.ErrorPayload{Code: "bad_message", Message: "expected {type, data}"})
			continue
		}
		c.hub.dispatch(c, env)
	}
}

// writePump owns all writes and sends keepalive pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(config.SocketPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.flush()
			_ = c.ws.SetWriteDeadline(time.Now().Add(config.SocketWriteWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case env := <-c.send:
			if err := c.write(env); err != nil {
				log.Debug().Err(err).Str("connId", c.id).Msg("socket write error")
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(config.SocketWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// flush writes whatever is still queued, so a final reply such as
// auth_failed reaches the peer before the close frame.
func (c *Conn) flush() {
	for {
		select {
		case env := <-c.send:
			if err := c.write(env); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(env model.Envelope) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(config.SocketWriteWait))
	return c.ws.WriteJSON(env)
}
