// Package ws is the relay's socket endpoint: it authenticates screens and
// controllers, feeds acknowledgements back to delivery, and turns scans into
// navigate commands.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/orderscan/screenlink/internal/audit"
	"github.com/orderscan/screenlink/internal/bus"
	"github.com/orderscan/screenlink/internal/config"
	"github.com/orderscan/screenlink/internal/dedupe"
	apperrors "github.com/orderscan/screenlink/internal/errors"
	"github.com/orderscan/screenlink/internal/model"
	"github.com/orderscan/screenlink/internal/service"
	"github.com/orderscan/screenlink/internal/token"
)

var (
	openConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "screenlink_ws_connections",
		Help: "Open socket connections.",
	})
	inboundEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "screenlink_ws_events_total",
		Help: "Inbound socket events by type and outcome.",
	}, []string{"type", "outcome"})
)

// HandlerFunc handles one inbound event and returns an optional reply.
type HandlerFunc func(ctx context.Context, c *Conn, data json.RawMessage) (*model.Envelope, error)

type TokenVerifier interface {
	Verify(tokenString string) (*token.Claims, error)
}

type Membership interface {
	Register(m bus.Member, channelID string) error
	Unregister(m bus.Member)
}

type AckSink interface {
	Deliver(fromChannelID string, ack model.AckPayload) bool
}

// AckRelay forwards acknowledgements for commands sent from another instance.
type AckRelay interface {
	RelayAck(ctx context.Context, channelID string, ack model.AckPayload) error
}

type CommandSender interface {
	Send(ctx context.Context, channelID, commandType string, payload any, opts service.DeliveryOptions) (service.DeliveryResult, error)
}

// ScreenToucher records that a paired screen came online.
type ScreenToucher interface {
	Touch(ctx context.Context, channelID string) error
}

type Options struct {
	OrderURLTemplate string
	NavigateTTL      time.Duration
	AuthTimeout      time.Duration
	Delivery         service.DeliveryOptions
	EventsPerSecond  float64
	EventBurst       int
	CheckOrigin      func(r *http.Request) bool
	// AckRelay is optional; without it unmatched acks are dropped.
	AckRelay AckRelay
}

type Hub struct {
	tokens   TokenVerifier
	members  Membership
	acks     AckSink
	commands CommandSender
	scans    dedupe.Filter
	screens  ScreenToucher
	opts     Options
	upgrader websocket.Upgrader
	handlers map[string]HandlerFunc

	mu    sync.Mutex
	conns map[string]*Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewHub builds the socket hub. screens may be nil.
func NewHub(
	tokens TokenVerifier,
	members Membership,
	acks AckSink,
	commands CommandSender,
	scans dedupe.Filter,
	screens ScreenToucher,
	opts Options,
) *Hub {
	if opts.NavigateTTL <= 0 {
		opts.NavigateTTL = 30 * time.Second
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.EventsPerSecond <= 0 {
		opts.EventsPerSecond = config.SocketEventsPerSec
	}
	if opts.EventBurst <= 0 {
		opts.EventBurst = config.SocketEventBurst
	}
	if opts.CheckOrigin == nil {
		// screens and scanners are native clients or run on other origins
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		tokens:   tokens,
		members:  members,
		acks:     acks,
		commands: commands,
		scans:    scans,
		screens:  screens,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		conns:  make(map[string]*Conn),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
	h.handlers = map[string]HandlerFunc{
		model.EventAuth:      h.handleAuth,
		model.EventAck:       h.handleAck,
		model.EventScanOrder: h.handleScanOrder,
		model.EventPing:      h.handlePing,
	}
	return h
}

// ServeHTTP upgrades the request and starts the connection's pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("socket upgrade failed")
		return
	}

	c := &Conn{
		id:        uuid.NewString(),
		hub:       h,
		ws:        wsConn,
		send:      make(chan model.Envelope, config.SocketSendBuffer),
		done:      make(chan struct{}),
		limiter:   rate.NewLimiter(rate.Limit(h.opts.EventsPerSecond), h.opts.EventBurst),
		ip:        audit.ClientIP(r),
		userAgent: r.UserAgent(),
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	openConnections.Inc()

	log.Info().Str("connId", c.id).Str("ip", c.ip).Msg("socket connected")

	go c.writePump()
	go c.readPump()

	time.AfterFunc(h.opts.AuthTimeout, func() {
		select {
		case <-c.done:
			return
		default:
		}
		if !c.authenticated() {
			log.Info().Str("connId", c.id).Msg("socket closed, no auth before timeout")
			c.reply(model.EventAuthFailed, model.AuthFailedPayload{Reason: "auth_timeout"})
			c.Close()
		}
	})
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	_, ok := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()
	if !ok {
		return
	}

	h.members.Unregister(c)
	openConnections.Dec()
	log.Info().Str("connId", c.id).Str("deviceId", c.DeviceID()).Msg("socket disconnected")
}

// dispatch runs the handler for env on the reading goroutine, so events from
// one connection are handled strictly in order.
func (h *Hub) dispatch(c *Conn, env model.Envelope) {
	if !c.limiter.Allow() {
		inboundEventsTotal.WithLabelValues(env.Type, "rate_limited").Inc()
		audit.Log(h.ctx, audit.Event{
			Type:    audit.EventRateLimitExceed,
			IP:      c.ip,
			Details: map[string]interface{}{"connId": c.id, "eventType": env.Type},
		})
		c.reply(model.EventError, model.ErrorPayload{
			Code:    string(apperrors.ErrCodeRateLimitExceeded),
			Message: "too many events",
		})
		return
	}

	handle, ok := h.handlers[env.Type]
	if !ok {
		inboundEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		c.reply(model.EventError, model.ErrorPayload{Code: "unknown_event", Message: "unsupported event " + env.Type})
		return
	}

	reply, err := handle(h.ctx, c, env.Data)
	if err != nil {
		inboundEventsTotal.WithLabelValues(env.Type, "error").Inc()
		c.reply(model.EventError, errorPayload(err))
		return
	}
	inboundEventsTotal.WithLabelValues(env.Type, "ok").Inc()
	if reply != nil && !c.Deliver(*reply) {
		log.Warn().Str("connId", c.id).Str("type", reply.Type).Msg("reply dropped")
	}
}

func errorPayload(err error) model.ErrorPayload {
	if appErr, ok := apperrors.AsAppError(err); ok {
		return model.ErrorPayload{Code: string(appErr.Code), Message: appErr.Message}
	}
	log.Error().Err(err).Msg("socket handler failed")
	return model.ErrorPayload{Code: string(apperrors.ErrCodeServer), Message: "internal error"}
}

// Connections returns the number of open sockets.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close closes every socket and waits for in-flight scan deliveries to finish.
func (h *Hub) Close() {
	h.cancel()

	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	h.wg.Wait()
}
