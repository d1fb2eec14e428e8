// Package bus routes events to the connections registered on a screen channel.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/orderscan/screenlink/internal/model"
	redisclient "github.com/orderscan/screenlink/internal/redis"
)

var (
	channelMembers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "screenlink_channel_members",
		Help: "Connections registered on screen channels on this instance.",
	})
	publishedEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "screenlink_bus_events_total",
		Help: "Events published to channels, by origin.",
	}, []string{"origin"})
	relayedAcksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "screenlink_bus_relayed_acks_total",
		Help: "Acknowledgements relayed between instances.",
	}, []string{"outcome"})
)

// Member is a connection that can receive channel events.
type Member interface {
	ID() string
	// Deliver queues env without blocking and reports whether it was accepted.
	Deliver(env model.Envelope) bool
}

type Status struct {
	ChannelID    string    `json:"channelId"`
	MemberCount  int       `json:"memberCount"`
	LastActivity time.Time `json:"lastActivity"`
}

type channel struct {
	members      map[string]Member
	lastActivity time.Time
	stopRelay    context.CancelFunc
}

// relayMessage is what travels over the Redis backplane.
type relayMessage struct {
	Origin string         `json:"origin"`
	Event  model.Envelope `json:"event"`
}

type ackRelayMessage struct {
	Origin    string           `json:"origin"`
	ChannelID string           `json:"channelId"`
	Ack       model.AckPayload `json:"ack"`
}

// AckHandler receives acknowledgements relayed from other instances and
// reports whether a pending command matched.
type AckHandler func(channelID string, ack model.AckPayload) bool

// Router is the channel membership table. A member is on at most one channel.
type Router struct {
	mu       sync.RWMutex
	channels map[string]*channel
	memberOf map[string]string

	redis      *redisclient.Client
	instanceID string
	onAck      AckHandler
	ctx        context.Context
	cancel     context.CancelFunc
	now        func() time.Time
}

// NewRouter builds a router. With a non-nil Redis client, publishes are also
// relayed to routers on other instances, and acknowledgements are relayed
// back to the instance that published the command.
func NewRouter(redisClient *redisclient.Client) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		channels:   make(map[string]*channel),
		memberOf:   make(map[string]string),
		redis:      redisClient,
		instanceID: uuid.NewString(),
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
	}
	if redisClient != nil {
		// subscribed before any command can be in flight
		pubsub := redisClient.Subscribe(ctx, redisclient.ScreenAcksChannel)
		go r.receiveAcks(ctx, pubsub)
	}
	return r
}

// OnRemoteAck sets where acknowledgements relayed from other instances go.
func (r *Router) OnRemoteAck(fn AckHandler) {
	r.mu.Lock()
	r.onAck = fn
	r.mu.Unlock()
}

// RelayAck hands an acknowledgement this instance could not match to the
// other instances. Without a backplane it is a no-op.
func (r *Router) RelayAck(ctx context.Context, channelID string, ack model.AckPayload) error {
	if r.redis == nil {
		return nil
	}
	payload, err := json.Marshal(ackRelayMessage{Origin: r.instanceID, ChannelID: channelID, Ack: ack})
	if err != nil {
		return fmt.Errorf("relay ack: encode: %w", err)
	}
	if err := r.redis.Publish(ctx, redisclient.ScreenAcksChannel, payload).Err(); err != nil {
		return fmt.Errorf("relay ack: %w", err)
	}
	relayedAcksTotal.WithLabelValues("sent").Inc()
	return nil
}

func (r *Router) receiveAcks(ctx context.Context, pubsub *redis.PubSub) {
	defer pubsub.Close()
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var relayed ackRelayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &relayed); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal relayed ack")
				continue
			}
			if relayed.Origin == r.instanceID {
				continue
			}

			r.mu.RLock()
			handler := r.onAck
			r.mu.RUnlock()
			if handler == nil {
				continue
			}
			if handler(relayed.ChannelID, relayed.Ack) {
				relayedAcksTotal.WithLabelValues("matched").Inc()
				log.Debug().
					Str("txId", relayed.Ack.TxID).
					Str("channelId", relayed.ChannelID).
					Msg("relayed ack matched")
			}
		}
	}
}

// Register puts m on channelID, first removing it from any other channel.
func (r *Router) Register(m Member, channelID string) error {
	if !model.IsValidChannelID(channelID) {
		return fmt.Errorf("register: invalid channelId %q", channelID)
	}

	r.mu.Lock()
	if prev, ok := r.memberOf[m.ID()]; ok {
		if prev == channelID {
			r.mu.Unlock()
			return nil
		}
		r.removeLocked(m.ID(), prev)
	}

	ch, ok := r.channels[channelID]
	if !ok {
		ch = &channel{members: make(map[string]Member)}
		r.channels[channelID] = ch
		if r.redis != nil {
			relayCtx, stop := context.WithCancel(r.ctx)
			ch.stopRelay = stop
			go r.subscribeToRedis(relayCtx, channelID)
		}
	}
	ch.members[m.ID()] = m
	ch.lastActivity = r.now()
	r.memberOf[m.ID()] = channelID
	count := len(ch.members)
	r.mu.Unlock()

	channelMembers.Inc()
	log.Info().
		Str("channelId", channelID).
		Str("connId", m.ID()).
		Int("memberCount", count).
		Msg("member registered")
	return nil
}

// Unregister removes m from its channel; a no-op when it has none.
func (r *Router) Unregister(m Member) {
	r.mu.Lock()
	channelID, ok := r.memberOf[m.ID()]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.removeLocked(m.ID(), channelID)
	r.mu.Unlock()

	log.Info().
		Str("channelId", channelID).
		Str("connId", m.ID()).
		Msg("member unregistered")
}

func (r *Router) removeLocked(memberID, channelID string) {
	delete(r.memberOf, memberID)
	ch, ok := r.channels[channelID]
	if !ok {
		return
	}
	if _, present := ch.members[memberID]; present {
		delete(ch.members, memberID)
		channelMembers.Dec()
	}
	if len(ch.members) == 0 {
		if ch.stopRelay != nil {
			ch.stopRelay()
		}
		delete(r.channels, channelID)
	}
}

// ChannelOf returns the channel a member is registered on.
func (r *Router) ChannelOf(memberID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.memberOf[memberID]
	return ch, ok
}

// Publish fans the event out to the channel's local members and, with a
// backplane, to other instances. The count is local recipients plus the number
// of other instances that have members on the channel; zero means nobody is listening.
func (r *Router) Publish(ctx context.Context, channelID, eventType string, data any) (int, error) {
	if !model.IsValidChannelID(channelID) {
		return 0, fmt.Errorf("publish: invalid channelId %q", channelID)
	}
	env, err := model.NewEnvelope(eventType, data)
	if err != nil {
		return 0, fmt.Errorf("publish: encode %s: %w", eventType, err)
	}

	delivered := r.broadcast(channelID, env)
	publishedEventsTotal.WithLabelValues("local").Inc()

	if r.redis == nil {
		return delivered, nil
	}

	payload, err := json.Marshal(relayMessage{Origin: r.instanceID, Event: env})
	if err != nil {
		return delivered, fmt.Errorf("publish: encode relay message: %w", err)
	}
	receivers, err := r.redis.Publish(ctx, redisclient.ScreenEventsChannel(channelID), payload).Result()
	if err != nil {
		return delivered, fmt.Errorf("publish: relay: %w", err)
	}
	if r.hasLocalChannel(channelID) {
		receivers--
	}
	if receivers > 0 {
		delivered += int(receivers)
	}
	return delivered, nil
}

func (r *Router) broadcast(channelID string, env model.Envelope) int {
	r.mu.Lock()
	ch, ok := r.channels[channelID]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	ch.lastActivity = r.now()
	members := make([]Member, 0, len(ch.members))
	for _, m := range ch.members {
		members = append(members, m)
	}
	r.mu.Unlock()

	delivered := 0
	for _, m := range members {
		if m.Deliver(env) {
			delivered++
			continue
		}
		log.Warn().
			Str("channelId", channelID).
			Str("connId", m.ID()).
			Str("type", env.Type).
			Msg("member buffer full, dropping event")
	}
	return delivered
}

func (r *Router) hasLocalChannel(channelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[channelID]
	return ok
}

func (r *Router) subscribeToRedis(ctx context.Context, channelID string) {
	topic := redisclient.ScreenEventsChannel(channelID)
	pubsub := r.redis.Subscribe(ctx, topic)
	defer pubsub.Close()

	log.Debug().
		Str("channelId", channelID).
		Str("topic", topic).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var relayed relayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &relayed); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal relayed event")
				continue
			}
			if relayed.Origin == r.instanceID {
				continue
			}

			publishedEventsTotal.WithLabelValues("remote").Inc()
			r.broadcast(channelID, relayed.Event)
		}
	}
}

func (r *Router) ChannelStatus(channelID string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := Status{ChannelID: channelID}
	if ch, ok := r.channels[channelID]; ok {
		status.MemberCount = len(ch.members)
		status.LastActivity = ch.lastActivity
	}
	return status
}

func (r *Router) TotalMembers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.memberOf)
}

// Close stops backplane subscriptions and forgets all members.
func (r *Router) Close() {
	r.cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	channelMembers.Sub(float64(len(r.memberOf)))
	r.channels = make(map[string]*channel)
	r.memberOf = make(map[string]string)
}
