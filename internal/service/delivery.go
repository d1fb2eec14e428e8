package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/orderscan/screenlink/internal/config"
	apperrors "github.com/orderscan/screenlink/internal/errors"
	"github.com/orderscan/screenlink/internal/model"
)

// Delivery failure reasons reported in DeliveryResult.Reason.
const (
	ReasonAckTimeout   = "ack_timeout"
	ReasonNotConnected = "not_connected"
	ReasonCancelled    = "cancelled"
	ReasonRejected     = "rejected_by_display"
	ReasonDuplicate    = "duplicate"
)

var (
	deliveryAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screenlink_delivery_attempts_total",
		Help: "Command publish attempts, retries included.",
	})
	deliveryOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "screenlink_delivery_outcomes_total",
		Help: "Final outcome of reliable command sends.",
	}, []string{"outcome"})
	deliveryAckLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "screenlink_delivery_ack_seconds",
		Help:    "Time from first publish to acknowledgement.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

type DeliveryOptions struct {
	MaxRetries int
	AckTimeout time.Duration
}

type DeliveryResult struct {
	Acked    bool
	Attempts int
	TxID     string
	TabID    string
	Reason   string
}

type pendingCommand struct {
	channelID string
	acks      chan model.AckPayload
}

// AckTracker correlates inbound acknowledgements with in-flight commands by txId.
type AckTracker struct {
	mu      sync.Mutex
	pending map[string]*pendingCommand
}

func NewAckTracker() *AckTracker {
	return &AckTracker{pending: make(map[string]*pendingCommand)}
}

func (t *AckTracker) track(txID, channelID string) *pendingCommand {
	p := &pendingCommand{channelID: channelID, acks: make(chan model.AckPayload, 1)}
	t.mu.Lock()
	t.pending[txID] = p
	t.mu.Unlock()
	return p
}

func (t *AckTracker) forget(txID string) {
	t.mu.Lock()
	delete(t.pending, txID)
	t.mu.Unlock()
}

// Deliver hands ack to the waiting sender. Acks for unknown txIds, or from a
// connection outside the command's channel, are dropped and reported false.
func (t *AckTracker) Deliver(fromChannelID string, ack model.AckPayload) bool {
	t.mu.Lock()
	p, ok := t.pending[ack.TxID]
	t.mu.Unlock()
	if !ok {
		log.Debug().Str("txId", ack.TxID).Msg("ack for unknown or finished command")
		return false
	}
	if p.channelID != fromChannelID {
		log.Warn().
			Str("txId", ack.TxID).
			Str("channelId", fromChannelID).
			Str("expectedChannelId", p.channelID).
			Msg("ack from foreign channel ignored")
		return false
	}
	select {
	case p.acks <- ack:
	default:
	}
	return true
}

func (t *AckTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// CommandService sends commands to a channel and retries until acknowledged.
type CommandService struct {
	publisher        Publisher
	acks             *AckTracker
	defaults         DeliveryOptions
	notConnectedWait time.Duration
}

func NewCommandService(publisher Publisher, acks *AckTracker, defaults DeliveryOptions) *CommandService {
	if defaults.AckTimeout <= 0 {
		defaults.AckTimeout = 5 * time.Second
	}
	return &CommandService{
		publisher:        publisher,
		acks:             acks,
		defaults:         defaults,
		notConnectedWait: config.NotConnectedRetryInterval,
	}
}

func (s *CommandService) Defaults() DeliveryOptions {
	return s.defaults
}

// Send publishes a command and waits for its ACK, retrying up to MaxRetries
// times with the same txId. Exhaustion is reported in the result, not as an
// error; errors are reserved for invalid input. Cancelling ctx stops retries
// and yields Reason cancelled.
func (s *CommandService) Send(ctx context.Context, channelID, commandType string, payload any, opts DeliveryOptions) (DeliveryResult, error) {
	if !model.IsValidChannelID(channelID) {
		return DeliveryResult{}, apperrors.InvalidInput("channelId", "expected screen:<orgId>:<lineId>")
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = s.defaults.AckTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = s.defaults.MaxRetries
	}

	build, txID, err := commandBuilder(commandType, payload)
	if err != nil {
		return DeliveryResult{}, err
	}
	if txID == "" {
		txID = uuid.NewString()
	}

	pending := s.acks.track(txID, channelID)
	defer s.acks.forget(txID)

	logger := log.With().Str("txId", txID).Str("channelId", channelID).Str("commandType", commandType).Logger()
	started := time.Now()
	result := DeliveryResult{TxID: txID}

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		nonce := fmt.Sprintf("%s.%d", txID, attempt)
		event, data := build(txID, nonce)

		result.Attempts++
		deliveryAttemptsTotal.Inc()

		delivered, err := s.publisher.Publish(ctx, channelID, event, data)
		if err != nil {
			logger.Warn().Err(err).Str("nonce", nonce).Msg("publish failed")
		}

		wait := opts.AckTimeout
		result.Reason = ReasonAckTimeout
		if delivered == 0 {
			wait = s.notConnectedWait
			result.Reason = ReasonNotConnected
			logger.Debug().Str("nonce", nonce).Int("attempt", attempt).Msg("no listener on channel")
		} else {
			logger.Debug().Str("nonce", nonce).Int("attempt", attempt).Int("delivered", delivered).Msg("command published")
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.Reason = ReasonCancelled
			deliveryOutcomesTotal.WithLabelValues(ReasonCancelled).Inc()
			logger.Info().Int("attempts", result.Attempts).Msg("command cancelled")
			return result, nil

		case ack := <-pending.acks:
			timer.Stop()
			result.TabID = ack.TabID
			if ack.Result == model.AckSuccess {
				result.Acked = true
				result.Reason = ""
				if ack.Reason == ReasonDuplicate {
					result.Reason = ReasonDuplicate
					logger.Info().Msg("display skipped duplicate command")
				}
				deliveryAckLatency.Observe(time.Since(started).Seconds())
				deliveryOutcomesTotal.WithLabelValues("acked").Inc()
				return result, nil
			}
			result.Reason = ack.Reason
			if result.Reason == "" {
				result.Reason = ReasonRejected
			}
			deliveryOutcomesTotal.WithLabelValues("failed").Inc()
			logger.Warn().Str("reason", result.Reason).Msg("display reported command failure")
			return result, nil

		case <-timer.C:
		}
	}

	deliveryOutcomesTotal.WithLabelValues(result.Reason).Inc()
	logger.Warn().
		Int("attempts", result.Attempts).
		Str("reason", result.Reason).
		Msg("command not delivered")
	return result, nil
}

type buildFunc func(txID, nonce string) (event string, data any)

func navigatePayload(payload any) (model.NavigateCommand, bool) {
	switch p := payload.(type) {
	case model.NavigateCommand:
		return p, true
	case *model.NavigateCommand:
		if p != nil {
			return *p, true
		}
	}
	return model.NavigateCommand{}, false
}

// commandBuilder validates payload for commandType. For navigate commands it
// also returns the caller's txId, if one was set.
func commandBuilder(commandType string, payload any) (buildFunc, string, error) {
	if commandType == model.CommandNavigate {
		nav, ok := navigatePayload(payload)
		if !ok {
			var err error
			nav, err = decodeNavigate(payload)
			if err != nil {
				return nil, "", err
			}
		}
		if nav.URL == "" || nav.JobNo == "" {
			return nil, "", apperrors.ValidationError("navigate requires url and jobNo")
		}
		return func(txID, nonce string) (string, any) {
			cmd := nav
			cmd.TxID = txID
			cmd.Nonce = nonce
			if cmd.Timestamp == 0 {
				cmd.Timestamp = time.Now().UnixMilli()
			}
			return model.EventNavigate, cmd
		}, nav.TxID, nil
	}

	switch commandType {
	case model.CommandTrigger, model.CommandScanOrder:
	default:
		return nil, "", apperrors.InvalidInput("type", fmt.Sprintf("unsupported command %q", commandType))
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", apperrors.InvalidInput("payload", err.Error())
	}
	return func(txID, nonce string) (string, any) {
		return model.EventCommand, model.Command{TxID: txID, Type: commandType, Nonce: nonce, Payload: raw}
	}, "", nil
}

func decodeNavigate(payload any) (model.NavigateCommand, error) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return model.NavigateCommand{}, apperrors.InvalidInput("payload", err.Error())
		}
	}
	var nav model.NavigateCommand
	if err := json.Unmarshal(raw, &nav); err != nil {
		return model.NavigateCommand{}, apperrors.InvalidInput("payload", "not a navigate command")
	}
	return nav, nil
}
