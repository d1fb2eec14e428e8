package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/orderscan/screenlink/internal/bus"
	"github.com/orderscan/screenlink/internal/config"
	apperrors "github.com/orderscan/screenlink/internal/errors"
	"github.com/orderscan/screenlink/internal/httputil"
	"github.com/orderscan/screenlink/internal/model"
	"github.com/orderscan/screenlink/internal/service"
)

const (
	maxCommandRetries    = 10
	maxCommandAckTimeout = 30 * time.Second
)

type ChannelStatusReader interface {
	ChannelStatus(channelID string) bus.Status
}

type CommandSender interface {
	Send(ctx context.Context, channelID, commandType string, payload any, opts service.DeliveryOptions) (service.DeliveryResult, error)
	Defaults() service.DeliveryOptions
}

type ChannelHandler struct {
	router      ChannelStatusReader
	commands    CommandSender
	navigateTTL time.Duration
	channelAuth func(http.Handler) http.Handler
	now         func() time.Time
}

// NewChannelHandler builds the channel endpoints. channelAuth guards the
// command route.
func NewChannelHandler(router ChannelStatusReader, commands CommandSender, navigateTTL time.Duration, channelAuth func(http.Handler) http.Handler) *ChannelHandler {
	return &ChannelHandler{
		router:      router,
		commands:    commands,
		navigateTTL: navigateTTL,
		channelAuth: channelAuth,
		now:         time.Now,
	}
}

func (h *ChannelHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{channelId}/status", h.Status)
	r.With(h.channelAuth).Post("/{channelId}/commands", h.SendCommand)

	return r
}

// GET /v1/channels/{channelId}/status
func (h *ChannelHandler) Status(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelId")
	if !model.IsValidChannelID(channelID) {
		httputil.WriteError(w, apperrors.InvalidInput("channelId", "expected screen:<orgId>:<lineId>"))
		return
	}

	status := h.router.ChannelStatus(channelID)
	writeJSON(w, http.StatusOK, map[string]any{
		"channelId":    status.ChannelID,
		"memberCount":  status.MemberCount,
		"lastActivity": formatTime(status.LastActivity),
	})
}

type commandRequest struct {
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	MaxRetries   *int            `json:"maxRetries"`
	AckTimeoutMs int             `json:"ackTimeoutMs"`
}

type commandResponse struct {
	OK       bool   `json:"ok"`
	TxID     string `json:"txId"`
	Attempts int    `json:"attempts"`
	TabID    string `json:"tabId,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// deliveryBudget is the longest Send can wait for acks with opts, omitted
// values taking the service defaults.
func deliveryBudget(opts, defaults service.DeliveryOptions) time.Duration {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = defaults.MaxRetries
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaults.AckTimeout
	}
	return time.Duration(opts.MaxRetries+1) * opts.AckTimeout
}

// POST /v1/channels/{channelId}/commands
//
// Blocks until the display acknowledges or retries run out. An unacknowledged
// command is a 504 carrying the delivery reason.
func (h *ChannelHandler) SendCommand(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelId")

	var req commandRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Type == "" {
		httputil.WriteError(w, apperrors.MissingRequired("type"))
		return
	}

	opts := service.DeliveryOptions{MaxRetries: -1}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 || *req.MaxRetries > maxCommandRetries {
			httputil.WriteError(w, apperrors.InvalidInput("maxRetries", "must be between 0 and 10"))
			return
		}
		opts.MaxRetries = *req.MaxRetries
	}
	if req.AckTimeoutMs < 0 || time.Duration(req.AckTimeoutMs)*time.Millisecond > maxCommandAckTimeout {
		httputil.WriteError(w, apperrors.InvalidInput("ackTimeoutMs", "must be at most 30000"))
		return
	}
	opts.AckTimeout = time.Duration(req.AckTimeoutMs) * time.Millisecond
	if budget := deliveryBudget(opts, h.commands.Defaults()); budget > config.CommandDeliveryBudget {
		httputil.WriteError(w, apperrors.ValidationError("maxRetries and ackTimeoutMs allow "+budget.String()+
			" of delivery, more than "+config.CommandDeliveryBudget.String()))
		return
	}

	var payload any = req.Payload
	if req.Type == model.CommandNavigate {
		nav, err := h.navigateCommand(req.Payload)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		payload = nav
	}

	result, err := h.commands.Send(r.Context(), channelID, req.Type, payload, opts)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if !result.Acked {
		log.Warn().
			Str("channelId", channelID).
			Str("txId", result.TxID).
			Int("attempts", result.Attempts).
			Str("reason", result.Reason).
			Msg("command not delivered")
		httputil.WriteError(w, apperrors.DeliveryFailed(result.Reason).WithDetails(commandResponse{
			TxID:     result.TxID,
			Attempts: result.Attempts,
			Reason:   result.Reason,
		}))
		return
	}

	writeJSON(w, http.StatusOK, commandResponse{
		OK:       true,
		TxID:     result.TxID,
		Attempts: result.Attempts,
		TabID:    result.TabID,
		Reason:   result.Reason,
	})
}

// navigateCommand fills in exp and timestamp when the caller left them out.
func (h *ChannelHandler) navigateCommand(raw json.RawMessage) (model.NavigateCommand, error) {
	var nav model.NavigateCommand
	if len(raw) == 0 || json.Unmarshal(raw, &nav) != nil {
		return nav, apperrors.InvalidInput("payload", "navigate requires {jobNo, url}")
	}
	now := h.now()
	if nav.Timestamp == 0 {
		nav.Timestamp = now.UnixMilli()
	}
	if nav.Exp == 0 {
		nav.Exp = now.Add(h.navigateTTL).UnixMilli()
	}
	return nav, nil
}
