package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/orderscan/screenlink/internal/audit"
	apperrors "github.com/orderscan/screenlink/internal/errors"
	"github.com/orderscan/screenlink/internal/model"
	"github.com/orderscan/screenlink/internal/token"
)

// auth_failed reasons.
const (
	authMissingToken   = "missing_token"
	authInvalidToken   = "invalid_token"
	authTokenExpired   = "token_expired"
	authScreenMismatch = "screen_mismatch"
	authRegisterFailed = "register_failed"
)

func (h *Hub) handleAuth(ctx context.Context, c *Conn, data json.RawMessage) (*model.Envelope, error) {
	var req model.AuthPayload
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, apperrors.ValidationError("auth payload must be {token, deviceId, screenId}")
	}
	if c.authenticated() {
		return nil, apperrors.ValidationError("connection is already authenticated")
	}

	if req.Token == "" {
		return h.rejectAuth(ctx, c, req, authMissingToken), nil
	}
	claims, err := h.tokens.Verify(req.Token)
	if err != nil {
		reason := authInvalidToken
		if errors.Is(err, token.ErrTokenExpired) {
			reason = authTokenExpired
		}
		return h.rejectAuth(ctx, c, req, reason), nil
	}
	if req.ScreenID != claims.ChannelID {
		return h.rejectAuth(ctx, c, req, authScreenMismatch), nil
	}

	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = claims.DeviceID
	}
	role := roleOf(claims)

	if role == model.RoleDisplay {
		if err := h.members.Register(c, claims.ChannelID); err != nil {
			log.Error().Err(err).Str("connId", c.id).Msg("failed to register display")
			return h.rejectAuth(ctx, c, req, authRegisterFailed), nil
		}
		if h.screens != nil {
			if err := h.screens.Touch(ctx, claims.ChannelID); err != nil {
				log.Debug().Err(err).Str("channelId", claims.ChannelID).Msg("failed to touch paired screen")
			}
		}
	}
	c.setAuthenticated(claims, deviceID)

	audit.Log(ctx, audit.Event{
		Type:      audit.EventSocketAuth,
		SessionID: claims.SessionID,
		ChannelID: claims.ChannelID,
		DeviceID:  deviceID,
		IP:        c.ip,
		UserAgent: c.userAgent,
		Details:   map[string]interface{}{"role": string(role), "connId": c.id},
	})

	env, err := model.NewEnvelope(model.EventAuthSuccess, model.AuthSuccessPayload{
		ChannelID: claims.ChannelID,
		DeviceID:  deviceID,
		Role:      role,
	})
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// rejectAuth queues auth_failed and closes the socket once it is written.
func (h *Hub) rejectAuth(ctx context.Context, c *Conn, req model.AuthPayload, reason string) *model.Envelope {
	audit.Log(ctx, audit.Event{
		Type:      audit.EventSocketAuthFail,
		ChannelID: req.ScreenID,
		DeviceID:  req.DeviceID,
		IP:        c.ip,
		UserAgent: c.userAgent,
		Details:   map[string]interface{}{"reason": reason},
	})
	c.reply(model.EventAuthFailed, model.AuthFailedPayload{Reason: reason})
	c.Close()
	return nil
}

// roleOf treats tokens minted without a role as display tokens.
func roleOf(claims *token.Claims) model.Role {
	if claims.Role == "" {
		return model.RoleDisplay
	}
	return claims.Role
}

func (h *Hub) handleAck(ctx context.Context, c *Conn, data json.RawMessage) (*model.Envelope, error) {
	claims := c.Claims()
	if claims == nil {
		return nil, apperrors.Unauthorized("authenticate before sending acks")
	}
	if roleOf(claims) != model.RoleDisplay {
		return nil, apperrors.Forbidden("acks require a display token")
	}
	var ack model.AckPayload
	if err := json.Unmarshal(data, &ack); err != nil || ack.TxID == "" {
		return nil, apperrors.ValidationError("ack requires txId and result")
	}
	if ack.Result != model.AckSuccess && ack.Result != model.AckFailed {
		return nil, apperrors.InvalidInput("result", "expected success or failed")
	}
	if h.acks.Deliver(claims.ChannelID, ack) || h.opts.AckRelay == nil {
		return nil, nil
	}
	if err := h.opts.AckRelay.RelayAck(ctx, claims.ChannelID, ack); err != nil {
		log.Warn().Err(err).Str("txId", ack.TxID).Msg("failed to relay ack")
	}
	return nil, nil
}

func (h *Hub) handlePing(_ context.Context, _ *Conn, _ json.RawMessage) (*model.Envelope, error) {
	env, err := model.NewEnvelope(model.EventPong, map[string]int64{"ts": h.now().UnixMilli()})
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// handleScanOrder turns a controller's scan into a navigate command on its
// channel. Delivery runs in the background; the outcome arrives later as
// command_status.
func (h *Hub) handleScanOrder(ctx context.Context, c *Conn, data json.RawMessage) (*model.Envelope, error) {
	claims := c.Claims()
	if claims == nil {
		return nil, apperrors.Unauthorized("authenticate before scanning")
	}
	if claims.Role != model.RoleController {
		return nil, apperrors.Forbidden("scanOrder requires a controller token")
	}

	var scan model.ScanOrderPayload
	if err := json.Unmarshal(data, &scan); err != nil {
		return nil, apperrors.ValidationError("scanOrder payload must be {sessionId, orderNo, ts, nonce}")
	}
	scan.OrderNo = strings.TrimSpace(scan.OrderNo)
	if scan.OrderNo == "" {
		return nil, apperrors.MissingRequired("orderNo")
	}
	if scan.Nonce == "" {
		return nil, apperrors.MissingRequired("nonce")
	}
	if scan.SessionID != "" && claims.SessionID != "" && scan.SessionID != claims.SessionID {
		return nil, apperrors.Forbidden("sessionId does not match token")
	}

	dup, err := h.scans.Seen(ctx, claims.ChannelID+"|"+scan.Nonce)
	if err != nil {
		log.Warn().Err(err).Str("nonce", scan.Nonce).Msg("scan dedupe unavailable, processing anyway")
	}
	if dup {
		log.Info().Str("nonce", scan.Nonce).Str("orderNo", scan.OrderNo).Msg("duplicate scan ignored")
		return nil, nil
	}

	now := h.now()
	cmd := model.NavigateCommand{
		TxID:      uuid.NewString(),
		JobNo:     scan.OrderNo,
		URL:       h.orderURL(scan.OrderNo),
		Exp:       now.Add(h.opts.NavigateTTL).UnixMilli(),
		Timestamp: now.UnixMilli(),
	}

	log.Info().
		Str("txId", cmd.TxID).
		Str("orderNo", scan.OrderNo).
		Str("channelId", claims.ChannelID).
		Msg("scan accepted")

	channelID := claims.ChannelID
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		result, err := h.commands.Send(h.ctx, channelID, model.CommandNavigate, cmd, h.opts.Delivery)
		status := model.CommandStatusPayload{
			TxID:      cmd.TxID,
			OrderNo:   scan.OrderNo,
			Delivered: result.Acked,
			Attempts:  result.Attempts,
			Reason:    result.Reason,
			TabID:     result.TabID,
		}
		if err != nil {
			log.Error().Err(err).Str("txId", cmd.TxID).Msg("scan delivery failed")
			status.Reason = string(apperrors.GetCode(err))
		}
		c.reply(model.EventCommandStatus, status)
	}()

	return nil, nil
}

func (h *Hub) orderURL(orderNo string) string {
	return strings.ReplaceAll(h.opts.OrderURLTemplate, "{orderNo}", url.PathEscape(orderNo))
}
