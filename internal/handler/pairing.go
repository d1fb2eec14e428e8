package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/orderscan/screenlink/internal/audit"
	"github.com/orderscan/screenlink/internal/config"
	apperrors "github.com/orderscan/screenlink/internal/errors"
	"github.com/orderscan/screenlink/internal/httputil"
	"github.com/orderscan/screenlink/internal/model"
	"github.com/orderscan/screenlink/internal/service"
)

type PairingHandler struct {
	pairingService *service.PairingService
	displayName    string
	approveLimit   func(http.Handler) http.Handler
}

// NewPairingHandler builds the pairing endpoints. approveLimit wraps the
// approve route and may be nil.
func NewPairingHandler(pairingService *service.PairingService, displayName string, approveLimit func(http.Handler) http.Handler) *PairingHandler {
	return &PairingHandler{
		pairingService: pairingService,
		displayName:    displayName,
		approveLimit:   approveLimit,
	}
}

func (h *PairingHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/qr", h.CreateQR)
	if h.approveLimit != nil {
		r.With(h.approveLimit).Post("/approve", h.Approve)
	} else {
		r.Post("/approve", h.Approve)
	}
	r.Post("/{sessionId}/reject", h.Reject)
	r.Get("/{sessionId}/poll", h.Poll)

	return r
}

type createQRRequest struct {
	OrgID   string `json:"orgId"`
	LineID  string `json:"lineId"`
	Purpose string `json:"purpose"`
}

type qrResponse struct {
	model.QRPayload
	ExpiresIn int `json:"expiresIn"`
}

// POST /v1/pairing/qr
func (h *PairingHandler) CreateQR(w http.ResponseWriter, r *http.Request) {
	var req createQRRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	session, qr, err := h.pairingService.CreateSession(r.Context(), model.CreateSessionParams{
		OrgID:   req.OrgID,
		LineID:  req.LineID,
		Purpose: req.Purpose,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create pairing session")
		httputil.WriteError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventPairingCreate,
		SessionID: session.ID,
	})

	writeJSON(w, http.StatusOK, qrResponse{
		QRPayload: qr,
		ExpiresIn: int(h.pairingService.TTL().Seconds()),
	})
}

type approveRequest struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
	DeviceID  string `json:"deviceId"`
	OrgID     string `json:"orgId"`
	LineID    string `json:"lineId"`
}

type approveResponse struct {
	OK          bool   `json:"ok"`
	Token       string `json:"token"`
	ScreenID    string `json:"screenId"`
	DisplayName string `json:"displayName,omitempty"`
	ExpiresAt   int64  `json:"expiresAt,omitempty"`
}

// POST /v1/pairing/approve
func (h *PairingHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.SessionID == "" {
		httputil.WriteError(w, apperrors.MissingRequired("sessionId"))
		return
	}
	if req.Code == "" {
		httputil.WriteError(w, apperrors.MissingRequired("code"))
		return
	}

	result, err := h.pairingService.Approve(r.Context(), model.ApproveParams{
		SessionID: req.SessionID,
		Code:      req.Code,
		DeviceID:  req.DeviceID,
		OrgID:     req.OrgID,
		LineID:    req.LineID,
	})
	if err != nil {
		log.Info().
			Str("sessionId", req.SessionID).
			Str("reason", string(apperrors.GetCode(err))).
			Str("ip", audit.ClientIP(r)).
			Msg("pairing approval failed")
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, approveResponse{
		OK:          true,
		Token:       result.Token,
		ScreenID:    result.ChannelID,
		DisplayName: h.displayName,
		ExpiresAt:   result.ExpiresAt.UnixMilli(),
	})
}

// POST /v1/pairing/{sessionId}/reject
func (h *PairingHandler) Reject(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if err := h.pairingService.Reject(r.Context(), sessionID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type pollResponse struct {
	OK       bool             `json:"ok"`
	Token    string           `json:"token,omitempty"`
	ScreenID string           `json:"screenId,omitempty"`
	Reason   model.PollReason `json:"reason,omitempty"`
	Message  string           `json:"message,omitempty"`
}

// GET /v1/pairing/{sessionId}/poll?wait=<seconds>
//
// Every outcome is a 200; callers branch on ok and reason.
func (h *PairingHandler) Poll(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	wait := time.Duration(0)
	if raw := r.URL.Query().Get("wait"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 0 {
			httputil.WriteError(w, apperrors.InvalidInput("wait", "must be a non-negative number of seconds"))
			return
		}
		wait = time.Duration(seconds) * time.Second
		if wait > config.PairingMaxPollWait {
			wait = config.PairingMaxPollWait
		}
	}

	var (
		result model.PollResult
		err    error
	)
	if wait > 0 {
		result, err = h.pairingService.WaitForApproval(r.Context(), sessionID, wait)
	} else {
		result, err = h.pairingService.Poll(r.Context(), sessionID)
	}
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to poll pairing session")
		httputil.WriteError(w, err)
		return
	}

	if result.Approved {
		writeJSON(w, http.StatusOK, pollResponse{OK: true, Token: result.Token, ScreenID: result.ChannelID})
		return
	}
	writeJSON(w, http.StatusOK, pollResponse{OK: false, Reason: result.Reason, Message: result.Message})
}
