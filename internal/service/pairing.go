package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/orderscan/screenlink/internal/audit"
	"github.com/orderscan/screenlink/internal/config"
	apperrors "github.com/orderscan/screenlink/internal/errors"
	"github.com/orderscan/screenlink/internal/model"
	"github.com/orderscan/screenlink/internal/repository"
	"github.com/orderscan/screenlink/internal/token"
	"github.com/orderscan/screenlink/internal/util"
)

const defaultChannelSegment = "default"

// Publisher fans an event out to a channel's members and reports how many received it.
type Publisher interface {
	Publish(ctx context.Context, channelID, eventType string, data any) (int, error)
}

type PairingOptions struct {
	TTL         time.Duration
	Grace       time.Duration
	WSURL       string
	DisplayName string
}

type PairingService struct {
	store     SessionStore
	tokens    *token.Provider
	screens   repository.PairedScreenRepository
	publisher Publisher
	opts      PairingOptions
	now       func() time.Time
}

// NewPairingService wires the pairing manager. screens and publisher may be nil.
func NewPairingService(
	store SessionStore,
	tokens *token.Provider,
	screens repository.PairedScreenRepository,
	publisher Publisher,
	opts PairingOptions,
) *PairingService {
	if opts.TTL <= 0 {
		opts.TTL = 3 * time.Minute
	}
	return &PairingService{
		store:     store,
		tokens:    tokens,
		screens:   screens,
		publisher: publisher,
		opts:      opts,
		now:       time.Now,
	}
}

func (s *PairingService) TTL() time.Duration {
	return s.opts.TTL
}

// CreateSession issues a pending session with a fresh 6-digit code.
func (s *PairingService) CreateSession(ctx context.Context, params model.CreateSessionParams) (*model.PairingSession, model.QRPayload, error) {
	if params.OrgID != "" && !model.IsValidSegment(params.OrgID) {
		return nil, model.QRPayload{}, apperrors.InvalidInput("orgId", "lowercase letters, digits and hyphens only")
	}
	if params.LineID != "" && !model.IsValidSegment(params.LineID) {
		return nil, model.QRPayload{}, apperrors.InvalidInput("lineId", "lowercase letters, digits and hyphens only")
	}

	code, err := util.GeneratePairingCode()
	if err != nil {
		return nil, model.QRPayload{}, apperrors.Wrap(apperrors.ErrCodeServer, "Failed to generate pairing code", err)
	}

	now := s.now().UTC()
	session := &model.PairingSession{
		ID:        uuid.NewString(),
		Code:      code,
		Status:    model.PairingStatusPending,
		OrgID:     params.OrgID,
		LineID:    params.LineID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.opts.TTL),
	}
	if err := s.store.Create(ctx, session); err != nil {
		return nil, model.QRPayload{}, apperrors.Store(err)
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("code", util.MaskCode(code)).
		Time("expiresAt", session.ExpiresAt).
		Msg("pairing session created")

	qr := model.QRPayload{
		SessionID:   session.ID,
		Code:        code,
		WSURL:       s.opts.WSURL,
		DisplayName: s.opts.DisplayName,
		Purpose:     params.Purpose,
		OrgID:       params.OrgID,
		LineID:      params.LineID,
		ExpiresAt:   session.ExpiresAt.UnixMilli(),
	}
	return session, qr, nil
}

// Approve redeems a session's code. The check-and-set runs inside one store
// transition, so concurrent approvals of a session cannot both succeed.
func (s *PairingService) Approve(ctx context.Context, params model.ApproveParams) (*model.ApproveResult, error) {
	if !util.IsValidUUID(params.SessionID) {
		return nil, apperrors.InvalidInput("sessionId", "must be a UUID")
	}
	if !util.IsValidPairingCode(params.Code) {
		return nil, apperrors.InvalidInput("code", "must be 6 digits")
	}

	deviceID := params.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	approvedBy := params.PrincipalID
	if approvedBy == "" {
		approvedBy = deviceID
	}

	var displayToken string
	var displayExpiry time.Time
	now := s.now().UTC()

	session, err := s.store.Transition(ctx, params.SessionID, func(sess *model.PairingSession) (bool, error) {
		switch sess.Status {
		case model.PairingStatusPending:
		case model.PairingStatusExpired:
			return false, apperrors.SessionExpired()
		case model.PairingStatusRejected:
			return false, apperrors.SessionRejected()
		default:
			return false, apperrors.InvalidSession()
		}

		if sess.ExpiredAt(now) {
			sess.Status = model.PairingStatusExpired
			sess.DecidedAt = &now
			return true, apperrors.SessionExpired()
		}

		if !util.ConstantTimeEqual(sess.Code, params.Code) {
			sess.FailedAttempts++
			if sess.FailedAttempts >= config.PairingMaxWrongCodes {
				sess.Status = model.PairingStatusRejected
				sess.DecidedAt = &now
			}
			return true, apperrors.InvalidCode()
		}

		channelID, err := deriveChannel(sess, params)
		if err != nil {
			return false, err
		}

		displayToken, displayExpiry, err = s.tokens.Issue(token.IssueParams{
			Subject:   approvedBy,
			ChannelID: channelID,
			DeviceID:  deviceID,
			SessionID: sess.ID,
			Role:      model.RoleDisplay,
		})
		if err != nil {
			return false, apperrors.Wrap(apperrors.ErrCodeServer, "Failed to issue token", err)
		}
		controllerToken, _, err := s.tokens.Issue(token.IssueParams{
			Subject:   approvedBy,
			ChannelID: channelID,
			SessionID: sess.ID,
			Role:      model.RoleController,
		})
		if err != nil {
			return false, apperrors.Wrap(apperrors.ErrCodeServer, "Failed to issue token", err)
		}

		sess.Status = model.PairingStatusApproved
		sess.ChannelID = channelID
		sess.DeviceID = deviceID
		sess.ApprovedBy = approvedBy
		sess.Token = controllerToken
		sess.DecidedAt = &now
		return true, nil
	})
	if err != nil {
		return nil, s.approveFailure(ctx, params.SessionID, session, err)
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventPairingApprove,
		SessionID: session.ID,
		ChannelID: session.ChannelID,
		DeviceID:  deviceID,
	})
	log.Info().
		Str("sessionId", session.ID).
		Str("channelId", session.ChannelID).
		Str("deviceId", deviceID).
		Msg("pairing session approved")

	s.recordScreen(ctx, session)
	s.announce(ctx, session)

	return &model.ApproveResult{
		Token:     displayToken,
		ChannelID: session.ChannelID,
		ExpiresAt: displayExpiry,
	}, nil
}

func (s *PairingService) approveFailure(ctx context.Context, sessionID string, session *model.PairingSession, err error) error {
	if errors.Is(err, ErrSessionNotFound) {
		audit.Log(ctx, audit.Event{Type: audit.EventPairingFailure, SessionID: sessionID, Details: map[string]interface{}{"reason": string(apperrors.ErrCodeInvalidSession)}})
		return apperrors.InvalidSession()
	}
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		return apperrors.Store(err)
	}

	eventType := audit.EventPairingFailure
	details := map[string]interface{}{"reason": string(appErr.Code)}
	if session != nil {
		details["failedAttempts"] = session.FailedAttempts
		if appErr.Code == apperrors.ErrCodeInvalidCode && session.Status == model.PairingStatusRejected {
			eventType = audit.EventPairingLockout
		}
	}
	audit.Log(ctx, audit.Event{Type: eventType, SessionID: sessionID, Details: details})
	return appErr
}

func deriveChannel(sess *model.PairingSession, params model.ApproveParams) (string, error) {
	org, err := pickSegment("orgId", sess.OrgID, params.OrgID)
	if err != nil {
		return "", err
	}
	line, err := pickSegment("lineId", sess.LineID, params.LineID)
	if err != nil {
		return "", err
	}
	channelID, err := model.ChannelID(org, line)
	if err != nil {
		return "", apperrors.ValidationError(err.Error())
	}
	return channelID, nil
}

// pickSegment prefers the value fixed at session creation; a different value
// on approval is refused rather than silently overridden.
func pickSegment(field, fromSession, fromRequest string) (string, error) {
	switch {
	case fromSession != "" && fromRequest != "" && fromSession != fromRequest:
		return "", apperrors.InvalidInput(field, "does not match the pairing session")
	case fromSession != "":
		return fromSession, nil
	case fromRequest != "":
		return fromRequest, nil
	default:
		return defaultChannelSegment, nil
	}
}

func (s *PairingService) recordScreen(ctx context.Context, session *model.PairingSession) {
	if s.screens == nil {
		return
	}
	if _, err := s.screens.Upsert(ctx, model.UpsertPairedScreenParams{
		ChannelID:   session.ChannelID,
		SessionID:   session.ID,
		DeviceID:    session.DeviceID,
		ApprovedBy:  session.ApprovedBy,
		DisplayName: s.opts.DisplayName,
	}); err != nil {
		log.Error().Err(err).Str("channelId", session.ChannelID).Msg("failed to record paired screen")
	}
}

func (s *PairingService) announce(ctx context.Context, session *model.PairingSession) {
	if s.publisher == nil {
		return
	}
	_, err := s.publisher.Publish(ctx, session.ChannelID, model.EventPairingComplete, map[string]string{
		"sessionId": session.ID,
		"channelId": session.ChannelID,
		"deviceId":  session.DeviceID,
	})
	if err != nil {
		log.Warn().Err(err).Str("channelId", session.ChannelID).Msg("failed to announce pairing")
	}
}

// Reject lets the approver decline a pending session.
func (s *PairingService) Reject(ctx context.Context, sessionID string) error {
	if !util.IsValidUUID(sessionID) {
		return apperrors.InvalidInput("sessionId", "must be a UUID")
	}
	now := s.now().UTC()
	_, err := s.store.Transition(ctx, sessionID, func(sess *model.PairingSession) (bool, error) {
		if !sess.IsPending() {
			return false, apperrors.InvalidSession()
		}
		if sess.ExpiredAt(now) {
			sess.Status = model.PairingStatusExpired
			sess.DecidedAt = &now
			return true, apperrors.SessionExpired()
		}
		sess.Status = model.PairingStatusRejected
		sess.DecidedAt = &now
		return true, nil
	})
	if errors.Is(err, ErrSessionNotFound) {
		return apperrors.InvalidSession()
	}
	if err != nil {
		if _, ok := apperrors.AsAppError(err); ok {
			return err
		}
		return apperrors.Store(err)
	}

	audit.Log(ctx, audit.Event{Type: audit.EventPairingReject, SessionID: sessionID})
	return nil
}

// Poll reports a session's outcome without blocking. Pending sessions past
// their TTL read as expired even before eviction.
func (s *PairingService) Poll(ctx context.Context, sessionID string) (model.PollResult, error) {
	if !util.IsValidUUID(sessionID) {
		return model.PollResult{Reason: model.PollReasonNotFound}, nil
	}
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return model.PollResult{}, apperrors.Store(err)
	}
	if sess == nil {
		return model.PollResult{Reason: model.PollReasonNotFound}, nil
	}

	switch sess.Status {
	case model.PairingStatusApproved:
		return model.PollResult{Approved: true, Token: sess.Token, ChannelID: sess.ChannelID}, nil
	case model.PairingStatusRejected:
		return model.PollResult{Reason: model.PollReasonNotFound, Message: "pairing session was rejected"}, nil
	case model.PairingStatusExpired:
		return model.PollResult{Reason: model.PollReasonExpired}, nil
	}
	if sess.ExpiredAt(s.now()) {
		return model.PollResult{Reason: model.PollReasonExpired}, nil
	}
	return model.PollResult{Reason: model.PollReasonTimeout}, nil
}

// WaitForApproval polls until the session leaves pending, maxWait elapses or
// ctx is done. Still pending at the deadline yields reason timeout.
func (s *PairingService) WaitForApproval(ctx context.Context, sessionID string, maxWait time.Duration) (model.PollResult, error) {
	if maxWait > config.PairingMaxPollWait {
		maxWait = config.PairingMaxPollWait
	}
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(config.PairingPollInterval)
	defer ticker.Stop()

	for {
		res, err := s.Poll(ctx, sessionID)
		if err != nil || res.Approved || res.Reason != model.PollReasonTimeout {
			return res, err
		}
		if maxWait <= 0 {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return res, nil
		case <-deadline.C:
			return res, nil
		case <-ticker.C:
		}
	}
}

// EvictExpired removes sessions past TTL plus grace.
func (s *PairingService) EvictExpired(ctx context.Context) (int, error) {
	n, err := s.store.DeleteExpired(ctx, s.now().Add(-s.opts.Grace))
	if err != nil {
		return 0, fmt.Errorf("evict pairing sessions: %w", err)
	}
	return n, nil
}
