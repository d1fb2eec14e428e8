package model

import "time"

type PairingStatus string

const (
	PairingStatusPending  PairingStatus = "pending"
	PairingStatusApproved PairingStatus = "approved"
	PairingStatusExpired  PairingStatus = "expired"
	PairingStatusRejected PairingStatus = "rejected"
)

// PairingSession is owned by the pairing service; other packages only hold its ID.
type PairingSession struct {
	ID             string        `json:"sessionId"`
	Code           string        `json:"code"`
	Status         PairingStatus `json:"status"`
	OrgID          string        `json:"orgId,omitempty"`
	LineID         string        `json:"lineId,omitempty"`
	ChannelID      string        `json:"channelId,omitempty"`
	DeviceID       string        `json:"deviceId,omitempty"`
	ApprovedBy     string        `json:"approvedBy,omitempty"`
	Token          string        `json:"token,omitempty"`
	FailedAttempts int           `json:"failedAttempts"`
	CreatedAt      time.Time     `json:"createdAt"`
	ExpiresAt      time.Time     `json:"expiresAt"`
	DecidedAt      *time.Time    `json:"decidedAt,omitempty"`
}

func (s *PairingSession) IsPending() bool {
	return s.Status == PairingStatusPending
}

// ExpiredAt reports whether a pending session has outlived its TTL at now.
func (s *PairingSession) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s *PairingSession) Clone() *PairingSession {
	c := *s
	if s.DecidedAt != nil {
		t := *s.DecidedAt
		c.DecidedAt = &t
	}
	return &c
}

// QRPayload is the JSON embedded in the scannable pairing code.
type QRPayload struct {
	SessionID   string `json:"sessionId"`
	Code        string `json:"code"`
	WSURL       string `json:"wsUrl"`
	DisplayName string `json:"displayName"`
	Purpose     string `json:"purpose,omitempty"`
	OrgID       string `json:"orgId,omitempty"`
	LineID      string `json:"lineId,omitempty"`
	ExpiresAt   int64  `json:"expiresAt,omitempty"`
}

type CreateSessionParams struct {
	OrgID   string
	LineID  string
	Purpose string
}

type ApproveParams struct {
	SessionID   string
	Code        string
	DeviceID    string
	OrgID       string
	LineID      string
	PrincipalID string
}

type ApproveResult struct {
	Token     string
	ChannelID string
	ExpiresAt time.Time
}

type PollReason string

const (
	PollReasonTimeout  PollReason = "timeout"
	PollReasonNotFound PollReason = "not_found"
	PollReasonExpired  PollReason = "expired"
)

type PollResult struct {
	Approved  bool
	Token     string
	ChannelID string
	Reason    PollReason
	Message   string
}
