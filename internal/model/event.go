package model

import (
	"encoding/json"
	"time"
)

// Socket event names.
const (
	// client -> server
	EventAuth      = "auth"
	EventAck       = "ack"
	EventScanOrder = "scanOrder"
	EventPing      = "ping"

	// server -> client
	EventAuthSuccess     = "auth_success"
	EventAuthFailed      = "auth_failed"
	EventNavigate        = "navigate"
	EventCommand         = "command"
	EventCommandStatus   = "command_status"
	EventPairingComplete = "pairing_complete"
	EventPong            = "pong"
	EventError           = "error"
)

// Command types carried by the reliable delivery layer.
const (
	CommandNavigate  = "navigate"
	CommandTrigger   = "trigger"
	CommandScanOrder = "scan-order"
)

type Role string

const (
	RoleDisplay    Role = "display"
	RoleController Role = "controller"
)

// Envelope frames every socket message in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(eventType string, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Type: eventType}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: eventType, Data: raw}, nil
}

type AuthPayload struct {
	Token    string `json:"token"`
	DeviceID string `json:"deviceId"`
	ScreenID string `json:"screenId"`
	Role     Role   `json:"role,omitempty"`
}

type AuthSuccessPayload struct {
	ChannelID string `json:"channelId"`
	DeviceID  string `json:"deviceId"`
	Role      Role   `json:"role"`
}

type AuthFailedPayload struct {
	Reason string `json:"reason"`
}

type AckResult string

const (
	AckSuccess AckResult = "success"
	AckFailed  AckResult = "failed"
)

type AckPayload struct {
	TxID   string    `json:"txId"`
	Result AckResult `json:"result"`
	TabID  string    `json:"tabId,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Nonce  string    `json:"nonce,omitempty"`
	TS     int64     `json:"ts"`
}

type ScanOrderPayload struct {
	SessionID string `json:"sessionId"`
	OrderNo   string `json:"orderNo"`
	TS        int64  `json:"ts"`
	Nonce     string `json:"nonce"`
}

// NavigateCommand asks the display to load URL. Exp and Timestamp are unix milliseconds.
type NavigateCommand struct {
	TxID      string `json:"txId"`
	JobNo     string `json:"jobNo"`
	URL       string `json:"url"`
	Exp       int64  `json:"exp"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce,omitempty"`
}

func (c NavigateCommand) ExpiresAt() time.Time {
	return time.UnixMilli(c.Exp)
}

// Command is the generic form used for non-navigate command types.
type Command struct {
	TxID    string          `json:"txId"`
	Type    string          `json:"type"`
	Nonce   string          `json:"nonce,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type CommandStatusPayload struct {
	TxID      string `json:"txId"`
	OrderNo   string `json:"orderNo,omitempty"`
	Delivered bool   `json:"delivered"`
	Attempts  int    `json:"attempts"`
	Reason    string `json:"reason,omitempty"`
	TabID     string `json:"tabId,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
