package model

import "time"

// PairedScreen is the durable record of an approved pairing.
type PairedScreen struct {
	ChannelID   string    `db:"channel_id" json:"channelId"`
	SessionID   string    `db:"session_id" json:"sessionId"`
	DeviceID    string    `db:"device_id" json:"deviceId"`
	ApprovedBy  string    `db:"approved_by" json:"approvedBy"`
	DisplayName string    `db:"display_name" json:"displayName"`
	PairedAt    time.Time `db:"paired_at" json:"pairedAt"`
	LastSeenAt  time.Time `db:"last_seen_at" json:"lastSeenAt"`
}

type UpsertPairedScreenParams struct {
	ChannelID   string
	SessionID   string
	DeviceID    string
	ApprovedBy  string
	DisplayName string
}
