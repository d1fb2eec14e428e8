package config

import "time"

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Longest a synchronous command send may wait for acks, all attempts
// included. Stays below ServerRequestTimeout so exhaustion is reported
// before the request is cut off.
const CommandDeliveryBudget = 50 * time.Second

// Ping timeout for backing stores at startup
const DBPingTimeout = 5 * time.Second

// Background job intervals
const CleanupJobInterval = time.Minute

// Paired screen records untouched for this long are pruned
const PairedScreenRetention = 30 * 24 * time.Hour

// Socket keepalive and limits
const (
	SocketWriteWait      = 10 * time.Second
	SocketPongWait       = 60 * time.Second
	SocketPingPeriod     = 30 * time.Second
	SocketMaxMessageSize = 64 * 1024
	SocketSendBuffer     = 64
	SocketEventsPerSec   = 20
	SocketEventBurst     = 40
)

// Pairing
const (
	PairingMaxWrongCodes = 5
	PairingMaxPollWait   = 30 * time.Second
	PairingPollInterval  = 250 * time.Millisecond
)

// Reliable delivery wait when no member is listening on a channel.
// Kept shorter than the 1s initial reconnect backoff.
const NotConnectedRetryInterval = 500 * time.Millisecond
