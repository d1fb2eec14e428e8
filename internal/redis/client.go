package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// ScreenEventsChannel is the pub/sub channel relaying one screen channel's
// events between server instances.
func ScreenEventsChannel(channelID string) string {
	return fmt.Sprintf("screen-events:%s", channelID)
}

// ScreenAcksChannel carries command acknowledgements back to the instance
// waiting on them.
const ScreenAcksChannel = "screen-acks"

func PairingSessionKey(sessionID string) string {
	return fmt.Sprintf("pairing:session:%s", sessionID)
}

func RateLimitKey(scope, subject string) string {
	return fmt.Sprintf("ratelimit:%s:%s", scope, subject)
}
