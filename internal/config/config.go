package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port                 int    `env:"PORT" envDefault:"8080"`
	RedisURL             string `env:"REDIS_URL"`
	DatabaseURL          string `env:"DATABASE_URL"`
	JWTSecret            string `env:"JWT_SECRET,required"`
	PublicWSURL          string `env:"PUBLIC_WS_URL" envDefault:"ws://localhost:8080/ws"`
	DisplayName          string `env:"DISPLAY_NAME" envDefault:"Second monitor"`
	PairingTTLSeconds    int    `env:"PAIRING_TTL_SECONDS" envDefault:"180"`
	PairingGraceSeconds  int    `env:"PAIRING_GRACE_SECONDS" envDefault:"60"`
	TokenTTLHours        int    `env:"TOKEN_TTL_HOURS" envDefault:"12"`
	OrderURLTemplate     string `env:"ORDER_URL_TEMPLATE" envDefault:"http://localhost:3000/orders/{orderNo}"`
	NavigateTTLSeconds   int    `env:"NAVIGATE_TTL_SECONDS" envDefault:"30"`
	CommandMaxRetries    int    `env:"COMMAND_MAX_RETRIES" envDefault:"3"`
	CommandAckTimeoutMs  int    `env:"COMMAND_ACK_TIMEOUT_MS" envDefault:"5000"`
	DedupeWindowMs       int    `env:"DEDUPE_WINDOW_MS" envDefault:"300000"`
	ApproveRateLimitPerM int    `env:"APPROVE_RATE_LIMIT_PER_MIN" envDefault:"10"`
	LogLevel             string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) PairingTTL() time.Duration {
	return time.Duration(c.PairingTTLSeconds) * time.Second
}

func (c *Config) PairingGrace() time.Duration {
	return time.Duration(c.PairingGraceSeconds) * time.Second
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLHours) * time.Hour
}

func (c *Config) NavigateTTL() time.Duration {
	return time.Duration(c.NavigateTTLSeconds) * time.Second
}

func (c *Config) CommandAckTimeout() time.Duration {
	return time.Duration(c.CommandAckTimeoutMs) * time.Millisecond
}

func (c *Config) DedupeWindow() time.Duration {
	return time.Duration(c.DedupeWindowMs) * time.Millisecond
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.PairingTTLSeconds <= 0 {
		return fmt.Errorf("PAIRING_TTL_SECONDS must be positive")
	}
	if c.CommandMaxRetries < 0 {
		return fmt.Errorf("COMMAND_MAX_RETRIES must not be negative")
	}
	if time.Duration(c.CommandMaxRetries+1)*c.CommandAckTimeout() > CommandDeliveryBudget {
		return fmt.Errorf("COMMAND_MAX_RETRIES and COMMAND_ACK_TIMEOUT_MS exceed the %s delivery budget", CommandDeliveryBudget)
	}
	if !strings.Contains(c.OrderURLTemplate, "{orderNo}") {
		return fmt.Errorf("ORDER_URL_TEMPLATE must contain the {orderNo} placeholder")
	}

	if isProduction {
		if err := validateSecret("JWT_SECRET", c.JWTSecret); err != nil {
			return err
		}
		if c.RedisURL == "" {
			log.Warn().Msg("REDIS_URL is empty in production: pairing sessions are process-local")
		} else if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if strings.HasPrefix(c.PublicWSURL, "ws://") {
			log.Warn().Msg("PUBLIC_WS_URL uses ws:// in production: screens will pair over plaintext")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// ClientConfig is read by the display agent and the scanner CLI.
type ClientConfig struct {
	ServerURL               string  `env:"SERVER_URL" envDefault:"http://localhost:8080"`
	ScreenToken             string  `env:"SCREEN_TOKEN"`
	DeviceID                string  `env:"DEVICE_ID"`
	ScreenID                string  `env:"SCREEN_ID"`
	ReconnectInitialDelayMs int     `env:"RECONNECT_INITIAL_DELAY_MS" envDefault:"1000"`
	ReconnectMaxDelayMs     int     `env:"RECONNECT_MAX_DELAY_MS" envDefault:"30000"`
	ReconnectMaxAttempts    int     `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"10"`
	ReconnectBackoffFactor  float64 `env:"RECONNECT_BACKOFF_FACTOR" envDefault:"1.5"`
	DedupeWindowMs          int     `env:"DEDUPE_WINDOW_MS" envDefault:"300000"`
	AuthTimeoutMs           int     `env:"AUTH_TIMEOUT_MS" envDefault:"10000"`
	LogLevel                string  `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *ClientConfig) ReconnectInitialDelay() time.Duration {
	return time.Duration(c.ReconnectInitialDelayMs) * time.Millisecond
}

func (c *ClientConfig) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.ReconnectMaxDelayMs) * time.Millisecond
}

func (c *ClientConfig) DedupeWindow() time.Duration {
	return time.Duration(c.DedupeWindowMs) * time.Millisecond
}

func (c *ClientConfig) AuthTimeout() time.Duration {
	return time.Duration(c.AuthTimeoutMs) * time.Millisecond
}

// WebSocketURL derives the socket endpoint from the HTTP server URL.
func (c *ClientConfig) WebSocketURL() string {
	base := strings.TrimSuffix(c.ServerURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

func LoadClient() (*ClientConfig, error) {
	var cfg ClientConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	if cfg.ReconnectBackoffFactor < 1 {
		return nil, fmt.Errorf("RECONNECT_BACKOFF_FACTOR must be >= 1")
	}
	return &cfg, nil
}
