// Package token issues and verifies the scoped access tokens handed to paired screens.
package token

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/orderscan/screenlink/internal/model"
)

var (
	// ErrInvalidToken is returned when a token is malformed, badly signed, or for another issuer.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned when a token is well formed but past exp.
	ErrTokenExpired = errors.New("token expired")
)

const issuer = "screenlink"

// Claims is the signed claim set of an access token.
type Claims struct {
	jwt.RegisteredClaims
	ChannelID string     `json:"channelId"`
	DeviceID  string     `json:"deviceId"`
	SessionID string     `json:"sid,omitempty"`
	Role      model.Role `json:"role"`
	Scope     []string   `json:"scope"`
}

// HasScope reports whether the claims grant scope.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scope, scope)
}

type IssueParams struct {
	Subject   string
	ChannelID string
	DeviceID  string
	SessionID string
	Role      model.Role
}

// Provider mints and verifies HS256 access tokens.
type Provider struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewProvider(secret string, ttl time.Duration) *Provider {
	return &Provider{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue signs a token scoped to params.ChannelID. Returns the token and its expiry.
func (p *Provider) Issue(params IssueParams) (string, time.Time, error) {
	if params.ChannelID == "" {
		return "", time.Time{}, fmt.Errorf("issue token: channelId is required")
	}
	role := params.Role
	if role == "" {
		role = model.RoleDisplay
	}

	now := p.now().UTC()
	expiresAt := now.Add(p.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   params.Subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		ChannelID: params.ChannelID,
		DeviceID:  params.DeviceID,
		SessionID: params.SessionID,
		Role:      role,
		Scope:     []string{model.DisplayScope(params.ChannelID)},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses tokenString and checks signature, issuer, expiry and channel scope.
func (p *Provider) Verify(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return p.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(p.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if !model.IsValidChannelID(claims.ChannelID) || !claims.HasScope(model.DisplayScope(claims.ChannelID)) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
