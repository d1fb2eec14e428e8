package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/orderscan/screenlink/internal/audit"
	apperrors "github.com/orderscan/screenlink/internal/errors"
	"github.com/orderscan/screenlink/internal/model"
	"github.com/orderscan/screenlink/internal/token"
	"github.com/orderscan/screenlink/internal/util"
)

type contextKey string

const ClaimsContextKey contextKey = "claims"

func GetClaims(ctx context.Context) *token.Claims {
	if claims, ok := ctx.Value(ClaimsContextKey).(*token.Claims); ok {
		return claims
	}
	return nil
}

// ChannelAuthMiddleware requires a bearer token scoped to the {channelId} URL parameter.
type ChannelAuthMiddleware struct {
	tokens *token.Provider
}

func NewChannelAuthMiddleware(tokens *token.Provider) *ChannelAuthMiddleware {
	return &ChannelAuthMiddleware{tokens: tokens}
}

func (m *ChannelAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := extractToken(r)
		if raw == "" {
			writeFailure(w, apperrors.Unauthorized("Missing authentication token"))
			return
		}

		claims, err := m.tokens.Verify(raw)
		if err != nil {
			audit.LogFromRequest(r, audit.Event{
				Type: audit.EventCommandAuthFail,
				Details: map[string]interface{}{
					"error":            err.Error(),
					"tokenFingerprint": util.HashToken(raw)[:12],
				},
			})
			if errors.Is(err, token.ErrTokenExpired) {
				writeFailure(w, apperrors.TokenExpired())
				return
			}
			writeFailure(w, apperrors.InvalidToken("Invalid token"))
			return
		}

		channelID := chi.URLParam(r, "channelId")
		if channelID != "" && !claims.HasScope(model.DisplayScope(channelID)) {
			audit.LogFromRequest(r, audit.Event{
				Type:      audit.EventCommandAuthFail,
				ChannelID: channelID,
				Details:   map[string]interface{}{"tokenChannelId": claims.ChannelID},
			})
			writeFailure(w, apperrors.Forbidden("Token is not scoped to this channel"))
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}
