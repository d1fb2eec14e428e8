package httputil

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/orderscan/screenlink/internal/errors"
)

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// FailureResponse is the {ok:false} envelope shared by the pairing and command endpoints.
type FailureResponse struct {
	OK      bool                `json:"ok"`
	Reason  apperrors.ErrorCode `json:"reason"`
	Message string              `json:"message"`
	Details any                 `json:"details,omitempty"`
}

// WriteError writes an AppError as an HTTP response with appropriate status code
func WriteError(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.Internal("An unexpected error occurred")
	}

	WriteErrorWithStatus(w, StatusFromCode(appErr.Code), appErr)
}

// WriteErrorWithStatus writes an error with a specific HTTP status code
func WriteErrorWithStatus(w http.ResponseWriter, status int, err *apperrors.AppError) {
	WriteJSON(w, status, FailureResponse{
		OK:      false,
		Reason:  err.Code,
		Message: err.Message,
		Details: err.Details,
	})
}

// StatusFromCode maps ErrorCode to HTTP status code
func StatusFromCode(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeValidation:
		return http.StatusBadRequest

	case apperrors.ErrCodeInvalidCode,
		apperrors.ErrCodeUnauthorized,
		apperrors.ErrCodeInvalidToken,
		apperrors.ErrCodeTokenExpired:
		return http.StatusUnauthorized

	case apperrors.ErrCodeForbidden:
		return http.StatusForbidden

	case apperrors.ErrCodeInvalidSession,
		apperrors.ErrCodeNotFound:
		return http.StatusNotFound

	case apperrors.ErrCodeExpired:
		return http.StatusGone

	case apperrors.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests

	case apperrors.ErrCodeDeliveryFailed:
		return http.StatusGatewayTimeout

	default:
		return http.StatusInternalServerError
	}
}
