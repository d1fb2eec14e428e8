package middleware

import (
	"net/http"

	apperrors "github.com/orderscan/screenlink/internal/errors"
	"github.com/orderscan/screenlink/internal/httputil"
)

func writeFailure(w http.ResponseWriter, err *apperrors.AppError) {
	httputil.WriteError(w, err)
}
