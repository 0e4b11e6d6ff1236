package server

import (
	"errors"
	"net/http"

	"github.com/cobranzalabs/cobranza/internal/batch/adapters"
	batchdomain "github.com/cobranzalabs/cobranza/internal/batch/domain"
	chargedomain "github.com/cobranzalabs/cobranza/internal/charge/domain"
	fallbackdomain "github.com/cobranzalabs/cobranza/internal/fallback/domain"
	"github.com/cobranzalabs/cobranza/internal/storage"
	"github.com/gin-gonic/gin"
)

func respondData(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"data": data})
}

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrInternal       = errors.New("internal_error")
)

// statusFor maps domain sentinel errors to HTTP status codes. Unknown
// errors stay 500 and keep their detail out of the response body.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, ErrInvalidRequest.Error()
	case errors.Is(err, chargedomain.ErrChargeNotFound),
		errors.Is(err, chargedomain.ErrAttemptNotFound),
		errors.Is(err, batchdomain.ErrBatchNotFound),
		errors.Is(err, fallbackdomain.ErrIntentNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, batchdomain.ErrBatchNotExportable),
		errors.Is(err, batchdomain.ErrBatchAlreadyReconciled):
		return http.StatusConflict, err.Error()
	case errors.Is(err, batchdomain.ErrAdapterMismatch),
		errors.Is(err, batchdomain.ErrControlTotalsMismatch):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, adapters.ErrAdapterNotFound),
		errors.Is(err, fallbackdomain.ErrProviderNotFound):
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, ErrInternal.Error()
}

func AbortWithError(c *gin.Context, err error) {
	status, code := statusFor(err)
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}
