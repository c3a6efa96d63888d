package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	exportdomain "github.com/smallbiznis/membersync/internal/providers/export/domain"
	"github.com/smallbiznis/membersync/internal/reconcile"
	"github.com/smallbiznis/membersync/internal/storage"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidRequest = errors.New("invalid_request")
)

// ErrorHandlingMiddleware maps handler errors onto a stable JSON error shape.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		if len(c.Errors) == 0 {
			return
		}

		status, payload := mapError(c.Errors.Last().Err)
		c.JSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

// fatalAdminErr reports errors that invalidate the whole operation. Anything
// else is a partial per-user failure: the counts that were achieved still get
// reported with a 200.
func fatalAdminErr(err error) bool {
	return errors.Is(err, reconcile.ErrAlreadyRunning) ||
		errors.Is(err, exportdomain.ErrNotConfigured) ||
		errors.Is(err, storage.ErrStorageExhausted)
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "missing or invalid token",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: "invalid request",
		}
	case errors.Is(err, exportdomain.ErrNotConfigured):
		return http.StatusPreconditionFailed, errorPayload{
			Type:    "not_configured",
			Message: "export credentials are not configured",
		}
	case errors.Is(err, storage.ErrStorageExhausted):
		return http.StatusInsufficientStorage, errorPayload{
			Type:    "storage_exhausted",
			Message: "storage ceiling reached and nothing could be evicted",
		}
	case errors.Is(err, reconcile.ErrAlreadyRunning):
		return http.StatusConflict, errorPayload{
			Type:    "already_running",
			Message: "a reconciliation pass is already running",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
