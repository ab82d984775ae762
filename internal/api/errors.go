package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"libattend/internal/attendance"
	"libattend/internal/auth"
	"libattend/internal/members"
	"libattend/internal/store"
)

// errorResponse is the error envelope for all API errors.
type errorResponse struct {
	Error string `json:"error"`
}

// resolveError maps domain and store errors to a status and client-safe message.
// Unexpected errors are logged and reported generically.
func resolveError(err error) (int, string) {
	switch {
	case errors.Is(err, attendance.ErrInvalidRequest),
		errors.Is(err, members.ErrInvalidField),
		errors.Is(err, members.ErrUnknownField):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, members.ErrBatchTooLarge):
		return http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, attendance.ErrMemberNotFound):
		return http.StatusNotFound, "member not found"
	case errors.Is(err, attendance.ErrAlreadyCheckedIn):
		return http.StatusConflict, "member already checked in"
	case errors.Is(err, attendance.ErrNoActiveVisit):
		return http.StatusConflict, "no active visit"
	case errors.Is(err, members.ErrMemberExists):
		return http.StatusConflict, "member already exists"
	case errors.Is(err, members.ErrMemberHasOpenVisit):
		return http.StatusConflict, "member has an open visit"
	case errors.Is(err, auth.ErrAdminExists):
		return http.StatusConflict, "admin already exists"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid token"
	case errors.Is(err, store.ErrResourceExhausted),
		errors.Is(err, store.ErrAlreadyReconnecting),
		errors.Is(err, store.ErrDraining),
		errors.Is(err, store.ErrInfrastructure):
		return http.StatusServiceUnavailable, "database temporarily unavailable"
	}
	return http.StatusInternalServerError, "internal server error"
}

func (h *handlers) fail(c *gin.Context, err error) {
	code, msg := resolveError(err)
	logError(h.log, c, code, err)
	if code == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(code, errorResponse{Error: msg})
}

func logError(log zerolog.Logger, c *gin.Context, code int, err error) {
	if code < http.StatusInternalServerError {
		return
	}
	log.Error().
		Err(err).
		Str("method", c.Request.Method).
		Str("path", c.FullPath()).
		Msg("request failed")
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: msg})
}

var (
	errMissing = errors.New("value is required")
	errBadTime = errors.New("expected YYYY-MM-DD or an RFC 3339 timestamp")
)

func errBadInt(key string) error {
	return fmt.Errorf("%s must be a non-negative integer", key)
}
