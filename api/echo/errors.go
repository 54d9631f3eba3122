package echo

import (
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/restodb/api"
	serrors "go.pilab.hu/restodb/errors"
	"go.pilab.hu/restodb/internal/auth"
)

// statusOf maps a failure to its HTTP status and body.
func statusOf(err error) (int, api.ErrorResponse) {
	var (
		verr  *serrors.ValidationError
		terr  *serrors.TypeError
		nf    *serrors.NotFoundError
		cerr  *serrors.ConflictError
		aerr  *serrors.AuthError
		trerr *serrors.TransportError
		cfg   *serrors.ConfigurationError
		bad   *echo.HTTPError
	)
	switch {
	case stderrors.As(err, &verr):
		return http.StatusUnprocessableEntity, api.ErrorResponse{Error: "validation_failed", Description: err.Error(), Fields: verr.MissingFields}
	case stderrors.As(err, &terr):
		return http.StatusUnprocessableEntity, api.ErrorResponse{Error: "type_mismatch", Description: err.Error(), Fields: []string{terr.Field}}
	case stderrors.Is(err, auth.ErrWeakPassword):
		return http.StatusUnprocessableEntity, api.ErrorResponse{Error: "weak_password", Description: err.Error()}
	case stderrors.As(err, &nf):
		return http.StatusNotFound, api.ErrorResponse{Error: "not_found", Description: err.Error()}
	case stderrors.Is(err, serrors.ErrDuplicateID):
		return http.StatusConflict, api.ErrorResponse{Error: "duplicate_id", Description: err.Error()}
	case stderrors.As(err, &cerr):
		return http.StatusConflict, api.ErrorResponse{Error: "conflict", Description: "the collection changed concurrently, retry the request"}
	case stderrors.As(err, &aerr):
		return authStatus(aerr)
	case stderrors.As(err, &trerr):
		if trerr.Retryable {
			return http.StatusServiceUnavailable, api.ErrorResponse{Error: "backend_unavailable"}
		}
		return http.StatusBadGateway, api.ErrorResponse{Error: "backend_error"}
	case stderrors.As(err, &cfg):
		return http.StatusServiceUnavailable, api.ErrorResponse{Error: "not_ready"}
	case stderrors.As(err, &bad):
		return bad.Code, api.ErrorResponse{Error: "invalid_request", Description: http.StatusText(bad.Code)}
	}
	return http.StatusInternalServerError, api.ErrorResponse{Error: "server_error"}
}

func authStatus(err *serrors.AuthError) (int, api.ErrorResponse) {
	switch {
	case stderrors.Is(err, serrors.ErrInvalidCredentials):
		return http.StatusUnauthorized, api.ErrorResponse{Error: "invalid_credentials", Description: serrors.ErrInvalidCredentials.Error()}
	case stderrors.Is(err, serrors.ErrOTPExpired):
		return http.StatusUnauthorized, api.ErrorResponse{Error: "otp_expired"}
	case stderrors.Is(err, serrors.ErrOTPMismatch):
		return http.StatusUnauthorized, api.ErrorResponse{Error: "otp_mismatch"}
	case stderrors.Is(err, serrors.ErrOTPNotFound):
		return http.StatusUnauthorized, api.ErrorResponse{Error: "otp_not_found"}
	case stderrors.Is(err, serrors.ErrEmailTaken):
		return http.StatusConflict, api.ErrorResponse{Error: "email_taken"}
	case stderrors.Is(err, serrors.ErrAccountLocked):
		return http.StatusForbidden, api.ErrorResponse{Error: "account_locked"}
	case stderrors.Is(err, serrors.ErrAccountPending):
		return http.StatusForbidden, api.ErrorResponse{Error: "account_pending"}
	case stderrors.Is(err, serrors.ErrPermissionDenied):
		return http.StatusForbidden, api.ErrorResponse{Error: "permission_denied"}
	}
	return http.StatusUnauthorized, api.ErrorResponse{Error: "unauthenticated"}
}

// fail writes err as a JSON error response.
func fail(c echo.Context, err error) error {
	status, body := statusOf(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
	}
	var trerr *serrors.TransportError
	if stderrors.As(err, &trerr) && trerr.RetryAfter > 0 {
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(trerr.RetryAfter.Seconds()+0.5)))
	}
	return c.JSON(status, body)
}
