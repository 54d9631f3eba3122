// Package middleware holds the echo middleware guarding the HTTP surface.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/restodb/api"
	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
)

// Context keys set by Authenticate.
const (
	ContextKeySession = "restodb.session"
	ContextKeyToken   = "restodb.token"
)

// SessionResolver resolves a session token.
type SessionResolver interface {
	GetSession(ctx context.Context, token string) (*domain.Session, error)
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Authenticate requires a live session token. The session is stored on the
// echo context and on the request context.
func Authenticate(resolver SessionResolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return c.JSON(http.StatusUnauthorized, api.ErrorResponse{Error: "missing_token"})
			}
			token, ok := BearerToken(header)
			if !ok {
				return c.JSON(http.StatusUnauthorized, api.ErrorResponse{
					Error:       "invalid_request",
					Description: "expected a Bearer token",
				})
			}

			ctx := c.Request().Context()
			session, err := resolver.GetSession(ctx, token)
			if err != nil {
				if serrors.IsNotFound(err) {
					return c.JSON(http.StatusUnauthorized, api.ErrorResponse{Error: "invalid_token"})
				}
				log.Error().Err(err).Msg("Session lookup failed")
				return c.JSON(http.StatusServiceUnavailable, api.ErrorResponse{Error: "session_store_unavailable"})
			}

			c.SetRequest(c.Request().WithContext(domain.ContextWithSession(ctx, session)))
			c.Set(ContextKeySession, session)
			c.Set(ContextKeyToken, token)
			return next(c)
		}
	}
}

// SessionFromContext returns the session set by Authenticate.
func SessionFromContext(c echo.Context) (*domain.Session, bool) {
	s, ok := c.Get(ContextKeySession).(*domain.Session)
	return s, ok && s != nil
}

// TokenFromContext returns the raw token set by Authenticate.
func TokenFromContext(c echo.Context) string {
	t, _ := c.Get(ContextKeyToken).(string)
	return t
}
