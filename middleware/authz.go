package middleware

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/restodb/api"
	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
)

// ContextKeyUser holds the user loaded by the permission middleware.
const ContextKeyUser = "restodb.user"

// PermissionChecker loads users and answers permission questions.
type PermissionChecker interface {
	GetUser(ctx context.Context, id string) (*domain.User, error)
	HasPermission(user *domain.User, permission string) bool
}

// RequirePermission lets the request through when the user holds any of the
// permissions. It must run after Authenticate.
func RequirePermission(checker PermissionChecker, permissions ...string) echo.MiddlewareFunc {
	return RequirePermissionFunc(checker, func(echo.Context) []string { return permissions })
}

// RequirePermissionFunc is RequirePermission with permissions computed per request.
func RequirePermissionFunc(checker PermissionChecker, permissions func(c echo.Context) []string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user, err := CurrentUser(c, checker)
			if err != nil {
				if serrors.IsNotFound(err) {
					return c.JSON(http.StatusUnauthorized, api.ErrorResponse{Error: "invalid_token"})
				}
				log.Error().Err(err).Msg("User lookup failed")
				return c.JSON(http.StatusServiceUnavailable, api.ErrorResponse{Error: "unavailable"})
			}
			if user.Status != domain.UserStatusActive {
				return c.JSON(http.StatusForbidden, api.ErrorResponse{Error: "account_inactive"})
			}

			required := permissions(c)
			for _, p := range required {
				if checker.HasPermission(user, p) {
					return next(c)
				}
			}
			log.Warn().Str("user_id", user.CanonicalID()).Strs("user_roles", user.Roles).
				Strs("required_permissions", required).Str("path", c.Path()).Msg("Permission denied")
			return c.JSON(http.StatusForbidden, api.ErrorResponse{Error: "permission_denied"})
		}
	}
}

// CurrentUser loads the user of the authenticated session once per request.
func CurrentUser(c echo.Context, checker PermissionChecker) (*domain.User, error) {
	if u, ok := c.Get(ContextKeyUser).(*domain.User); ok && u != nil {
		return u, nil
	}
	session, ok := SessionFromContext(c)
	if !ok {
		return nil, &serrors.NotFoundError{Kind: "session", Key: "token"}
	}
	user, err := checker.GetUser(c.Request().Context(), session.UserID)
	if err != nil {
		return nil, err
	}
	c.Set(ContextKeyUser, user)
	return user, nil
}
