package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
	"go.pilab.hu/restodb/services"
)

type MockSessionResolver struct {
	mock.Mock
}

func (m *MockSessionResolver) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

type MockPermissionChecker struct {
	mock.Mock
}

func (m *MockPermissionChecker) GetUser(ctx context.Context, id string) (*domain.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockPermissionChecker) HasPermission(user *domain.User, permission string) bool {
	args := m.Called(user, permission)
	return args.Bool(0)
}

func serve(e *echo.Echo, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	if header != "" {
		req.Header.Set(echo.HeaderAuthorization, header)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	tok, ok = BearerToken("bearer   abc ")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	for _, h := range []string{"", "Bearer", "Bearer ", "Basic abc", "abc"} {
		_, ok := BearerToken(h)
		assert.False(t, ok, h)
	}
}

func TestAuthenticate(t *testing.T) {
	session := &domain.Session{ID: "s1", UserID: "u1"}
	resolver := new(MockSessionResolver)
	resolver.On("GetSession", mock.Anything, "good").Return(session, nil)
	resolver.On("GetSession", mock.Anything, "stale").Return(nil, &serrors.NotFoundError{Kind: "session", Key: "token"})
	resolver.On("GetSession", mock.Anything, "broken").Return(nil, errors.New("redis: connection refused"))

	e := echo.New()
	e.GET("/private", func(c echo.Context) error {
		s, ok := SessionFromContext(c)
		require.True(t, ok)
		fromReq, ok := domain.SessionFromContext(c.Request().Context())
		require.True(t, ok)
		assert.Same(t, s, fromReq)
		return c.String(http.StatusOK, s.UserID+":"+TokenFromContext(c))
	}, Authenticate(resolver))

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"valid session", "Bearer good", http.StatusOK, "u1:good"},
		{"missing header", "", http.StatusUnauthorized, "missing_token"},
		{"wrong scheme", "Basic good", http.StatusUnauthorized, "invalid_request"},
		{"unknown or expired", "Bearer stale", http.StatusUnauthorized, "invalid_token"},
		{"store failure", "Bearer broken", http.StatusServiceUnavailable, "session_store_unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(e, tt.header)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.body)
		})
	}
}

func TestRequirePermission(t *testing.T) {
	session := &domain.Session{ID: "s1", UserID: "u1"}
	resolver := new(MockSessionResolver)
	resolver.On("GetSession", mock.Anything, "good").Return(session, nil)

	newEcho := func(user *domain.User, granted bool) (*echo.Echo, *MockPermissionChecker) {
		checker := new(MockPermissionChecker)
		checker.On("GetUser", mock.Anything, "u1").Return(user, nil).Once()
		checker.On("HasPermission", user, "menu:manage").Return(granted)
		checker.On("HasPermission", user, "collections:write").Return(false)

		e := echo.New()
		e.GET("/private", func(c echo.Context) error {
			return c.NoContent(http.StatusNoContent)
		}, Authenticate(resolver), RequirePermission(checker, "collections:write", "menu:manage"))
		return e, checker
	}

	t.Run("granted by any permission", func(t *testing.T) {
		e, checker := newEcho(&domain.User{ID: "u1", Status: domain.UserStatusActive}, true)
		assert.Equal(t, http.StatusNoContent, serve(e, "Bearer good").Code)
		checker.AssertExpectations(t)
	})

	t.Run("denied", func(t *testing.T) {
		e, _ := newEcho(&domain.User{ID: "u1", Status: domain.UserStatusActive}, false)
		rec := serve(e, "Bearer good")
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), "permission_denied")
	})

	t.Run("locked user", func(t *testing.T) {
		e, checker := newEcho(&domain.User{ID: "u1", Status: domain.UserStatusLocked}, true)
		rec := serve(e, "Bearer good")
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), "account_inactive")
		checker.AssertNotCalled(t, "HasPermission", mock.Anything, mock.Anything)
	})

	t.Run("user deleted after login", func(t *testing.T) {
		checker := new(MockPermissionChecker)
		checker.On("GetUser", mock.Anything, "u1").Return(nil, &serrors.NotFoundError{Kind: "user", Key: "u1"})
		e := echo.New()
		e.GET("/private", func(c echo.Context) error { return nil }, Authenticate(resolver), RequirePermission(checker, "x"))
		assert.Equal(t, http.StatusUnauthorized, serve(e, "Bearer good").Code)
	})
}

func TestClientInfo(t *testing.T) {
	e := echo.New()
	var got services.ClientInfo
	e.GET("/private", func(c echo.Context) error {
		got = services.ClientInfoFromContext(c.Request().Context())
		return nil
	}, ClientInfo())

	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("User-Agent", "restoctl/1.0")
	req.Header.Set(echo.HeaderXRealIP, "203.0.113.9")
	e.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "restoctl/1.0", got.UserAgent)
	assert.Equal(t, "203.0.113.9", got.IPAddress)
}
