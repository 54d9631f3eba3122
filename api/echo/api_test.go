package echo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"go.pilab.hu/restodb"
	"go.pilab.hu/restodb/api"
	"go.pilab.hu/restodb/cache"
	"go.pilab.hu/restodb/config"
	"go.pilab.hu/restodb/domain"
	"go.pilab.hu/restodb/internal/auth"
	"go.pilab.hu/restodb/internal/memblob"
	"go.pilab.hu/restodb/schema"
	"go.pilab.hu/restodb/services"
)

type testEnv struct {
	e    *echo.Echo
	db   *restodb.DB
	auth *services.AuthService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register("orders", &domain.Schema{
		Required: []string{"restaurantId", "total"},
		Types:    map[string]domain.Kind{"restaurantId": domain.KindString, "total": domain.KindNumber},
		Default:  map[string]any{"status": "pending"},
	}))
	db, err := restodb.New(restodb.Options{Store: memblob.New(), Schemas: reg, CacheTTL: time.Hour})
	require.NoError(t, err)
	require.NoError(t, db.Init(context.Background()))

	sessions := cache.NewMemorySessionStore()
	t.Cleanup(func() { _ = sessions.Close() })
	svc, err := services.NewAuthService(db,
		services.NewSessionManager(sessions, time.Hour),
		cache.NewMemoryChallengeStore(time.Minute),
		auth.NewBcryptPasswordHasher(bcrypt.MinCost),
		nil,
		config.AuthConfig{DefaultRole: domain.RoleStaff},
	)
	require.NoError(t, err)

	e := echo.New()
	NewAPI(db, svc).RegisterRoutes(e)
	return &testEnv{e: e, db: db, auth: svc}
}

func (env *testEnv) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload string
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		payload = string(b)
	}
	req := httptest.NewRequest(method, target, strings.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

// login registers a user with the given roles and returns a session token.
func (env *testEnv) login(t *testing.T, email string, roles ...string) string {
	t.Helper()
	ctx := context.Background()
	_, err := env.auth.Register(ctx, services.RegisterInput{Email: email, Password: "s3cret-pass", Roles: roles})
	require.NoError(t, err)
	res, err := env.auth.Login(ctx, email, "s3cret-pass")
	require.NoError(t, err)
	return res.Token
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAuthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/auth/register", "", api.RegisterRequest{Email: "ana@example.com", Password: "s3cret-pass"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reg := decode[api.AuthResponse](t, rec)
	assert.Equal(t, []string{domain.RoleStaff}, reg.User.Roles)
	assert.NotContains(t, rec.Body.String(), "passwordHash")

	rec = env.do(t, http.MethodPost, "/auth/register", "", api.RegisterRequest{Email: "ana@example.com", Password: "s3cret-pass"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/auth/register", "", api.RegisterRequest{Email: "eve@example.com", Password: "s3cret-pass", Roles: []string{domain.RoleAdmin}})
	assert.Equal(t, http.StatusForbidden, rec.Code, "self registration cannot pick roles")

	rec = env.do(t, http.MethodPost, "/auth/login", "", api.LoginRequest{Email: "ana@example.com", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_credentials", decode[api.ErrorResponse](t, rec).Error)

	rec = env.do(t, http.MethodPost, "/auth/login", "", api.LoginRequest{Email: "ana@example.com", Password: "s3cret-pass"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	login := decode[api.AuthResponse](t, rec)
	require.NotEmpty(t, login.Token)
	assert.Equal(t, "Bearer", login.TokenType)

	rec = env.do(t, http.MethodGet, "/auth/me", login.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode[api.User](t, rec)
	assert.Equal(t, "ana@example.com", me.Email)
	assert.Contains(t, me.Permissions, "orders:read")

	rec = env.do(t, http.MethodGet, "/auth/sessions", login.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.Session](t, rec), 1)

	rec = env.do(t, http.MethodPost, "/auth/logout", login.Token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, "/auth/me", login.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCollectionEndpoints(t *testing.T) {
	env := newTestEnv(t)
	owner := env.login(t, "owner@example.com", domain.RoleOwner)
	staff := env.login(t, "staff@example.com", domain.RoleStaff)

	rec := env.do(t, http.MethodPost, "/collections/orders", staff, map[string]any{"restaurantId": "r1", "total": 12.5})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[map[string]any](t, rec)
	assert.Equal(t, "pending", first["status"])
	id, _ := first["id"].(string)
	require.NotEmpty(t, id)

	rec = env.do(t, http.MethodPost, "/collections/orders", staff, []map[string]any{
		{"restaurantId": "r1", "total": 30},
		{"restaurantId": "r2", "total": 8},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[api.ListResponse](t, rec).Count)

	rec = env.do(t, http.MethodPost, "/collections/orders", staff, []map[string]any{
		{"restaurantId": "r1", "total": 1},
		{"restaurantId": "r1"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, []string{"total"}, decode[api.ErrorResponse](t, rec).Fields)

	rec = env.do(t, http.MethodGet, "/collections/orders?restaurantId=r1&total__gte=12&sort=total:desc&limit=5", staff, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := decode[api.ListResponse](t, rec)
	require.Equal(t, 2, list.Count)
	assert.Equal(t, 30.0, list.Items[0]["total"])

	rec = env.do(t, http.MethodGet, "/collections/orders?total__between=1", staff, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPatch, "/collections/orders/"+id, staff, map[string]any{"status": "ready"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decode[map[string]any](t, rec)["status"])

	rec = env.do(t, http.MethodPatch, "/collections/orders/missing", staff, map[string]any{"status": "ready"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/collections/menu", staff, map[string]any{"name": "Margherita"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "staff only reads the menu")
	rec = env.do(t, http.MethodPost, "/collections/menu", owner, map[string]any{"name": "Margherita"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodGet, "/collections/users", owner, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "users are never exposed")

	rec = env.do(t, http.MethodGet, "/collections", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"collections":["menu","orders"]}`, rec.Body.String())

	rec = env.do(t, http.MethodDelete, "/collections/orders/"+id, owner, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, "/collections/orders/"+id, owner, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/collections/orders", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
