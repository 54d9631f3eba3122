//nolint:varnamelen
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.pilab.hu/restodb"
	"go.pilab.hu/restodb/domain"
	"go.pilab.hu/restodb/log"
	"go.pilab.hu/restodb/middleware"
	"go.pilab.hu/restodb/services"
)

// API serves the auth flow and collection access over HTTP.
type API struct {
	db   *restodb.DB
	auth *services.AuthService
	// hidden collections are never exposed through the generic endpoints.
	hidden map[string]bool
}

// NewAPI creates the API. The users collection is always hidden.
func NewAPI(db *restodb.DB, auth *services.AuthService, hidden ...string) *API {
	h := map[string]bool{domain.UsersCollection: true}
	for _, name := range hidden {
		h[name] = true
	}
	return &API{db: db, auth: auth, hidden: h}
}

// RegisterRoutes registers every route on e.
func (a *API) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", a.HealthHandler)

	authn := middleware.Authenticate(a.auth)

	g := e.Group("/auth", middleware.ClientInfo())
	g.POST("/register", a.RegisterHandler)
	g.POST("/login", a.LoginHandler)
	g.POST("/otp/verify", a.VerifyOTPHandler)
	g.POST("/otp/resend", a.ResendOTPHandler)
	g.POST("/logout", a.LogoutHandler, authn)
	g.GET("/me", a.MeHandler, authn)
	g.POST("/password", a.ChangePasswordHandler, authn)
	g.GET("/sessions", a.ListSessionsHandler, authn)
	g.DELETE("/sessions", a.ClearSessionsHandler, authn)

	c := e.Group("/collections", authn)
	c.GET("", a.ListCollectionsHandler, a.collectionAccess("read"))
	c.GET("/:name", a.QueryHandler, a.collectionAccess("read"))
	c.GET("/:name/:id", a.GetHandler, a.collectionAccess("read"))
	c.POST("/:name", a.InsertHandler, a.collectionAccess("write"))
	c.PATCH("/:name/:id", a.UpdateHandler, a.collectionAccess("write"))
	c.PUT("/:name/:id", a.ReplaceHandler, a.collectionAccess("write"))
	c.DELETE("/:name/:id", a.DeleteHandler, a.collectionAccess("delete"))
}

// HealthHandler reports whether the store finished booting.
func (a *API) HealthHandler(c echo.Context) error {
	if !a.db.Ready() {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "starting"})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

// NewServer builds an echo instance with recovery, request logging, metrics
// and the API routes.
func NewServer(a *API, logger log.Logger, gatherer prometheus.Gatherer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			fields := map[string]interface{}{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency.String(),
				"request_id": v.RequestID,
			}
			if v.Status >= http.StatusInternalServerError {
				logger.Warn(c.Request().Context(), "Request failed", fields)
			} else {
				logger.Debug(c.Request().Context(), "Request served", fields)
			}
			return nil
		},
	}))

	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	a.RegisterRoutes(e)
	return e
}
