package middleware

import (
	"github.com/labstack/echo/v4"

	"go.pilab.hu/restodb/services"
)

// ClientInfo records the caller's user agent and address on the request
// context so issued sessions carry them.
func ClientInfo() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := services.WithClientInfo(req.Context(), services.ClientInfo{
				UserAgent: req.UserAgent(),
				IPAddress: c.RealIP(),
			})
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}
