package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sandpool/sandpool/pkg/types"
)

// apiKeyMiddleware guards the /v1 group with a shared key carried in the
// X-API-Key header. An empty configured key disables the check so local
// development needs no setup. Failures use the same error envelope as every
// other API reply.
func apiKeyMiddleware(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return next(c)
			}

			provided := c.Request().Header.Get("X-API-Key")
			if provided == "" {
				return c.JSON(http.StatusUnauthorized, types.ErrorResponse{Error: types.ErrorBody{
					Name:    "Unauthorized",
					Message: "missing API key",
					Status:  http.StatusUnauthorized,
				}})
			}

			if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				return c.JSON(http.StatusForbidden, types.ErrorResponse{Error: types.ErrorBody{
					Name:    "Forbidden",
					Message: "invalid API key",
					Status:  http.StatusForbidden,
				}})
			}

			return next(c)
		}
	}
}
