package server

import (
	"crypto/subtle"
	"net/http"

	"github.com/harun/toolmesh/internal/observability"
	"github.com/harun/toolmesh/internal/tracing"
	"github.com/labstack/echo/v4"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// requestContext tags every request with a request ID and a fresh trace.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		requestID := c.Request().Header.Get(RequestIDHeader)
		if requestID == "" {
			id, err := gonanoid.New()
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "failed to generate request id")
			}
			requestID = id
		}
		c.Response().Header().Set(RequestIDHeader, requestID)

		ctx := tracing.NewRequestContext(c.Request().Context())
		ctx = tracing.WithRequestID(ctx, requestID)
		c.SetRequest(c.Request().WithContext(ctx))

		return next(c)
	}
}

// authenticate checks the shared secret when one is configured. Browsers
// cannot set headers on websocket upgrades, so the secret may also come as
// the "secret" query parameter.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.cfg.SharedSecret == "" {
			return next(c)
		}

		given := c.Request().Header.Get(SecretHeader)
		if given == "" {
			given = c.QueryParam("secret")
		}

		if subtle.ConstantTimeCompare([]byte(given), []byte(s.cfg.SharedSecret)) != 1 {
			observability.RecordSecurityAudit(c.Request().Context(), "api:auth", c.RealIP(), "denied")
			s.logger.Warn().Str("ip", c.RealIP()).Str("path", c.Path()).Msg("Rejected request with invalid secret")
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing secret")
		}
		return next(c)
	}
}
