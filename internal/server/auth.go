package server

import (
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
)

// AuthMiddleware requires "Authorization: Bearer <masterKey>" on every path
// except skipPaths. An empty masterKey disables the check.
func AuthMiddleware(masterKey string, skipPaths []string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if masterKey == "" || slices.Contains(skipPaths, c.Request().URL.Path) {
				return next(c)
			}

			header := c.Request().Header.Get("Authorization")
			if header == "" {
				return errorJSON(c, http.StatusUnauthorized, "authentication_error", "missing authorization header")
			}
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				return errorJSON(c, http.StatusUnauthorized, "authentication_error", "invalid authorization header format, expected 'Bearer <token>'")
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(masterKey)) != 1 {
				return errorJSON(c, http.StatusUnauthorized, "authentication_error", "invalid master key")
			}
			return next(c)
		}
	}
}
