package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/jkrumboe/wizard-tracker-sub006/internal/cache"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/reconcile"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/remote"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/snapshot"
)

func errorJSON(c echo.Context, status int, typ, msg string) error {
	return c.JSON(status, map[string]any{
		"error": map[string]any{
			"type":    typ,
			"message": msg,
		},
	})
}

func badRequest(c echo.Context, msg string) error {
	return errorJSON(c, http.StatusBadRequest, "invalid_request_error", msg)
}

// handleError maps domain errors to HTTP responses.
func handleError(c echo.Context, err error) error {
	var (
		he       *echo.HTTPError
		conflict *reconcile.ConflictError
		re       *remote.Error
	)
	switch {
	case errors.As(err, &he):
		return errorJSON(c, he.Code, "invalid_request_error", http.StatusText(he.Code))
	case errors.Is(err, reconcile.ErrUnknownGame):
		return errorJSON(c, http.StatusNotFound, "not_found_error", err.Error())
	case errors.Is(err, reconcile.ErrNoConflict), errors.Is(err, reconcile.ErrLocalChanged), errors.As(err, &conflict):
		return errorJSON(c, http.StatusConflict, "conflict_error", err.Error())
	case errors.Is(err, snapshot.ErrInvalid):
		return errorJSON(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	case errors.Is(err, cache.ErrQuotaExceeded):
		return errorJSON(c, http.StatusInsufficientStorage, "storage_error", err.Error())
	case errors.Is(err, remote.ErrCircuitOpen):
		return errorJSON(c, http.StatusServiceUnavailable, "sync_unavailable", err.Error())
	case errors.As(err, &re):
		return errorJSON(c, http.StatusBadGateway, "sync_error", err.Error())
	}

	slog.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	return errorJSON(c, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
}
