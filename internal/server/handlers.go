package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/jkrumboe/wizard-tracker-sub006/internal/cache"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/reconcile"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/recovery"
)

// Handler holds the HTTP handlers.
type Handler struct {
	deps Deps
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// CacheStats handles GET /v1/cache/stats
func (h *Handler) CacheStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.deps.Cache.Stats(c.Request().Context()))
}

// CacheExport handles GET /v1/cache/export
func (h *Handler) CacheExport(c echo.Context) error {
	export, err := h.deps.Cache.Export(c.Request().Context())
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, export)
}

// GetEntry handles GET /v1/cache/entries/:key
func (h *Handler) GetEntry(c echo.Context) error {
	key := c.Param("key")
	value, ok := h.deps.Cache.Lookup(c.Request().Context(), key)
	if !ok {
		return errorJSON(c, http.StatusNotFound, "not_found_error", "no entry for "+key)
	}
	return c.JSON(http.StatusOK, map[string]any{"key": key, "value": value})
}

// PutEntry handles PUT /v1/cache/entries/:key. The body is the JSON value.
// Query parameters: ttl (duration or milliseconds), persist, large, immediate.
func (h *Handler) PutEntry(c echo.Context) error {
	body, err := readJSON(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	opts, err := setOptions(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := h.deps.Cache.Set(c.Request().Context(), c.Param("key"), body, opts...); err != nil {
		return handleError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func setOptions(c echo.Context) ([]cache.SetOption, error) {
	var opts []cache.SetOption
	if v := c.QueryParam("ttl"); v != "" {
		d, err := parseTTL(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ttl %q", v)
		}
		opts = append(opts, cache.WithTTL(d))
	}
	for name, opt := range map[string]func(bool) cache.SetOption{
		"persist": cache.WithPersist,
		"large": func(on bool) cache.SetOption {
			if on {
				return cache.WithLargeStore()
			}
			return nil
		},
		"immediate": func(on bool) cache.SetOption {
			if on {
				return cache.Immediately()
			}
			return nil
		},
	} {
		v := c.QueryParam(name)
		if v == "" {
			continue
		}
		on, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q", name, v)
		}
		if o := opt(on); o != nil {
			opts = append(opts, o)
		}
	}
	return opts, nil
}

func parseTTL(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// DeleteEntry handles DELETE /v1/cache/entries/:key
func (h *Handler) DeleteEntry(c echo.Context) error {
	h.deps.Cache.Remove(c.Request().Context(), c.Param("key"))
	return c.NoContent(http.StatusNoContent)
}

// ClearCache handles POST /v1/cache/clear?preserve_auth=true
func (h *Handler) ClearCache(c echo.Context) error {
	preserve := true
	if v := c.QueryParam("preserve_auth"); v != "" {
		var err error
		if preserve, err = strconv.ParseBool(v); err != nil {
			return badRequest(c, "invalid preserve_auth")
		}
	}
	h.deps.Cache.Clear(c.Request().Context(), preserve)
	return c.NoContent(http.StatusNoContent)
}

// FlushCache handles POST /v1/cache/flush
func (h *Handler) FlushCache(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]int{"written": h.deps.Cache.Flush()})
}

// Lifecycle handles POST /v1/lifecycle/:event
func (h *Handler) Lifecycle(c echo.Context) error {
	ev, err := recovery.ParseEvent(c.Param("event"))
	if err != nil {
		return badRequest(c, err.Error())
	}
	ctx := c.Request().Context()
	report, err := h.deps.Recovery.HandleEvent(ctx, ev)
	if err != nil {
		return handleError(c, err)
	}
	if h.deps.OnConnectivity != nil && (ev == recovery.EventOnline || ev == recovery.EventOffline) {
		h.deps.OnConnectivity(ev == recovery.EventOnline)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"event":   ev,
		"report":  report,
		"network": h.deps.Recovery.NetworkState(ctx),
	})
}

// Network handles GET /v1/network
func (h *Handler) Network(c echo.Context) error {
	state := h.deps.Recovery.NetworkState(c.Request().Context())
	if state == recovery.NetworkUnknown {
		return c.JSON(http.StatusOK, map[string]any{"state": nil})
	}
	return c.JSON(http.StatusOK, map[string]any{"state": state})
}

// ListStates handles GET /v1/state
func (h *Handler) ListStates(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"providers": h.deps.Recovery.Providers(),
		"held":      h.deps.States.Names(),
	})
}

// GetState handles GET /v1/state/:name
func (h *Handler) GetState(c echo.Context) error {
	name := c.Param("name")
	rec, ok := h.deps.States.Get(c.Request().Context(), name)
	if !ok {
		return errorJSON(c, http.StatusNotFound, "not_found_error", "no state for "+name)
	}
	resp := map[string]any{"name": name, "state": rec.State}
	if !rec.SavedAt.IsZero() {
		resp["saved_at"] = rec.SavedAt.UTC()
	}
	return c.JSON(http.StatusOK, resp)
}

// PutState handles PUT /v1/state/:name. Saves are debounced unless
// ?immediate=true.
func (h *Handler) PutState(c echo.Context) error {
	body, err := readJSON(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	immediate, _ := strconv.ParseBool(c.QueryParam("immediate"))
	if err := h.deps.States.Put(c.Request().Context(), c.Param("name"), body, recovery.SaveOptions{Immediate: immediate}); err != nil {
		return badRequest(c, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

// DeleteState handles DELETE /v1/state/:name
func (h *Handler) DeleteState(c echo.Context) error {
	h.deps.States.Delete(c.Param("name"))
	return c.NoContent(http.StatusNoContent)
}

// CreateSnapshot handles POST /v1/state/snapshot. Providers that fail are
// left out and listed under "errors".
func (h *Handler) CreateSnapshot(c echo.Context) error {
	snap, err := h.deps.Recovery.CreateSnapshot(c.Request().Context())
	resp := map[string]any{"snapshot": snap}
	if err != nil {
		resp["errors"] = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

// RestoreSnapshot handles POST /v1/state/restore
func (h *Handler) RestoreSnapshot(c echo.Context) error {
	var snap recovery.Snapshot
	if err := c.Bind(&snap); err != nil {
		return badRequest(c, "invalid snapshot: "+err.Error())
	}
	return c.JSON(http.StatusOK, h.deps.Recovery.RestoreSnapshot(c.Request().Context(), &snap))
}

// ListGames handles GET /v1/games?dirty=true
func (h *Handler) ListGames(c echo.Context) error {
	games := h.deps.Games.Games()
	if dirty, _ := strconv.ParseBool(c.QueryParam("dirty")); dirty {
		kept := games[:0]
		for _, g := range games {
			if g.Dirty {
				kept = append(kept, g)
			}
		}
		games = kept
	}
	return c.JSON(http.StatusOK, map[string]any{"user_id": h.deps.Games.UserID(), "games": games})
}

// GetGame handles GET /v1/games/:id
func (h *Handler) GetGame(c echo.Context) error {
	g, ok := h.deps.Games.Game(c.Param("id"))
	if !ok {
		return handleError(c, fmt.Errorf("%w: %s", reconcile.ErrUnknownGame, c.Param("id")))
	}
	return c.JSON(http.StatusOK, g)
}

// MutateGame handles PUT /v1/games/:id with {"gameState": {...}}
func (h *Handler) MutateGame(c echo.Context) error {
	var req struct {
		GameState map[string]any `json:"gameState"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if req.GameState == nil {
		return badRequest(c, "gameState is required")
	}
	g, err := h.deps.Games.RecordMutation(c.Request().Context(), c.Param("id"), req.GameState)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, g)
}

// ResolveConflict handles POST /v1/games/:id/resolve with {"resolution": "local"|"remote"}
func (h *Handler) ResolveConflict(c echo.Context) error {
	var req struct {
		Resolution string `json:"resolution"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	res, err := reconcile.ParseResolution(req.Resolution)
	if err != nil {
		return badRequest(c, err.Error())
	}
	g, err := h.deps.Games.ResolveConflict(c.Request().Context(), c.Param("id"), res)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, g)
}

// SyncFlush handles POST /v1/sync/flush
func (h *Handler) SyncFlush(c echo.Context) error {
	return c.JSON(http.StatusOK, h.deps.Games.Flush(c.Request().Context()))
}

// SyncPull handles POST /v1/sync/pull
func (h *Handler) SyncPull(c echo.Context) error {
	res, err := h.deps.Games.Pull(c.Request().Context())
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func readJSON(c echo.Context) (json.RawMessage, error) {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("body is not valid JSON")
	}
	return json.RawMessage(data), nil
}
