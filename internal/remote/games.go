package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/jkrumboe/wizard-tracker-sub006/internal/reconcile"
)

var _ reconcile.Remote = (*Client)(nil)

// UploadGame pushes one game version. The snapshot id is sent as the
// Idempotency-Key so a retried upload is applied once. A 409 response
// becomes a *reconcile.ConflictError carrying the server copy when the
// server included it.
func (c *Client) UploadGame(ctx context.Context, req reconcile.UploadRequest) (reconcile.UploadResult, error) {
	if req.GameID == "" {
		return reconcile.UploadResult{}, fmt.Errorf("game id is required")
	}
	body, err := c.do(ctx, request{
		method:  http.MethodPost,
		path:    "/api/games/" + url.PathEscape(req.GameID) + "/sync",
		body:    req,
		headers: map[string]string{"Idempotency-Key": req.SnapshotID},
	})
	if err != nil {
		var re *Error
		if errors.As(err, &re) && re.StatusCode == http.StatusConflict {
			return reconcile.UploadResult{}, conflictFromBody(req.GameID, re.body)
		}
		return reconcile.UploadResult{}, fmt.Errorf("upload game %s: %w", req.GameID, err)
	}

	return reconcile.UploadResult{Version: gjson.GetBytes(body, "version").Int()}, nil
}

// conflictFromBody reads {"remoteVersion": n, "game": {...}}. The game copy
// is optional and also accepted under "remote".
func conflictFromBody(gameID string, body []byte) *reconcile.ConflictError {
	ce := &reconcile.ConflictError{GameID: gameID}
	if !gjson.ValidBytes(body) {
		return ce
	}
	doc := gjson.ParseBytes(body)
	game := doc.Get("game")
	if !game.IsObject() {
		game = doc.Get("remote")
	}
	if game.IsObject() {
		var rg reconcile.RemoteGame
		if err := json.Unmarshal([]byte(game.Raw), &rg); err == nil {
			if rg.GameID == "" {
				rg.GameID = gameID
			}
			ce.Remote = &rg
			ce.RemoteVersion = rg.Version
		}
	}
	if v := doc.Get("remoteVersion"); v.Exists() {
		ce.RemoteVersion = v.Int()
	}
	return ce
}

// DownloadGames lists the user's games. Both a bare array and
// {"games": [...]} are accepted.
func (c *Client) DownloadGames(ctx context.Context, userID string) ([]reconcile.RemoteGame, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	body, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/api/users/" + url.PathEscape(userID) + "/games",
	})
	if err != nil {
		return nil, fmt.Errorf("download games: %w", err)
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("download games: response is not JSON")
	}
	list := gjson.ParseBytes(body)
	if list.IsObject() {
		list = list.Get("games")
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("download games: response has no game list")
	}

	games := make([]reconcile.RemoteGame, 0, len(list.Array()))
	for _, item := range list.Array() {
		var rg reconcile.RemoteGame
		if err := json.Unmarshal([]byte(item.Raw), &rg); err != nil {
			return nil, fmt.Errorf("download games: decode game: %w", err)
		}
		games = append(games, rg)
	}
	return games, nil
}
