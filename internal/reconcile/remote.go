package reconcile

import (
	"context"
	"errors"
	"fmt"
)

// UploadRequest pushes one version of a game. SnapshotID identifies the
// (game, version) pair, so repeating a request is safe.
type UploadRequest struct {
	SnapshotID  string         `json:"snapshotId"`
	GameID      string         `json:"gameId"`
	UserID      string         `json:"userId"`
	Version     int64          `json:"version"`
	BaseVersion int64          `json:"baseVersion"`
	State       map[string]any `json:"gameState"`
	Checksum    string         `json:"checksum,omitempty"`
	Timestamp   int64          `json:"timestamp"`
}

// UploadResult is the server's confirmation of an upload.
type UploadResult struct {
	// Version is the version the server persisted. Zero means the requested version.
	Version int64 `json:"version"`
}

// RemoteGame is the server copy of a game.
type RemoteGame struct {
	GameID   string         `json:"gameId"`
	Version  int64          `json:"version"`
	State    map[string]any `json:"gameState"`
	Checksum string         `json:"checksum,omitempty"`
	// UpdatedAt is epoch milliseconds.
	UpdatedAt int64 `json:"updatedAt"`
}

// Remote is the server the manager synchronises with.
type Remote interface {
	// UploadGame returns a *ConflictError when the server holds a version
	// newer than req.BaseVersion.
	UploadGame(ctx context.Context, req UploadRequest) (UploadResult, error)
	// DownloadGames lists the user's recent games.
	DownloadGames(ctx context.Context, userID string) ([]RemoteGame, error)
}

// ConflictError reports that another writer moved a game past the version
// this client built on.
type ConflictError struct {
	GameID        string
	RemoteVersion int64
	// Remote is the server copy when the server included it.
	Remote *RemoteGame
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("game %s: server has version %d from another writer", e.GameID, e.RemoteVersion)
}

var (
	// ErrUnknownGame is returned for games the manager does not track.
	ErrUnknownGame = errors.New("unknown game")
	// ErrNoConflict is returned when resolving a game that is not in conflict.
	ErrNoConflict = errors.New("game is not in conflict")
	// ErrLocalChanged is returned when the local copy changed while a
	// resolution was being applied.
	ErrLocalChanged = errors.New("local copy changed during resolution")
)
