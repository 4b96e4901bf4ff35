package reconcile

import (
	"fmt"
)

// ConflictPolicy decides what happens when the server and this client both
// changed a game.
type ConflictPolicy string

const (
	// PolicyManual parks the game in the conflict status until ResolveConflict.
	PolicyManual ConflictPolicy = "manual"
	// PolicyLastWriteWins keeps whichever side was written last.
	PolicyLastWriteWins ConflictPolicy = "last_write_wins"
)

// ParseConflictPolicy validates s. The empty string selects PolicyManual.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch p := ConflictPolicy(s); p {
	case "":
		return PolicyManual, nil
	case PolicyManual, PolicyLastWriteWins:
		return p, nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", s)
}

// Resolution picks the winning side of a conflict.
type Resolution string

const (
	KeepLocal  Resolution = "local"
	KeepRemote Resolution = "remote"
)

// ParseResolution validates s.
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case KeepLocal, KeepRemote:
		return r, nil
	}
	return "", fmt.Errorf("unknown resolution %q", s)
}
