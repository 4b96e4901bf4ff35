package reconcile

import "strconv"

// GameKey is the cache key of a user's game snapshot. The user id is length
// prefixed so ids containing the separator cannot collide across users.
func GameKey(userID, gameID string) string {
	return "game_" + scoped(userID, gameID)
}

// IndexKey is the cache key listing a user's tracked game ids.
func IndexKey(userID string) string {
	return "games_" + userID
}

// ConflictKey is the cache key of the server copy held for an unresolved conflict.
func ConflictKey(userID, gameID string) string {
	return "conflict_" + scoped(userID, gameID)
}

func scoped(userID, gameID string) string {
	return strconv.Itoa(len(userID)) + ":" + userID + "_" + gameID
}
