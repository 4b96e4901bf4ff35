package recovery

// NetworkStateKey holds the last network state seen by a coordinator.
const NetworkStateKey = "network_state"

const (
	statePrefix     = "state_"
	timestampSuffix = "_timestamp"
)

// StateKey is the cache key a provider's state is saved under.
func StateKey(name string) string {
	return statePrefix + name
}

// TimestampKey is the cache key holding when StateKey(name) was last saved.
func TimestampKey(name string) string {
	return StateKey(name) + timestampSuffix
}
