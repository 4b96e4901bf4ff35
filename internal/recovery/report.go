package recovery

import (
	"encoding/json"
	"fmt"
	"time"
)

// Report summarises a sweep over the registered providers.
type Report struct {
	Succeeded []string          `json:"succeeded"`
	Skipped   []string          `json:"skipped,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
}

func (r *Report) succeed(name string) {
	r.Succeeded = append(r.Succeeded, name)
}

func (r *Report) skip(name string) {
	r.Skipped = append(r.Skipped, name)
}

func (r *Report) fail(name string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]string)
	}
	r.Failed[name] = err.Error()
}

// OK reports whether no provider failed.
func (r Report) OK() bool {
	return len(r.Failed) == 0
}

func (r Report) String() string {
	return fmt.Sprintf("%d succeeded, %d skipped, %d failed", len(r.Succeeded), len(r.Skipped), len(r.Failed))
}

// Recovered is a provider state read back from the cache.
type Recovered struct {
	State json.RawMessage
	// SavedAt is zero when the companion timestamp is missing.
	SavedAt time.Time
}

// Snapshot is a manual checkpoint of every provider's state.
type Snapshot struct {
	Timestamp int64                      `json:"timestamp"`
	States    map[string]json.RawMessage `json:"states"`
}
