package recovery

import (
	"fmt"
)

// Event is a lifecycle signal from the client.
type Event string

const (
	// EventUnload fires when the client is about to go away.
	EventUnload Event = "unload"
	// EventHidden fires when the client moves to the background.
	EventHidden Event = "hidden"
	// EventVisible fires when the client returns to the foreground.
	EventVisible Event = "visible"
	// EventOffline fires when connectivity is lost.
	EventOffline Event = "offline"
	// EventOnline fires when connectivity returns.
	EventOnline Event = "online"
)

// ParseEvent validates s as an Event.
func ParseEvent(s string) (Event, error) {
	switch e := Event(s); e {
	case EventUnload, EventHidden, EventVisible, EventOffline, EventOnline:
		return e, nil
	}
	return "", fmt.Errorf("unknown lifecycle event %q", s)
}

// NetworkState is the connectivity the coordinator last observed.
type NetworkState string

const (
	NetworkUnknown NetworkState = ""
	NetworkOnline  NetworkState = "online"
	NetworkOffline NetworkState = "offline"
)
