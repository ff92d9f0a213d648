package model

import "encoding/json"

const (
	EventTypeUpdate = "update"
	EventTypeState  = "state"

	// StateSubscribed is sent once per subscription before any run event.
	StateSubscribed = "subscribed"
)

// Event is a broadcast-only status notification.
type Event struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
	WallMs *int64 `json:"wall_ms,omitempty"`
}

// RunningEvent is published as soon as a worker dequeues the job.
func RunningEvent() Event {
	return Event{Type: EventTypeUpdate, Status: string(StatusRunning)}
}

// TerminalEvent carries the final result.
func TerminalEvent(res Result) Event {
	wall := res.WallMs
	return Event{
		Type:   EventTypeUpdate,
		Status: string(res.Status),
		Stdout: res.Stdout,
		Stderr: res.Stderr,
		WallMs: &wall,
	}
}

// SubscribedEvent acknowledges a new subscription.
func SubscribedEvent() Event {
	return Event{Type: EventTypeState, Status: StateSubscribed}
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}
