package display

import (
	"image"
)

// Sink is where the controller and the preview loop render to.
type Sink interface {
	RenderFrame(img image.Image)
	// RenderStatus shows a transient notification.
	RenderStatus(text string, isError bool)
	RenderState(state string)
}

// StateUnavailable is rendered as a persistent error until the state changes.
const StateUnavailable = "unavailable"

const (
	EventStatus = "status"
	EventState  = "state"
	EventClock  = "clock"
)

type Event struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Error      bool   `json:"error,omitempty"`
	Persistent bool   `json:"persistent,omitempty"`
	State      string `json:"state,omitempty"`
}

type Snapshot struct {
	State  string `json:"state"`
	Clock  string `json:"clock"`
	Notice *Event `json:"notice,omitempty"`
}
