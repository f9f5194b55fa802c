package connector

import (
	"time"

	"nefit-easy-connector/internal/nefit"
)

// State is the observable kind of the connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// connState is the tagged connection state. Only the guarded execute path transitions it.
type connState interface {
	kind() State
}

type disconnected struct{}

// connecting covers both the cooldown wait and the handshake.
type connecting struct {
	since time.Time
}

type connected struct {
	session nefit.Session
	since   time.Time
}

func (disconnected) kind() State { return Disconnected }
func (connecting) kind() State   { return Connecting }
func (connected) kind() State    { return Connected }
