package model

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid connection state transition")

// State of a single participant connection.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event drives State transitions.
type Event int

const (
	// EventAccepted is the completed websocket handshake.
	EventAccepted Event = iota
	// EventCloseMessage is a close frame from the participant.
	EventCloseMessage
	// EventTransportError is a read/write failure or a missed pong.
	EventTransportError
	// EventShutdown is a relay-initiated close.
	EventShutdown
	// EventEvicted means the switch dropped the wire after a failed delivery.
	EventEvicted
)

func (e Event) String() string {
	switch e {
	case EventAccepted:
		return "accepted"
	case EventCloseMessage:
		return "close-message"
	case EventTransportError:
		return "transport-error"
	case EventShutdown:
		return "shutdown"
	case EventEvicted:
		return "evicted"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Next returns the state reached from s on e.
//
//	connecting --accepted--> open
//	connecting --anything else--> closed
//	open --close/error/shutdown/evicted--> closed
//
// Closed is terminal.
func (s State) Next(e Event) (State, error) {
	switch s {
	case StateConnecting:
		if e == EventAccepted {
			return StateOpen, nil
		}
		return StateClosed, nil
	case StateOpen:
		if e == EventAccepted {
			return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, e, s)
		}
		return StateClosed, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, e, s)
}
