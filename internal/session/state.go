package session

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/pastecall/internal/config"
	"github.com/1ureka/pastecall/internal/negotiator"
)

// State is the orchestrator's public state.
//
//	Idle → RoleAssigned → ControlNegotiating → ControlOpen →
//	MediaNegotiating → Connected → Closed
//
// Failed is reachable from every non-terminal state and left only by Reset.
type State int

const (
	StateIdle State = iota
	StateRoleAssigned
	StateControlNegotiating
	StateControlOpen
	StateMediaNegotiating
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRoleAssigned:
		return "role-assigned"
	case StateControlNegotiating:
		return "control-negotiating"
	case StateControlOpen:
		return "control-open"
	case StateMediaNegotiating:
		return "media-negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Snapshot is a read-only copy of the session state.
type Snapshot struct {
	Role      config.Role
	State     State
	Control   negotiator.State
	Media     negotiator.State
	LastError error
}

// EventKind identifies an orchestrator event.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventControlOpened
	EventMediaOfferReceived
	EventMediaConnected
	EventRemoteTrack
	EventFailed
	EventHungUp
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state-changed"
	case EventControlOpened:
		return "control-opened"
	case EventMediaOfferReceived:
		return "media-offer-received"
	case EventMediaConnected:
		return "media-connected"
	case EventRemoteTrack:
		return "remote-track"
	case EventFailed:
		return "failed"
	case EventHungUp:
		return "hung-up"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Event is delivered to subscribers. Session is the snapshot taken when the
// event was raised.
type Event struct {
	Kind    EventKind
	Session Snapshot

	// Track is set for EventRemoteTrack.
	Track *webrtc.TrackRemote

	// Err is set for EventFailed.
	Err error
}
