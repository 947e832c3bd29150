package negotiator

import "fmt"

// Strategy selects how local candidates reach the remote peer.
type Strategy int

const (
	// Exhaustive waits for gathering to finish (or time out) and embeds
	// every candidate in the returned descriptor. Used when the only carrier
	// is a one-shot manual transport.
	Exhaustive Strategy = iota

	// Incremental returns the descriptor at once and trickles candidates
	// through OnLocalCandidate once StartTrickle is called.
	Incremental
)

func (s Strategy) String() string {
	switch s {
	case Exhaustive:
		return "exhaustive"
	case Incremental:
		return "incremental"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// State is the lifecycle of one negotiated channel.
//
//	New → Negotiating → {Open | Failed} → Closed
type State int

const (
	StateNew State = iota
	StateNegotiating
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether the channel has stopped for good. Only Close
// moves a terminal negotiator, from Failed to Closed.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}
