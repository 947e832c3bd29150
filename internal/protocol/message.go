// Package protocol defines the messages exchanged over the control channel
// once it is open: the media channel's offer, answer and trickled
// candidates, and the hang-up notice.
package protocol

import "fmt"

// Type identifies a control message.
type Type uint8

const (
	TypeMediaOffer  Type = 0x01 // media channel SDP offer (initiator → responder)
	TypeMediaAnswer Type = 0x02 // media channel SDP answer (responder → initiator)
	TypeCandidate   Type = 0x03 // one trickled media ICE candidate
	TypeBye         Type = 0x04 // the sender is closing the session
)

func (t Type) String() string {
	switch t {
	case TypeMediaOffer:
		return "media-offer"
	case TypeMediaAnswer:
		return "media-answer"
	case TypeCandidate:
		return "candidate"
	case TypeBye:
		return "bye"
	default:
		return fmt.Sprintf("type(0x%02x)", uint8(t))
	}
}

// Message is one control-channel message. Only the fields relevant to Type
// are set.
type Message struct {
	Type      Type       `cbor:"1,keyasint"`
	SDP       string     `cbor:"2,keyasint,omitempty"`
	Candidate *Candidate `cbor:"3,keyasint,omitempty"`
}

// Candidate mirrors webrtc.ICECandidateInit with stable CBOR keys.
type Candidate struct {
	Candidate        string  `cbor:"1,keyasint"`
	SDPMid           *string `cbor:"2,keyasint,omitempty"`
	SDPMLineIndex    *uint16 `cbor:"3,keyasint,omitempty"`
	UsernameFragment *string `cbor:"4,keyasint,omitempty"`
}
