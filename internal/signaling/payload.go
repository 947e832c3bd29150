// Package signaling converts negotiation payloads to and from the strings
// that travel through manual transports: pasted text, offer links and QR
// codes. Every decode names the kind it expects, because none of those
// transports can tell an offer from an answer.
package signaling

import "errors"

// Kind identifies which half of an offer/answer exchange a payload is.
type Kind string

const (
	KindOffer  Kind = "offer"
	KindAnswer Kind = "answer"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindOffer || k == KindAnswer
}

// Payload is a session descriptor together with its kind. It is the JSON
// object carried inside an Envelope.
type Payload struct {
	Kind Kind   `json:"type"`
	SDP  string `json:"sdp"`
}

// Envelope is the transport-safe text form of a Payload.
type Envelope string

var (
	// ErrPayloadTypeMismatch is returned when a well-formed payload of the
	// wrong kind is supplied, e.g. an answer pasted where an offer is
	// expected.
	ErrPayloadTypeMismatch = errors.New("payload type mismatch")

	// ErrInvalidEnvelope is returned when an envelope cannot be decoded.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)
