package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/pion/webrtc/v4"
)

// ErrMalformed is returned for control messages that decode but violate the
// message rules.
var ErrMalformed = errors.New("malformed control message")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core Deterministic Encoding: the same message always yields the
	// same bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxNestedLevels: 4,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes a Message for the control channel.
func Encode(msg *Message) ([]byte, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}
	return encMode.Marshal(msg)
}

// Decode deserializes and validates a control message.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := decMode.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding control message: %w", err)
	}
	if err := validate(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func validate(msg *Message) error {
	switch msg.Type {
	case TypeMediaOffer, TypeMediaAnswer:
		if msg.SDP == "" {
			return fmt.Errorf("%w: %s without SDP", ErrMalformed, msg.Type)
		}
	case TypeCandidate:
		if msg.Candidate == nil {
			return fmt.Errorf("%w: candidate message without candidate", ErrMalformed)
		}
	case TypeBye:
	default:
		return fmt.Errorf("%w: unknown %s", ErrMalformed, msg.Type)
	}
	return nil
}

// NewCandidate builds a candidate message from a pion candidate.
func NewCandidate(init webrtc.ICECandidateInit) *Message {
	return &Message{
		Type: TypeCandidate,
		Candidate: &Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		},
	}
}

// ICECandidateInit converts the wire candidate back to pion's form.
func (c *Candidate) ICECandidateInit() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
