package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type EnvelopeType string

// Signaling envelope types exchanged through the relay.
const (
	EnvelopeTypeJoin   EnvelopeType = "join"
	EnvelopeTypeOffer  EnvelopeType = "offer"
	EnvelopeTypeAnswer EnvelopeType = "answer"
	EnvelopeTypeIce    EnvelopeType = "ice"
	EnvelopeTypeLeave  EnvelopeType = "leave"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrUnknownType       = errors.New("unknown envelope type")
)

// Candidate is a trickled ICE candidate as it travels through the relay.
type Candidate struct {
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex uint16  `json:"sdpMLineIndex"`
	Candidate     string  `json:"candidate"`
}

// Envelope is a single signaling message. Envelopes are immutable once
// constructed; parsed envelopes remember the exact bytes they came from.
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	Room      string       `json:"room"`
	SDP       string       `json:"sdp,omitempty"`
	Candidate *Candidate   `json:"candidate,omitempty"`

	raw []byte
}

func NewJoin(room string) Envelope {
	return Envelope{Type: EnvelopeTypeJoin, Room: room}
}

func NewLeave(room string) Envelope {
	return Envelope{Type: EnvelopeTypeLeave, Room: room}
}

func NewOffer(room, sdp string) Envelope {
	return Envelope{Type: EnvelopeTypeOffer, Room: room, SDP: sdp}
}

func NewAnswer(room, sdp string) Envelope {
	return Envelope{Type: EnvelopeTypeAnswer, Room: room, SDP: sdp}
}

func NewCandidate(room string, c Candidate) Envelope {
	return Envelope{Type: EnvelopeTypeIce, Room: room, Candidate: &c}
}

// ParseEnvelope decodes a relay frame. Any error wraps ErrMalformedEnvelope.
func ParseEnvelope(raw []byte) (Envelope, error) {
	if err := checkKeys(raw); err != nil {
		return Envelope{}, errors.Join(ErrMalformedEnvelope, err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, errors.Join(ErrMalformedEnvelope, err)
	}
	if err := env.validate(); err != nil {
		return Envelope{}, errors.Join(ErrMalformedEnvelope, err)
	}
	env.raw = append([]byte(nil), raw...)
	return env, nil
}

var (
	envelopeKeys  = []string{"type", "room", "sdp", "candidate"}
	candidateKeys = []string{"sdpMid", "sdpMLineIndex", "candidate"}
)

// checkKeys rejects protocol keys spelled in another case, which
// encoding/json would otherwise accept. Unknown keys are left alone.
func checkKeys(raw []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	if err := matchCase(fields, envelopeKeys); err != nil {
		return err
	}
	c, ok := fields["candidate"]
	if !ok || string(c) == "null" {
		return nil
	}
	var candidate map[string]json.RawMessage
	if err := json.Unmarshal(c, &candidate); err != nil {
		return err
	}
	return matchCase(candidate, candidateKeys)
}

func matchCase(fields map[string]json.RawMessage, keys []string) error {
	for field := range fields {
		for _, key := range keys {
			if field != key && strings.EqualFold(field, key) {
				return fmt.Errorf("key %q must be spelled %q", field, key)
			}
		}
	}
	return nil
}

func (env Envelope) validate() error {
	switch env.Type {
	case EnvelopeTypeJoin, EnvelopeTypeLeave:
	case EnvelopeTypeOffer, EnvelopeTypeAnswer:
		if env.SDP == "" {
			return fmt.Errorf("%s without sdp", env.Type)
		}
	case EnvelopeTypeIce:
		if env.Candidate == nil || env.Candidate.Candidate == "" {
			return errors.New("ice without candidate")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if env.Room == "" {
		return errors.New("missing room")
	}
	return nil
}

// Raw returns the frame the envelope was parsed from, or nil for envelopes
// constructed locally.
func (env Envelope) Raw() []byte {
	return env.raw
}

func (env Envelope) Marshal() ([]byte, error) {
	if env.raw != nil {
		return env.raw, nil
	}
	return json.Marshal(&env)
}

// RoomInfo is the introspection view of a relay room.
type RoomInfo struct {
	ID      string `json:"room_id"`
	Members int    `json:"members"`
}

const defaultWireQueueSize = 64

// Wire is the outbound frame queue of a single relay connection.
type Wire struct {
	TX chan []byte
}

func NewWire() Wire {
	return Wire{
		TX: make(chan []byte, defaultWireQueueSize),
	}
}
