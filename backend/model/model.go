package model

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnknownMessageKind = errors.New("unknown message kind")
)

// Kind is the value of the envelope "type" field.
type Kind string

// Negotiation kinds.
const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

// Lifecycle hints. The relay forwards them as-is.
const (
	KindReady          Kind = "ready"
	KindBye            Kind = "bye"
	KindStart          Kind = "start"
	KindStop           Kind = "stop"
	KindStartRecording Kind = "start-recording"
	KindStopRecording  Kind = "stop-recording"
)

// Announcement kinds that are only ever sent by the relay.
const (
	KindPeerJoined Kind = "peer-joined"
	KindPeerLeft   Kind = "peer-left"
)

// KindUnknown marks an envelope whose type is not routable.
const KindUnknown Kind = ""

var routable = map[Kind]struct{}{
	KindOffer:          {},
	KindAnswer:         {},
	KindCandidate:      {},
	KindReady:          {},
	KindBye:            {},
	KindStart:          {},
	KindStop:           {},
	KindStartRecording: {},
	KindStopRecording:  {},
}

// ParseKind maps an inbound type string to a routable Kind or KindUnknown.
func ParseKind(s string) Kind {
	if _, ok := routable[Kind(s)]; ok {
		return Kind(s)
	}
	return KindUnknown
}

// IsNegotiation reports whether k carries session description or ICE data.
func (k Kind) IsNegotiation() bool {
	return k == KindOffer || k == KindAnswer || k == KindCandidate
}

// Envelope is a single signaling message. Raw holds the frame exactly as it
// was received and is what gets forwarded; Binary keeps the frame type.
type Envelope struct {
	Kind   Kind
	Type   string
	Raw    []byte
	Binary bool
}

// ParseEnvelope checks that raw is a JSON object with a string "type" field.
// For an unrecognized type the envelope is returned together with
// ErrUnknownMessageKind so the caller can still log what arrived.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Envelope{}, errors.Join(ErrMalformedMessage, err)
	}
	if fields == nil {
		return Envelope{}, errors.Join(ErrMalformedMessage, errors.New("not an object"))
	}
	typeField, ok := fields["type"]
	if !ok {
		return Envelope{}, errors.Join(ErrMalformedMessage, errors.New("missing type"))
	}
	var typ string
	if err := json.Unmarshal(typeField, &typ); err != nil {
		return Envelope{}, errors.Join(ErrMalformedMessage, errors.New("type is not a string"))
	}

	env := Envelope{
		Kind: ParseKind(typ),
		Type: typ,
		Raw:  append([]byte(nil), raw...),
	}
	if env.Kind == KindUnknown {
		return env, ErrUnknownMessageKind
	}
	return env, nil
}

type announcement struct {
	Type Kind   `json:"type"`
	Peer string `json:"peer"`
}

// NewAnnouncement builds a relay-originated lifecycle message about peerID.
func NewAnnouncement(kind Kind, peerID string) Envelope {
	// marshalling two strings cannot fail
	b, _ := json.Marshal(announcement{Type: kind, Peer: peerID})
	return Envelope{
		Kind: kind,
		Type: string(kind),
		Raw:  b,
	}
}

// Wire is the relay side of one participant connection. TX is owned by the
// switch: it is written to only while the wire is registered and closed
// when the wire is removed.
type Wire struct {
	ID string
	TX chan Envelope
}

// DefaultQueueSize is used when NewWire is given a non-positive size.
const DefaultQueueSize = 64

func NewWire(queueSize int) *Wire {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Wire{
		ID: uuid.NewString(),
		TX: make(chan Envelope, queueSize),
	}
}
