package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Version selects the wire layout and correlation scheme of a connection.
type Version int

const (
	// V0 frames carry the payload in "data" and correlate by a random "uuid".
	V0 Version = iota
	// V1 frames carry the payload in "packet" and correlate by an integer
	// "talk" id. Error replies reject the awaiting caller.
	V1
)

// VersionOf maps the version number a node declares at auth time.
func VersionOf(declared int) Version {
	if declared >= 1 {
		return V1
	}
	return V0
}

func (v Version) String() string {
	return fmt.Sprintf("v%d", int(v))
}

// TalkID correlates a request with its reply. Exactly one of the fields is
// set: UUID on V0 connections, Seq on V1 connections.
type TalkID struct {
	UUID string
	Seq  int64
}

// IsZero reports whether the id carries no correlation at all.
func (id TalkID) IsZero() bool {
	return id.UUID == "" && id.Seq == 0
}

func (id TalkID) String() string {
	if id.UUID != "" {
		return id.UUID
	}
	return fmt.Sprintf("#%d", id.Seq)
}

// Frame is a decoded inbound frame. Both layouts are accepted regardless of
// the connection's version because the auth frame arrives before the
// version is known.
type Frame struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	Packet json.RawMessage `json:"packet,omitempty"`
	UUID   string          `json:"uuid,omitempty"`
	Talk   int64           `json:"talk,omitempty"`
}

var errNoType = errors.New("frame has no type")

// Decode parses one inbound frame.
func Decode(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, errNoType
	}
	return &f, nil
}

// Kind returns the frame's message kind.
func (f *Frame) Kind() Kind {
	return Kind(f.Type)
}

// TalkID returns the correlation id the frame carries, if any.
func (f *Frame) TalkID() TalkID {
	return TalkID{UUID: f.UUID, Seq: f.Talk}
}

// Payload returns whichever payload field is present.
func (f *Frame) Payload() json.RawMessage {
	if len(f.Packet) > 0 {
		return f.Packet
	}
	return f.Data
}

// Unmarshal decodes the payload into v. A missing payload decodes as an
// empty object.
func (f *Frame) Unmarshal(v any) error {
	payload := f.Payload()
	if len(bytes.TrimSpace(payload)) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = []byte("{}")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

// Err returns the protocol error carried by an "error" frame, or nil for any
// other frame.
func (f *Frame) Err() error {
	if f.Kind() != KindError {
		return nil
	}
	pe := &Error{}
	if err := f.Unmarshal(pe); err != nil || pe.Level == "" {
		return Severef("Malformed error reply")
	}
	return pe
}

type v0Frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
	UUID string `json:"uuid,omitempty"`
}

type v1Frame struct {
	Type   string `json:"type"`
	Packet any    `json:"packet"`
	Talk   int64  `json:"talk,omitempty"`
}

// Encode renders msg in the layout of version v, correlated by id.
func Encode(v Version, msg Message, id TalkID) ([]byte, error) {
	payload := msg.Payload
	if payload == nil {
		payload = struct{}{}
	}
	var wire any
	switch v {
	case V0:
		wire = v0Frame{Type: string(msg.Kind), Data: payload, UUID: id.UUID}
	case V1:
		wire = v1Frame{Type: string(msg.Kind), Packet: payload, Talk: id.Seq}
	default:
		return nil, fmt.Errorf("unsupported protocol version %d", int(v))
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", msg.Kind, err)
	}
	return data, nil
}
