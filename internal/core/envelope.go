package core

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Beam/internal/domain"
)

type MessageType string

// Client-to-server and server-to-client message types.
const (
	TypeMessage  MessageType = "message"
	TypeControl  MessageType = "control"
	TypeFileInit MessageType = "file_init"
	TypeFileDone MessageType = "file_done"
	TypeCreate   MessageType = "create"
	TypeJoin     MessageType = "join"

	TypeError       MessageType = "error"
	TypeRoomCreated MessageType = "room_created"
	TypeRoomJoined  MessageType = "room_joined"
	TypePeerJoined  MessageType = "peer_joined"
	TypePeerLeft    MessageType = "peer_left"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the structured text message exchanged over the control
// channel. Payload is relayed byte for byte; the server never looks
// inside it. From is stamped by the server and never trusted from
// the client.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Room    domain.RoomID   `json:"room,omitempty"`
	From    domain.PeerID   `json:"from,omitempty"`
	To      domain.PeerID   `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return &env, nil
}

// Relayable reports whether the envelope is forwarded to peers rather
// than handled by the server itself.
func (e *Envelope) Relayable() bool {
	switch e.Type {
	case TypeMessage, TypeControl, TypeFileInit, TypeFileDone:
		return true
	}
	return false
}

// Target resolves the recipient field, defaulting to everyone.
func (e *Envelope) Target() domain.PeerID {
	if e.To == "" {
		return domain.TargetAll
	}
	return e.To
}

func (e *Envelope) Encode() (Frame, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return Frame(b), nil
}

// errorPayload is the body of an error envelope:
// {"type":"error","payload":{"message":"..."}}
type errorPayload struct {
	Message string `json:"message"`
}

// ErrorEnvelope builds the server-to-client failure notification.
func ErrorEnvelope(room domain.RoomID, message string) *Envelope {
	p, _ := json.Marshal(errorPayload{Message: message})
	return &Envelope{
		Type:    TypeError,
		Room:    room,
		Payload: p,
	}
}
