// Package protocol defines the room-scoped messages exchanged between sync
// providers and the relay. Each message travels as one JSON object per
// websocket text frame; binary payloads are base64 encoded by encoding/json.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedMessage = errors.New("malformed message")

type MessageType string

const (
	// client -> relay: declare membership in the room
	TypeJoin MessageType = "join"
	// client -> relay: declare departure, best-effort
	TypeLeave MessageType = "leave"
	// client -> relay: ask room peers for the state the sender is missing
	TypeSyncRequest MessageType = "sync-request"
	// peer/relay -> client: answer to a sync-request, addressed with To
	TypeSyncResponse MessageType = "sync-response"
	// both directions: opaque document delta
	TypeDocumentUpdate MessageType = "document-update"
	// both directions: whole-record presence replacement
	TypePresenceUpdate MessageType = "presence-update"
)

func (t MessageType) valid() bool {
	switch t {
	case TypeJoin, TypeLeave, TypeSyncRequest, TypeSyncResponse, TypeDocumentUpdate, TypePresenceUpdate:
		return true
	default:
		return false
	}
}

// Message is the envelope for every relay message. Sender is the client id of
// the originating connection; the relay never delivers a message back to its
// sender. A non-empty To restricts delivery to that client.
type Message struct {
	Type   MessageType `json:"type"`
	Room   string      `json:"room"`
	Sender string      `json:"sender"`
	To     string      `json:"to,omitempty"`

	// document-update
	Update []byte `json:"update,omitempty"`
	// sync-response: what the requester is missing, absent when nothing
	Snapshot []byte `json:"snapshot,omitempty"`
	// sync-request and sync-response: what the sender has seen
	StateVector []byte `json:"stateVector,omitempty"`
	// presence-update: absent when the sender cleared its record
	Presence map[string]any `json:"presence,omitempty"`
}

func (m *Message) String() string {
	if m.To != "" {
		return fmt.Sprintf("%s[%s] %s->%s", m.Type, m.Room, m.Sender, m.To)
	}
	return fmt.Sprintf("%s[%s] %s", m.Type, m.Room, m.Sender)
}

// Validate checks the fields every message type requires.
func (m *Message) Validate() error {
	if !m.Type.valid() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, m.Type)
	}
	if m.Room == "" {
		return fmt.Errorf("%w: %s without room", ErrMalformedMessage, m.Type)
	}
	if m.Sender == "" {
		return fmt.Errorf("%w: %s without sender", ErrMalformedMessage, m.Type)
	}
	if m.Type == TypeDocumentUpdate && len(m.Update) == 0 {
		return fmt.Errorf("%w: document-update without update", ErrMalformedMessage)
	}
	return nil
}

func Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
