// Package transport is the client side of the relay connection, a persistent
// room-scoped message channel.
package transport

import (
	"context"
	"errors"
	"fmt"

	"collabtext/protocol"
)

var (
	ErrNotConnected   = errors.New("transport not connected")
	ErrSendBufferFull = errors.New("send buffer full")
	ErrClosed         = errors.New("transport closed")
)

type EventType int

const (
	// a connection attempt started
	EventConnecting EventType = iota + 1
	// the connection is up and Send will be accepted
	EventConnected
	// the connection attempt failed or the connection dropped
	EventDisconnected
	// a message from the room arrived
	EventMessage
)

func (t EventType) String() string {
	switch t {
	case EventConnecting:
		return "connecting"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

type Event struct {
	Type    EventType
	Message *protocol.Message
	// set on EventDisconnected when the cause is known
	Err error
}

// Transport is a room-scoped connection to the relay. Every EventConnected
// starts a fresh session on the relay, so the owner joins again. The Events
// channel is closed once the transport has shut down.
type Transport interface {
	// Send queues m without blocking. It fails when the connection is down or
	// the send buffer is full.
	Send(m *protocol.Message) error
	Events() <-chan Event
	// Close shuts the transport down, flushing already queued messages
	// best-effort. It is idempotent.
	Close() error
}

// Dialer creates a transport for one room of the relay at endpoint. It must
// not block on the network.
type Dialer func(ctx context.Context, endpoint string, room string) (Transport, error)
