package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/protocol"
	"collabtext/transport"
)

func TestLocalConnDropRestore(t *testing.T) {
	hub := newTestHub(t, nil, DefaultHubSettings())
	peer := hub.NewMember("r1")
	join(t, peer, "peer")

	c := hub.Connect(context.Background(), "r1")
	nextEvent(t, c, transport.EventConnected)
	require.NoError(t, c.Send(&protocol.Message{Type: protocol.TypeJoin, Room: "r1", Sender: "a"}))
	assert.Equal(t, "a", receiveType(t, peer, protocol.TypeJoin).Sender)

	c.Drop()
	nextEvent(t, c, transport.EventDisconnected)
	assert.Equal(t, "a", receiveType(t, peer, protocol.TypeLeave).Sender)
	err := c.Send(&protocol.Message{Type: protocol.TypeJoin, Room: "r1", Sender: "a"})
	assert.ErrorIs(t, err, transport.ErrNotConnected)

	c.Restore()
	nextEvent(t, c, transport.EventConnected)
	require.NoError(t, c.Send(&protocol.Message{Type: protocol.TypeJoin, Room: "r1", Sender: "a"}))
	require.NoError(t, peer.Receive(&protocol.Message{Type: protocol.TypeDocumentUpdate, Room: "r1", Sender: "peer", Update: []byte{1}}))
	assert.Equal(t, []byte{1}, nextMessage(t, c, protocol.TypeDocumentUpdate).Update)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send(&protocol.Message{Type: protocol.TypeJoin, Room: "r1", Sender: "a"}), transport.ErrClosed)
	for range c.Events() {
	}
}

func TestLocalConnClosedByContext(t *testing.T) {
	hub := newTestHub(t, nil, DefaultHubSettings())
	ctx, cancel := context.WithCancel(context.Background())
	c, err := LocalDialer(hub)(ctx, "ignored", "r1")
	require.NoError(t, err)
	cancel()
	for range c.Events() {
	}
	assert.ErrorIs(t, c.Send(&protocol.Message{Type: protocol.TypeJoin, Room: "r1", Sender: "a"}), transport.ErrClosed)
}
