package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/protocol"
	"collabtext/transport"
)

func nextEvent(t *testing.T, tr transport.Transport, typ transport.EventType) transport.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-tr.Events():
			require.True(t, ok, "events closed")
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func nextMessage(t *testing.T, tr transport.Transport, typ protocol.MessageType) *protocol.Message {
	t.Helper()
	for {
		e := nextEvent(t, tr, transport.EventMessage)
		if e.Message.Type == typ {
			return e.Message
		}
	}
}

func TestHealthz(t *testing.T) {
	hub := newTestHub(t, nil, DefaultHubSettings())
	server := httptest.NewServer(NewRouter(hub, DefaultServerSettings()))
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))

	resp, err = http.Get(server.URL + "/ws/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerRelaysBetweenWebsockets(t *testing.T) {
	hub := newTestHub(t, nil, DefaultHubSettings())
	server := httptest.NewServer(NewRouter(hub, DefaultServerSettings()))
	defer server.Close()

	ctx := context.Background()
	// the room name needs escaping on the way in
	const roomName = "notes/1"

	ta, err := transport.NewWebsocketTransport(ctx, server.URL, roomName, transport.DefaultSettings())
	require.NoError(t, err)
	defer ta.Close()
	nextEvent(t, ta, transport.EventConnected)
	require.NoError(t, ta.Send(&protocol.Message{Type: protocol.TypeJoin, Room: roomName, Sender: "a"}))
	assert.Eventually(t, func() bool { return hub.Members(roomName) == 1 }, 2*time.Second, 10*time.Millisecond)

	tb, err := transport.NewWebsocketTransport(ctx, server.URL, roomName, transport.DefaultSettings())
	require.NoError(t, err)
	nextEvent(t, tb, transport.EventConnected)
	require.NoError(t, tb.Send(&protocol.Message{Type: protocol.TypeJoin, Room: roomName, Sender: "b"}))
	assert.Equal(t, "b", nextMessage(t, ta, protocol.TypeJoin).Sender)

	require.NoError(t, ta.Send(&protocol.Message{Type: protocol.TypeDocumentUpdate, Room: roomName, Sender: "a", Update: []byte{1, 2}}))
	msg := nextMessage(t, tb, protocol.TypeDocumentUpdate)
	assert.Equal(t, "a", msg.Sender)
	assert.Equal(t, []byte{1, 2}, msg.Update)

	// b goes away without a leave, the relay sends one for it
	require.NoError(t, tb.Close())
	assert.Equal(t, "b", nextMessage(t, ta, protocol.TypeLeave).Sender)
}
