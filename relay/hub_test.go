package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/crdt"
	"collabtext/protocol"
)

func newTestHub(t *testing.T, keeper *Keeper, settings *HubSettings) *Hub {
	broker := NewMemoryBroker(64)
	hub := NewHub(context.Background(), broker, keeper, settings)
	t.Cleanup(func() {
		hub.Close()
		broker.Close()
	})
	return hub
}

func receive(t *testing.T, m *Member) *protocol.Message {
	t.Helper()
	select {
	case data, ok := <-m.Send():
		require.True(t, ok, "member closed")
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
		return nil
	}
}

// receiveType skips messages until one of type t arrives.
func receiveType(t *testing.T, m *Member, typ protocol.MessageType) *protocol.Message {
	t.Helper()
	for {
		msg := receive(t, m)
		if msg.Type == typ {
			return msg
		}
	}
}

func expectNothing(t *testing.T, m *Member) {
	t.Helper()
	select {
	case data := <-m.Send():
		t.Fatalf("unexpected message %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func join(t *testing.T, m *Member, sender string) {
	t.Helper()
	require.NoError(t, m.Receive(&protocol.Message{Type: protocol.TypeJoin, Room: m.Room(), Sender: sender}))
}

func TestHubRouting(t *testing.T) {
	hub := newTestHub(t, nil, DefaultHubSettings())
	a := hub.NewMember("r1")
	b := hub.NewMember("r1")
	d := hub.NewMember("r1")
	c := hub.NewMember("r2")

	join(t, a, "a")
	join(t, b, "b")
	msg := receive(t, a)
	assert.Equal(t, protocol.TypeJoin, msg.Type)
	assert.Equal(t, "b", msg.Sender)

	join(t, d, "d")
	assert.Equal(t, "d", receive(t, a).Sender)
	assert.Equal(t, "d", receive(t, b).Sender)
	join(t, c, "c")
	assert.Equal(t, 3, hub.Members("r1"))
	assert.Equal(t, 1, hub.Members("r2"))

	require.NoError(t, a.Receive(&protocol.Message{Type: protocol.TypeDocumentUpdate, Room: "r1", Sender: "a", Update: []byte{1}}))
	assert.Equal(t, []byte{1}, receive(t, b).Update)
	assert.Equal(t, []byte{1}, receive(t, d).Update)

	require.NoError(t, a.Receive(&protocol.Message{Type: protocol.TypeSyncResponse, Room: "r1", Sender: "a", To: "b"}))
	msg = receive(t, b)
	assert.Equal(t, protocol.TypeSyncResponse, msg.Type)
	assert.Equal(t, "b", msg.To)

	expectNothing(t, a)
	expectNothing(t, c)
	expectNothing(t, d)
}

func TestMemberRejects(t *testing.T) {
	hub := newTestHub(t, nil, DefaultHubSettings())
	a := hub.NewMember("r1")

	err := a.Receive(&protocol.Message{Type: protocol.TypeDocumentUpdate, Room: "r1", Sender: "a", Update: []byte{1}})
	assert.ErrorIs(t, err, ErrNotJoined)
	err = a.Receive(&protocol.Message{Type: protocol.TypeLeave, Room: "r1", Sender: "a"})
	assert.ErrorIs(t, err, ErrNotJoined)

	join(t, a, "a")
	err = a.Receive(&protocol.Message{Type: protocol.TypeJoin, Room: "r2", Sender: "a"})
	assert.ErrorIs(t, err, ErrRoomMismatch)
	err = a.Receive(&protocol.Message{Type: protocol.TypeJoin, Room: "r1", Sender: "x"})
	assert.ErrorIs(t, err, ErrSenderMismatch)
	err = a.Receive(&protocol.Message{Type: protocol.TypeJoin, Room: "r1"})
	assert.ErrorIs(t, err, protocol.ErrMalformedMessage)

	a.Close()
	a.Close()
	err = a.Receive(&protocol.Message{Type: protocol.TypeJoin, Room: "r1", Sender: "a"})
	assert.ErrorIs(t, err, ErrMemberClosed)
	_, ok := <-a.Send()
	assert.False(t, ok)
}

func TestLeaveOnBehalfOfClosedMember(t *testing.T) {
	hub := newTestHub(t, nil, DefaultHubSettings())
	a := hub.NewMember("r1")
	b := hub.NewMember("r1")
	join(t, a, "a")
	join(t, b, "b")
	receive(t, a)

	b.Close()
	msg := receive(t, a)
	assert.Equal(t, protocol.TypeLeave, msg.Type)
	assert.Equal(t, "b", msg.Sender)
	assert.Equal(t, 1, hub.Members("r1"))

	// an explicit leave is not repeated on close
	require.NoError(t, a.Receive(&protocol.Message{Type: protocol.TypeLeave, Room: "r1", Sender: "a"}))
	assert.Equal(t, 0, hub.Members("r1"))
	a.Close()
}

func TestSlowMemberIsDisconnected(t *testing.T) {
	settings := DefaultHubSettings()
	settings.MemberBufferSize = 1
	hub := newTestHub(t, nil, settings)
	a := hub.NewMember("r1")
	b := hub.NewMember("r1")
	join(t, a, "a")
	join(t, b, "b")
	receive(t, a)

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Receive(&protocol.Message{Type: protocol.TypeDocumentUpdate, Room: "r1", Sender: "a", Update: []byte{byte(i + 1)}}))
	}

	msg := receive(t, a)
	assert.Equal(t, protocol.TypeLeave, msg.Type)
	assert.Equal(t, "b", msg.Sender)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-b.Send():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("slow member was not closed")
		}
	}
}

func TestKeeperAnswersSyncRequest(t *testing.T) {
	keeper := NewKeeper()
	hub := newTestHub(t, keeper, DefaultHubSettings())

	doc := crdt.NewDoc("a")
	var update []byte
	doc.Observe(func(u []byte, origin crdt.Origin) { update = u })
	require.NoError(t, doc.Insert(0, "hello"))

	a := hub.NewMember("r1")
	join(t, a, "a")
	require.NoError(t, a.Receive(&protocol.Message{Type: protocol.TypeDocumentUpdate, Room: "r1", Sender: "a", Update: update}))
	assert.Eventually(t, func() bool { return keeper.Text("r1") == "hello" }, 2*time.Second, 10*time.Millisecond)

	b := hub.NewMember("r1")
	join(t, b, "b")
	fresh := crdt.NewDoc("b")
	require.NoError(t, b.Receive(&protocol.Message{
		Type:        protocol.TypeSyncRequest,
		Room:        "r1",
		Sender:      "b",
		StateVector: fresh.EncodeStateVector(),
	}))

	msg := receiveType(t, b, protocol.TypeSyncResponse)
	assert.Equal(t, keeper.ID(), msg.Sender)
	assert.Equal(t, "b", msg.To)
	require.NoError(t, fresh.ApplyUpdate(msg.Snapshot, crdt.Remote))
	assert.Equal(t, "hello", fresh.Text())

	// the request itself still reaches the other peers
	assert.Equal(t, "b", receiveType(t, a, protocol.TypeSyncRequest).Sender)
}

func TestKeeperEmptyRoom(t *testing.T) {
	keeper := NewKeeper()
	response, err := keeper.Respond(&protocol.Message{Type: protocol.TypeSyncRequest, Room: "r1", Sender: "a"})
	require.NoError(t, err)
	assert.Nil(t, response.Snapshot)
	assert.Equal(t, "a", response.To)
	assert.Equal(t, "", keeper.Text("unknown"))

	_, err = keeper.Respond(&protocol.Message{Type: protocol.TypeSyncRequest, Room: "r1", Sender: "a", StateVector: []byte{0xff}})
	assert.ErrorIs(t, err, crdt.ErrMalformedStateVector)

	// malformed content is dropped
	keeper.Observe(&protocol.Message{Type: protocol.TypeDocumentUpdate, Room: "r1", Sender: "a", Update: []byte{0xff}})
	assert.Equal(t, "", keeper.Text("r1"))
}

func TestMemoryBroker(t *testing.T) {
	broker := NewMemoryBroker(4)
	ctx := context.Background()
	sub, err := broker.Subscribe(ctx, "r1")
	require.NoError(t, err)
	other, err := broker.Subscribe(ctx, "r2")
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, "r1", []byte("x")))
	assert.Equal(t, []byte("x"), <-sub.Messages())
	assert.Len(t, other.Messages(), 0)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	_, ok := <-sub.Messages()
	assert.False(t, ok)

	require.NoError(t, broker.Close())
	_, ok = <-other.Messages()
	assert.False(t, ok)
	assert.ErrorIs(t, broker.Publish(ctx, "r1", nil), ErrBrokerClosed)
	_, err = broker.Subscribe(ctx, "r1")
	assert.ErrorIs(t, err, ErrBrokerClosed)
}
