// Package relay is the room registry: it associates connections with rooms
// and rebroadcasts every message to the other members of the room. It is
// store-and-forward only, apart from the optional snapshot Keeper.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"collabtext/protocol"
)

var (
	ErrRoomMismatch   = errors.New("message for another room")
	ErrSenderMismatch = errors.New("sender changed on connection")
	ErrNotJoined      = errors.New("member has not joined")
	ErrMemberClosed   = errors.New("member closed")
)

type HubSettings struct {
	// messages queued for one member before it is considered too slow
	MemberBufferSize int
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		MemberBufferSize: 256,
	}
}

type room struct {
	name         string
	members      map[*Member]bool
	subscription Subscription
}

// Hub tracks the local members of every room and relays their messages
// through the broker.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	broker   Broker
	keeper   *Keeper
	settings *HubSettings

	mutex   sync.Mutex
	rooms   map[string]*room
	members map[*Member]bool
}

// NewHub creates a hub on top of broker. keeper may be nil.
func NewHub(ctx context.Context, broker Broker, keeper *Keeper, settings *HubSettings) *Hub {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		ctx:      cancelCtx,
		cancel:   cancel,
		broker:   broker,
		keeper:   keeper,
		settings: settings,
		rooms:    map[string]*room{},
		members:  map[*Member]bool{},
	}
}

// NewMember registers a connection bound to roomName. The member receives
// nothing until it joins.
func (h *Hub) NewMember(roomName string) *Member {
	m := &Member{
		hub:  h,
		room: roomName,
		send: make(chan []byte, h.settings.MemberBufferSize),
	}
	h.mutex.Lock()
	h.members[m] = true
	h.mutex.Unlock()
	return m
}

// Members returns the number of local members that joined roomName.
func (h *Hub) Members(roomName string) int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if r, ok := h.rooms[roomName]; ok {
		return len(r.members)
	}
	return 0
}

// Close disconnects every member and ends every room subscription.
func (h *Hub) Close() {
	h.cancel()

	h.mutex.Lock()
	members := make([]*Member, 0, len(h.members))
	for m := range h.members {
		members = append(members, m)
	}
	h.mutex.Unlock()

	for _, m := range members {
		m.Close()
	}
}

func (h *Hub) join(m *Member) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	r, ok := h.rooms[m.room]
	if !ok {
		sub, err := h.broker.Subscribe(h.ctx, m.room)
		if err != nil {
			return err
		}
		r = &room{
			name:         m.room,
			members:      map[*Member]bool{},
			subscription: sub,
		}
		h.rooms[m.room] = r
		go h.dispatchRoom(r)
	}
	r.members[m] = true
	glog.V(1).Infof("[h]join %s %s (%d members)", m.room, m.Sender(), len(r.members))
	return nil
}

func (h *Hub) part(m *Member) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	r, ok := h.rooms[m.room]
	if !ok || !r.members[m] {
		return
	}
	delete(r.members, m)
	glog.V(1).Infof("[h]part %s %s (%d members)", m.room, m.Sender(), len(r.members))
	if len(r.members) == 0 {
		delete(h.rooms, m.room)
		r.subscription.Close()
	}
}

func (h *Hub) forget(m *Member) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	delete(h.members, m)
}

func (h *Hub) publish(m *protocol.Message) error {
	if h.ctx.Err() != nil {
		return h.ctx.Err()
	}
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return h.broker.Publish(h.ctx, m.Room, data)
}

func (h *Hub) dispatchRoom(r *room) {
	for data := range r.subscription.Messages() {
		h.dispatch(r, data)
	}
}

func (h *Hub) dispatch(r *room, data []byte) {
	m, err := protocol.Decode(data)
	if err != nil {
		glog.Infof("[h]drop %s = %s", r.name, err)
		return
	}
	if h.keeper != nil {
		h.keeper.Observe(m)
	}

	h.mutex.Lock()
	members := make([]*Member, 0, len(r.members))
	for member := range r.members {
		members = append(members, member)
	}
	h.mutex.Unlock()

	for _, member := range members {
		sender := member.Sender()
		if sender == m.Sender {
			continue
		}
		if m.To != "" && m.To != sender {
			continue
		}
		if !member.deliver(data) {
			glog.Infof("[h]member %s of %s is too slow, disconnecting", sender, r.name)
			go member.Close()
		}
	}
}

// Member is one connection's view of the hub. The first message pins the
// member's sender id; join must come before anything else.
type Member struct {
	hub  *Hub
	room string
	send chan []byte

	mutex  sync.Mutex
	sender string
	joined bool
	closed bool
}

// Send delivers encoded messages for the connection. It is closed when the
// member is closed.
func (m *Member) Send() <-chan []byte {
	return m.send
}

func (m *Member) Room() string {
	return m.room
}

func (m *Member) Sender() string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.sender
}

func (m *Member) deliver(data []byte) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return true
	}
	select {
	case m.send <- data:
		return true
	default:
		return false
	}
}

// Receive handles a message sent by the connection.
func (m *Member) Receive(msg *protocol.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.Room != m.room {
		return fmt.Errorf("%w: %s on %s", ErrRoomMismatch, msg.Room, m.room)
	}

	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return ErrMemberClosed
	}
	if m.sender == "" {
		m.sender = msg.Sender
	} else if m.sender != msg.Sender {
		m.mutex.Unlock()
		return fmt.Errorf("%w: %s is now %s", ErrSenderMismatch, m.sender, msg.Sender)
	}
	joined := m.joined
	m.mutex.Unlock()

	switch msg.Type {
	case protocol.TypeJoin:
		if !joined {
			if err := m.hub.join(m); err != nil {
				return err
			}
			m.mutex.Lock()
			m.joined = true
			m.mutex.Unlock()
		}
		return m.hub.publish(msg)
	case protocol.TypeLeave:
		if !joined {
			return ErrNotJoined
		}
		m.mutex.Lock()
		m.joined = false
		m.mutex.Unlock()
		m.hub.part(m)
		return m.hub.publish(msg)
	default:
		if !joined {
			return fmt.Errorf("%w: %s", ErrNotJoined, msg.Type)
		}
		if msg.Type == protocol.TypeSyncRequest && m.hub.keeper != nil {
			m.respondFromKeeper(msg)
		}
		return m.hub.publish(msg)
	}
}

func (m *Member) respondFromKeeper(request *protocol.Message) {
	response, err := m.hub.keeper.Respond(request)
	if err != nil {
		glog.Infof("[h]keeper could not answer %s = %s", request, err)
		return
	}
	data, err := protocol.Encode(response)
	if err != nil {
		glog.Infof("[h]keeper response %s = %s", response, err)
		return
	}
	m.deliver(data)
}

// Close releases the member. A member that is still joined leaves the room
// and its peers are told so on its behalf. Close is idempotent.
func (m *Member) Close() {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return
	}
	m.closed = true
	joined := m.joined
	m.joined = false
	sender := m.sender
	close(m.send)
	m.mutex.Unlock()

	m.hub.forget(m)
	if joined {
		m.hub.part(m)
		err := m.hub.publish(&protocol.Message{
			Type:   protocol.TypeLeave,
			Room:   m.room,
			Sender: sender,
		})
		if err != nil && m.hub.ctx.Err() == nil {
			glog.Infof("[h]leave for %s not published = %s", sender, err)
		}
	}
}
