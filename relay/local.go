package relay

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"collabtext/protocol"
	"collabtext/transport"
)

// LocalDialer returns a transport.Dialer that attaches providers to hub
// in-process. The endpoint is ignored.
func LocalDialer(hub *Hub) transport.Dialer {
	return func(ctx context.Context, endpoint string, roomName string) (transport.Transport, error) {
		return hub.Connect(ctx, roomName), nil
	}
}

// LocalConn is an in-process transport.Transport attached directly to a
// hub. Unlike the websocket transport it does not reconnect on its own: after
// Drop, or after the hub disconnects it, it stays down until Restore.
type LocalConn struct {
	hub  *Hub
	room string

	events    chan transport.Event
	done      chan struct{}
	closeOnce sync.Once
	// held for reading while emitting so that events is closed only once no
	// emitter can still send on it
	emitMutex sync.RWMutex

	mutex    sync.Mutex
	member   *Member
	pumpDone chan struct{}
	closed   bool
}

// Connect attaches a new in-process connection to roomName.
func (h *Hub) Connect(ctx context.Context, roomName string) *LocalConn {
	c := &LocalConn{
		hub:    h,
		room:   roomName,
		events: make(chan transport.Event, 256),
		done:   make(chan struct{}),
	}
	c.connect()
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()
	return c
}

func (c *LocalConn) emit(e transport.Event) bool {
	c.emitMutex.RLock()
	defer c.emitMutex.RUnlock()

	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- e:
		return true
	case <-c.done:
		return false
	}
}

func (c *LocalConn) connect() {
	if !c.emit(transport.Event{Type: transport.EventConnecting}) {
		return
	}
	member := c.hub.NewMember(c.room)
	pumpDone := make(chan struct{})

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		member.Close()
		return
	}
	c.member = member
	c.pumpDone = pumpDone
	c.mutex.Unlock()

	c.emit(transport.Event{Type: transport.EventConnected})
	go c.pump(member, pumpDone)
}

func (c *LocalConn) pump(member *Member, pumpDone chan struct{}) {
	defer close(pumpDone)

	for data := range member.Send() {
		m, err := protocol.Decode(data)
		if err != nil {
			glog.Infof("[l]drop %s = %s", c.room, err)
			continue
		}
		c.emit(transport.Event{Type: transport.EventMessage, Message: m})
	}

	c.mutex.Lock()
	closed := c.closed
	if c.member == member {
		c.member = nil
	}
	c.mutex.Unlock()
	if !closed {
		c.emit(transport.Event{Type: transport.EventDisconnected, Err: ErrMemberClosed})
	}
}

func (c *LocalConn) Events() <-chan transport.Event {
	return c.events
}

func (c *LocalConn) Send(m *protocol.Message) error {
	c.mutex.Lock()
	closed := c.closed
	member := c.member
	c.mutex.Unlock()

	if closed {
		return transport.ErrClosed
	}
	if member == nil {
		return transport.ErrNotConnected
	}
	err := member.Receive(m)
	if err == ErrMemberClosed {
		return transport.ErrNotConnected
	}
	return err
}

// Drop simulates a network failure: the hub loses the member and the
// transport reports EventDisconnected.
func (c *LocalConn) Drop() {
	c.mutex.Lock()
	member := c.member
	pumpDone := c.pumpDone
	c.member = nil
	c.mutex.Unlock()

	if member == nil {
		return
	}
	member.Close()
	<-pumpDone
}

// Restore reconnects after Drop.
func (c *LocalConn) Restore() {
	c.mutex.Lock()
	skip := c.closed || c.member != nil
	c.mutex.Unlock()

	if !skip {
		c.connect()
	}
}

func (c *LocalConn) Close() error {
	c.closeOnce.Do(func() {
		c.mutex.Lock()
		c.closed = true
		member := c.member
		pumpDone := c.pumpDone
		c.member = nil
		c.mutex.Unlock()

		close(c.done)
		if member != nil {
			member.Close()
		}
		if pumpDone != nil {
			<-pumpDone
		}
		c.emitMutex.Lock()
		close(c.events)
		c.emitMutex.Unlock()
	})
	return nil
}
