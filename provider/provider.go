// Package provider binds a replicated document and a presence store to one
// room of the relay. It runs the join and sync handshake on every (re)connect,
// forwards local edits and presence, applies remote ones, and never sends an
// applied remote update back to the room.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"collabtext/awareness"
	"collabtext/crdt"
	"collabtext/protocol"
	"collabtext/transport"
)

var (
	ErrEmptyRoom   = errors.New("empty room")
	ErrNilDocument = errors.New("nil document")
)

type State int32

const (
	// transport handshake in progress
	StateConnecting State = iota + 1
	// joined the room, waiting for a sync response
	StateJoinedUnsynced
	StateSynced
	// transport down, local edits are buffered
	StateDisconnected
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoinedUnsynced:
		return "joined-unsynced"
	case StateSynced:
		return "synced"
	case StateDisconnected:
		return "disconnected"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Settings struct {
	// how long to wait for a sync response before asking again. Zero waits
	// forever.
	SyncTimeout time.Duration
	// sync-requests re-sent on timeout before the provider proceeds as the
	// room's authority
	SyncRetries int
	// nil uses transport.DialWebsocket
	Dialer transport.Dialer
}

func DefaultSettings() *Settings {
	return &Settings{
		SyncTimeout: 5 * time.Second,
		SyncRetries: 2,
		Dialer:      transport.DialWebsocket,
	}
}

// Provider is the sync provider for one room and document. The document is
// observed, not owned: it outlives the provider.
type Provider struct {
	ctx    context.Context
	cancel context.CancelFunc

	room      string
	doc       *crdt.Doc
	awareness *awareness.Awareness
	settings  *Settings
	transport transport.Transport
	queue     *eventQueue

	unobserveDoc       func()
	unobserveAwareness func()

	state  atomic.Int32
	synced atomic.Bool

	// owned by the loop
	joined         bool
	authoritative  bool
	pending        [][]byte
	syncAttempts   int
	syncGeneration uint64
	syncTimer      *time.Timer

	destroyOnce sync.Once
	done        chan struct{}
}

// New binds doc to room on the relay at endpoint and starts connecting in
// the background. It fails only when the transport cannot be created.
func New(ctx context.Context, room string, doc *crdt.Doc, endpoint string, settings *Settings) (*Provider, error) {
	if room == "" {
		return nil, ErrEmptyRoom
	}
	if doc == nil {
		return nil, ErrNilDocument
	}
	if settings == nil {
		settings = DefaultSettings()
	}
	dialer := settings.Dialer
	if dialer == nil {
		dialer = transport.DialWebsocket
	}

	// the transport is not tied to the provider context so that the leave
	// can still be sent after Destroy cancels the loop
	t, err := dialer(ctx, endpoint, room)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", room, err)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	p := &Provider{
		ctx:       cancelCtx,
		cancel:    cancel,
		room:      room,
		doc:       doc,
		awareness: awareness.New(doc.ClientID()),
		settings:  settings,
		transport: t,
		queue:     newEventQueue(),
		done:      make(chan struct{}),
	}
	p.state.Store(int32(StateConnecting))

	p.unobserveDoc = doc.Observe(func(update []byte, origin crdt.Origin) {
		if origin != crdt.Local {
			return
		}
		p.queue.Enqueue(event{Type: eventLocalUpdate, Update: update})
	})
	p.unobserveAwareness = p.awareness.Observe(func(change awareness.Change, origin crdt.Origin) {
		if origin != crdt.Local {
			return
		}
		p.queue.Enqueue(event{Type: eventLocalPresence})
	})

	go p.run()
	return p, nil
}

func (p *Provider) Room() string {
	return p.room
}

func (p *Provider) ClientID() string {
	return p.doc.ClientID()
}

func (p *Provider) Doc() *crdt.Doc {
	return p.doc
}

// Awareness is the presence store of this connection. Local writes are
// broadcast to the room.
func (p *Provider) Awareness() *awareness.Awareness {
	return p.awareness
}

func (p *Provider) State() State {
	return State(p.state.Load())
}

// Synced reports whether a sync response was applied since the last
// (re)connect.
func (p *Provider) Synced() bool {
	return p.synced.Load()
}

// Destroy leaves the room and releases the observers, the transport and the
// presence store. It is idempotent and returns once teardown is complete.
// Destroy must not be called from a document or awareness observer.
func (p *Provider) Destroy() {
	p.destroyOnce.Do(func() {
		p.cancel()
	})
	<-p.done
}

func (p *Provider) setState(state State) {
	if old := State(p.state.Swap(int32(state))); old != state {
		glog.V(1).Infof("[p]%s %s: %s -> %s", p.room, p.ClientID(), old, state)
	}
}

func (p *Provider) run() {
	defer close(p.done)
	defer p.shutdown()

	events := p.transport.Events()
	for {
		select {
		case <-p.ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				// the transport shut down under us, local editing carries on
				events = nil
				p.handleDisconnected(transport.ErrClosed)
				continue
			}
			p.handleTransport(e)
		case <-p.queue.Wait():
			for {
				e, ok := p.queue.TryDequeue()
				if !ok {
					break
				}
				p.handle(e)
			}
		}
	}
}

func (p *Provider) shutdown() {
	p.unobserveDoc()
	p.unobserveAwareness()
	p.stopSyncTimer()
	if p.joined {
		p.send(&protocol.Message{Type: protocol.TypeLeave})
		p.joined = false
	}
	if err := p.transport.Close(); err != nil {
		glog.Infof("[p]%s close transport = %s", p.room, err)
	}
	p.queue.Close()
	p.awareness.Destroy()
	p.synced.Store(false)
	p.setState(StateDestroyed)
}

// send fills in the envelope and hands m to the transport.
func (p *Provider) send(m *protocol.Message) error {
	m.Room = p.room
	m.Sender = p.ClientID()
	err := p.transport.Send(m)
	if err != nil {
		glog.V(1).Infof("[p]%s not sent = %s", m, err)
	} else {
		glog.V(2).Infof("[p]->%s", m)
	}
	return err
}

func (p *Provider) handleTransport(e transport.Event) {
	switch e.Type {
	case transport.EventConnecting:
		p.setState(StateConnecting)
	case transport.EventConnected:
		p.handleConnected()
	case transport.EventDisconnected:
		p.handleDisconnected(e.Err)
	case transport.EventMessage:
		p.handleMessage(e.Message)
	}
}

func (p *Provider) handleConnected() {
	p.synced.Store(false)
	p.authoritative = false
	if err := p.send(&protocol.Message{Type: protocol.TypeJoin}); err != nil {
		// a disconnect event follows
		return
	}
	p.joined = true
	p.setState(StateJoinedUnsynced)

	p.syncAttempts = 0
	p.requestSync()

	if p.awareness.LocalState() != nil {
		p.sendPresence()
	}

	pending := p.pending
	p.pending = nil
	for i, update := range pending {
		if err := p.send(&protocol.Message{Type: protocol.TypeDocumentUpdate, Update: update}); err != nil {
			p.pending = append(p.pending, pending[i:]...)
			break
		}
	}
}

func (p *Provider) handleDisconnected(err error) {
	if p.State() == StateDisconnected {
		return
	}
	glog.V(1).Infof("[p]%s disconnected = %v", p.room, err)
	p.joined = false
	p.synced.Store(false)
	p.stopSyncTimer()
	p.setState(StateDisconnected)
	// peers cannot tell us about departures while we are away
	p.awareness.RemoveRemote()
}

// requestSync sends a sync-request and arms the timeout for it.
func (p *Provider) requestSync() {
	p.stopSyncTimer()
	p.send(&protocol.Message{
		Type:        protocol.TypeSyncRequest,
		StateVector: p.doc.EncodeStateVector(),
	})
	if p.settings.SyncTimeout <= 0 {
		return
	}
	generation := p.syncGeneration
	p.syncTimer = time.AfterFunc(p.settings.SyncTimeout, func() {
		p.queue.Enqueue(event{Type: eventSyncTimeout, Generation: generation})
	})
}

// stopSyncTimer also invalidates a timeout that already fired but was not
// handled yet.
func (p *Provider) stopSyncTimer() {
	p.syncGeneration++
	if p.syncTimer != nil {
		p.syncTimer.Stop()
		p.syncTimer = nil
	}
}

func (p *Provider) handle(e event) {
	switch e.Type {
	case eventLocalUpdate:
		p.forwardUpdate(e.Update)
	case eventLocalPresence:
		if p.joined {
			p.sendPresence()
		}
	case eventSyncTimeout:
		p.handleSyncTimeout(e.Generation)
	}
}

func (p *Provider) forwardUpdate(update []byte) {
	if !p.joined {
		p.pending = append(p.pending, update)
		return
	}
	err := p.send(&protocol.Message{Type: protocol.TypeDocumentUpdate, Update: update})
	if err != nil {
		// flushed on the next join, the back-diff after the next sync
		// response covers it too
		p.pending = append(p.pending, update)
	}
}

func (p *Provider) sendPresence() {
	// nil tells peers the record was cleared
	p.send(&protocol.Message{
		Type:     protocol.TypePresenceUpdate,
		Presence: p.awareness.LocalState(),
	})
}

func (p *Provider) handleSyncTimeout(generation uint64) {
	if generation != p.syncGeneration || !p.joined || p.Synced() {
		return
	}
	if p.syncAttempts < p.settings.SyncRetries {
		p.syncAttempts++
		glog.V(1).Infof("[p]%s no sync response, retry %d/%d", p.room, p.syncAttempts, p.settings.SyncRetries)
		p.requestSync()
		return
	}
	p.syncTimer = nil
	if !p.authoritative {
		glog.Infof("[p]%s no sync response after %d attempts, proceeding as authority", p.room, p.syncAttempts+1)
		p.authoritative = true
	}
}

func (p *Provider) handleMessage(m *protocol.Message) {
	if m.Room != p.room {
		glog.Infof("[p]drop %s, bound to %s", m, p.room)
		return
	}
	if m.Sender == p.ClientID() {
		return
	}
	glog.V(2).Infof("[p]<-%s", m)

	switch m.Type {
	case protocol.TypeDocumentUpdate:
		if err := p.doc.ApplyUpdate(m.Update, crdt.Remote); err != nil {
			glog.Infof("[p]drop %s = %s", m, err)
		}
	case protocol.TypeSyncRequest:
		p.answerSync(m)
	case protocol.TypeSyncResponse:
		p.handleSyncResponse(m)
	case protocol.TypePresenceUpdate:
		p.awareness.ApplyRemote(m.Sender, awareness.State(m.Presence))
	case protocol.TypeJoin:
		// the newcomer has not seen our record
		if p.joined && p.awareness.LocalState() != nil {
			p.sendPresence()
		}
	case protocol.TypeLeave:
		p.awareness.Remove(m.Sender)
	}
}

func (p *Provider) answerSync(request *protocol.Message) {
	if !p.joined || !(p.Synced() || p.authoritative) {
		return
	}
	snapshot, err := p.doc.EncodeStateAsUpdate(request.StateVector)
	if err != nil {
		glog.Infof("[p]drop %s = %s", request, err)
		return
	}
	p.send(&protocol.Message{
		Type:        protocol.TypeSyncResponse,
		To:          request.Sender,
		Snapshot:    snapshot,
		StateVector: p.doc.EncodeStateVector(),
	})
}

func (p *Provider) handleSyncResponse(response *protocol.Message) {
	if response.To != "" && response.To != p.ClientID() {
		return
	}
	if !p.joined {
		return
	}
	if len(response.Snapshot) > 0 {
		if err := p.doc.ApplyUpdate(response.Snapshot, crdt.Remote); err != nil {
			glog.Infof("[p]drop %s = %s", response, err)
			return
		}
	}

	// send back what the responder is missing, edits made before this
	// provider existed included. An absent state vector is an empty replica.
	diff, err := p.doc.EncodeStateAsUpdate(response.StateVector)
	if err != nil {
		glog.Infof("[p]back-diff for %s = %s", response, err)
	} else if diff != nil {
		p.send(&protocol.Message{Type: protocol.TypeDocumentUpdate, Update: diff})
	}

	if !p.Synced() {
		p.stopSyncTimer()
		p.authoritative = false
		p.synced.Store(true)
		p.setState(StateSynced)
	}
}
