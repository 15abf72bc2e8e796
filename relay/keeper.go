package relay

import (
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"collabtext/crdt"
	"collabtext/protocol"
)

// Keeper holds an in-memory replica of every room the relay has served and
// answers sync-requests from it, so that a client joining a room whose peers
// are all offline still gets a response. Nothing is persisted.
type Keeper struct {
	id string

	mutex sync.Mutex
	docs  map[string]*crdt.Doc
}

func NewKeeper() *Keeper {
	return &Keeper{
		id:   "relay-" + uuid.NewString(),
		docs: map[string]*crdt.Doc{},
	}
}

// ID is the sender id the keeper uses in its responses.
func (k *Keeper) ID() string {
	return k.id
}

func (k *Keeper) doc(roomName string) *crdt.Doc {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	doc, ok := k.docs[roomName]
	if !ok {
		doc = crdt.NewDoc(k.id)
		k.docs[roomName] = doc
	}
	return doc
}

// Observe folds document content passing through the relay into the replica.
func (k *Keeper) Observe(m *protocol.Message) {
	var update []byte
	switch m.Type {
	case protocol.TypeDocumentUpdate:
		update = m.Update
	case protocol.TypeSyncResponse:
		update = m.Snapshot
	default:
		return
	}
	if len(update) == 0 {
		return
	}
	if err := k.doc(m.Room).ApplyUpdate(update, crdt.Remote); err != nil {
		glog.Infof("[k]drop %s = %s", m, err)
	}
}

// Respond answers a sync-request with what the requester is missing.
func (k *Keeper) Respond(request *protocol.Message) (*protocol.Message, error) {
	doc := k.doc(request.Room)
	snapshot, err := doc.EncodeStateAsUpdate(request.StateVector)
	if err != nil {
		return nil, err
	}
	return &protocol.Message{
		Type:        protocol.TypeSyncResponse,
		Room:        request.Room,
		Sender:      k.id,
		To:          request.Sender,
		Snapshot:    snapshot,
		StateVector: doc.EncodeStateVector(),
	}, nil
}

// Text returns the keeper's view of a room's document.
func (k *Keeper) Text(roomName string) string {
	k.mutex.Lock()
	doc, ok := k.docs[roomName]
	k.mutex.Unlock()
	if !ok {
		return ""
	}
	return doc.Text()
}
