// Package awareness keeps the ephemeral per-connection presence records of a
// room: cursor, selection, display name. Records are never merged: a remote
// record replaces the sender's previous record wholesale.
package awareness

import (
	"sort"
	"sync"

	"collabtext/callback"
	"collabtext/crdt"
)

// State is one connection's presence record.
type State map[string]any

func (s State) clone() State {
	if s == nil {
		return nil
	}
	c := make(State, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// Change lists the client ids whose record was added, replaced or removed.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// ChangeFunc observes presence changes. Local changes are the ones made
// through SetLocalState or SetLocalField.
type ChangeFunc func(change Change, origin crdt.Origin)

type Awareness struct {
	clientID string

	mutex     sync.Mutex
	states    map[string]State
	destroyed bool

	observers *callback.List[ChangeFunc]
}

func New(clientID string) *Awareness {
	return &Awareness{
		clientID:  clientID,
		states:    map[string]State{},
		observers: callback.NewList[ChangeFunc](),
	}
}

func (a *Awareness) ClientID() string {
	return a.clientID
}

func (a *Awareness) Observe(fn ChangeFunc) func() {
	return a.observers.Add(fn)
}

func (a *Awareness) emit(change Change, origin crdt.Origin) {
	if change.empty() {
		return
	}
	a.observers.Each(func(fn ChangeFunc) {
		fn(change, origin)
	})
}

// LocalState returns a copy of this connection's record.
func (a *Awareness) LocalState() State {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.states[a.clientID].clone()
}

// SetLocalState replaces this connection's record. A nil state clears it.
func (a *Awareness) SetLocalState(state State) {
	a.mutex.Lock()
	if a.destroyed {
		a.mutex.Unlock()
		return
	}
	change := a.set(a.clientID, state.clone())
	a.mutex.Unlock()

	a.emit(change, crdt.Local)
}

// SetLocalField writes one field of this connection's record.
func (a *Awareness) SetLocalField(key string, value any) {
	a.mutex.Lock()
	if a.destroyed {
		a.mutex.Unlock()
		return
	}
	state := a.states[a.clientID].clone()
	if state == nil {
		state = State{}
	}
	state[key] = value
	change := a.set(a.clientID, state)
	a.mutex.Unlock()

	a.emit(change, crdt.Local)
}

func (a *Awareness) set(clientID string, state State) Change {
	_, exists := a.states[clientID]
	switch {
	case state == nil && exists:
		delete(a.states, clientID)
		return Change{Removed: []string{clientID}}
	case state == nil:
		return Change{}
	case exists:
		a.states[clientID] = state
		return Change{Updated: []string{clientID}}
	default:
		a.states[clientID] = state
		return Change{Added: []string{clientID}}
	}
}

// ApplyRemote replaces the record of a peer. A nil state removes it. Records
// claiming this connection's own id are ignored.
func (a *Awareness) ApplyRemote(clientID string, state State) {
	if clientID == a.clientID || clientID == "" {
		return
	}
	a.mutex.Lock()
	if a.destroyed {
		a.mutex.Unlock()
		return
	}
	change := a.set(clientID, state.clone())
	a.mutex.Unlock()

	a.emit(change, crdt.Remote)
}

// Remove drops the records of the given peers.
func (a *Awareness) Remove(clientIDs ...string) {
	a.mutex.Lock()
	var change Change
	for _, clientID := range clientIDs {
		if clientID == a.clientID {
			continue
		}
		if _, ok := a.states[clientID]; ok {
			delete(a.states, clientID)
			change.Removed = append(change.Removed, clientID)
		}
	}
	a.mutex.Unlock()

	a.emit(change, crdt.Remote)
}

// RemoveRemote drops every peer record, keeping the local one. Used when the
// connection to the room is lost and peer records can no longer be trusted.
func (a *Awareness) RemoveRemote() {
	a.mutex.Lock()
	var change Change
	for clientID := range a.states {
		if clientID != a.clientID {
			delete(a.states, clientID)
			change.Removed = append(change.Removed, clientID)
		}
	}
	a.mutex.Unlock()

	sort.Strings(change.Removed)
	a.emit(change, crdt.Remote)
}

// States returns a copy of every known record keyed by client id.
func (a *Awareness) States() map[string]State {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	states := make(map[string]State, len(a.states))
	for clientID, state := range a.states {
		states[clientID] = state.clone()
	}
	return states
}

// Destroy drops every record and every observer. Later writes are ignored.
func (a *Awareness) Destroy() {
	a.mutex.Lock()
	a.destroyed = true
	a.states = map[string]State{}
	a.mutex.Unlock()

	a.observers.Clear()
}
