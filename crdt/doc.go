// Package crdt implements the replicated text document used by every room.
//
// The document is a replicated growable array of runes. Each character is
// inserted as a child of the character that was on its left when it was
// typed; siblings are ordered by (lamport desc, client desc) and the text is
// the pre-order traversal of that tree. Deletes leave tombstones. Because the
// tree shape and sibling order depend only on the set of operations, any
// delivery order of the same updates converges to the same text.
//
// Updates are commutative and idempotent: duplicates are ignored and ops whose
// dependencies have not arrived yet are buffered until they do.
package crdt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"collabtext/callback"
)

var ErrOutOfRange = errors.New("position out of range")

// UpdateFunc observes every delta integrated into a Doc together with the
// origin of the mutation.
type UpdateFunc func(update []byte, origin Origin)

type item struct {
	id       ID
	lamport  uint64
	value    string
	deleted  bool
	children []*item
}

// precedes reports whether a sorts before its sibling b.
func (a *item) precedes(b *item) bool {
	if a.lamport != b.lamport {
		return a.lamport > b.lamport
	}
	return a.id.Client > b.id.Client
}

// Doc is a replicated text document. It is safe for concurrent use; every
// mutation is serialized by an internal lock and observers are called after
// the lock is released, in the calling goroutine.
type Doc struct {
	clientID string

	mutex   sync.Mutex
	clock   uint64
	root    *item
	items   map[ID]*item
	log     map[string][]op
	pending []op

	observers *callback.List[UpdateFunc]
}

func NewDoc(clientID string) *Doc {
	return &Doc{
		clientID:  clientID,
		root:      &item{},
		items:     map[ID]*item{},
		log:       map[string][]op{},
		observers: callback.NewList[UpdateFunc](),
	}
}

func (d *Doc) ClientID() string {
	return d.clientID
}

// Observe registers fn for every integrated update and returns the func that
// removes the registration.
func (d *Doc) Observe(fn UpdateFunc) func() {
	return d.observers.Add(fn)
}

func (d *Doc) emit(update []byte, origin Origin) {
	d.observers.Each(func(fn UpdateFunc) {
		fn(update, origin)
	})
}

// walk visits every character in document order, tombstones included.
func (d *Doc) walk(fn func(*item)) {
	stack := []*item{d.root}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if it != d.root {
			fn(it)
		}
		for i := len(it.children) - 1; i >= 0; i-- {
			stack = append(stack, it.children[i])
		}
	}
}

func (d *Doc) visible() []*item {
	var items []*item
	d.walk(func(it *item) {
		if !it.deleted {
			items = append(items, it)
		}
	})
	return items
}

func (d *Doc) Text() string {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	var b strings.Builder
	d.walk(func(it *item) {
		if !it.deleted {
			b.WriteString(it.value)
		}
	})
	return b.String()
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.visible())
}

// Pending returns the number of received ops still waiting for their
// dependencies.
func (d *Doc) Pending() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.pending)
}

func (d *Doc) nextOp(kind opKind, ref ID, value string) op {
	d.clock++
	return op{
		ID:      ID{Client: d.clientID, Seq: uint64(len(d.log[d.clientID])) + 1},
		Lamport: d.clock,
		Kind:    kind,
		Ref:     ref,
		Value:   value,
	}
}

// Insert inserts text before the rune at pos. The resulting update is
// delivered to observers with origin Local.
func (d *Doc) Insert(pos int, text string) error {
	if text == "" {
		return nil
	}

	d.mutex.Lock()
	visible := d.visible()
	if pos < 0 || len(visible) < pos {
		d.mutex.Unlock()
		return fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, pos, len(visible))
	}
	var parent ID
	if 0 < pos {
		parent = visible[pos-1].id
	}
	var ops []op
	for _, r := range text {
		o := d.nextOp(opInsert, parent, string(r))
		d.integrate(o)
		ops = append(ops, o)
		parent = o.ID
	}
	d.mutex.Unlock()

	d.emit(encodeUpdate(ops), Local)
	return nil
}

// Delete removes n runes starting at pos. The resulting update is delivered
// to observers with origin Local.
func (d *Doc) Delete(pos int, n int) error {
	if n == 0 {
		return nil
	}

	d.mutex.Lock()
	visible := d.visible()
	if pos < 0 || n < 0 || len(visible) < pos+n {
		d.mutex.Unlock()
		return fmt.Errorf("%w: delete %d at %d, length %d", ErrOutOfRange, n, pos, len(visible))
	}
	ops := make([]op, 0, n)
	for _, it := range visible[pos : pos+n] {
		o := d.nextOp(opDelete, it.id, "")
		d.integrate(o)
		ops = append(ops, o)
	}
	d.mutex.Unlock()

	d.emit(encodeUpdate(ops), Local)
	return nil
}

func (d *Doc) seen(client string) uint64 {
	return uint64(len(d.log[client]))
}

func (d *Doc) ready(o op) bool {
	if o.ID.Seq != d.seen(o.ID.Client)+1 {
		return false
	}
	if o.Ref.IsZero() {
		return o.Kind == opInsert
	}
	_, ok := d.items[o.Ref]
	return ok
}

// integrate applies a ready op. It cannot fail.
func (d *Doc) integrate(o op) {
	switch o.Kind {
	case opInsert:
		parent := d.root
		if !o.Ref.IsZero() {
			parent = d.items[o.Ref]
		}
		it := &item{id: o.ID, lamport: o.Lamport, value: o.Value}
		i := sort.Search(len(parent.children), func(i int) bool {
			return it.precedes(parent.children[i])
		})
		parent.children = append(parent.children, nil)
		copy(parent.children[i+1:], parent.children[i:])
		parent.children[i] = it
		d.items[o.ID] = it
	case opDelete:
		d.items[o.Ref].deleted = true
	}
	if d.clock < o.Lamport {
		d.clock = o.Lamport
	}
	d.log[o.ID.Client] = append(d.log[o.ID.Client], o)
}

// applyOps integrates every op that is ready, retrying buffered ops until no
// more progress is made, and returns the ops that were integrated.
func (d *Doc) applyOps(ops []op) []op {
	queue := append(d.pending, ops...)
	d.pending = nil

	var applied []op
	for progress := true; progress; {
		progress = false
		var waiting []op
		buffered := map[ID]bool{}
		for _, o := range queue {
			if o.ID.Seq <= d.seen(o.ID.Client) || buffered[o.ID] {
				// duplicate
				continue
			}
			if !d.ready(o) {
				buffered[o.ID] = true
				waiting = append(waiting, o)
				continue
			}
			d.integrate(o)
			applied = append(applied, o)
			progress = true
		}
		queue = waiting
	}
	d.pending = queue
	return applied
}

// ApplyUpdate merges a remote delta. The update is decoded and validated in
// full before the document is touched, so a malformed update is rejected
// without any partial effect. Integrated ops are delivered to observers with
// the given origin.
func (d *Doc) ApplyUpdate(update []byte, origin Origin) error {
	ops, err := decodeUpdate(update)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	d.mutex.Lock()
	applied := d.applyOps(ops)
	d.mutex.Unlock()

	if 0 < len(applied) {
		d.emit(encodeUpdate(applied), origin)
	}
	return nil
}

// EncodeStateVector summarizes which ops this replica has integrated.
func (d *Doc) EncodeStateVector() []byte {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	sv := make(map[string]uint64, len(d.log))
	for client, ops := range d.log {
		sv[client] = uint64(len(ops))
	}
	return encodeStateVector(sv)
}

// EncodeStateAsUpdate returns the ops a replica with the given state vector is
// missing, in causal order. A nil or empty state vector yields the full
// state. The result is nil when there is nothing to send.
func (d *Doc) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	sv, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}

	d.mutex.Lock()
	var missing []op
	for client, ops := range d.log {
		if from := sv[client]; from < uint64(len(ops)) {
			missing = append(missing, ops[from:]...)
		}
	}
	d.mutex.Unlock()

	if len(missing) == 0 {
		return nil, nil
	}
	// lamport order is a causal order: dependencies always carry smaller timestamps
	sort.Slice(missing, func(i, j int) bool {
		if missing[i].Lamport != missing[j].Lamport {
			return missing[i].Lamport < missing[j].Lamport
		}
		return missing[i].ID.Client < missing[j].ID.Client
	})
	return encodeUpdate(missing), nil
}
