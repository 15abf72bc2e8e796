package crdt

import "fmt"

// ID is a globally unique identifier for an operation, combining the id of the
// peer that created it and that peer's sequence number. Sequence numbers
// start at 1 and are contiguous per peer.
type ID struct {
	Client string
	Seq    uint64
}

func (id ID) IsZero() bool {
	return id.Client == "" && id.Seq == 0
}

func (id ID) String() string {
	return fmt.Sprintf("%s:%d", id.Client, id.Seq)
}

// Origin tags every update with the actor that caused it. Only Local updates
// are eligible for forwarding to the network.
type Origin int

const (
	// Local marks an edit made through this replica.
	Local Origin = iota
	// Remote marks an update that arrived from the network.
	Remote
)

func (o Origin) String() string {
	switch o {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}

type opKind uint64

const (
	opInsert opKind = 1
	opDelete opKind = 2
)

// op is a single operation. For inserts Ref is the character to the left of
// the insertion point when the op was created (zero for the document start)
// and Value is exactly one rune. For deletes Ref is the deleted character.
type op struct {
	ID      ID
	Lamport uint64
	Kind    opKind
	Ref     ID
	Value   string
}
