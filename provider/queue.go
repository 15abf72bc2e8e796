package provider

import (
	"sync"
)

type eventType int

const (
	// the document emitted a Local update
	eventLocalUpdate eventType = iota + 1
	// the local presence record changed
	eventLocalPresence
	// the sync response wait of a handshake generation expired
	eventSyncTimeout
)

type event struct {
	Type       eventType
	Update     []byte
	Generation uint64
}

// eventQueue is the unbounded FIFO between the document and awareness
// observers, which run on the caller's goroutine, and the provider loop.
// Enqueue never blocks so that local edits never wait on the network.
type eventQueue struct {
	mutex  sync.Mutex
	events []event
	closed bool
	// buffered, size 1, coalesces signals
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue returns false once the queue is closed.
func (q *eventQueue) Enqueue(e event) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *eventQueue) TryDequeue() (event, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if len(q.events) == 0 {
		return event{}, false
	}
	e := q.events[0]
	// release the update bytes held by the backing array
	q.events[0] = event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait signals that events may be available.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *eventQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.events)
}

// Close drops whatever is queued. Later Enqueue calls are refused.
func (q *eventQueue) Close() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.events = nil
	close(q.signal)
}
