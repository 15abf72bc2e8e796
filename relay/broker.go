package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"
)

var ErrBrokerClosed = errors.New("broker closed")

// Broker fans room messages out to every hub subscribed to the room,
// including the publishing one.
type Broker interface {
	Publish(ctx context.Context, room string, data []byte) error
	Subscribe(ctx context.Context, room string) (Subscription, error)
	Close() error
}

type Subscription interface {
	// Messages is closed when the subscription ends.
	Messages() <-chan []byte
	Close() error
}

// MemoryBroker is the single-instance broker.
type MemoryBroker struct {
	bufferSize int

	mutex         sync.Mutex
	subscriptions map[string]map[*memorySubscription]bool
	closed        bool
}

func NewMemoryBroker(bufferSize int) *MemoryBroker {
	return &MemoryBroker{
		bufferSize:    bufferSize,
		subscriptions: map[string]map[*memorySubscription]bool{},
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, room string, data []byte) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	for sub := range b.subscriptions[room] {
		select {
		case sub.messages <- data:
		default:
			glog.Infof("[b]drop %s, subscriber is behind", room)
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, room string) (Subscription, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}
	sub := &memorySubscription{
		broker:   b,
		room:     room,
		messages: make(chan []byte, b.bufferSize),
	}
	subs, ok := b.subscriptions[room]
	if !ok {
		subs = map[*memorySubscription]bool{}
		b.subscriptions[room] = subs
	}
	subs[sub] = true
	return sub, nil
}

func (b *MemoryBroker) remove(sub *memorySubscription) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	subs := b.subscriptions[sub.room]
	if !subs[sub] {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.subscriptions, sub.room)
	}
	close(sub.messages)
}

func (b *MemoryBroker) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subscriptions {
		for sub := range subs {
			close(sub.messages)
		}
	}
	b.subscriptions = map[string]map[*memorySubscription]bool{}
	return nil
}

type memorySubscription struct {
	broker   *MemoryBroker
	room     string
	messages chan []byte
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.messages
}

func (s *memorySubscription) Close() error {
	s.broker.remove(s)
	return nil
}
