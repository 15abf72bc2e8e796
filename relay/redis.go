package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "collabtext:room:"

// RedisBroker fans room messages out through one redis pub/sub channel per
// room, so that several relay instances can serve the same room.
type RedisBroker struct {
	client     *redis.Client
	bufferSize int
}

func NewRedisBroker(client *redis.Client, bufferSize int) *RedisBroker {
	return &RedisBroker{
		client:     client,
		bufferSize: bufferSize,
	}
}

// DialRedis connects to the redis server at addr and checks that it answers.
func DialRedis(ctx context.Context, addr string, bufferSize int) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", addr, err)
	}
	return NewRedisBroker(client, bufferSize), nil
}

func redisChannel(room string) string {
	return redisChannelPrefix + room
}

func (b *RedisBroker) Publish(ctx context.Context, room string, data []byte) error {
	return b.client.Publish(ctx, redisChannel(room), data).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, room string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, redisChannel(room))
	// wait for the subscription to be confirmed so that nothing published
	// after Subscribe returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", room, err)
	}

	sub := &redisSubscription{
		pubsub:   pubsub,
		messages: make(chan []byte, b.bufferSize),
		done:     make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	messages  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) run() {
	defer close(s.messages)
	for msg := range s.pubsub.Channel() {
		select {
		case s.messages <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.messages
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
