package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// PubSub is a transient fan-out channel: messages published while nobody listens are dropped.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the subscription is active, so a publish issued afterwards is seen.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is one subscriber's independent stream.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// RedisPubSub implements PubSub with Redis PUBLISH/SUBSCRIBE.
type RedisPubSub struct {
	client *redis.Client
}

func NewRedisPubSub(client *redis.Client) (*RedisPubSub, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &RedisPubSub{client: client}, nil
}

func (p *RedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

func (p *RedisPubSub) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := p.client.Subscribe(ctx, channel)
	// Wait for the subscribe confirmation before handing the subscription out.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan []byte, 16),
		done: make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

var _ PubSub = (*RedisPubSub)(nil)
