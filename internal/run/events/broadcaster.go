package events

import (
	"context"
	"errors"

	"runbox/internal/common/pubsub"
	"runbox/internal/run/model"
	pkgerrors "runbox/pkg/errors"
)

// DefaultChannelPrefix namespaces per-run channels.
const DefaultChannelPrefix = "runs:events:"

// Publisher is what the worker needs from the broadcaster.
type Publisher interface {
	Publish(ctx context.Context, runID string, event model.Event) error
}

// Broadcaster maps runs onto pub/sub channels.
type Broadcaster struct {
	ps     pubsub.PubSub
	prefix string
}

func NewBroadcaster(ps pubsub.PubSub, prefix string) (*Broadcaster, error) {
	if ps == nil {
		return nil, errors.New("pubsub is required")
	}
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &Broadcaster{ps: ps, prefix: prefix}, nil
}

// Channel returns the pub/sub channel for runID.
func (b *Broadcaster) Channel(runID string) string {
	return b.prefix + runID
}

// Publish sends event to every current subscriber of runID. Nobody listening is not an error.
func (b *Broadcaster) Publish(ctx context.Context, runID string, event model.Event) error {
	payload, err := event.Encode()
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.BroadcastError)
	}
	if err := b.ps.Publish(ctx, b.Channel(runID), payload); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.BroadcastError, "publish event for run %s: %v", runID, err)
	}
	return nil
}

// Subscribe returns a stream of raw event payloads for runID.
// The first payload is always the synthetic subscribed acknowledgment.
func (b *Broadcaster) Subscribe(ctx context.Context, runID string) (*Subscription, error) {
	inner, err := b.ps.Subscribe(ctx, b.Channel(runID))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.BroadcastError, "subscribe to run %s: %v", runID, err)
	}
	ack, err := model.SubscribedEvent().Encode()
	if err != nil {
		_ = inner.Close()
		return nil, pkgerrors.Wrap(err, pkgerrors.BroadcastError)
	}

	sub := &Subscription{inner: inner, out: make(chan []byte, 1)}
	sub.out <- ack
	go sub.forward()
	return sub, nil
}

// Subscription is one subscriber's view of a run's events.
type Subscription struct {
	inner pubsub.Subscription
	out   chan []byte
}

func (s *Subscription) forward() {
	defer close(s.out)
	for msg := range s.inner.Messages() {
		s.out <- msg
	}
}

// Events yields raw event bytes until Close is called.
func (s *Subscription) Events() <-chan []byte {
	return s.out
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() error {
	err := s.inner.Close()
	// Drain so forward can exit if a send was in flight.
	go func() {
		for range s.out {
		}
	}()
	return err
}

var _ Publisher = (*Broadcaster)(nil)
