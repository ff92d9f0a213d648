package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"runbox/internal/common/pubsub"
	"runbox/internal/run/events"
	"runbox/internal/run/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBroadcaster(t *testing.T) *events.Broadcaster {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ps, err := pubsub.NewRedisPubSub(client)
	if err != nil {
		t.Fatalf("pubsub: %v", err)
	}
	b, err := events.NewBroadcaster(ps, "")
	if err != nil {
		t.Fatalf("broadcaster: %v", err)
	}
	return b
}

func next(t *testing.T, sub *events.Subscription) model.Event {
	t.Helper()
	select {
	case raw, ok := <-sub.Events():
		if !ok {
			t.Fatalf("subscription closed early")
		}
		var ev model.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("decode event %q: %v", raw, err)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return model.Event{}
}

func TestSubscribeYieldsAckFirst(t *testing.T) {
	b := newBroadcaster(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "r1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	ev := next(t, sub)
	if ev.Type != model.EventTypeState || ev.Status != model.StateSubscribed {
		t.Fatalf("expected subscribed ack, got %+v", ev)
	}

	if err := b.Publish(ctx, "r1", model.RunningEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, "r1", model.TerminalEvent(model.Result{Status: model.StatusSucceeded, Stdout: "hi"})); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ev := next(t, sub); ev.Status != "running" {
		t.Fatalf("expected running first, got %+v", ev)
	}
	if ev := next(t, sub); ev.Status != "succeeded" || ev.Stdout != "hi" {
		t.Fatalf("expected succeeded, got %+v", ev)
	}
}

func TestEverySubscriberGetsACopy(t *testing.T) {
	b := newBroadcaster(t)
	ctx := context.Background()

	a, err := b.Subscribe(ctx, "r2")
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	defer a.Close()
	c, err := b.Subscribe(ctx, "r2")
	if err != nil {
		t.Fatalf("subscribe c: %v", err)
	}
	defer c.Close()
	other, err := b.Subscribe(ctx, "other")
	if err != nil {
		t.Fatalf("subscribe other: %v", err)
	}
	defer other.Close()
	next(t, a)
	next(t, c)
	next(t, other)

	if err := b.Publish(ctx, "r2", model.RunningEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ev := next(t, a); ev.Status != "running" {
		t.Fatalf("a: unexpected %+v", ev)
	}
	if ev := next(t, c); ev.Status != "running" {
		t.Fatalf("c: unexpected %+v", ev)
	}
	select {
	case raw := <-other.Events():
		t.Fatalf("other run must not see r2 events, got %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishWithoutSubscribersIsDropped(t *testing.T) {
	b := newBroadcaster(t)
	ctx := context.Background()
	if err := b.Publish(ctx, "r3", model.RunningEvent()); err != nil {
		t.Fatalf("publish with no subscribers: %v", err)
	}

	sub, err := b.Subscribe(ctx, "r3")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	next(t, sub)
	select {
	case raw := <-sub.Events():
		t.Fatalf("late subscriber must not see old events, got %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseEndsStream(t *testing.T) {
	b := newBroadcaster(t)
	sub, err := b.Subscribe(context.Background(), "r4")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	next(t, sub)
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
