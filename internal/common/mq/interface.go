package mq

import (
	"context"
	"time"
)

// StreamQueue is an append-only log with consumer-group delivery.
// Each entry goes to one consumer of a group and stays pending until acknowledged,
// so a consumer that dies mid-job leaves the entry claimable by another.
type StreamQueue interface {
	// Publish appends payload and returns the entry id. The topic is trimmed to its max length.
	Publish(ctx context.Context, topic string, payload []byte) (string, error)

	// CreateGroup creates group on topic, creating the topic if needed. An existing group is not an error.
	CreateGroup(ctx context.Context, topic, group string) error

	// ReadNext blocks up to block for a new entry. It returns nil, nil when nothing arrived.
	ReadNext(ctx context.Context, topic, group, consumer string, block time.Duration) (*StreamMessage, error)

	// ReadPending returns entries already delivered to consumer and not yet acknowledged.
	ReadPending(ctx context.Context, topic, group, consumer string, count int64) ([]*StreamMessage, error)

	// Reclaim moves entries idle for at least minIdle on any consumer to consumer.
	Reclaim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, count int64) ([]*StreamMessage, error)

	// Touch resets the idle time of ids held by consumer, keeping them out of Reclaim while work continues.
	Touch(ctx context.Context, topic, group, consumer string, ids ...string) error

	// Ack marks id processed. Acking twice is harmless.
	Ack(ctx context.Context, topic, group, id string) error

	Ping(ctx context.Context) error
	Close() error
}

// StreamMessage is one delivered entry.
type StreamMessage struct {
	ID      string
	Payload []byte
	// Deliveries is how many times the group has handed this entry out, when known.
	Deliveries int64
}

// Producer publishes fire-and-forget notifications to downstream consumers.
type Producer interface {
	Publish(ctx context.Context, topic string, message *Message) error
	Close() error
}

// Message is a keyed notification with headers.
type Message struct {
	Key       string
	Body      []byte
	Headers   map[string]string
	Timestamp time.Time
}

// NewMessage creates a message keyed by key.
func NewMessage(key string, body []byte) *Message {
	return &Message{
		Key:       key,
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// SetHeader sets a header value
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}
