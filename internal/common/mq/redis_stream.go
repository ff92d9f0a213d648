package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// payloadField is the stream entry field holding the message body.
const payloadField = "json"

// RedisStreamConfig configures RedisStreamQueue.
type RedisStreamConfig struct {
	// MaxLen bounds every topic; older entries are trimmed on publish.
	MaxLen int64
	// ApproxTrim lets Redis trim lazily (MAXLEN ~), which is much cheaper on large streams.
	ApproxTrim bool
}

// RedisStreamQueue implements StreamQueue on Redis Streams.
type RedisStreamQueue struct {
	client *redis.Client
	cfg    RedisStreamConfig
}

func NewRedisStreamQueue(client *redis.Client, cfg RedisStreamConfig) (*RedisStreamQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 1000
	}
	return &RedisStreamQueue{client: client, cfg: cfg}, nil
}

func (q *RedisStreamQueue) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	if topic == "" {
		return "", errors.New("topic is required")
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: q.cfg.MaxLen,
		Approx: q.cfg.ApproxTrim,
		Values: map[string]interface{}{payloadField: payload},
	}).Result()
}

func (q *RedisStreamQueue) CreateGroup(ctx context.Context, topic, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group %s on %s: %w", group, topic, err)
	}
	return nil
}

func (q *RedisStreamQueue) ReadNext(ctx context.Context, topic, group, consumer string, block time.Duration) (*StreamMessage, error) {
	if block <= 0 {
		// BLOCK 0 waits forever; a worker must always come back to check ctx.
		block = time.Second
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			m := toStreamMessage(msg)
			m.Deliveries = 1
			return m, nil
		}
	}
	return nil, nil
}

func (q *RedisStreamQueue) ReadPending(ctx context.Context, topic, group, consumer string, count int64) ([]*StreamMessage, error) {
	if count <= 0 {
		count = 10
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, "0"},
		Count:    count,
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*StreamMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			out = append(out, toStreamMessage(msg))
		}
	}
	q.fillDeliveries(ctx, topic, group, out)
	return out, nil
}

func (q *RedisStreamQueue) Reclaim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, count int64) ([]*StreamMessage, error) {
	if count <= 0 {
		count = 10
	}
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]*StreamMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, toStreamMessage(msg))
	}
	q.fillDeliveries(ctx, topic, group, out)
	return out, nil
}

// Touch claims ids back to their current owner with JUSTID, which resets idle time
// without counting another delivery.
func (q *RedisStreamQueue) Touch(ctx context.Context, topic, group, consumer string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	err := q.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: consumer,
		MinIdle:  0,
		Messages: ids,
	}).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (q *RedisStreamQueue) Ack(ctx context.Context, topic, group, id string) error {
	return q.client.XAck(ctx, topic, group, id).Err()
}

func (q *RedisStreamQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close is a no-op; the client is owned by the caller that passed it in.
func (q *RedisStreamQueue) Close() error {
	return nil
}

// fillDeliveries looks up delivery counts. Failures leave the count at zero, which callers treat as unknown.
func (q *RedisStreamQueue) fillDeliveries(ctx context.Context, topic, group string, msgs []*StreamMessage) {
	for _, m := range msgs {
		pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: topic,
			Group:  group,
			Start:  m.ID,
			End:    m.ID,
			Count:  1,
		}).Result()
		if err != nil || len(pending) == 0 {
			continue
		}
		m.Deliveries = pending[0].RetryCount
	}
}

func toStreamMessage(msg redis.XMessage) *StreamMessage {
	m := &StreamMessage{ID: msg.ID}
	switch v := msg.Values[payloadField].(type) {
	case string:
		m.Payload = []byte(v)
	case []byte:
		m.Payload = v
	}
	return m
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

var _ StreamQueue = (*RedisStreamQueue)(nil)
