package repository

import (
	"context"
	"encoding/json"
	"time"

	"runbox/internal/common/mq"
	"runbox/internal/run/model"
	"runbox/pkg/utils/logger"

	"go.uber.org/zap"
)

// DefaultCompletedTopic receives one message per finished run.
const DefaultCompletedTopic = "runs.completed"

// CompletedEvent is the body of a completion message.
type CompletedEvent struct {
	RunID      string       `json:"run_id"`
	Status     model.Status `json:"status"`
	WallMs     int64        `json:"wall_ms"`
	CPUMs      int64        `json:"cpu_ms"`
	MemoryMB   int64        `json:"memory_mb"`
	FinishedAt time.Time    `json:"finished_at"`
}

// NotifyingRunRepository announces every successful MarkDone on a producer.
// Publishing is best effort; the stored result is the source of truth.
type NotifyingRunRepository struct {
	RunRepository
	producer mq.Producer
	topic    string
	now      func() time.Time
}

func NewNotifyingRunRepository(inner RunRepository, producer mq.Producer, topic string) *NotifyingRunRepository {
	if topic == "" {
		topic = DefaultCompletedTopic
	}
	return &NotifyingRunRepository{RunRepository: inner, producer: producer, topic: topic, now: time.Now}
}

func (r *NotifyingRunRepository) MarkDone(ctx context.Context, runID string, result model.Result) error {
	if err := r.RunRepository.MarkDone(ctx, runID, result); err != nil {
		return err
	}
	if r.producer == nil {
		return nil
	}
	body, err := json.Marshal(CompletedEvent{
		RunID:      runID,
		Status:     result.Status,
		WallMs:     result.WallMs,
		CPUMs:      result.CPUMs,
		MemoryMB:   result.MemoryMB,
		FinishedAt: r.now().UTC(),
	})
	if err != nil {
		logger.Warn(ctx, "encode completion event failed", zap.Error(err))
		return nil
	}
	msg := mq.NewMessage(runID, body)
	msg.SetHeader("status", string(result.Status))
	if err := r.producer.Publish(ctx, r.topic, msg); err != nil {
		logger.Warn(ctx, "publish completion event failed", zap.String("topic", r.topic), zap.Error(err))
	}
	return nil
}
