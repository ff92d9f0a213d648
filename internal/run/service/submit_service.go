package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"runbox/internal/common/mq"
	"runbox/internal/run/model"
	"runbox/internal/run/snapshot"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"

	"go.uber.org/zap"
)

// DefaultStream is the job stream shared with the workers.
const DefaultStream = "runs:jobs"

// SubmitRequest is one run to enqueue.
type SubmitRequest struct {
	RunID      string
	ProjectID  string
	Files      map[string]string
	Language   model.Language
	Entrypoint string
	TimeLimit  time.Duration
}

// SubmitService snapshots files and enqueues the job that references them.
type SubmitService struct {
	queue  mq.StreamQueue
	store  snapshot.Store
	stream string
}

func NewSubmitService(queue mq.StreamQueue, store snapshot.Store, stream string) (*SubmitService, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if store == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	if stream == "" {
		stream = DefaultStream
	}
	return &SubmitService{queue: queue, store: store, stream: stream}, nil
}

// Submit returns the stream entry id of the enqueued job.
func (s *SubmitService) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.RunID == "" || req.ProjectID == "" || req.Entrypoint == "" || req.Language == "" {
		return "", appErr.New(appErr.InvalidParams).WithMessage("run id, project id, language and entrypoint are required")
	}
	if req.TimeLimit <= 0 {
		return "", appErr.ValidationError("time_limit", "must be positive")
	}

	blob, err := snapshot.Build(req.Files)
	if err != nil {
		return "", err
	}
	ref, err := s.store.Put(ctx, req.RunID, blob)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(model.JobMessage{
		RunID:      req.RunID,
		ProjectID:  req.ProjectID,
		Language:   req.Language,
		Entrypoint: req.Entrypoint,
		SnapKey:    ref,
		TimeLimit:  limitSeconds(req.TimeLimit),
	})
	if err != nil {
		return "", appErr.Wrapf(err, appErr.PublishFailed, "encode job failed")
	}
	jobID, err := s.queue.Publish(ctx, s.stream, payload)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.PublishFailed, "enqueue run %s: %v", req.RunID, err)
	}
	logger.Info(ctx, "run enqueued",
		zap.String("run_id", req.RunID),
		zap.String("job_id", jobID),
		zap.Int("snapshot_bytes", len(blob)),
	)
	return jobID, nil
}

// limitSeconds rounds up so a sub-second limit never becomes zero.
func limitSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
