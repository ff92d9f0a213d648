// Package worker consumes run jobs from the stream, executes them and records the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"runbox/internal/common/mq"
	"runbox/internal/run/events"
	"runbox/internal/run/model"
	"runbox/internal/run/repository"
	"runbox/internal/run/sandbox"
	"runbox/internal/run/snapshot"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	DefaultStream          = "runs:jobs"
	DefaultGroup           = "runners"
	defaultBlock           = 5 * time.Second
	defaultReclaimInterval = 30 * time.Second
	defaultReclaimMinIdle  = 90 * time.Second
	defaultBatch           = 16
	defaultMaxDeliveries   = 5
	defaultPersistTimeout  = 5 * time.Second
	defaultMaxTimeLimit    = 60 * time.Second
	defaultKillGrace       = time.Second
	readErrorBackoff       = time.Second
)

// Config holds the consumer settings.
type Config struct {
	Stream   string
	Group    string
	Consumer string
	Block    time.Duration
	// ReclaimInterval is how often entries abandoned by dead consumers are claimed.
	ReclaimInterval time.Duration
	// ReclaimMinIdle must outlast the longest run, its kill grace and the result write.
	ReclaimMinIdle time.Duration
	ReclaimBatch   int64
	// HeartbeatInterval is how often the entry being handled is touched. Defaults to a third of ReclaimMinIdle.
	HeartbeatInterval time.Duration
	// MaxDeliveries bounds redelivery of one entry; beyond it the run is failed and acked.
	MaxDeliveries  int64
	PersistTimeout time.Duration
	// MaxTimeLimit caps the time limit carried by a job.
	MaxTimeLimit time.Duration
	KillGrace    time.Duration
}

func (c *Config) applyDefaults() {
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Consumer == "" {
		c.Consumer = DefaultConsumerName()
	}
	if c.Block <= 0 {
		c.Block = defaultBlock
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = defaultReclaimInterval
	}
	if c.ReclaimMinIdle <= 0 {
		c.ReclaimMinIdle = defaultReclaimMinIdle
	}
	if c.ReclaimBatch <= 0 {
		c.ReclaimBatch = defaultBatch
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = defaultMaxDeliveries
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = defaultPersistTimeout
	}
	if c.MaxTimeLimit <= 0 {
		c.MaxTimeLimit = defaultMaxTimeLimit
	}
	if c.KillGrace <= 0 {
		c.KillGrace = defaultKillGrace
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.ReclaimMinIdle / 3
	}
}

func (c Config) validate() error {
	if budget := c.MaxTimeLimit + c.KillGrace + c.PersistTimeout; c.ReclaimMinIdle <= budget {
		return fmt.Errorf("reclaim min idle %s must exceed max time limit + kill grace + persist timeout (%s)", c.ReclaimMinIdle, budget)
	}
	if c.HeartbeatInterval >= c.ReclaimMinIdle {
		return fmt.Errorf("heartbeat interval %s must be below reclaim min idle %s", c.HeartbeatInterval, c.ReclaimMinIdle)
	}
	return nil
}

// DefaultConsumerName is <hostname>-<pid>.
func DefaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Deps are the collaborators of a worker.
type Deps struct {
	Queue     mq.StreamQueue
	Snapshots snapshot.Store
	Executor  sandbox.Executor
	Runs      repository.RunRepository
	Events    events.Publisher
	// Kills is optional. Without it operator kills are not honored.
	Kills *events.KillBus
}

// Worker runs one job at a time.
type Worker struct {
	queue     mq.StreamQueue
	snapshots snapshot.Store
	executor  sandbox.Executor
	runs      repository.RunRepository
	events    events.Publisher
	kills     *events.KillBus
	cfg       Config
	now       func() time.Time
}

func New(deps Deps, cfg Config) (*Worker, error) {
	if deps.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if deps.Snapshots == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if deps.Runs == nil {
		return nil, fmt.Errorf("run repository is required")
	}
	if deps.Events == nil {
		return nil, fmt.Errorf("event publisher is required")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Worker{
		queue:     deps.Queue,
		snapshots: deps.Snapshots,
		executor:  deps.Executor,
		runs:      deps.Runs,
		events:    deps.Events,
		kills:     deps.Kills,
		cfg:       cfg,
		now:       time.Now,
	}, nil
}

// Consumer is the name this worker reads under.
func (w *Worker) Consumer() string {
	return w.cfg.Consumer
}

// Run consumes until ctx is cancelled. Entries left pending by this consumer's previous life
// are handled first.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.CreateGroup(ctx, w.cfg.Stream, w.cfg.Group); err != nil {
		return appErr.Wrapf(err, appErr.QueueError, "create consumer group: %v", err)
	}
	if w.kills != nil {
		if err := w.kills.Listen(ctx, w.onKill); err != nil {
			return err
		}
	}
	logger.Info(ctx, "worker started",
		zap.String("stream", w.cfg.Stream),
		zap.String("group", w.cfg.Group),
		zap.String("consumer", w.cfg.Consumer),
	)

	w.drainPending(ctx)
	lastReclaim := w.now()
	for ctx.Err() == nil {
		if w.now().Sub(lastReclaim) >= w.cfg.ReclaimInterval {
			w.reclaim(ctx)
			lastReclaim = w.now()
		}

		msg, err := w.queue.ReadNext(ctx, w.cfg.Stream, w.cfg.Group, w.cfg.Consumer, w.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Warn(ctx, "read next job failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(readErrorBackoff):
			}
			continue
		}
		if msg == nil {
			continue
		}
		w.Handle(ctx, msg)
	}
	logger.Info(context.Background(), "worker stopped", zap.String("consumer", w.cfg.Consumer))
	return nil
}

func (w *Worker) drainPending(ctx context.Context) {
	for ctx.Err() == nil {
		msgs, err := w.queue.ReadPending(ctx, w.cfg.Stream, w.cfg.Group, w.cfg.Consumer, w.cfg.ReclaimBatch)
		if err != nil {
			logger.Warn(ctx, "read own pending jobs failed", zap.Error(err))
			return
		}
		if len(msgs) == 0 {
			return
		}
		handled := 0
		for _, msg := range msgs {
			if w.Handle(ctx, msg) {
				handled++
			}
		}
		// Entries that stay pending are left to the reclaim sweep.
		if handled == 0 {
			return
		}
	}
}

func (w *Worker) reclaim(ctx context.Context) {
	msgs, err := w.queue.Reclaim(ctx, w.cfg.Stream, w.cfg.Group, w.cfg.Consumer, w.cfg.ReclaimMinIdle, w.cfg.ReclaimBatch)
	if err != nil {
		logger.Warn(ctx, "reclaim idle jobs failed", zap.Error(err))
		return
	}
	if len(msgs) > 0 {
		logger.Info(ctx, "reclaimed idle jobs", zap.Int("count", len(msgs)))
	}
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		w.Handle(ctx, msg)
	}
}

// onKill runs on the kill bus goroutine. A kill for a run this worker has not started yet is
// held by the engine and applied if the run starts here.
func (w *Worker) onKill(runID string) {
	if w.executor.Kill(runID) {
		logger.Info(logger.WithRunID(context.Background(), runID), "run killed by operator")
	}
}

// Handle processes one entry and reports whether it was acknowledged.
func (w *Worker) Handle(ctx context.Context, msg *mq.StreamMessage) bool {
	job, err := model.DecodeJobMessage(msg.Payload)
	if err != nil {
		logger.Warn(ctx, "drop malformed job", zap.String("entry_id", msg.ID), zap.Error(err))
		return w.ack(ctx, msg)
	}
	ctx = logger.WithRunID(ctx, job.RunID)
	stop := w.keepClaimed(ctx, msg.ID)
	defer stop()

	if msg.Deliveries > w.cfg.MaxDeliveries {
		logger.Error(ctx, "job exceeded delivery limit",
			zap.String("entry_id", msg.ID),
			zap.Int64("deliveries", msg.Deliveries),
		)
		w.giveUp(ctx, job, msg)
		return w.ack(ctx, msg)
	}

	w.publish(ctx, job.RunID, model.RunningEvent())

	if err := w.runs.MarkRunning(ctx, job.RunID); err != nil {
		switch {
		case errors.Is(err, repository.ErrRunFinished):
			logger.Info(ctx, "job already finished, acknowledging redelivery")
			w.republishFinal(ctx, job.RunID)
			return w.ack(ctx, msg)
		case errors.Is(err, repository.ErrRunNotFound):
			logger.Warn(ctx, "drop job for unknown run")
			return w.ack(ctx, msg)
		default:
			logger.Error(ctx, "mark run running failed, leaving job pending", zap.Error(err))
			return false
		}
	}

	result, ok := w.execute(ctx, job)
	if !ok {
		return false
	}
	w.finish(ctx, job.RunID, result)
	return w.ack(ctx, msg)
}

// keepClaimed touches id until the returned stop is called, so peers do not reclaim a job still in progress.
func (w *Worker) keepClaimed(ctx context.Context, id string) func() {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.queue.Touch(ctx, w.cfg.Stream, w.cfg.Group, w.cfg.Consumer, id); err != nil && ctx.Err() == nil {
					logger.Warn(ctx, "refresh job claim failed", zap.String("entry_id", id), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) timeLimit(job model.JobMessage) time.Duration {
	limit := time.Duration(job.TimeLimit) * time.Second
	if limit <= 0 || limit > w.cfg.MaxTimeLimit {
		return w.cfg.MaxTimeLimit
	}
	return limit
}

// execute resolves the snapshot and runs the job. ok is false when the job must stay pending.
func (w *Worker) execute(ctx context.Context, job model.JobMessage) (model.Result, bool) {
	blob, err := w.snapshots.Get(ctx, job.SnapKey)
	if err != nil {
		if appErr.Is(err, appErr.SnapshotExpired) {
			logger.Warn(ctx, "snapshot expired or missing", zap.String("snap_key", job.SnapKey))
			return model.Failed(fmt.Sprintf("snapshot %s expired or missing", job.SnapKey)), true
		}
		logger.Error(ctx, "fetch snapshot failed, leaving job pending", zap.Error(err))
		return model.Result{}, false
	}
	files, err := snapshot.Unpack(blob)
	if err != nil {
		logger.Warn(ctx, "snapshot is corrupt", zap.String("snap_key", job.SnapKey), zap.Error(err))
		return model.Failed(err.Error()), true
	}

	result, err := w.executor.Execute(ctx, sandbox.Request{
		RunID:      job.RunID,
		Files:      files,
		Language:   job.Language,
		Entrypoint: job.Entrypoint,
		TimeLimit:  w.timeLimit(job),
	})
	if err != nil {
		logger.Warn(ctx, "execution abandoned, leaving job pending", zap.Error(err))
		return model.Result{}, false
	}
	logger.Info(ctx, "run executed",
		zap.String("status", string(result.Status)),
		zap.Int64("wall_ms", result.WallMs),
	)
	return result, true
}

// finish persists and announces result. It runs to completion even while ctx is being cancelled.
func (w *Worker) finish(ctx context.Context, runID string, result model.Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.PersistTimeout)
	defer cancel()

	if err := w.runs.MarkDone(ctx, runID, result); err != nil {
		if errors.Is(err, repository.ErrTransitionRejected) {
			// Another delivery already stored a result; announce that one, not ours.
			logger.Warn(ctx, "run result already recorded", zap.Error(err))
			w.republishFinal(ctx, runID)
			return
		}
		logger.Error(ctx, "persist run result failed", zap.Error(err))
	}
	w.publish(ctx, runID, model.TerminalEvent(result))
}

func (w *Worker) giveUp(ctx context.Context, job model.JobMessage, msg *mq.StreamMessage) {
	if err := w.runs.MarkRunning(ctx, job.RunID); err != nil {
		if errors.Is(err, repository.ErrRunFinished) {
			return
		}
		logger.Warn(ctx, "mark abandoned run running failed", zap.Error(err))
	}
	w.finish(ctx, job.RunID, model.Failed(fmt.Sprintf("run abandoned after %d delivery attempts", msg.Deliveries)))
}

func (w *Worker) republishFinal(ctx context.Context, runID string) {
	run, err := w.runs.Get(ctx, runID)
	if err != nil {
		logger.Warn(ctx, "load finished run failed", zap.Error(err))
		return
	}
	w.publish(ctx, runID, model.TerminalEvent(model.Result{
		Status: run.Status,
		Stdout: run.Stdout,
		Stderr: run.Stderr,
		WallMs: run.WallMs,
	}))
}

func (w *Worker) publish(ctx context.Context, runID string, event model.Event) {
	if err := w.events.Publish(ctx, runID, event); err != nil {
		logger.Warn(ctx, "publish run event failed", zap.String("status", event.Status), zap.Error(err))
	}
}

func (w *Worker) ack(ctx context.Context, msg *mq.StreamMessage) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.PersistTimeout)
	defer cancel()
	if err := w.queue.Ack(ctx, w.cfg.Stream, w.cfg.Group, msg.ID); err != nil {
		logger.Error(ctx, "ack job failed", zap.String("entry_id", msg.ID), zap.Error(err))
		return false
	}
	return true
}
