package events

import (
	"context"
	"encoding/json"
	"errors"

	"runbox/internal/common/pubsub"
	"runbox/internal/run/model"
	pkgerrors "runbox/pkg/errors"
	"runbox/pkg/utils/logger"

	"go.uber.org/zap"
)

// DefaultKillChannel carries operator kill requests to every worker.
const DefaultKillChannel = "runs:kill"

// KillBus fans kill requests out to workers. Only the worker executing the run acts on one.
type KillBus struct {
	ps      pubsub.PubSub
	channel string
}

func NewKillBus(ps pubsub.PubSub, channel string) (*KillBus, error) {
	if ps == nil {
		return nil, errors.New("pubsub is required")
	}
	if channel == "" {
		channel = DefaultKillChannel
	}
	return &KillBus{ps: ps, channel: channel}, nil
}

// RequestKill publishes a kill request for runID.
func (b *KillBus) RequestKill(ctx context.Context, runID string) error {
	payload, err := json.Marshal(model.KillRequest{RunID: runID})
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.BroadcastError)
	}
	if err := b.ps.Publish(ctx, b.channel, payload); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.BroadcastError, "publish kill for run %s: %v", runID, err)
	}
	return nil
}

// Listen calls fn for every kill request until ctx is done. It returns once subscribed,
// handing delivery to a goroutine.
func (b *KillBus) Listen(ctx context.Context, fn func(runID string)) error {
	sub, err := b.ps.Subscribe(ctx, b.channel)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.BroadcastError, "subscribe kill channel: %v", err)
	}
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-sub.Messages():
				if !ok {
					return
				}
				var req model.KillRequest
				if err := json.Unmarshal(payload, &req); err != nil || req.RunID == "" {
					logger.Warn(ctx, "ignore malformed kill request", zap.ByteString("payload", payload))
					continue
				}
				fn(req.RunID)
			}
		}
	}()
	return nil
}
