package snapshot

import (
	"context"
	"errors"
	"time"

	"runbox/internal/common/cache"
	pkgerrors "runbox/pkg/errors"
)

const (
	DefaultKeyPrefix = "runs:snap:"
	DefaultTTL       = 10 * time.Minute
)

// Store holds snapshot blobs for a bounded time. Put is write-once per key.
type Store interface {
	// Put stores blob for runID and returns the reference to put in the job message.
	Put(ctx context.Context, runID string, blob []byte) (string, error)
	// Get returns the blob for ref, or a SnapshotExpired error when it is gone.
	Get(ctx context.Context, ref string) ([]byte, error)
}

// RedisStore keeps snapshots as plain keys with a TTL.
type RedisStore struct {
	cache  cache.Cache
	prefix string
	ttl    time.Duration
}

func NewRedisStore(c cache.Cache, prefix string, ttl time.Duration) (*RedisStore, error) {
	if c == nil {
		return nil, errors.New("cache is required")
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{cache: c, prefix: prefix, ttl: ttl}, nil
}

// Key returns the reference used for runID.
func (s *RedisStore) Key(runID string) string {
	return s.prefix + runID
}

func (s *RedisStore) Put(ctx context.Context, runID string, blob []byte) (string, error) {
	if runID == "" {
		return "", pkgerrors.New(pkgerrors.InvalidParams).WithMessage("run id is required")
	}
	key := s.Key(runID)
	ok, err := s.cache.SetNX(ctx, key, blob, s.ttl)
	if err != nil {
		return "", pkgerrors.Wrapf(err, pkgerrors.SnapshotWriteFailed, "store snapshot %s: %v", key, err)
	}
	if !ok {
		return "", pkgerrors.Newf(pkgerrors.SnapshotExists, "snapshot %s already exists", key)
	}
	return key, nil
}

func (s *RedisStore) Get(ctx context.Context, ref string) ([]byte, error) {
	blob, err := s.cache.GetBytes(ctx, ref)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.CacheError, "read snapshot %s: %v", ref, err)
	}
	if blob == nil {
		return nil, pkgerrors.Newf(pkgerrors.SnapshotExpired, "snapshot %s expired or missing", ref)
	}
	return blob, nil
}

var _ Store = (*RedisStore)(nil)
