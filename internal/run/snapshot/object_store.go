package snapshot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"runbox/internal/common/storage"
	pkgerrors "runbox/pkg/errors"
)

const (
	objectRefScheme = "s3://"
	expiresAtMeta   = "Expires-At"
	contentType     = "application/zstd"
)

// ObjectStore keeps snapshots in a bucket. Buckets have no per-object TTL, so the expiry is
// written into the object metadata and enforced on read; a bucket lifecycle rule reaps the rest.
type ObjectStore struct {
	client storage.ObjectStorage
	bucket string
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// ObjectStoreOption customizes ObjectStore.
type ObjectStoreOption func(*ObjectStore)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) ObjectStoreOption {
	return func(s *ObjectStore) { s.now = now }
}

func NewObjectStore(client storage.ObjectStorage, bucket, prefix string, ttl time.Duration, opts ...ObjectStoreOption) (*ObjectStore, error) {
	if client == nil {
		return nil, errors.New("object storage is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if prefix == "" {
		prefix = strings.ReplaceAll(DefaultKeyPrefix, ":", "/")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &ObjectStore{client: client, bucket: bucket, prefix: prefix, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *ObjectStore) Put(ctx context.Context, runID string, blob []byte) (string, error) {
	if runID == "" {
		return "", pkgerrors.New(pkgerrors.InvalidParams).WithMessage("run id is required")
	}
	key := s.prefix + runID
	ref := objectRefScheme + s.bucket + "/" + key

	_, err := s.client.StatObject(ctx, s.bucket, key)
	switch {
	case err == nil:
		return "", pkgerrors.Newf(pkgerrors.SnapshotExists, "snapshot %s already exists", ref)
	case !errors.Is(err, storage.ErrObjectNotFound):
		return "", pkgerrors.Wrapf(err, pkgerrors.SnapshotWriteFailed, "stat snapshot %s: %v", ref, err)
	}

	meta := map[string]string{expiresAtMeta: s.now().Add(s.ttl).UTC().Format(time.RFC3339Nano)}
	if err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(blob), int64(len(blob)), contentType, meta); err != nil {
		return "", pkgerrors.Wrapf(err, pkgerrors.SnapshotWriteFailed, "store snapshot %s: %v", ref, err)
	}
	return ref, nil
}

func (s *ObjectStore) Get(ctx context.Context, ref string) ([]byte, error) {
	bucket, key, ok := parseObjectRef(ref)
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.SnapshotExpired, "snapshot reference %q is not an object reference", ref)
	}
	stat, err := s.client.StatObject(ctx, bucket, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, pkgerrors.Newf(pkgerrors.SnapshotExpired, "snapshot %s expired or missing", ref)
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.ServiceUnavailable, "stat snapshot %s: %v", ref, err)
	}
	if s.expired(stat.Metadata) {
		_ = s.client.RemoveObject(ctx, bucket, key)
		return nil, pkgerrors.Newf(pkgerrors.SnapshotExpired, "snapshot %s expired or missing", ref)
	}

	rc, err := s.client.GetObject(ctx, bucket, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, pkgerrors.Newf(pkgerrors.SnapshotExpired, "snapshot %s expired or missing", ref)
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.ServiceUnavailable, "read snapshot %s: %v", ref, err)
	}
	defer rc.Close()
	blob, err := io.ReadAll(rc)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.ServiceUnavailable, "read snapshot %s: %v", ref, err)
	}
	return blob, nil
}

// expired treats a missing or unreadable expiry as expired.
func (s *ObjectStore) expired(meta map[string]string) bool {
	var raw string
	for k, v := range meta {
		if strings.EqualFold(k, expiresAtMeta) {
			raw = v
			break
		}
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return true
	}
	return !s.now().Before(at)
}

func parseObjectRef(ref string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(ref, objectRefScheme)
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

var _ Store = (*ObjectStore)(nil)
