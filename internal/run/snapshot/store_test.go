package snapshot_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"runbox/internal/common/cache"
	"runbox/internal/common/storage"
	"runbox/internal/run/snapshot"
	pkgerrors "runbox/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*snapshot.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	store, err := snapshot.NewRedisStore(c, "", ttl)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return store, mr
}

func TestRedisStorePutGet(t *testing.T) {
	store, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()
	blob, _ := snapshot.Build(map[string]string{"main.py": "print('hi')"})

	ref, err := store.Put(ctx, "r1", blob)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref != "runs:snap:r1" {
		t.Fatalf("unexpected ref %q", ref)
	}
	if ttl := mr.TTL(ref); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected ttl set, got %v", ttl)
	}
	got, err := store.Get(ctx, ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatalf("blob mismatch")
	}
}

func TestRedisStoreIsWriteOnce(t *testing.T) {
	store, _ := newRedisStore(t, time.Minute)
	ctx := context.Background()
	if _, err := store.Put(ctx, "r1", []byte("first")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Put(ctx, "r1", []byte("second")); !pkgerrors.Is(err, pkgerrors.SnapshotExists) {
		t.Fatalf("expected SnapshotExists, got %v", err)
	}
	got, _ := store.Get(ctx, "runs:snap:r1")
	if string(got) != "first" {
		t.Fatalf("expected original blob kept, got %q", got)
	}
}

func TestRedisStoreExpiry(t *testing.T) {
	store, mr := newRedisStore(t, time.Second)
	ctx := context.Background()
	ref, err := store.Put(ctx, "r1", []byte("blob"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if _, err := store.Get(ctx, ref); !pkgerrors.Is(err, pkgerrors.SnapshotExpired) {
		t.Fatalf("expected SnapshotExpired, got %v", err)
	}
	if _, err := store.Get(ctx, "runs:snap:never"); !pkgerrors.Is(err, pkgerrors.SnapshotExpired) {
		t.Fatalf("expected SnapshotExpired for missing key, got %v", err)
	}
}

type memObject struct {
	data []byte
	meta map[string]string
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string]memObject
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string]memObject)}
}

func (m *memStorage) PutObject(_ context.Context, bucket, key string, r io.Reader, _ int64, _ string, meta map[string]string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = memObject{data: data, meta: meta}
	return nil
}

func (m *memStorage) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *memStorage) StatObject(_ context.Context, bucket, key string) (storage.ObjectStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[bucket+"/"+key]
	if !ok {
		return storage.ObjectStat{}, storage.ErrObjectNotFound
	}
	return storage.ObjectStat{SizeBytes: int64(len(obj.data)), Metadata: obj.meta}, nil
}

func (m *memStorage) RemoveObject(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, bucket+"/"+key)
	return nil
}

func TestObjectStoreExpiresOnRead(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	mem := newMemStorage()
	store, err := snapshot.NewObjectStore(mem, "snapshots", "", time.Minute, snapshot.WithClock(clock))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	ctx := context.Background()

	ref, err := store.Put(ctx, "r1", []byte("blob"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasPrefix(ref, "s3://snapshots/") {
		t.Fatalf("unexpected ref %q", ref)
	}
	if _, err := store.Put(ctx, "r1", []byte("again")); !pkgerrors.Is(err, pkgerrors.SnapshotExists) {
		t.Fatalf("expected SnapshotExists, got %v", err)
	}
	got, err := store.Get(ctx, ref)
	if err != nil || string(got) != "blob" {
		t.Fatalf("expected blob, got %q %v", got, err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := store.Get(ctx, ref); !pkgerrors.Is(err, pkgerrors.SnapshotExpired) {
		t.Fatalf("expected SnapshotExpired, got %v", err)
	}
	if len(mem.objects) != 0 {
		t.Fatalf("expected expired object removed")
	}
}

func TestTieredRoutesBySizeAndRef(t *testing.T) {
	small, _ := newRedisStore(t, time.Minute)
	large, err := snapshot.NewObjectStore(newMemStorage(), "snapshots", "", time.Minute)
	if err != nil {
		t.Fatalf("object store: %v", err)
	}
	tiered, err := snapshot.NewTiered(small, large, 8)
	if err != nil {
		t.Fatalf("tiered: %v", err)
	}
	ctx := context.Background()

	smallRef, err := tiered.Put(ctx, "small", []byte("tiny"))
	if err != nil || !strings.HasPrefix(smallRef, "runs:snap:") {
		t.Fatalf("expected redis ref, got %q %v", smallRef, err)
	}
	largeRef, err := tiered.Put(ctx, "large", []byte("much larger than eight bytes"))
	if err != nil || !strings.HasPrefix(largeRef, "s3://") {
		t.Fatalf("expected object ref, got %q %v", largeRef, err)
	}
	for _, ref := range []string{smallRef, largeRef} {
		if _, err := tiered.Get(ctx, ref); err != nil {
			t.Fatalf("get %s: %v", ref, err)
		}
	}
}
