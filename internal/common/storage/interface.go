package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned when the key does not exist in the bucket.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage is the object store surface used for large snapshots.
type ObjectStorage interface {
	// PutObject uploads size bytes from reader. metadata is stored as user metadata.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, size int64, contentType string, metadata map[string]string) error

	// GetObject opens a reader for an object. Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	// StatObject returns size and metadata, or ErrObjectNotFound.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)

	RemoveObject(ctx context.Context, bucket, objectKey string) error
}

// ObjectStat describes a stored object.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
	Metadata    map[string]string
}
