package sw

import (
	"context"
	"time"
)

// BlobObjectInfo describes a blob object.
type BlobObjectInfo struct {
	Key       string
	Version   string
	UpdatedAt time.Time
	Size      int64
}

// BlobStore is the durable object storage under the blob-backed cache
// stores, the lifecycle record and the sync queue slot.
//
// Version is an opaque content version (sha256 locally, ETag on S3).
// PutIfMatch with an empty expectedVersion writes unconditionally.
type BlobStore interface {
	Head(ctx context.Context, key string) (*BlobObjectInfo, error)
	Get(ctx context.Context, key string) ([]byte, *BlobObjectInfo, error)
	PutIfMatch(ctx context.Context, key string, data []byte, expectedVersion string) (*BlobObjectInfo, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]BlobObjectInfo, error)
}
