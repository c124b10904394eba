package sw

import (
	"context"
	"errors"
	"strings"
)

const defaultBlobQueueKey = "sync/queue.json"

// BlobQueueSlot stores the queue as one blob object, appending under CAS.
type BlobQueueSlot struct {
	Store BlobStore
	Key   string
}

func NewBlobQueueSlot(store BlobStore, key string) *BlobQueueSlot {
	if strings.TrimSpace(key) == "" {
		key = defaultBlobQueueKey
	}
	return &BlobQueueSlot{Store: store, Key: key}
}

func (s *BlobQueueSlot) Read(ctx context.Context) ([]byte, error) {
	data, _, err := s.Store.Get(ctx, s.Key)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (s *BlobQueueSlot) Append(ctx context.Context, item SyncQueueItem) error {
	_, err := runWithCASRetry(ctx, "sync_queue_append", defaultCASRetries, func() error {
		var (
			raw     []byte
			version string
		)
		data, info, err := s.Store.Get(ctx, s.Key)
		switch {
		case err == nil:
			raw, version = data, info.Version
		case !errors.Is(err, ErrBlobNotFound):
			return err
		}

		next, err := appendSyncQueue(raw, item)
		if err != nil {
			return err
		}
		_, err = s.Store.PutIfMatch(ctx, s.Key, next, version)
		return err
	})
	return err
}

func (s *BlobQueueSlot) Clear(ctx context.Context) error {
	return s.Store.Delete(ctx, s.Key)
}
