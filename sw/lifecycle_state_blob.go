package sw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const lifecycleStatePrefix = "lifecycle/"

// BlobLifecycleStateStore implements LifecycleStateStore on top of a
// BlobStore, using the blob version as the CAS token.
type BlobLifecycleStateStore struct {
	Store BlobStore
}

func NewBlobLifecycleStateStore(store BlobStore) *BlobLifecycleStateStore {
	return &BlobLifecycleStateStore{Store: store}
}

func (s *BlobLifecycleStateStore) stateKey(scope string) string {
	return lifecycleStatePrefix + scope + ".json"
}

func (s *BlobLifecycleStateStore) Get(ctx context.Context, scope string) (*LifecycleStateDocument, error) {
	data, info, err := s.Store.Get(ctx, s.stateKey(scope))
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return nil, ErrStateNotFound
		}
		return nil, err
	}

	var state LifecycleState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode lifecycle state for %s: %w", scope, err)
	}
	return &LifecycleStateDocument{State: state, Version: info.Version}, nil
}

func (s *BlobLifecycleStateStore) HeadVersion(ctx context.Context, scope string) (string, error) {
	info, err := s.Store.Head(ctx, s.stateKey(scope))
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return "", nil
		}
		return "", err
	}
	return info.Version, nil
}

func (s *BlobLifecycleStateStore) UpsertIfMatch(ctx context.Context, scope string, state LifecycleState, expectedVersion string) (string, error) {
	key := s.stateKey(scope)
	if expectedVersion == "" {
		// blob writes with no version are unconditional, so check first
		current, err := s.HeadVersion(ctx, scope)
		if err != nil {
			return "", err
		}
		if current != "" {
			return "", ErrBlobVersionMismatch
		}
	}

	data, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	info, err := s.Store.PutIfMatch(ctx, key, data, expectedVersion)
	if err != nil {
		return "", err
	}
	return info.Version, nil
}

func (s *BlobLifecycleStateStore) Delete(ctx context.Context, scope string) error {
	if err := s.Store.Delete(ctx, s.stateKey(scope)); err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return nil
		}
		return fmt.Errorf("delete lifecycle state for %s: %w", scope, err)
	}
	return nil
}
