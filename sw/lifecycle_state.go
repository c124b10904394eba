package sw

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LifecycleState is the persisted record of which generation serves clients
// and which one waits to take over. Replicas sharing durable stores share it.
type LifecycleState struct {
	ActiveVersion  string    `json:"active_version" bson:"active_version"`
	WaitingVersion string    `json:"waiting_version,omitempty" bson:"waiting_version,omitempty"`
	InstalledAt    time.Time `json:"installed_at,omitempty" bson:"installed_at,omitempty"`
	ActivatedAt    time.Time `json:"activated_at,omitempty" bson:"activated_at,omitempty"`
}

// LifecycleStateDocument pairs a state with its version for CAS.
type LifecycleStateDocument struct {
	State   LifecycleState
	Version string
}

// LifecycleStateStore abstracts lifecycle record CRUD with CAS update
// semantics. scope names the deployment the record belongs to.
type LifecycleStateStore interface {
	// Get returns ErrStateNotFound if absent.
	Get(ctx context.Context, scope string) (*LifecycleStateDocument, error)

	// HeadVersion returns "" when the record is absent.
	HeadVersion(ctx context.Context, scope string) (string, error)

	// UpsertIfMatch writes state with CAS protection. Empty expectedVersion
	// means "create if absent"; a conflict returns ErrBlobVersionMismatch.
	UpsertIfMatch(ctx context.Context, scope string, state LifecycleState, expectedVersion string) (string, error)

	// Delete returns nil if already absent.
	Delete(ctx context.Context, scope string) error
}

// MemoryLifecycleStateStore keeps lifecycle records in process memory.
type MemoryLifecycleStateStore struct {
	mu      sync.Mutex
	records map[string]LifecycleStateDocument
}

func NewMemoryLifecycleStateStore() *MemoryLifecycleStateStore {
	return &MemoryLifecycleStateStore{records: make(map[string]LifecycleStateDocument)}
}

func (s *MemoryLifecycleStateStore) Get(ctx context.Context, scope string) (*LifecycleStateDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.records[scope]
	if !ok {
		return nil, ErrStateNotFound
	}
	return &doc, nil
}

func (s *MemoryLifecycleStateStore) HeadVersion(ctx context.Context, scope string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[scope].Version, nil
}

func (s *MemoryLifecycleStateStore) UpsertIfMatch(ctx context.Context, scope string, state LifecycleState, expectedVersion string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[scope].Version != expectedVersion {
		return "", ErrBlobVersionMismatch
	}
	version := uuid.NewString()
	s.records[scope] = LifecycleStateDocument{State: state, Version: version}
	return version, nil
}

func (s *MemoryLifecycleStateStore) Delete(ctx context.Context, scope string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.records, scope)
	s.mu.Unlock()
	return nil
}
