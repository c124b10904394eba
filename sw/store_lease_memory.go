package sw

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type inMemoryLeaseRecord struct {
	token     string
	expiresAt time.Time
}

// InMemoryTransitionLeaseManager coordinates transitions within one process.
type InMemoryTransitionLeaseManager struct {
	mu       sync.Mutex
	leases   map[string]inMemoryLeaseRecord
	tokenSeq atomic.Uint64
}

func NewInMemoryTransitionLeaseManager() *InMemoryTransitionLeaseManager {
	return &InMemoryTransitionLeaseManager{
		leases: make(map[string]inMemoryLeaseRecord),
	}
}

func (m *InMemoryTransitionLeaseManager) Acquire(ctx context.Context, scope string, ttl time.Duration) (*TransitionLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if scope == "" {
		return nil, fmt.Errorf("scope cannot be empty")
	}
	if ttl <= 0 {
		ttl = defaultTransitionLeaseTTL
	}

	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.leases[scope]; ok && now.Before(rec.expiresAt) {
		return nil, ErrTransitionLeaseConflict
	}

	token := fmt.Sprintf("%s-%d-%d", scope, now.UnixNano(), m.tokenSeq.Add(1))
	expiresAt := now.Add(ttl)
	m.leases[scope] = inMemoryLeaseRecord{token: token, expiresAt: expiresAt}

	return &TransitionLease{Scope: scope, Token: token, ExpiresAt: expiresAt}, nil
}

func (m *InMemoryTransitionLeaseManager) Renew(ctx context.Context, lease *TransitionLease, ttl time.Duration) (*TransitionLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !heldLease(lease) {
		return nil, fmt.Errorf("valid lease is required")
	}
	if ttl <= 0 {
		ttl = defaultTransitionLeaseTTL
	}

	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.leases[lease.Scope]
	if !ok || rec.token != lease.Token || !now.Before(rec.expiresAt) {
		return nil, ErrTransitionLeaseConflict
	}

	expiresAt := now.Add(ttl)
	m.leases[lease.Scope] = inMemoryLeaseRecord{token: lease.Token, expiresAt: expiresAt}
	return &TransitionLease{Scope: lease.Scope, Token: lease.Token, ExpiresAt: expiresAt}, nil
}

// Release ignores the context so a cancelled caller still frees the lease.
func (m *InMemoryTransitionLeaseManager) Release(_ context.Context, lease *TransitionLease) error {
	if !heldLease(lease) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.leases[lease.Scope]; ok && rec.token == lease.Token {
		delete(m.leases, lease.Scope)
	}
	return nil
}
