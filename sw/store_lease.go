// store_lease.go defines the TransitionLeaseManager interface and the
// lifecycle's lease acquisition helper.
//
// System fit:
//
//   - Install and Activate take the lease for their scope before touching the
//     lifecycle record or purging stores, so two replicas sharing durable
//     stores never purge each other's generation mid-install.
//   - While a transition runs the lease is renewed every half TTL. A failed
//     renewal cancels the transition's context.
//   - The lease is coarse and does not guarantee exclusivity. The CAS on the
//     lifecycle record (UpsertIfMatch) stays the hard correctness guard.
//
// Implementations:
//
//   - InMemoryTransitionLeaseManager: in-process mutex, for single-replica
//     deployments and tests.
//   - RedisTransitionLeaseManager: Redis SET NX / Lua scripts, for replicas
//     sharing a blob-backed store set.

package sw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const defaultTransitionLeaseTTL = 30 * time.Second

// TransitionLease is a held lock on one lifecycle scope. Token proves
// ownership on Renew and Release.
type TransitionLease struct {
	Scope     string
	Token     string
	ExpiresAt time.Time
}

// TransitionLeaseManager serializes lifecycle transitions per scope.
// Acquire returns ErrTransitionLeaseConflict when the lease is held. Release
// is best effort and must run on every path after a successful Acquire.
type TransitionLeaseManager interface {
	Acquire(ctx context.Context, scope string, ttl time.Duration) (*TransitionLease, error)
	Renew(ctx context.Context, lease *TransitionLease, ttl time.Duration) (*TransitionLease, error)
	Release(ctx context.Context, lease *TransitionLease) error
}

// acquireTransitionLease takes the lease for the lifecycle scope. The caller
// must defer Release with a background context regardless of later errors.
//
// Conflicts are logged at WARN level; other errors at ERROR level.
func (lc *Lifecycle) acquireTransitionLease(ctx context.Context) (*TransitionLease, error) {
	ttl := lc.transitionLeaseTTL()
	lease, err := lc.leases.Acquire(ctx, lc.scope, ttl)
	if err != nil {
		if errors.Is(err, ErrTransitionLeaseConflict) {
			lc.logger.WarnContext(ctx, "transition lease conflict", "scope", lc.scope, "version", lc.version, "ttl", ttl.String())
		} else {
			lc.logger.ErrorContext(ctx, "transition lease acquisition failed", "scope", lc.scope, "version", lc.version, "error", err)
		}
		return nil, fmt.Errorf("acquire transition lease: %w", err)
	}
	return lease, nil
}

func (lc *Lifecycle) transitionLeaseTTL() time.Duration {
	if lc.leaseTTL <= 0 {
		return defaultTransitionLeaseTTL
	}
	return lc.leaseTTL
}

// holdTransitionLease renews lease every half TTL until stop is called. The
// returned context is cancelled, with the renewal error as its cause, once
// a renewal fails.
func (lc *Lifecycle) holdTransitionLease(ctx context.Context, lease *TransitionLease) (context.Context, func()) {
	ttl := lc.transitionLeaseTTL()
	held, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		current := lease
		for {
			select {
			case <-done:
				return
			case <-held.Done():
				return
			case <-ticker.C:
			}
			renewed, err := lc.leases.Renew(held, current, ttl)
			if err != nil {
				if held.Err() != nil {
					return
				}
				lc.logger.WarnContext(ctx, "transition lease renewal failed", "scope", lc.scope, "version", lc.version, "error", err)
				lc.metrics.RecordLifecycle("lease_renew", lc.version, err)
				cancel(fmt.Errorf("renew transition lease: %w", err))
				return
			}
			lc.metrics.RecordLifecycle("lease_renew", lc.version, nil)
			current = renewed
		}
	}()

	var once sync.Once
	return held, func() {
		once.Do(func() {
			close(done)
			wg.Wait()
			cancel(nil)
		})
	}
}
