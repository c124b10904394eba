package sw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisLeasePrefix = "swcore:lease:"

// RedisTransitionLeaseManager coordinates lifecycle transitions across
// replicas through Redis.
//
// Each scope is one key holding the owner's random token. Acquire is SET NX
// with a TTL; Renew and Release share one Lua script that only touches the
// key while it still carries the caller's token.
type RedisTransitionLeaseManager struct {
	Client redis.UniversalClient
	Prefix string
}

// NewRedisTransitionLeaseManager creates a Redis-backed lease manager. An
// empty prefix uses the default namespace.
func NewRedisTransitionLeaseManager(client redis.UniversalClient, prefix string) (*RedisTransitionLeaseManager, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisLeasePrefix
	}
	return &RedisTransitionLeaseManager{Client: client, Prefix: prefix}, nil
}

func (m *RedisTransitionLeaseManager) Acquire(ctx context.Context, scope string, ttl time.Duration) (*TransitionLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(scope) == "" {
		return nil, fmt.Errorf("scope cannot be empty")
	}
	if ttl <= 0 {
		ttl = defaultTransitionLeaseTTL
	}

	token, err := randomToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ok, err := m.Client.SetNX(ctx, m.Prefix+scope, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTransitionLeaseConflict
	}
	return &TransitionLease{Scope: scope, Token: token, ExpiresAt: now.Add(ttl)}, nil
}

// Renew extends a lease this replica still holds. A lease that expired or
// was taken over returns ErrTransitionLeaseConflict.
func (m *RedisTransitionLeaseManager) Renew(ctx context.Context, lease *TransitionLease, ttl time.Duration) (*TransitionLease, error) {
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
	owned, err := m.runOwned(ctx, lease, ttl)
	if err != nil {
		return nil, err
	}
	if !owned {
		return nil, ErrTransitionLeaseConflict
	}
	renewed := *lease
	renewed.ExpiresAt = now.Add(ttl)
	return &renewed, nil
}

// Release ignores the caller's context: a lease left behind blocks every
// transition in the scope until it expires.
func (m *RedisTransitionLeaseManager) Release(_ context.Context, lease *TransitionLease) error {
	if !heldLease(lease) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.runOwned(ctx, lease, 0)
	return err
}

// runOwned extends the lease key to ttl, or deletes it when ttl is zero, but
// only while the key still carries the lease token.
func (m *RedisTransitionLeaseManager) runOwned(ctx context.Context, lease *TransitionLease, ttl time.Duration) (bool, error) {
	n, err := ownedLeaseScript.Run(ctx, m.Client, []string{m.Prefix + lease.Scope}, lease.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lease %s: %w", lease.Scope, err)
	}
	return n == 1, nil
}

func heldLease(lease *TransitionLease) bool {
	return lease != nil && strings.TrimSpace(lease.Scope) != "" && strings.TrimSpace(lease.Token) != ""
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

var ownedLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
if tonumber(ARGV[2]) > 0 then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return redis.call('DEL', KEYS[1])
`)
