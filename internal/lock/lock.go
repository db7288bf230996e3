// Package lock implements the cross-process per-tenant mutex on top of a
// Redis-compatible key-value store. At most one worker in the cluster may
// run jobs for a tenant at a time.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "tenant-lock:"

// Release and refresh must be owner-checked so a worker whose lock already
// expired (and was grabbed by someone else) cannot stomp the new holder.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// TenantLock is a TTL-bounded mutex keyed by tenant.
type TenantLock struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// New creates a tenant lock service with the given default TTL.
func New(client redis.UniversalClient, ttl time.Duration) *TenantLock {
	return &TenantLock{client: client, ttl: ttl}
}

func key(tenant string) string { return keyPrefix + tenant }

// Acquire attempts to take the tenant mutex for owner. Returns false when
// another owner currently holds it.
func (l *TenantLock) Acquire(ctx context.Context, tenant, owner string) (bool, error) {
	ok, err := l.client.SetNX(ctx, key(tenant), owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire tenant lock: %w", err)
	}
	return ok, nil
}

// Refresh extends the TTL only while owner still holds the lock.
// Returns false if the lock expired or changed hands.
func (l *TenantLock) Refresh(ctx context.Context, tenant, owner string) (bool, error) {
	res, err := refreshScript.Run(ctx, l.client, []string{key(tenant)}, owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to refresh tenant lock: %w", err)
	}
	return res == 1, nil
}

// Release deletes the lock only while owner still holds it. Releasing a lock
// held by someone else (or nobody) is a no-op.
func (l *TenantLock) Release(ctx context.Context, tenant, owner string) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{key(tenant)}, owner).Result(); err != nil {
		return fmt.Errorf("failed to release tenant lock: %w", err)
	}
	return nil
}
