package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Lease is a cross-instance admission slot keyed by patient id.
type Lease interface {
	Acquire(ctx context.Context, patientID, sessionID string) (bool, error)
	Refresh(ctx context.Context, patientID, sessionID string) (bool, error)
	Release(ctx context.Context, patientID, sessionID string) error
	Holder(ctx context.Context, patientID string) (string, error)
}

// Only the holder may extend or delete its lease.
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLease stores leases as `<prefix><patientID>` = sessionID with a TTL.
// A crashed instance's leases expire after ttl.
type RedisLease struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Ensure RedisLease implements Lease.
var _ Lease = (*RedisLease)(nil)

// NewRedisLease creates a lease store. ttl should be a few refresh intervals.
func NewRedisLease(client *redis.Client, prefix string, ttl time.Duration) *RedisLease {
	if prefix == "" {
		prefix = "wardwatch:session:"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLease{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLease) key(patientID string) string { return l.prefix + patientID }

func (l *RedisLease) Acquire(ctx context.Context, patientID, sessionID string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(patientID), sessionID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", l.key(patientID), err)
	}
	return ok, nil
}

func (l *RedisLease) Refresh(ctx context.Context, patientID, sessionID string) (bool, error) {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key(patientID)}, sessionID, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis refresh %s: %w", l.key(patientID), err)
	}
	return n == 1, nil
}

func (l *RedisLease) Release(ctx context.Context, patientID, sessionID string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(patientID)}, sessionID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release %s: %w", l.key(patientID), err)
	}
	return nil
}

// Holder returns the session id holding the patient's lease, or "".
func (l *RedisLease) Holder(ctx context.Context, patientID string) (string, error) {
	v, err := l.client.Get(ctx, l.key(patientID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", l.key(patientID), err)
	}
	return v, nil
}
