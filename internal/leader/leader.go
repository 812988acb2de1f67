// Package leader confines the lifecycle sweeper to a single active instance
// under horizontal scaling. The ledger core exposes the sweep passes as plain
// callables; which instance gets to run them is decided here, at the
// deployment layer.
package leader

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Guard answers whether this instance currently holds sweep leadership.
type Guard interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Static is a fixed-answer guard for single-instance deployments and tests.
type Static bool

// Acquire reports the configured answer.
func (guard Static) Acquire(context.Context) (bool, error) { return bool(guard), nil }

// Release is a no-op.
func (guard Static) Release(context.Context) error { return nil }

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// RedisGuard holds a redis lease keyed per deployment. The lease carries a
// holder token so only the owning instance can extend or release it.
type RedisGuard struct {
	client *redis.Client
	key    string
	holder string
	ttl    time.Duration
}

// NewRedisGuard wires a lease guard. The ttl must comfortably exceed one
// sweep interval so leadership does not flap between ticks.
func NewRedisGuard(client *redis.Client, key string, ttl time.Duration) *RedisGuard {
	return &RedisGuard{
		client: client,
		key:    key,
		holder: uuid.NewString(),
		ttl:    ttl,
	}
}

// Acquire takes the lease if free, or extends it if this instance already
// holds it. Returns false when another instance is the leader.
func (guard *RedisGuard) Acquire(ctx context.Context) (bool, error) {
	acquired, err := guard.client.SetNX(ctx, guard.key, guard.holder, guard.ttl).Result()
	if err != nil {
		return false, err
	}
	if acquired {
		return true, nil
	}
	current, err := guard.client.Get(ctx, guard.key).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, err
	}
	if current != guard.holder {
		return false, nil
	}
	if err := guard.client.Expire(ctx, guard.key, guard.ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// Release drops the lease if this instance still holds it.
func (guard *RedisGuard) Release(ctx context.Context) error {
	return guard.client.Eval(ctx, releaseScript, []string{guard.key}, guard.holder).Err()
}
