package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// DistributedLock is a Redis SET NX lease. It only coordinates housekeeping
// between instances; payout correctness never depends on it.
//
// Acquire: SET key value NX PX ttl. Release: delete only if the value is still
// ours, checked and deleted atomically in Lua so an expired holder cannot
// release a lock somebody else took in the meantime.

var (
	ErrLockFailed = errors.New("distributed lock not acquired")
)

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// NewMaintenanceLock guards one named housekeeping job across instances.
func NewMaintenanceLock(client *redis.Client, job string, ttl time.Duration) *DistributedLock {
	key := fmt.Sprintf("tontine:lock:maintenance:%s", job)
	return NewDistributedLock(client, key, uuid.NewString(), ttl)
}

// TryLock attempts the lock once without blocking.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock retries TryLock every retryInterval, at most maxRetries times.
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

func (l *DistributedLock) Unlock(ctx context.Context) error {
	_, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	return err
}
