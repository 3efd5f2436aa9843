package utils

import (
	"context"
	"sync"
	"time"

	"dripkit/config"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RunLock guards the processor's single-invocation-at-a-time
// precondition. Overlapping passes can observe the same enrollment as
// due and double-send, so every caller (the scheduled worker and the
// HTTP trigger alike) must acquire this lock first.
//
// With Redis enabled the lock is shared across replicas via SET NX
// with a TTL that bounds a crashed holder; the TTL must exceed the
// worst-case pass duration, since an expired holder loses the lock to
// the next acquirer. Without Redis it degrades to a process-local
// mutex, which is only safe for single-instance deployments.
type RunLock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// NewRunLock picks the Redis lock when it is configured, otherwise the
// local one.
func NewRunLock(cfg config.RedisConfig, key string, ttl time.Duration) RunLock {
	if cfg.Enabled {
		return &redisRunLock{
			client: redis.NewClient(&redis.Options{
				Addr:     cfg.Address,
				Password: cfg.Password,
				DB:       cfg.DB,
			}),
			key: key,
			ttl: ttl,
		}
	}
	return &localRunLock{}
}

// releaseScript deletes the key only when it still carries the
// releasing holder's token. An unconditional DEL would let a holder
// whose TTL already expired delete the key a newer holder owns,
// re-opening the lock to a third invocation.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

type redisRunLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

func (l *redisRunLock) Acquire(ctx context.Context) (bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

func (l *redisRunLock) Release(ctx context.Context) error {
	return l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err()
}

type localRunLock struct {
	mu sync.Mutex
}

func (l *localRunLock) Acquire(_ context.Context) (bool, error) {
	return l.mu.TryLock(), nil
}

func (l *localRunLock) Release(_ context.Context) error {
	l.mu.Unlock()
	return nil
}
