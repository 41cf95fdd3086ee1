package guardian

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// LockKey is shared by every instance pointed at the same database.
const LockKey = "lock:inventory:guardian"

// ErrLockHeld means another instance is running the pass.
var ErrLockHeld = errors.New("guardian lock held by another instance")

type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

type Lock interface {
	Release(ctx context.Context) error
}

// RedisLocker serializes guardian passes across instances.
type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb)}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if err == redislock.ErrNotObtained {
		return nil, ErrLockHeld
	} else if err != nil {
		return nil, err
	}
	return lock, nil
}

// LocalLocker is used when Redis is not configured. It only guards
// against concurrent passes inside one process.
type LocalLocker struct {
	held chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(chan struct{}, 1)}
}

func (l *LocalLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	select {
	case l.held <- struct{}{}:
		return localLock{l}, nil
	default:
		return nil, ErrLockHeld
	}
}

type localLock struct{ l *LocalLocker }

func (x localLock) Release(context.Context) error {
	<-x.l.held
	return nil
}
