package contactgate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const lockNamespace = "lock"

// Locker serializes the prune, count, insert sequence for one key. It is only
// used when strict limiting is enabled.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// NewRedisLocker returns a Locker shared by every instance using the same redis
func NewRedisLocker(redis *redis.Client, logger logrus.FieldLogger) *RedisLocker {
	return &RedisLocker{
		locker: redislock.New(redis),
		ttl:    2 * time.Second,
		logger: logger,
	}
}

type RedisLocker struct {
	locker *redislock.Client
	ttl    time.Duration
	logger logrus.FieldLogger
}

func (rl *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := NamespacedKey(lockNamespace, key)
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("error obtaining lock %v", lockKey))
	}

	rl.logger.Debugf("obtaining lock %v", lockKey)

	// retry strategies count attempts, each Obtain needs its own
	expRetry := redislock.ExponentialBackoff(8*time.Millisecond, 64*time.Millisecond)
	lock, err := rl.locker.Obtain(lockKey, rl.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(expRetry, 10),
		Metadata:      "",
		Context:       ctx,
	})
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("error obtaining lock %v", lockKey))
	}

	unlock := func() {
		if err := lock.Release(); err != nil {
			rl.logger.WithError(err).Warnf("error releasing lock %v", lockKey)
		}
	}

	return unlock, nil
}

// NewKeyedMutexLocker returns a process local Locker for the memory store
func NewKeyedMutexLocker() *KeyedMutexLocker {
	return &KeyedMutexLocker{locks: make(map[string]*keyLock)}
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// KeyedMutexLocker holds one lock per key and drops it once nobody waits on it
type KeyedMutexLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func (kl *KeyedMutexLocker) Lock(ctx context.Context, key string) (func(), error) {
	kl.mu.Lock()
	l, ok := kl.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		kl.locks[key] = l
	}
	l.refs++
	kl.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		kl.release(key, l)
		return nil, errors.Wrap(ctx.Err(), fmt.Sprintf("error obtaining lock %v", key))
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			<-l.ch
			kl.release(key, l)
		})
	}

	return unlock, nil
}

func (kl *KeyedMutexLocker) release(key string, l *keyLock) {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(kl.locks, key)
	}
}
