package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld means another worker currently holds the tick lock.
var ErrLockHeld = errors.New("worker tick lock is held elsewhere")

// Release gives a lock back.
type Release func(ctx context.Context)

// Locker serializes the ceiling check and dequeue across workers.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

type redisLocker struct {
	client *redislock.Client
}

func (l *redisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 3),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) {
		_ = lock.Release(ctx)
	}, nil
}

type memoryLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
}

func newMemoryLocker() *memoryLocker {
	return &memoryLocker{held: make(map[string]time.Time)}
}

func (l *memoryLocker) Obtain(_ context.Context, key string, ttl time.Duration) (Release, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if exp, ok := l.held[key]; ok && exp.After(now) {
		return nil, ErrLockHeld
	}
	expires := now.Add(ttl)
	l.held[key] = expires

	return func(context.Context) {
		l.mu.Lock()
		defer l.mu.Unlock()
		// A lock that expired and was taken over belongs to someone else now.
		if l.held[key].Equal(expires) {
			delete(l.held, key)
		}
	}, nil
}

// NewLocker returns a Redis-backed locker, or an in-process one when rdb is nil.
func NewLocker(rdb *redis.Client) Locker {
	if rdb == nil {
		return newMemoryLocker()
	}
	return &redisLocker{client: redislock.New(rdb)}
}
