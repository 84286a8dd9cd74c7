// Package lock serializes mutations of one account across sessions.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"shopledger/backend/internal/store"
)

// ErrBusy is returned when another session holds the account lock for
// longer than the caller is willing to wait.
var ErrBusy = fmt.Errorf("%w: account is busy with another update", store.ErrConflict)

type Locker interface {
	// Obtain blocks until key is held or ctx is done. The returned release
	// func is safe to call once.
	Obtain(ctx context.Context, key string) (release func(), err error)
}

type Local struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]chan struct{})}
}

func (l *Local) Obtain(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrBusy, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-slot })
	}, nil
}

type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	wait   time.Duration
	log    logrus.FieldLogger
}

func NewRedis(rdb *redis.Client, ttl time.Duration, logger logrus.FieldLogger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisLocker{
		client: redislock.New(rdb),
		ttl:    ttl,
		wait:   ttl,
		log:    logger.WithField("module", "account-lock"),
	}
}

// Obtain holds the lease for as long as the caller does: it is refreshed
// every half TTL until release.
func (r *RedisLocker) Obtain(ctx context.Context, key string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	held, err := r.client.Obtain(waitCtx, "lock:"+key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(50 * time.Millisecond),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrBusy
	}
	if err != nil {
		return nil, store.Wrap("obtain account lock", err)
	}

	return keepAlive(context.WithoutCancel(ctx), held, r.ttl, r.log.WithField("key", key)), nil
}

type lease interface {
	Refresh(ctx context.Context, ttl time.Duration, opt *redislock.Options) error
	Release(ctx context.Context) error
}

// keepAlive refreshes l every ttl/2 and returns the func that stops the
// refresh and releases l. A lost lease is logged; the holder is not
// interrupted.
func keepAlive(ctx context.Context, l lease, ttl time.Duration, log logrus.FieldLogger) func() {
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := l.Refresh(ctx, ttl, nil); err != nil {
					log.WithError(err).Warn("account lock lease lost before release")
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-stopped
			switch err := l.Release(ctx); {
			case err == nil:
			case errors.Is(err, redislock.ErrLockNotHeld):
				log.Warn("account lock expired before release")
			default:
				log.WithError(err).Warn("account lock release failed, it expires after its ttl")
			}
		})
	}
}
