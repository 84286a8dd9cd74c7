package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"shopledger/backend/internal/store"
)

func TestLocalSerializesSameKey(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	release, err := l.Obtain(ctx, "main-account")
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := l.Obtain(waitCtx, "main-account"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected busy while held, got %v", err)
	}
	if !errors.Is(ErrBusy, store.ErrConflict) {
		t.Fatalf("busy must classify as a conflict")
	}

	other, err := l.Obtain(ctx, "other-account")
	if err != nil {
		t.Fatalf("different key must not block: %v", err)
	}
	other()

	release()
	release()
	again, err := l.Obtain(ctx, "main-account")
	if err != nil {
		t.Fatalf("obtain after release: %v", err)
	}
	again()
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("SHOPLEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set SHOPLEDGER_TEST_REDIS_ADDR to run redis lock test")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	logger, hook := test.NewNullLogger()
	l := NewRedis(rdb, 300*time.Millisecond, logger)
	ctx := context.Background()
	key := "it-" + time.Now().Format("150405.000000")

	release, err := l.Obtain(ctx, key)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	time.Sleep(700 * time.Millisecond)
	if _, err := l.Obtain(ctx, key); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected busy while held past the ttl, got %v", err)
	}
	release()
	if len(hook.AllEntries()) != 0 {
		t.Fatalf("expected clean refresh and release, got %d log entries", len(hook.AllEntries()))
	}

	again, err := l.Obtain(ctx, key)
	if err != nil {
		t.Fatalf("obtain after release: %v", err)
	}
	again()
}

type fakeLease struct {
	mu         sync.Mutex
	refreshes  int
	refreshErr error
	releaseErr error
	released   bool
}

func (f *fakeLease) Refresh(_ context.Context, _ time.Duration, _ *redislock.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.refreshErr
}

func (f *fakeLease) Release(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
	return f.releaseErr
}

func (f *fakeLease) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func TestKeepAliveRefreshesUntilRelease(t *testing.T) {
	logger, hook := test.NewNullLogger()
	l := &fakeLease{}
	release := keepAlive(context.Background(), l, 20*time.Millisecond, logger)

	time.Sleep(75 * time.Millisecond)
	release()
	release()

	got := l.count()
	if got < 2 {
		t.Fatalf("expected the lease to be refreshed while held, got %d refreshes", got)
	}
	time.Sleep(40 * time.Millisecond)
	if l.count() != got {
		t.Fatalf("refresh must stop after release")
	}
	if !l.released || len(hook.AllEntries()) != 0 {
		t.Fatalf("expected a quiet release, released=%v entries=%d", l.released, len(hook.AllEntries()))
	}
}

func TestKeepAliveLogsLostLeaseAndReleaseErrors(t *testing.T) {
	logger, hook := test.NewNullLogger()
	l := &fakeLease{refreshErr: redislock.ErrNotObtained, releaseErr: errors.New("connection reset")}
	release := keepAlive(context.Background(), l, 10*time.Millisecond, logger)

	time.Sleep(30 * time.Millisecond)
	release()

	if l.count() != 1 {
		t.Fatalf("expected refresh to stop once the lease is lost, got %d refreshes", l.count())
	}
	entries := hook.AllEntries()
	if len(entries) != 2 {
		t.Fatalf("expected lost lease and failed release to be logged, got %d entries", len(entries))
	}
	if entries[1].Data[logrus.ErrorKey] == nil {
		t.Fatalf("expected release error attached to the log entry")
	}
}
