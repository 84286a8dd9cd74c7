package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"shopledger/backend/internal/domain"
)

// SnapshotStore shares account projections between server instances.
//
// Every applied mutation bumps the account's generation. A snapshot is only
// current while its Generation equals the store's. Stores that are not
// shared report generation 0 from both Generation and Bump.
type SnapshotStore interface {
	Get(ctx context.Context, accountID string) (*domain.ViewSnapshot, bool, error)
	Set(ctx context.Context, snapshot *domain.ViewSnapshot) error
	Delete(ctx context.Context, accountID string) error
	Generation(ctx context.Context, accountID string) (int64, error)
	Bump(ctx context.Context, accountID string) (int64, error)
}

type NoopSnapshotStore struct{}

func (NoopSnapshotStore) Generation(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

func (NoopSnapshotStore) Bump(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

func (NoopSnapshotStore) Get(_ context.Context, _ string) (*domain.ViewSnapshot, bool, error) {
	return nil, false, nil
}

func (NoopSnapshotStore) Set(_ context.Context, _ *domain.ViewSnapshot) error {
	return nil
}

func (NoopSnapshotStore) Delete(_ context.Context, _ string) error {
	return nil
}

type RedisSnapshotStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSnapshotStore(addr string, password string, db int, ttl time.Duration) *RedisSnapshotStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisSnapshotStore{client: client, ttl: ttl}
}

// Client exposes the connection so other components (the account locker)
// can share it.
func (c *RedisSnapshotStore) Client() *redis.Client {
	return c.client
}

func (c *RedisSnapshotStore) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSnapshotStore) Close() error {
	return c.client.Close()
}

func snapshotKey(accountID string) string {
	return "view:" + accountID
}

func generationKey(accountID string) string {
	return "view-gen:" + accountID
}

func (c *RedisSnapshotStore) Generation(ctx context.Context, accountID string) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey(accountID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return gen, err
}

// Bump has no TTL so a generation is never reused while snapshots labelled
// with it may still exist.
func (c *RedisSnapshotStore) Bump(ctx context.Context, accountID string) (int64, error) {
	return c.client.Incr(ctx, generationKey(accountID)).Result()
}

func (c *RedisSnapshotStore) Get(ctx context.Context, accountID string) (*domain.ViewSnapshot, bool, error) {
	val, err := c.client.Get(ctx, snapshotKey(accountID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var snapshot domain.ViewSnapshot
	if err := json.Unmarshal([]byte(val), &snapshot); err != nil {
		return nil, false, err
	}
	return &snapshot, true, nil
}

func (c *RedisSnapshotStore) Set(ctx context.Context, snapshot *domain.ViewSnapshot) error {
	if snapshot == nil {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, snapshotKey(snapshot.AccountID), payload, c.ttl).Err()
}

func (c *RedisSnapshotStore) Delete(ctx context.Context, accountID string) error {
	return c.client.Del(ctx, snapshotKey(accountID)).Err()
}
