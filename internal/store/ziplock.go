package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisZipLocker keeps one SETNX key per project while its bundle is built.
type RedisZipLocker struct {
	rdb redis.UniversalClient
}

var _ ZipLocker = (*RedisZipLocker)(nil)

func NewRedisZipLocker(rdb redis.UniversalClient) *RedisZipLocker {
	return &RedisZipLocker{rdb: rdb}
}

func zipLockKey(projectID string) string {
	return "zip:lock:" + projectID
}

func (l *RedisZipLocker) Acquire(ctx context.Context, projectID string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, zipLockKey(projectID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire zip lock for project %s: %w", projectID, err)
	}
	return ok, nil
}

func (l *RedisZipLocker) Held(ctx context.Context, projectID string) (bool, error) {
	n, err := l.rdb.Exists(ctx, zipLockKey(projectID)).Result()
	if err != nil {
		return false, fmt.Errorf("check zip lock for project %s: %w", projectID, err)
	}
	return n > 0, nil
}

func (l *RedisZipLocker) Release(ctx context.Context, projectID string) error {
	if err := l.rdb.Del(ctx, zipLockKey(projectID)).Err(); err != nil {
		return fmt.Errorf("release zip lock for project %s: %w", projectID, err)
	}
	return nil
}
