package redisstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Store wraps the redis client shared by the server and the worker.
type Store struct {
	rdb    *redis.Client
	prefix string
}

func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		prefix: "healthchat:",
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.rdb.Ping(ctx).Err(), "redis ping")
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) key(k string) string { return s.prefix + k }

// TryLock sets key to token unless it is already held.
func (s *Store) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.key(key), token, ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis setnx")
	}
	return ok, nil
}

// compare-and-delete so an expired holder cannot free a newer lock
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *Store) Unlock(ctx context.Context, key, token string) error {
	err := unlockScript.Run(ctx, s.rdb, []string{s.key(key)}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrap(err, "redis unlock")
	}
	return nil
}
