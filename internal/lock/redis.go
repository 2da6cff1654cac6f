package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// RedisService provides distributed locks via redsync over Redis.
type RedisService struct {
	rs     *redsync.Redsync
	prefix string
	expiry time.Duration
}

// NewRedisService creates a redsync-backed lock service on an existing
// client. expiry bounds how long a crashed holder can keep a key
// locked; 0 uses a 30s default.
func NewRedisService(client *redis.Client, prefix string, expiry time.Duration) *RedisService {
	if prefix == "" {
		prefix = "flowdeck"
	}
	if expiry <= 0 {
		expiry = 30 * time.Second
	}
	pool := goredis.NewPool(client)
	return &RedisService{
		rs:     redsync.New(pool),
		prefix: prefix,
		expiry: expiry,
	}
}

func (s *RedisService) Acquire(ctx context.Context, key string) (ReleaseFunc, error) {
	mutex := s.rs.NewMutex(
		s.prefix+":lock:"+key,
		redsync.WithExpiry(s.expiry),
		redsync.WithTries(64),
		redsync.WithRetryDelay(100*time.Millisecond),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if _, err := mutex.Unlock(); err != nil {
				slog.Warn("distributed lock release failed", slog.String("key", key), slog.Any("error", err))
			}
		})
	}, nil
}

var _ Service = (*RedisService)(nil)
