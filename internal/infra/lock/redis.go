package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"sealog/internal/usecase"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultLease = 5 * time.Minute
	pollInterval = 250 * time.Millisecond
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a lease-based Locker shared by every replica pointed at the same
// Redis. Held leases are extended in the background until released.
type Redis struct {
	client redis.UniversalClient
	lease  time.Duration
	logger *slog.Logger
}

func NewRedis(client redis.UniversalClient, lease time.Duration, logger *slog.Logger) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, lease: lease, logger: logger}, nil
}

func (r *Redis) TryAcquire(ctx context.Context, key string) (usecase.Release, bool, error) {
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}
	ok, err := r.client.SetNX(ctx, key, token, r.lease).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return r.hold(key, token), true, nil
}

func (r *Redis) Acquire(ctx context.Context, key string) (usecase.Release, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		release, ok, err := r.TryAcquire(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Redis) hold(key, token string) usecase.Release {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.lease/3)
				err := extendScript.Run(ctx, r.client, []string{key}, token, r.lease.Milliseconds()).Err()
				cancel()
				if err != nil {
					r.logger.Warn("extend lock lease failed", "key", key, "error", err)
				}
			}
		}
	}()
	return releaseOnce(func() {
		close(stop)
		<-done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
			r.logger.Warn("release lock failed", "key", key, "error", err)
		}
	})
}

func newToken() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
