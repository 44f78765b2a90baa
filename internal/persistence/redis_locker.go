package persistence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisLockAcquireLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	redisLockRenewLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

if redis.call('GET', key) == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	redisLockReleaseLua = `
local key = KEYS[1]
local owner = ARGV[1]

if redis.call('GET', key) == owner then
	redis.call('DEL', key)
	return 1
end
return 0
`
)

// RedisLocker is a Locker shared by every process connected to the same
// Redis. Each lock is a key holding a random owner token with a TTL that is
// renewed while the lock is held, so a crashed holder frees it on expiry.
//
// A live holder can lose the lock too: the key may expire while Redis is
// unreachable, and another owner may take it. Lock has no way to report that;
// callers that write under the lock should use LockContext and stop once its
// context is done.
type RedisLocker struct {
	client       redis.UniversalClient
	prefix       string
	ttl          time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

// Ensure RedisLocker implements HoldLocker.
var _ HoldLocker = (*RedisLocker)(nil)

// RedisLockerOption customizes a RedisLocker.
type RedisLockerOption func(*RedisLocker)

// WithLockTTL sets the lock expiry. The lock is renewed every ttl/3.
func WithLockTTL(ttl time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithLockPrefix sets the key prefix, "evalflow:lock:" by default.
func WithLockPrefix(prefix string) RedisLockerOption {
	return func(l *RedisLocker) { l.prefix = prefix }
}

// WithLockPollInterval sets how often a contended lock is retried.
func WithLockPollInterval(d time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// WithLockLogger sets the logger used for renewal and release failures.
func WithLockLogger(logger *slog.Logger) RedisLockerOption {
	return func(l *RedisLocker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewRedisLocker creates a RedisLocker on top of client.
func NewRedisLocker(client redis.UniversalClient, opts ...RedisLockerOption) *RedisLocker {
	l := &RedisLocker{
		client:       client,
		prefix:       "evalflow:lock:",
		ttl:          30 * time.Second,
		pollInterval: 25 * time.Millisecond,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	_, unlock, err := l.LockContext(ctx, key)
	return unlock, err
}

// LockContext acquires key like Lock. The returned context is derived from
// ctx and is cancelled with ErrLockLost when a renewal finds the key owned by
// someone else or when renewals have failed for a whole TTL.
func (l *RedisLocker) LockContext(ctx context.Context, key string) (context.Context, func(), error) {
	redisKey := l.prefix + key
	owner := uuid.NewString()

	// Use a reusable timer to avoid allocating a new timer on every retry.
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	defer tmr.Stop()

	for {
		ok, err := l.eval(ctx, redisLockAcquireLua, redisKey, owner, l.ttl.Milliseconds())
		if err != nil {
			return nil, nil, err
		}
		if ok {
			break
		}
		tmr.Reset(l.pollInterval)
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-tmr.C:
		}
	}

	held, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(redisKey, owner, stop, done, cancel)

	var once sync.Once
	return held, func() {
		once.Do(func() {
			close(stop)
			<-done
			cancel(nil)
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, err := l.eval(rctx, redisLockReleaseLua, redisKey, owner); err != nil {
				l.logger.Warn("lock_release_failed", slog.String("key", key), slog.Any("error", err))
			}
		})
	}, nil
}

func (l *RedisLocker) keepAlive(key, owner string, stop <-chan struct{}, done chan<- struct{}, lost context.CancelCauseFunc) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	renewed := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			ok, err := l.eval(ctx, redisLockRenewLua, key, owner, l.ttl.Milliseconds())
			cancel()
			switch {
			case err == nil && ok:
				renewed = time.Now()
			case err == nil:
				l.logger.Warn("lock_lost", slog.String("key", key))
				lost(ErrLockLost)
				return
			default:
				l.logger.Warn("lock_renew_failed", slog.String("key", key), slog.Any("error", err))
				if time.Since(renewed) >= l.ttl {
					l.logger.Warn("lock_lost", slog.String("key", key), slog.Any("error", err))
					lost(ErrLockLost)
					return
				}
			}
		}
	}
}

func (l *RedisLocker) eval(ctx context.Context, script, key string, args ...any) (bool, error) {
	res, err := l.client.Eval(ctx, script, []string{key}, args...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	switch v := res.(type) {
	case int64:
		return v == 1, nil
	case int:
		return v == 1, nil
	case string:
		return v == "1", nil
	default:
		return false, nil
	}
}
