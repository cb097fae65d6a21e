// Package lock serializes processing of one source document across
// goroutines and replicas.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/logger"
)

const keyPrefix = "gl-autoposting:lock:"

// Options tune lock acquisition.
type Options struct {
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

// DefaultOptions suit a posting flow that finishes within seconds.
func DefaultOptions() Options {
	return Options{
		Expiry:     30 * time.Second,
		Tries:      32,
		RetryDelay: 100 * time.Millisecond,
	}
}

// RedisLocker is a redsync mutex per key.
type RedisLocker struct {
	rs   *redsync.Redsync
	opts Options
	log  *logger.Logger
}

// NewRedisLocker creates a locker on an existing go-redis client.
func NewRedisLocker(client goredislib.UniversalClient, opts Options, log *logger.Logger) *RedisLocker {
	def := DefaultOptions()
	if opts.Expiry <= 0 {
		opts.Expiry = def.Expiry
	}
	if opts.Tries <= 0 {
		opts.Tries = def.Tries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	return &RedisLocker{
		rs:   redsync.New(goredis.NewPool(client)),
		opts: opts,
		log:  log,
	}
}

// WithLock runs fn while holding the lock for key. The lock is released when
// fn returns, even if it panics.
func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	mutex := l.rs.NewMutex(
		keyPrefix+key,
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(l.opts.Tries),
		redsync.WithRetryDelay(l.opts.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return errors.Wrap(err, errors.ErrCodeUnavailable, fmt.Sprintf("failed to acquire lock %s", key))
	}
	defer func() {
		if ok, err := mutex.UnlockContext(context.WithoutCancel(ctx)); !ok || err != nil {
			l.log.Warn().Err(err).Str("lock_key", key).Msg("Failed to release lock")
		}
	}()

	return fn(ctx)
}
