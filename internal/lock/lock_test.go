package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/logger"
)

type locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

func newRedisLocker(t *testing.T, opts Options) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredislib.NewClient(&goredislib.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, opts, logger.Nop()), mr
}

func TestLockersSerializeSameKey(t *testing.T) {
	redisLocker, _ := newRedisLocker(t, Options{RetryDelay: 5 * time.Millisecond, Tries: 200})

	tests := []struct {
		name   string
		locker locker
	}{
		{"redis", redisLocker},
		{"local", NewLocalLocker()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inside, maxInside, runs int32
			var wg sync.WaitGroup
			for range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := tt.locker.WithLock(context.Background(), "FUEL_TRANSACTION:P-1", func(context.Context) error {
						n := atomic.AddInt32(&inside, 1)
						for {
							m := atomic.LoadInt32(&maxInside)
							if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
								break
							}
						}
						time.Sleep(2 * time.Millisecond)
						atomic.AddInt32(&inside, -1)
						atomic.AddInt32(&runs, 1)
						return nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			assert.EqualValues(t, 8, runs)
			assert.EqualValues(t, 1, maxInside)
		})
	}
}

func TestRedisLockerReleasesAndPropagates(t *testing.T) {
	l, mr := newRedisLocker(t, Options{})
	boom := errors.Conflict("boom")

	err := l.WithLock(context.Background(), "k", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists(keyPrefix+"k"), "lock must be released")
}

func TestRedisLockerUnavailable(t *testing.T) {
	l, mr := newRedisLocker(t, Options{Tries: 1})
	mr.Close()

	err := l.WithLock(context.Background(), "k", func(context.Context) error { return nil })
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnavailable))
}

func TestLocalLockerHonoursContext(t *testing.T) {
	l := NewLocalLocker()
	held := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = l.WithLock(context.Background(), "k", func(context.Context) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.WithLock(ctx, "k", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(done)
	require.Eventually(t, func() bool {
		return l.WithLock(context.Background(), "k", func(context.Context) error { return nil }) == nil
	}, time.Second, 5*time.Millisecond)
}
