package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sciffer/sandboxgate/pkg/counter"
)

type fakeClock struct{ ms int64 }

func (c *fakeClock) now() time.Time { return time.UnixMilli(c.ms) }

type failingStore struct {
	failWindow bool
	failRecord bool
}

func (f *failingStore) Window(context.Context, string) (counter.Window, error) {
	if f.failWindow {
		return counter.Window{}, counter.ErrStoreUnavailable
	}
	return counter.Window{}, nil
}

func (f *failingStore) Record(context.Context, string, counter.Entry) error {
	if f.failRecord {
		return counter.ErrStoreUnavailable
	}
	return nil
}

func (f *failingStore) Close() error { return nil }

func newTestLimiter(store counter.Store, clock *fakeClock, window time.Duration) *Limiter {
	return NewLimiter(store, Options{
		Enabled:           true,
		Window:            window,
		RetryAfterOnError: 5 * time.Second,
		Now:               clock.now,
	}, zap.NewNop())
}

func redisStore(t *testing.T) counter.Store {
	mr := miniredis.RunT(t)
	s, err := counter.NewRedisStore(context.Background(), counter.RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSlidingWindow(t *testing.T) {
	stores := map[string]func(t *testing.T) counter.Store{
		"redis":  redisStore,
		"memory": func(*testing.T) counter.Store { return counter.NewMemoryStore() },
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := &fakeClock{}
			l := newTestLimiter(newStore(t), clock, time.Minute)

			for i, want := range []int{2, 1, 0} {
				clock.ms = int64(i)
				res, err := l.CheckAndConsume(ctx, "u1", "GPT_4", 3)
				require.NoError(t, err)
				assert.True(t, res.Allowed, "request %d", i)
				assert.Equal(t, want, res.Remaining)
				assert.Zero(t, res.RetryAfter)
			}

			clock.ms = 3
			res, err := l.CheckAndConsume(ctx, "u1", "GPT_4", 3)
			require.NoError(t, err)
			assert.False(t, res.Allowed)
			assert.Equal(t, 0, res.Remaining)
			assert.Equal(t, 59997*time.Millisecond, res.RetryAfter)

			// Another bucket for the same user is independent
			res, err = l.CheckAndConsume(ctx, "u1", "CLAUDE", 3)
			require.NoError(t, err)
			assert.True(t, res.Allowed)

			// Window anchored at t=0 has ended
			clock.ms = 60001
			res, err = l.CheckAndConsume(ctx, "u1", "GPT_4", 3)
			require.NoError(t, err)
			assert.True(t, res.Allowed)
			assert.Equal(t, 2, res.Remaining)

			clock.ms = 60002
			res, err = l.CheckAndConsume(ctx, "u1", "GPT_4", 3)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Remaining)
		})
	}
}

func TestWindowBoundaryIsExclusive(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{ms: 1000}
	l := newTestLimiter(counter.NewMemoryStoreWithClock(func() time.Time { return time.Unix(0, 0) }), clock, time.Minute)

	res, err := l.CheckAndConsume(ctx, "u", "B", 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	clock.ms = 60999
	res, err = l.CheckAndConsume(ctx, "u", "B", 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Millisecond, res.RetryAfter)

	clock.ms = 61000
	res, err = l.CheckAndConsume(ctx, "u", "B", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(&failingStore{failWindow: true}, Options{Enabled: false, Window: time.Minute}, zap.NewNop())
	for i := 0; i < 5; i++ {
		res, err := l.CheckAndConsume(context.Background(), "u", "B", 0)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, -1, res.Remaining)
	}
}

func TestZeroLimitAlwaysDenies(t *testing.T) {
	clock := &fakeClock{}
	l := newTestLimiter(counter.NewMemoryStore(), clock, time.Minute)
	for i := 0; i < 3; i++ {
		clock.ms += 120000
		res, err := l.CheckAndConsume(context.Background(), "u", "B", 0)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, 0, res.Remaining)
	}
}

func TestStoreFailureFailsClosed(t *testing.T) {
	for name, store := range map[string]*failingStore{
		"read":  {failWindow: true},
		"write": {failRecord: true},
	} {
		t.Run(name, func(t *testing.T) {
			l := newTestLimiter(store, &fakeClock{}, time.Minute)
			res, err := l.CheckAndConsume(context.Background(), "u", "B", 10)
			assert.True(t, errors.Is(err, counter.ErrStoreUnavailable))
			assert.False(t, res.Allowed)
			assert.Equal(t, 0, res.Remaining)
			assert.Equal(t, 5*time.Second, res.RetryAfter)
		})
	}
}

func TestConcurrentCheckAndConsume(t *testing.T) {
	const (
		limit   = 5
		callers = 20
	)
	ctx := context.Background()
	store := redisStore(t)
	l := newTestLimiter(store, &fakeClock{ms: 1000}, time.Minute)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
		errs    []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.CheckAndConsume(ctx, "u1", "GPT_4", limit)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res.Allowed {
				allowed++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	// Check and record are separate round trips, so a burst may overshoot
	// the limit but must never be denied outright.
	assert.GreaterOrEqual(t, allowed, limit)
	assert.LessOrEqual(t, allowed, callers)

	w, err := store.Window(ctx, StorageKey("u1", "GPT_4"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, w.Count, int64(1))
	assert.LessOrEqual(t, w.Count, int64(allowed))
}
