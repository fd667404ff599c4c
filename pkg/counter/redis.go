package counter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPoolSize    = 20
	defaultRedisPingRetries = 3
	defaultRedisDialTimeout = 2 * time.Second
	defaultRedisReadTimeout = time.Second
)

// RedisOptions configures a RedisStore
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	PingAttempts int
}

// RedisStore keeps each key as a sorted set scored by request time in ms
type RedisStore struct {
	client redis.UniversalClient

	closeOnce sync.Once
	closeErr  error
}

// NewRedisStore connects and pings the server, retrying with backoff
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = defaultRedisPoolSize
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultRedisDialTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultRedisReadTimeout
	}
	if opts.PingAttempts <= 0 {
		opts.PingAttempts = defaultRedisPingRetries
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{opts.Addr},
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.ReadTimeout,
	})

	s := NewRedisStoreFromClient(client)
	if err := s.pingWithRetry(ctx, opts.PingAttempts); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Window implements Store
func (s *RedisStore) Window(ctx context.Context, key string) (Window, error) {
	var first *redis.ZSliceCmd
	var card *redis.IntCmd
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		first = p.ZRangeWithScores(ctx, key, 0, 0)
		card = p.ZCard(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Window{}, fmt.Errorf("%w: reading window: %v", ErrStoreUnavailable, err)
	}

	w := Window{Count: card.Val()}
	if zs := first.Val(); len(zs) > 0 {
		earliest := int64(zs[0].Score)
		w.EarliestMs = &earliest
	}
	return w, nil
}

// Record implements Store
func (s *RedisStore) Record(ctx context.Context, key string, e Entry) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if e.Reset {
			p.Del(ctx, key)
		}
		p.ZAdd(ctx, key, redis.Z{Score: float64(e.AtMs), Member: e.Member})
		if e.Reset && e.TTL > 0 {
			p.PExpire(ctx, key, e.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: recording entry: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Ping checks connectivity
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases Redis resources. It is idempotent.
func (s *RedisStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

func (s *RedisStore) pingWithRetry(ctx context.Context, attempts int) error {
	backoff := 100 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		if lastErr = s.client.Ping(ctx).Err(); lastErr == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}
