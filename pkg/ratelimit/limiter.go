package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sciffer/sandboxgate/pkg/counter"
)

// Result is the outcome of one check
type Result struct {
	Allowed bool
	// Remaining is the number of requests left after this one; -1 when
	// limiting is disabled.
	Remaining  int
	RetryAfter time.Duration
	Limit      int
}

// Options configures a Limiter
type Options struct {
	Enabled bool
	Window  time.Duration
	// RetryAfterOnError is returned when the store cannot be reached.
	RetryAfterOnError time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Limiter is a sliding-window limiter whose window is anchored to the
// earliest request still counted for a key.
type Limiter struct {
	store      counter.Store
	enabled    bool
	window     time.Duration
	errorRetry time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewLimiter creates a limiter on top of store
func NewLimiter(store counter.Store, opts Options, logger *zap.Logger) *Limiter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RetryAfterOnError <= 0 {
		opts.RetryAfterOnError = 5 * time.Second
	}
	return &Limiter{
		store:      store,
		enabled:    opts.Enabled,
		window:     opts.Window,
		errorRetry: opts.RetryAfterOnError,
		now:        opts.Now,
		logger:     logger,
	}
}

// Enabled reports whether limiting is switched on
func (l *Limiter) Enabled() bool { return l.enabled }

// Window returns the configured window length
func (l *Limiter) Window() time.Duration { return l.window }

// CheckAndConsume decides whether userID may make one more request against
// bucket and, if so, records it. Store failures deny the request with a
// short retry hint and are returned alongside the result.
func (l *Limiter) CheckAndConsume(ctx context.Context, userID, bucket string, limit int) (Result, error) {
	if !l.enabled {
		return Result{Allowed: true, Remaining: -1, Limit: limit}, nil
	}
	if limit <= 0 {
		return Result{Allowed: false, Remaining: 0, RetryAfter: l.window, Limit: 0}, nil
	}

	key := StorageKey(userID, bucket)
	nowMs := l.now().UnixMilli()
	windowMs := l.window.Milliseconds()

	w, err := l.store.Window(ctx, key)
	if err != nil {
		return l.failClosed(limit, err)
	}

	remaining := limit
	expired := true
	var windowEnd int64
	if w.EarliestMs != nil {
		windowEnd = *w.EarliestMs + windowMs
		if nowMs < windowEnd {
			expired = false
			remaining = limit - int(w.Count)
		}
	}

	if remaining <= 0 {
		return Result{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: time.Duration(windowEnd-nowMs) * time.Millisecond,
			Limit:      limit,
		}, nil
	}

	entry := counter.Entry{
		AtMs:   nowMs,
		Member: fmt.Sprintf("%d-%s", nowMs, uuid.New().String()),
		Reset:  expired,
		TTL:    l.window,
	}
	if err := l.store.Record(ctx, key, entry); err != nil {
		return l.failClosed(limit, err)
	}

	return Result{Allowed: true, Remaining: remaining - 1, Limit: limit}, nil
}

func (l *Limiter) failClosed(limit int, err error) (Result, error) {
	l.logger.Error("rate limit store failure, denying request", zap.Error(err))
	return Result{Allowed: false, Remaining: 0, RetryAfter: l.errorRetry, Limit: limit}, err
}
