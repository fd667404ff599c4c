// Package counter holds the shared store behind the sliding-window limiter:
// one sorted set of request timestamps per key.
package counter

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable wraps every backend failure
var ErrStoreUnavailable = errors.New("counter store unavailable")

// Window is the state of one key as seen in a single round trip
type Window struct {
	// EarliestMs is the smallest timestamp in the set; nil when the set is empty.
	EarliestMs *int64
	Count      int64
}

// Entry is one consumed request.
// With Reset set the existing set is dropped first and TTL is applied to the
// fresh set; otherwise the member is added and the TTL left untouched.
type Entry struct {
	AtMs   int64
	Member string
	Reset  bool
	TTL    time.Duration
}

// Store is the atomic counter store used by the rate limiter
type Store interface {
	// Window reads the earliest score and cardinality of key concurrently.
	Window(ctx context.Context, key string) (Window, error)
	// Record applies e to key as one atomic multi-operation.
	Record(ctx context.Context, key string, e Entry) error
	Close() error
}
