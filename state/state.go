package state

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable marks failures of the store itself (network, timeout,
// server error). Callers decide whether to fail open or closed on it.
var ErrStoreUnavailable = errors.New("store unavailable")

// Store is the shared key-value state of all gateway instances. Every
// operation is safe to retry.
type Store interface {
	// Returns the value of the key, or nil if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Sets the key to the value, expiring after ttl. Zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Atomically increments the integer stored at the key, creating it with
	// value 1 if absent, and resets its expiry to ttl. Returns the new value.
	IncrementOrCreate(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Deletes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Reports whether the key exists and has not expired.
	Exists(ctx context.Context, key string) (bool, error)
}

// IsUnavailable reports whether err came from an unreachable store.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
