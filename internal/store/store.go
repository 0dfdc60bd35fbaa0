// Package store provides the shared key/value store client used by the
// rate limiter, the distributed circuit breaker, and the route config mirror.
package store

import (
	"context"
	"time"
)

// HotPathTimeout bounds store calls made while a request is in flight.
// Admission decisions must never wait on the store longer than this.
const HotPathTimeout = 50 * time.Millisecond

// Store defines the interface for the shared key/value store.
type Store interface {
	// Get retrieves the string value for the given key.
	Get(ctx context.Context, key string) (string, error)

	// GetInt retrieves the integer value for the given key.
	GetInt(ctx context.Context, key string) (int64, error)

	// Set sets the value for the given key with an expiration.
	// A zero expiration means no expiry.
	Set(ctx context.Context, key, value string, expiration time.Duration) error

	// Expire sets the expiration for an existing key.
	Expire(ctx context.Context, key string, expiration time.Duration) error

	// IncrementWithExpiry atomically increments the value and sets the
	// expiration if the key is new.
	IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error)

	// MSetWithExpiry sets all key/value pairs and their expiration in a
	// single atomic multi-op.
	MSetWithExpiry(ctx context.Context, pairs map[string]string, expiration time.Duration) error

	// MGet retrieves the values for the given keys. Missing keys map to
	// empty strings with ok=false.
	MGet(ctx context.Context, keys ...string) (map[string]string, error)

	// Delete removes the key from the store.
	Delete(ctx context.Context, key string) error

	// Ping verifies store connectivity.
	Ping(ctx context.Context) error

	// Close closes the store and releases resources.
	Close() error
}

// ErrKeyNotFound is returned when a key is not found in the store.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return "key not found: " + e.Key
}

// IsKeyNotFound returns true if the error is a key not found error.
func IsKeyNotFound(err error) bool {
	_, ok := err.(*ErrKeyNotFound)
	return ok
}

// WithHotPathDeadline derives a context bounded by HotPathTimeout for
// store calls made on the request hot path.
func WithHotPathDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, HotPathTimeout)
}
