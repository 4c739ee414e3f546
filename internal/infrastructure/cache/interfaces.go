package cache

import (
	"context"
	"fmt"
	"time"
)

// Cache is the generic TTL cache used by the rule store.
type Cache interface {
	// Get retrieves a value by key.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with a TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes one or more keys.
	Delete(ctx context.Context, keys ...string) error

	// DeleteByPattern removes every key matching a glob pattern.
	DeleteByPattern(ctx context.Context, pattern string) error

	// GetJSON retrieves and unmarshals JSON data.
	GetJSON(ctx context.Context, key string, dest interface{}) error

	// SetJSON marshals and stores JSON data with a TTL.
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Close closes the cache connection.
	Close() error
}

// ErrCacheKeyNotFound is returned when a key is absent or expired.
type ErrCacheKeyNotFound struct {
	Key string
}

func (e ErrCacheKeyNotFound) Error() string {
	return fmt.Sprintf("cache key not found: %s", e.Key)
}

// IsNotFound reports whether err is a cache miss.
func IsNotFound(err error) bool {
	_, ok := err.(ErrCacheKeyNotFound)
	return ok
}
