// Package store holds the presence and service-session records. Records live
// in an external key-value store with per-key TTL and publish/subscribe; the
// KV interface is the part of that store the gateway relies on.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by KV.Get for a missing or expired key.
var ErrNotFound = errors.New("store: key not found")

// KV is the minimal key-value contract. Implementations wrap backend failures
// in domain.ErrStoreUnavailable and bound every call with a timeout.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	// Set writes value; ttl <= 0 stores without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Expire resets the TTL of key and reports whether it existed.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	// Keys returns keys matching a glob pattern where '*' matches any run of
	// characters. The result is a point-in-time snapshot.
	Keys(ctx context.Context, pattern string) ([]string, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// Subscription delivers messages published on one channel until closed.
type Subscription interface {
	Messages() <-chan string
	Close() error
}
