// Package store provides the shared KV abstraction all other router
// components read and write through: get/set/delete with per-key TTL,
// a field-addressable hash for the health projection, prefix enumeration,
// and atomic multi-write commits. See SPEC_FULL.md §5.1.
package store

import (
	"context"
	"time"
)

// Store is implemented by Redis (production) and Memory (tests, dev
// fallback). All methods are safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key, field, value string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Pipeline queues the writes issued against p inside fn and commits
	// them as a single atomic unit: either all land or none do.
	Pipeline(ctx context.Context, fn func(p Pipeliner)) error

	Close() error
}

// Pipeliner accumulates writes for one Pipeline call. It has no reads:
// the reconciliation logic that decides what to write must compute its
// diff beforehand from a snapshot read.
type Pipeliner interface {
	Set(key, value string, ttl time.Duration)
	Delete(keys ...string)
	HSet(key, field, value string)
	HDel(key string, fields ...string)
	Expire(key string, ttl time.Duration)
}
