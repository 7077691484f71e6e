package kv

import (
	"context"
	"strings"
	"time"
)

// Store is the key-value contract shared by the in-memory fake and the Redis
// implementation. Values are opaque strings; callers canonicalize JSON at the
// boundary. A zero TTL means no expiry.
type Store interface {
	// String operations
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)

	// Hash operations
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key, field string) (bool, error)

	// List operations
	RPush(ctx context.Context, key string, values ...string) (int, error)
	LPop(ctx context.Context, key string) (string, bool, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int, error)

	// Set operations
	SAdd(ctx context.Context, key string, members ...string) (int, error)
	SRem(ctx context.Context, key string, members ...string) (int, error)
	SMembers(ctx context.Context, key string) ([]string, error)

	// Scan iterates keys matching a glob: "prefix*", "*suffix", "*contains*"
	// or an exact key. A returned cursor of 0 means iteration is complete.
	Scan(ctx context.Context, cursor uint64, match string, count int) (uint64, []string, error)

	// TTL returns the remaining lifetime: -1 for no expiry, -2 for a missing key.
	TTL(ctx context.Context, key string) (time.Duration, error)

	FlushAll(ctx context.Context) error
}

// matchGlob implements the reduced glob dialect supported by Scan.
func matchGlob(pattern, key string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	starPrefix := strings.HasPrefix(pattern, "*")
	starSuffix := strings.HasSuffix(pattern, "*")
	switch {
	case starPrefix && starSuffix:
		return strings.Contains(key, pattern[1:len(pattern)-1])
	case starPrefix:
		return strings.HasSuffix(key, pattern[1:])
	case starSuffix:
		return strings.HasPrefix(key, pattern[:len(pattern)-1])
	default:
		return key == pattern
	}
}
