package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0)}
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestMemoryStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	require.NoError(t, s.Set(ctx, "k1", "v1", 0))
	v, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	existed, err := s.Delete(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, existed)

	_, ok, _ = s.Get(ctx, "k1")
	assert.False(t, ok)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := NewMemoryStore(clock.Now)

	require.NoError(t, s.Set(ctx, "k1", "v1", 10*time.Second))

	ttl, err := s.TTL(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, ttl)

	clock.Advance(9 * time.Second)
	_, ok, _ := s.Get(ctx, "k1")
	assert.True(t, ok)

	clock.Advance(2 * time.Second)
	_, ok, _ = s.Get(ctx, "k1")
	assert.False(t, ok, "expired keys are reaped on access")

	ttl, err = s.TTL(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-2), ttl, "missing key reports -2")
}

func TestMemoryStore_SetOverwriteClearsTTL(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := NewMemoryStore(clock.Now)

	s.Set(ctx, "k1", "v1", 5*time.Second)
	s.Set(ctx, "k1", "v2", 0)

	clock.Advance(time.Hour)
	v, ok, _ := s.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, "v2", v)

	ttl, _ := s.TTL(ctx, "k1")
	assert.Equal(t, time.Duration(-1), ttl, "no expiry reports -1")
}

func TestMemoryStore_Sets(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	added, err := s.SAdd(ctx, "open", "a", "b", "a")
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	members, err := s.SMembers(ctx, "open")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)

	removed, err := s.SRem(ctx, "open", "a", "ghost")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	members, _ = s.SMembers(ctx, "open")
	assert.Equal(t, []string{"b"}, members)
}

func TestMemoryStore_HashesAndLists(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	require.NoError(t, s.HSet(ctx, "h", "f1", "v1"))
	v, ok, err := s.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f1": "v1"}, all)

	n, err := s.RPush(ctx, "l", "x", "y")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	items, err := s.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, items)

	head, ok, err := s.LPop(ctx, "l")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", head)

	length, _ := s.LLen(ctx, "l")
	assert.Equal(t, 1, length)
}

func TestMemoryStore_ScanGlobs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	s.Set(ctx, "orders:CLI00000001", "{}", 0)
	s.Set(ctx, "orders:CLI00000002", "{}", 0)
	s.Set(ctx, "idem:place_001", "{}", 0)
	s.SAdd(ctx, "orders:open", "CLI00000001")

	_, keys, err := s.Scan(ctx, 0, "orders:CLI*", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders:CLI00000001", "orders:CLI00000002"}, keys)

	_, keys, err = s.Scan(ctx, 0, "*CLI00000001", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders:CLI00000001"}, keys)

	_, keys, err = s.Scan(ctx, 0, "*open*", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders:open"}, keys)

	_, keys, err = s.Scan(ctx, 0, "idem:place_001", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"idem:place_001"}, keys)
}

func TestMemoryStore_ScanPagination(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		s.Set(ctx, k, "v", 0)
	}

	var collected []string
	var cursor uint64
	for {
		next, keys, err := s.Scan(ctx, cursor, "*", 2)
		require.NoError(t, err)
		collected = append(collected, keys...)
		if next == 0 {
			break
		}
		cursor = next
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, collected)
}
