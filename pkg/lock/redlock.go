package lock

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Redlock is a Redlock-compatible lease lock for cross-process coordination.
// This implementation keeps leases in memory with precise TTL semantics and
// an injectable clock; within a single process local mutexes remain the
// source of truth.
type Redlock struct {
	mu    sync.Mutex
	clock func() time.Time
	locks map[string]lease
}

type lease struct {
	token  string
	expiry time.Time
}

// New creates a Redlock. A nil clock defaults to time.Now.
func New(clock func() time.Time) *Redlock {
	if clock == nil {
		clock = time.Now
	}
	return &Redlock{
		clock: clock,
		locks: make(map[string]lease),
	}
}

// Acquire takes the lock for resource with the given TTL. Returns the lease
// token and true on success, or "" and false when the resource is held.
func (r *Redlock) Acquire(resource string, ttl time.Duration) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	if l, ok := r.locks[resource]; ok && l.expiry.After(now) {
		return "", false
	}

	u := uuid.New()
	token := hex.EncodeToString(u[:])
	r.locks[resource] = lease{token: token, expiry: now.Add(ttl)}
	return token, true
}

// Release frees the lock when the token matches and the lease has not
// expired. Expired leases are treated as absent.
func (r *Redlock) Release(resource, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	l, ok := r.locks[resource]
	if !ok {
		return false
	}
	if !l.expiry.After(now) {
		delete(r.locks, resource)
		return false
	}
	if l.token != token {
		return false
	}
	delete(r.locks, resource)
	return true
}

// Refresh extends a live lease the caller still owns.
func (r *Redlock) Refresh(resource, token string, ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	l, ok := r.locks[resource]
	if !ok {
		return false
	}
	if !l.expiry.After(now) {
		delete(r.locks, resource)
		return false
	}
	if l.token != token {
		return false
	}
	l.expiry = now.Add(ttl)
	r.locks[resource] = l
	return true
}

// IsLocked reports whether resource has a live lease.
func (r *Redlock) IsLocked(resource string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	l, ok := r.locks[resource]
	if !ok {
		return false
	}
	if !l.expiry.After(now) {
		delete(r.locks, resource)
		return false
	}
	return true
}

// RemainingTTL returns the lease time left, or -1 when the resource is not
// locked.
func (r *Redlock) RemainingTTL(resource string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	l, ok := r.locks[resource]
	if !ok || !l.expiry.After(now) {
		delete(r.locks, resource)
		return -1
	}
	return l.expiry.Sub(now)
}
