package kv

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Redis-shaped in-memory store with precise TTL semantics
// and an injectable clock for deterministic expiry tests.
type MemoryStore struct {
	mu     sync.Mutex
	clock  func() time.Time
	kv     map[string]string
	hashes map[string]map[string]string
	lists  map[string][]string
	sets   map[string]map[string]struct{}
	expiry map[string]time.Time
}

// NewMemoryStore creates an empty store. A nil clock defaults to time.Now.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		clock:  clock,
		kv:     make(map[string]string),
		hashes: make(map[string]map[string]string),
		lists:  make(map[string][]string),
		sets:   make(map[string]map[string]struct{}),
		expiry: make(map[string]time.Time),
	}
}

// reapExpired lazily drops keys whose expiry has passed. Caller holds mu.
func (s *MemoryStore) reapExpired() {
	now := s.clock()
	for key, exp := range s.expiry {
		if !exp.After(now) {
			delete(s.kv, key)
			delete(s.hashes, key)
			delete(s.lists, key)
			delete(s.sets, key)
			delete(s.expiry, key)
		}
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapExpired()
	v, ok := s.kv[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapExpired()
	s.kv[key] = value
	if ttl > 0 {
		s.expiry[key] = s.clock().Add(ttl)
	} else {
		delete(s.expiry, key)
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapExpired()
	_, inKV := s.kv[key]
	_, inHash := s.hashes[key]
	_, inList := s.lists[key]
	_, inSet := s.sets[key]
	delete(s.kv, key)
	delete(s.hashes, key)
	delete(s.lists, key)
	delete(s.sets, key)
	delete(s.expiry, key)
	return inKV || inHash || inList || inSet, nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapExpired()
	if _, ok := s.kv[key]; ok {
		return true, nil
	}
	if _, ok := s.hashes[key]; ok {
		return true, nil
	}
	if _, ok := s.lists[key]; ok {
		return true, nil
	}
	_, ok := s.sets[key]
	return ok, nil
}

func (s *MemoryStore) HSet(ctx context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapExpired()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (s *MemoryStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapExpired()
	h, ok := s.hashes[key]
	if !ok {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (s *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapExpired()
	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (s *MemoryStore) HDel(ctx context.Context, key, field string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapExpired()
	h, ok := s.hashes[key]
	if !ok {
		return false, nil
	}
	_, existed := h[field]
	delete(h, field)
	if len(h) == 0 {
		delete(s.hashes, key)
	}
	return existed, nil
}

func (s *MemoryStore) RPush(ctx context.Context, key string, values ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapExpired()
	s.lists[key] = append(s.lists[key], values...)
	return len(s.lists[key]), nil
}

func (s *MemoryStore) LPop(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapExpired()
	l := s.lists[key]
	if len(l) == 0 {
		return "", false, nil
	}
	v := l[0]
	if len(l) == 1 {
		delete(s.lists, key)
	} else {
		s.lists[key] = l[1:]
	}
	return v, true, nil
}

func (s *MemoryStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapExpired()
	l := s.lists[key]
	n := int64(len(l))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

func (s *MemoryStore) LLen(ctx context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapExpired()
	return len(s.lists[key]), nil
}

func (s *MemoryStore) SAdd(ctx context.Context, key string, members ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapExpired()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	added := 0
	for _, m := range members {
		if _, exists := set[m]; !exists {
			set[m] = struct{}{}
			added++
		}
	}
	return added, nil
}

func (s *MemoryStore) SRem(ctx context.Context, key string, members ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapExpired()
	set, ok := s.sets[key]
	if !ok {
		return 0, nil
	}
	removed := 0
	for _, m := range members {
		if _, exists := set[m]; exists {
			delete(set, m)
			removed++
		}
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return removed, nil
}

func (s *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapExpired()
	set := s.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Scan(ctx context.Context, cursor uint64, match string, count int) (uint64, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapExpired()
	if count <= 0 {
		count = 10
	}

	all := make([]string, 0, len(s.kv)+len(s.hashes)+len(s.lists)+len(s.sets))
	for k := range s.kv {
		all = append(all, k)
	}
	for k := range s.hashes {
		all = append(all, k)
	}
	for k := range s.lists {
		all = append(all, k)
	}
	for k := range s.sets {
		all = append(all, k)
	}
	sort.Strings(all)

	filtered := all[:0]
	for _, k := range all {
		if matchGlob(match, k) {
			filtered = append(filtered, k)
		}
	}

	start := int(cursor)
	if start >= len(filtered) {
		return 0, nil, nil
	}
	end := start + count
	if end > len(filtered) {
		end = len(filtered)
	}
	keys := make([]string, end-start)
	copy(keys, filtered[start:end])
	next := uint64(end)
	if end >= len(filtered) {
		next = 0
	}
	return next, keys, nil
}

func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapExpired()

	exists := false
	if _, ok := s.kv[key]; ok {
		exists = true
	} else if _, ok := s.hashes[key]; ok {
		exists = true
	} else if _, ok := s.lists[key]; ok {
		exists = true
	} else if _, ok := s.sets[key]; ok {
		exists = true
	}
	if !exists {
		return -2, nil
	}
	exp, ok := s.expiry[key]
	if !ok {
		return -1, nil
	}
	remaining := exp.Sub(s.clock())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (s *MemoryStore) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv = make(map[string]string)
	s.hashes = make(map[string]map[string]string)
	s.lists = make(map[string][]string)
	s.sets = make(map[string]map[string]struct{})
	s.expiry = make(map[string]time.Time)
	return nil
}
