package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

type scoredMember struct {
	score  int64
	member string
}

type memorySet struct {
	entries   []scoredMember // ascending by score
	expiresAt time.Time
}

// MemoryStore is an in-process Store for single-node deployments and tests.
type MemoryStore struct {
	mu   sync.Mutex
	sets map[string]*memorySet
	now  func() time.Time
}

// NewMemoryStore creates an empty store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{sets: make(map[string]*memorySet), now: now}
}

// getLocked returns the live set for key, evicting it if its TTL passed.
func (s *MemoryStore) getLocked(key string) *memorySet {
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	if !set.expiresAt.IsZero() && !s.now().Before(set.expiresAt) {
		delete(s.sets, key)
		return nil
	}
	return set
}

func (s *MemoryStore) Cleanup(_ context.Context, key string, cutoff int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.getLocked(key)
	if set == nil {
		return nil
	}
	i := sort.Search(len(set.entries), func(i int) bool { return set.entries[i].score > cutoff })
	set.entries = append(set.entries[:0], set.entries[i:]...)
	if len(set.entries) == 0 {
		delete(s.sets, key)
	}
	return nil
}

func (s *MemoryStore) Count(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.getLocked(key)
	if set == nil {
		return 0, nil
	}
	return int64(len(set.entries)), nil
}

func (s *MemoryStore) Add(_ context.Context, key string, score int64, member string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.getLocked(key)
	if set == nil {
		set = &memorySet{}
		s.sets[key] = set
	}
	for i, e := range set.entries {
		if e.member == member {
			set.entries = append(set.entries[:i], set.entries[i+1:]...)
			break
		}
	}
	i := sort.Search(len(set.entries), func(i int) bool { return set.entries[i].score > score })
	set.entries = append(set.entries, scoredMember{})
	copy(set.entries[i+1:], set.entries[i:])
	set.entries[i] = scoredMember{score: score, member: member}
	if ttl > 0 {
		set.expiresAt = s.now().Add(ttl)
	}
	return nil
}

func (s *MemoryStore) OldestScore(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.getLocked(key)
	if set == nil || len(set.entries) == 0 {
		return 0, false, nil
	}
	return set.entries[0].score, true, nil
}
